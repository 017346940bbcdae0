package config

import (
	"errors"
	"fmt"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// ErrModelNotFound is returned by Resolve when no rule matches.
var ErrModelNotFound = errors.New("model not found")

// Route is everything needed to serve one requested model.
type Route struct {
	RequestModel  string
	UpstreamModel string
	Rule          string
	Provider      Provider
	Stages        pipeline.ResolvedStageConfig
}

// Resolve finds the first rule whose pattern matches model. The returned
// stage config is a private copy.
func (c *Config) Resolve(model string) (*Route, error) {
	for _, r := range c.rules {
		if !r.pattern.Match(model) {
			continue
		}
		provider, ok := c.Provider(r.rule.Provider)
		if !ok {
			return nil, fmt.Errorf("model %s: unknown provider %q", model, r.rule.Provider)
		}
		upstream := r.rule.UpstreamModel
		if upstream == "" {
			upstream = model
		}
		return &Route{
			RequestModel:  model,
			UpstreamModel: upstream,
			Rule:          r.rule.Match,
			Provider:      provider,
			Stages:        c.stagesFor(r.rule),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, model)
}

// stagesFor merges a rule's stage list: its own pipeline or else its
// profile's, with per-stage param overrides applied on top.
func (c *Config) stagesFor(rule ModelRule) pipeline.ResolvedStageConfig {
	base := rule.Pipeline
	if len(base) == 0 && rule.Profile != "" {
		base = c.Profiles[rule.Profile].Pipeline
	}
	stages := make([]pipeline.StageConfig, len(base))
	for i, s := range base {
		params := s.Params.Clone()
		if override, ok := rule.Params[s.Name]; ok {
			if params == nil {
				params = make(pipeline.Params, len(override))
			}
			for k, v := range override.Clone() {
				params[k] = v
			}
		}
		stages[i] = pipeline.StageConfig{Name: s.Name, Params: params}
	}
	return pipeline.ResolvedStageConfig{Stages: stages}
}

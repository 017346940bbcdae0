package pipeline

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Params holds the already-merged parameters of one stage as they come out
// of the configuration file.
type Params map[string]interface{}

// Decode copies the params into out, a pointer to a struct with yaml tags.
// Keys that out does not declare are rejected.
func (p Params) Decode(out interface{}) error {
	if len(p) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(map[string]interface{}(p))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// Clone returns a deep copy so callers can hand out params without sharing
// nested maps or slices.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(Params(t).Clone())
	case Params:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// StageConfig names one stage and its parameters.
type StageConfig struct {
	Name   string `yaml:"name" json:"name"`
	Params Params `yaml:"params,omitempty" json:"params,omitempty"`
}

// ResolvedStageConfig is the ordered stage list for one response.
type ResolvedStageConfig struct {
	Stages []StageConfig `yaml:"stages" json:"stages"`
}

// Names lists the stage names in order.
func (c ResolvedStageConfig) Names() []string {
	names := make([]string, len(c.Stages))
	for i, s := range c.Stages {
		names[i] = s.Name
	}
	return names
}

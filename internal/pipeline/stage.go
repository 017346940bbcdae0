package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

const (
	StageTagExtract    = "tag_extract"
	StageReasoningSwap = "reasoning_swap"
)

// ErrUnknownStage is returned by Open when a stage name is not registered.
var ErrUnknownStage = errors.New("unknown stage")

// Stage transforms the event stream of one response. Process is called for
// every event in order and returns the events to hand to the next stage.
// Stages forward events they do not handle unchanged.
type Stage interface {
	Name() string
	Process(ev Event) []Event
}

// Env carries per-handle collaborators into stage factories.
type Env struct {
	Observer Observer
}

// Factory builds a stage from its params.
type Factory func(params Params, env Env) (Stage, error)

// StageError locates a stage construction failure in the resolved config.
type StageError struct {
	Index int
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Registry maps stage names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a new registry holding the built-in stages.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(StageTagExtract, newTagExtractStage)
	r.Register(StageReasoningSwap, newSwapStage)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names lists registered stage names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates every stage of cfg in order.
func (r *Registry) Build(cfg ResolvedStageConfig, env Env) ([]Stage, error) {
	if env.Observer == nil {
		env.Observer = NopObserver()
	}
	stages := make([]Stage, 0, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		f, ok := r.factories[sc.Name]
		if !ok {
			return nil, &StageError{Index: i, Stage: sc.Name, Err: ErrUnknownStage}
		}
		s, err := f(sc.Params, env)
		if err != nil {
			return nil, &StageError{Index: i, Stage: sc.Name, Err: err}
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// tagExtractStage runs the tag parser over literal text. Reasoning that
// arrives already separated bypasses the parser.
type tagExtractStage struct {
	parser *Parser
}

func newTagExtractStage(params Params, env Env) (Stage, error) {
	var p TagExtractParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	spec, err := NewDelimiterSpec(p)
	if err != nil {
		return nil, err
	}
	return &tagExtractStage{parser: NewParser(spec, env.Observer)}, nil
}

func (s *tagExtractStage) Name() string { return StageTagExtract }

func (s *tagExtractStage) Process(ev Event) []Event {
	switch ev.Type {
	case EventLiteral:
		return s.parser.Feed(ev.Text)
	case EventEnd:
		return s.parser.Finalize()
	default:
		return []Event{ev}
	}
}

package pipeline

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Driver opens pipeline handles from resolved stage configs.
type Driver struct {
	registry *Registry
	observer Observer
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithObserver sets the observer handed to every stage.
func WithObserver(o Observer) DriverOption {
	return func(d *Driver) {
		d.observer = o
	}
}

// NewDriver creates a driver. A nil registry means DefaultRegistry.
func NewDriver(registry *Registry, opts ...DriverOption) *Driver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	d := &Driver{registry: registry, observer: LogObserver()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithMessageRendering makes the handle render one coalesced delta on
// completion instead of streaming deltas per chunk.
func WithMessageRendering() HandleOption {
	return func(h *Handle) {
		h.message = true
	}
}

// WithCapture keeps the raw input and every output event for Transcript.
func WithCapture() HandleOption {
	return func(h *Handle) {
		h.capture = true
	}
}

// WithHandleObserver overrides the driver's observer for one handle.
func WithHandleObserver(o Observer) HandleOption {
	return func(h *Handle) {
		h.observer = o
	}
}

// Open builds the stages for one response. Configuration errors surface
// here, before any byte is processed.
func (d *Driver) Open(cfg ResolvedStageConfig, opts ...HandleOption) (*Handle, error) {
	h := &Handle{names: cfg.Names(), observer: d.observer}
	for _, opt := range opts {
		opt(h)
	}
	stages, err := d.registry.Build(cfg, Env{Observer: h.observer})
	if err != nil {
		return nil, err
	}
	h.stages = stages
	logrus.Debugf("pipeline: opened handle with stages %v", h.names)
	return h, nil
}

// Transcript is what a handle saw and produced, for recording.
type Transcript struct {
	Stages       []string `json:"stages"`
	RawContent   string   `json:"raw_content,omitempty"`
	RawReasoning string   `json:"raw_reasoning,omitempty"`
	Events       []Event  `json:"events,omitempty"`
}

// Handle is the per-response pipeline state. It is driven by one goroutine.
type Handle struct {
	stages   []Stage
	names    []string
	observer Observer

	message bool
	capture bool

	rawContent   strings.Builder
	rawReasoning strings.Builder
	events       []Event

	acc       Delta
	calls     []ToolCall
	completed bool
	closed    bool
}

// OnChunk feeds the next piece of raw upstream content.
func (h *Handle) OnChunk(raw string) []Delta {
	if raw == "" || h.done() {
		return nil
	}
	if h.capture {
		h.rawContent.WriteString(raw)
	}
	return h.render(h.run(Literal(raw)))
}

// OnReasoning feeds reasoning text the upstream already separated from the
// content. It bypasses tag extraction but still goes through later stages.
func (h *Handle) OnReasoning(text string) []Delta {
	if text == "" || h.done() {
		return nil
	}
	if h.capture {
		h.rawReasoning.WriteString(text)
	}
	return h.render(h.run(Reasoning(text)))
}

// OnComplete flushes every stage. For message rendering it returns exactly
// one delta holding the whole response.
func (h *Handle) OnComplete() []Delta {
	if h.done() {
		return nil
	}
	out := h.render(h.run(End()))
	h.completed = true
	if h.message {
		return []Delta{h.acc}
	}
	return out
}

// Close releases the handle. It is safe to call at any point, any number
// of times.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.stages = nil
}

// ToolCalls lists the calls extracted so far.
func (h *Handle) ToolCalls() []ToolCall {
	return append([]ToolCall(nil), h.calls...)
}

// Stages lists the stage names of the handle.
func (h *Handle) Stages() []string {
	return append([]string(nil), h.names...)
}

// Transcript returns the captured input and output. Without WithCapture
// only the stage names are set.
func (h *Handle) Transcript() Transcript {
	t := Transcript{Stages: h.Stages()}
	if h.capture {
		t.RawContent = h.rawContent.String()
		t.RawReasoning = h.rawReasoning.String()
		t.Events = append([]Event(nil), h.events...)
	}
	return t
}

func (h *Handle) done() bool {
	return h.closed || h.completed
}

func (h *Handle) run(ev Event) []Event {
	events := []Event{ev}
	for _, s := range h.stages {
		var next []Event
		for _, e := range events {
			next = append(next, s.Process(e)...)
		}
		events = next
	}
	for _, e := range events {
		if e.Type == EventToolCallEnd {
			h.calls = append(h.calls, *e.Call)
		}
	}
	if h.capture {
		h.events = append(h.events, events...)
	}
	return events
}

func (h *Handle) render(events []Event) []Delta {
	deltas := RenderDeltas(events)
	if !h.message {
		return deltas
	}
	for _, d := range deltas {
		h.acc.Content += d.Content
		h.acc.Reasoning += d.Reasoning
		h.acc.ToolCalls = append(h.acc.ToolCalls, d.ToolCalls...)
	}
	return nil
}

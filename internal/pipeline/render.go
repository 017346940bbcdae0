package pipeline

// Delta is the rendered form of a run of events: the content, reasoning and
// tool-call fields a client-facing message or chunk carries.
type Delta struct {
	Content   string     `json:"content,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Empty reports whether the delta carries nothing.
func (d Delta) Empty() bool {
	return d.Content == "" && d.Reasoning == "" && len(d.ToolCalls) == 0
}

type deltaKind int

const (
	kindNone deltaKind = iota
	kindContent
	kindReasoning
	kindToolCalls
)

// RenderDeltas turns events into streaming deltas, one per run of
// same-kind events, preserving order. Tool-call progress events are not
// rendered; a call appears once, complete, when it ends.
func RenderDeltas(events []Event) []Delta {
	var out []Delta
	last := kindNone
	for _, ev := range events {
		var kind deltaKind
		switch ev.Type {
		case EventLiteral:
			kind = kindContent
		case EventReasoning:
			kind = kindReasoning
		case EventToolCallEnd:
			kind = kindToolCalls
		default:
			continue
		}
		if ev.IsText() && ev.Text == "" {
			continue
		}
		if kind != last {
			out = append(out, Delta{})
			last = kind
		}
		appendEvent(&out[len(out)-1], ev)
	}
	return out
}

func appendEvent(d *Delta, ev Event) {
	switch ev.Type {
	case EventLiteral:
		d.Content += ev.Text
	case EventReasoning:
		d.Reasoning += ev.Text
	case EventToolCallEnd:
		d.ToolCalls = append(d.ToolCalls, *ev.Call)
	}
}

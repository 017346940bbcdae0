package pipeline

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the closed set of events a stage can emit.
type EventType int

const (
	EventLiteral EventType = iota
	EventReasoning
	EventToolCallStart
	EventToolCallArgDelta
	EventToolCallEnd
	// EventToolCallAbort tells consumers that the call announced by a
	// previous EventToolCallStart with the same index did not decode; its
	// raw text follows as Literal or Reasoning events.
	EventToolCallAbort
	EventEnd
)

func (t EventType) String() string {
	switch t {
	case EventLiteral:
		return "literal"
	case EventReasoning:
		return "reasoning"
	case EventToolCallStart:
		return "tool_call_start"
	case EventToolCallArgDelta:
		return "tool_call_arg_delta"
	case EventToolCallEnd:
		return "tool_call_end"
	case EventToolCallAbort:
		return "tool_call_abort"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// ToolCall is a decoded tool invocation. Arguments is always a JSON value.
type ToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Event is one item of the ordered output of a stage.
//
// Text is set for Literal, Reasoning and ToolCallArgDelta. Index is set for
// every tool-call event. Call is set for ToolCallEnd only.
type Event struct {
	Type  EventType
	Text  string
	Index int
	Call  *ToolCall
}

func Literal(text string) Event   { return Event{Type: EventLiteral, Text: text} }
func Reasoning(text string) Event { return Event{Type: EventReasoning, Text: text} }
func End() Event                  { return Event{Type: EventEnd} }

func toolCallStart(index int) Event { return Event{Type: EventToolCallStart, Index: index} }
func toolCallAbort(index int) Event { return Event{Type: EventToolCallAbort, Index: index} }

func toolCallArgDelta(index int, text string) Event {
	return Event{Type: EventToolCallArgDelta, Index: index, Text: text}
}

func toolCallEnd(call ToolCall) Event {
	return Event{Type: EventToolCallEnd, Index: call.Index, Call: &call}
}

// textEvent builds a Literal or Reasoning event depending on whether the
// text was found inside a thinking block.
func textEvent(reasoning bool, text string) Event {
	if reasoning {
		return Reasoning(text)
	}
	return Literal(text)
}

// IsText reports whether the event carries user-visible text.
func (e Event) IsText() bool {
	return e.Type == EventLiteral || e.Type == EventReasoning
}

func (e Event) String() string {
	switch e.Type {
	case EventLiteral, EventReasoning:
		return fmt.Sprintf("%s(%q)", e.Type, e.Text)
	case EventToolCallArgDelta:
		return fmt.Sprintf("%s(%d, %q)", e.Type, e.Index, e.Text)
	case EventToolCallEnd:
		return fmt.Sprintf("%s(%d, %s, %s)", e.Type, e.Index, e.Call.Name, e.Call.Arguments)
	case EventToolCallStart, EventToolCallAbort:
		return fmt.Sprintf("%s(%d)", e.Type, e.Index)
	default:
		return e.Type.String()
	}
}

// MarshalJSON renders only the fields meaningful for the event type.
func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"type": e.Type.String()}
	switch e.Type {
	case EventLiteral, EventReasoning:
		m["text"] = e.Text
	case EventToolCallArgDelta:
		m["index"] = e.Index
		m["text"] = e.Text
	case EventToolCallStart, EventToolCallAbort:
		m["index"] = e.Index
	case EventToolCallEnd:
		m["index"] = e.Index
		m["call"] = e.Call
	}
	return json.Marshal(m)
}

// Coalesce merges consecutive text events of the same type and drops empty
// text events. Other events are kept in place.
func Coalesce(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.IsText() {
			if ev.Text == "" {
				continue
			}
			if n := len(out); n > 0 && out[n-1].Type == ev.Type {
				out[n-1].Text += ev.Text
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

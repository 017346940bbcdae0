package nonstream

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

// TransformChatCompletion runs the message of every choice in raw through
// its own handle and returns the rewritten chat.completion object.
func TransformChatCompletion(raw, model string, open protocol.HandleOpener) (string, []protocol.ChoiceResult, error) {
	if !gjson.Valid(raw) {
		return "", nil, fmt.Errorf("invalid completion: %.64q", raw)
	}

	out := protocol.SetModel(raw, model)
	var results []protocol.ChoiceResult
	for i, choice := range gjson.Get(raw, "choices").Array() {
		index := choice.Get("index").Int()
		h, err := open(index)
		if err != nil {
			return "", nil, fmt.Errorf("open pipeline for choice %d: %w", index, err)
		}

		message := choice.Get("message")
		var msg pipeline.Delta
		deltas := h.OnReasoning(message.Get(protocol.FieldReasoningContent).String())
		deltas = append(deltas, h.OnChunk(message.Get("content").String())...)
		deltas = append(deltas, h.OnComplete()...)
		for _, d := range deltas {
			protocol.MergeDelta(&msg, d)
		}
		results = append(results, protocol.ChoiceResult{Index: index, Transcript: h.Transcript(), Output: msg})
		h.Close()

		rewritten, err := rewriteChoice(choice.Raw, message, msg)
		if err != nil {
			return "", nil, err
		}
		if out, err = sjson.SetRaw(out, fmt.Sprintf("choices.%d", i), rewritten); err != nil {
			return "", nil, err
		}
	}
	return out, results, nil
}

func rewriteChoice(raw string, message gjson.Result, msg pipeline.Delta) (string, error) {
	out := raw
	var err error

	calls := message.Get("tool_calls").Array()
	switch {
	case msg.Content != "":
		out, err = sjson.Set(out, "message.content", msg.Content)
	case len(calls) > 0 || len(msg.ToolCalls) > 0:
		out, err = sjson.Set(out, "message.content", nil)
	case message.Get("content").Exists():
		out, err = sjson.Set(out, "message.content", "")
	}
	if err != nil {
		return "", err
	}

	if msg.Reasoning != "" {
		out, err = sjson.Set(out, "message."+protocol.FieldReasoningContent, msg.Reasoning)
	} else {
		out, err = sjson.Delete(out, "message."+protocol.FieldReasoningContent)
	}
	if err != nil {
		return "", err
	}

	if len(msg.ToolCalls) > 0 {
		if !protocol.IsSet(message.Get("tool_calls")) {
			if out, err = sjson.SetRaw(out, "message.tool_calls", "[]"); err != nil {
				return "", err
			}
		}
		for _, call := range msg.ToolCalls {
			if out, err = sjson.SetRaw(out, "message.tool_calls.-1", protocol.ToolCallJSON(call, false)); err != nil {
				return "", err
			}
		}
	}

	if finish := gjson.Get(raw, "finish_reason"); protocol.IsSet(finish) {
		out, err = sjson.Set(out, "finish_reason", protocol.RewriteFinishReason(finish.String(), len(msg.ToolCalls)))
	}
	return out, err
}

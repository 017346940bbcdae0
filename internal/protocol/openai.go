package protocol

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// OpenAI chat completion field and value names the relay touches.
const (
	FieldReasoningContent = "reasoning_content"

	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"

	ToolTypeFunction = "function"
)

// ToolCallJSON renders call as an OpenAI tool_calls entry. Streaming
// entries carry the call index; message entries do not.
func ToolCallJSON(call pipeline.ToolCall, withIndex bool) string {
	out := `{}`
	if withIndex {
		out, _ = sjson.Set(out, "index", call.Index)
	}
	out, _ = sjson.Set(out, "id", call.ID)
	out, _ = sjson.Set(out, "type", ToolTypeFunction)
	out, _ = sjson.Set(out, "function.name", call.Name)
	out, _ = sjson.Set(out, "function.arguments", call.Arguments)
	return out
}

// RewriteFinishReason maps "stop" to "tool_calls" when the pipeline
// extracted calls for the choice.
func RewriteFinishReason(reason string, extracted int) string {
	if reason == FinishReasonStop && extracted > 0 {
		return FinishReasonToolCalls
	}
	return reason
}

// IsSet reports whether r holds a non-null value.
func IsSet(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

// SetModel replaces the top-level model of raw when model is not empty.
func SetModel(raw, model string) string {
	if model == "" {
		return raw
	}
	out, err := sjson.Set(raw, "model", model)
	if err != nil {
		return raw
	}
	return out
}

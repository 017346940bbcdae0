package stream

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

// ChatTransformer rewrites a stream of OpenAI chat.completion.chunk
// objects. Every choice index gets its own pipeline handle; the content
// and reasoning_content of each choice go through it and everything else
// the upstream sent is passed on.
type ChatTransformer struct {
	model   string
	open    protocol.HandleOpener
	choices map[int64]*choiceState
	order   []int64

	// base is the last upstream chunk without choices, used as the
	// template for chunks the relay emits itself.
	base string
}

type choiceState struct {
	handle   *pipeline.Handle
	output   pipeline.Delta
	finished bool

	// nativeCalls is one past the highest tool_calls index the upstream
	// used; extracted calls are numbered after it.
	nativeCalls int64
}

// NewChatTransformer creates a transformer reporting model to the client.
func NewChatTransformer(model string, open protocol.HandleOpener) *ChatTransformer {
	return &ChatTransformer{
		model:   model,
		open:    open,
		choices: make(map[int64]*choiceState),
	}
}

// Transform returns the chunks to send for one upstream chunk, in order.
func (t *ChatTransformer) Transform(raw string) ([]string, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid chunk: %.64q", raw)
	}
	t.base = baseChunk(raw, t.model)

	choices := gjson.Get(raw, "choices").Array()
	if len(choices) == 0 {
		return []string{protocol.SetModel(raw, t.model)}, nil
	}

	var out []string
	for _, choice := range choices {
		chunks, err := t.transformChoice(choice)
		if err != nil {
			return out, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}

func (t *ChatTransformer) transformChoice(choice gjson.Result) ([]string, error) {
	index := choice.Get("index").Int()
	st, err := t.state(index)
	if err != nil {
		return nil, err
	}
	if st.finished {
		return []string{withChoice(t.base, choice.Raw)}, nil
	}

	choice.Get("delta.tool_calls.#.index").ForEach(func(_, v gjson.Result) bool {
		if n := v.Int() + 1; n > st.nativeCalls {
			st.nativeCalls = n
		}
		return true
	})

	var deltas []pipeline.Delta
	deltas = append(deltas, st.handle.OnReasoning(choice.Get("delta."+protocol.FieldReasoningContent).String())...)
	deltas = append(deltas, st.handle.OnChunk(choice.Get("delta.content").String())...)

	finish := choice.Get("finish_reason")
	if protocol.IsSet(finish) {
		deltas = append(deltas, st.handle.OnComplete()...)
		st.finished = true
	}

	role := choice.Get("delta.role").String()
	out := t.deltaChunks(st, index, role, deltas)
	roleSent := role != "" && len(out) > 0

	residual := residualChoice(choice.Raw, roleSent)
	if protocol.IsSet(finish) {
		reason := protocol.RewriteFinishReason(finish.String(), len(st.handle.ToolCalls()))
		residual, _ = sjson.Set(residual, "finish_reason", reason)
	}
	if hasPayload(residual) {
		out = append(out, withChoice(t.base, residual))
	}
	return out, nil
}

// Finish completes every choice the upstream never finished and returns
// the chunks carrying what the stages still held.
func (t *ChatTransformer) Finish() []string {
	var out []string
	for _, index := range t.order {
		st := t.choices[index]
		if st.finished {
			continue
		}
		out = append(out, t.deltaChunks(st, index, "", st.handle.OnComplete())...)
		st.finished = true
	}
	return out
}

// Close releases every handle.
func (t *ChatTransformer) Close() {
	for _, st := range t.choices {
		st.handle.Close()
	}
}

// Results reports each choice in index order.
func (t *ChatTransformer) Results() []protocol.ChoiceResult {
	indices := append([]int64(nil), t.order...)
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := make([]protocol.ChoiceResult, 0, len(indices))
	for _, index := range indices {
		st := t.choices[index]
		out = append(out, protocol.ChoiceResult{
			Index:      index,
			Transcript: st.handle.Transcript(),
			Output:     st.output,
		})
	}
	return out
}

// ToolCalls counts the calls extracted across all choices.
func (t *ChatTransformer) ToolCalls() int {
	n := 0
	for _, st := range t.choices {
		n += len(st.handle.ToolCalls())
	}
	return n
}

func (t *ChatTransformer) state(index int64) (*choiceState, error) {
	if st, ok := t.choices[index]; ok {
		return st, nil
	}
	h, err := t.open(index)
	if err != nil {
		return nil, fmt.Errorf("open pipeline for choice %d: %w", index, err)
	}
	st := &choiceState{handle: h}
	t.choices[index] = st
	t.order = append(t.order, index)
	return st, nil
}

func (t *ChatTransformer) deltaChunks(st *choiceState, index int64, role string, deltas []pipeline.Delta) []string {
	var out []string
	for _, d := range deltas {
		if d.Empty() {
			continue
		}
		out = append(out, withChoice(t.base, deltaChoice(index, role, st.nativeCalls, d)))
		protocol.MergeDelta(&st.output, d)
		role = ""
	}
	return out
}

func baseChunk(raw, model string) string {
	out, _ := sjson.Delete(raw, "choices")
	out, _ = sjson.SetRaw(out, "choices", "[]")
	return protocol.SetModel(out, model)
}

func withChoice(base, choice string) string {
	out, _ := sjson.SetRaw(base, "choices.-1", choice)
	return out
}

func deltaChoice(index int64, role string, callOffset int64, d pipeline.Delta) string {
	choice := `{"index":0,"delta":{},"finish_reason":null}`
	choice, _ = sjson.Set(choice, "index", index)
	if role != "" {
		choice, _ = sjson.Set(choice, "delta.role", role)
	}
	if d.Reasoning != "" {
		choice, _ = sjson.Set(choice, "delta."+protocol.FieldReasoningContent, d.Reasoning)
	}
	if d.Content != "" {
		choice, _ = sjson.Set(choice, "delta.content", d.Content)
	}
	for i, call := range d.ToolCalls {
		raw, _ := sjson.Set(protocol.ToolCallJSON(call, true), "index", callOffset+int64(call.Index))
		choice, _ = sjson.SetRaw(choice, fmt.Sprintf("delta.tool_calls.%d", i), raw)
	}
	return choice
}

// residualChoice is what is left of an upstream choice once the pipeline
// took its text.
func residualChoice(raw string, dropRole bool) string {
	out, _ := sjson.Delete(raw, "delta.content")
	out, _ = sjson.Delete(out, "delta."+protocol.FieldReasoningContent)
	if dropRole {
		out, _ = sjson.Delete(out, "delta.role")
	}
	return out
}

func hasPayload(choice string) bool {
	payload := false
	gjson.Get(choice, "delta").ForEach(func(_, v gjson.Result) bool {
		payload = v.Type != gjson.Null
		return !payload
	})
	if payload {
		return true
	}
	return protocol.IsSet(gjson.Get(choice, "finish_reason")) || protocol.IsSet(gjson.Get(choice, "logprobs"))
}

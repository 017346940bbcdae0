package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

func glmOpener(t *testing.T) func(int64) (*pipeline.Handle, error) {
	t.Helper()
	driver := pipeline.NewDriver(nil, pipeline.WithObserver(pipeline.NopObserver()))
	cfg := pipeline.ResolvedStageConfig{Stages: []pipeline.StageConfig{{
		Name:   pipeline.StageTagExtract,
		Params: pipeline.Params{"think_tag": "think", "tool_tag": "tool_call"},
	}}}
	return func(int64) (*pipeline.Handle, error) {
		return driver.Open(cfg, pipeline.WithCapture())
	}
}

func chunk(choice string) string {
	return `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"glm-4.5-upstream","choices":[` + choice + `]}`
}

func transformAll(t *testing.T, tr *ChatTransformer, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		got, err := tr.Transform(c)
		require.NoError(t, err)
		out = append(out, got...)
	}
	return append(out, tr.Finish()...)
}

func TestChatTransformerSplitsThinkingAndToolCalls(t *testing.T) {
	tr := NewChatTransformer("glm-4.5", glmOpener(t))
	defer tr.Close()

	out := transformAll(t, tr,
		chunk(`{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}`),
		chunk(`{"index":0,"delta":{"content":"<think>plan"},"finish_reason":null}`),
		chunk(`{"index":0,"delta":{"content":"</think>Checking.<tool_call>get_weather<arg_key>city</arg_key>"},"finish_reason":null}`),
		chunk(`{"index":0,"delta":{"content":"<arg_value>Paris</arg_value></tool_call>"},"finish_reason":null}`),
		chunk(`{"index":0,"delta":{},"finish_reason":"stop"}`),
	)

	require.Len(t, out, 5)
	for _, c := range out {
		assert.Equal(t, "glm-4.5", gjson.Get(c, "model").String())
		assert.Equal(t, "chatcmpl-1", gjson.Get(c, "id").String())
	}

	assert.Equal(t, "assistant", gjson.Get(out[0], "choices.0.delta.role").String())
	assert.False(t, gjson.Get(out[0], "choices.0.delta.content").Exists())

	assert.Equal(t, "plan", gjson.Get(out[1], "choices.0.delta.reasoning_content").String())
	assert.Equal(t, "Checking.", gjson.Get(out[2], "choices.0.delta.content").String())

	call := gjson.Get(out[3], "choices.0.delta.tool_calls.0")
	assert.Equal(t, int64(0), call.Get("index").Int())
	assert.Equal(t, "call_0", call.Get("id").String())
	assert.Equal(t, "function", call.Get("type").String())
	assert.Equal(t, "get_weather", call.Get("function.name").String())
	assert.JSONEq(t, `{"city":"Paris"}`, call.Get("function.arguments").String())

	assert.Equal(t, "tool_calls", gjson.Get(out[4], "choices.0.finish_reason").String())
	assert.Equal(t, 1, tr.ToolCalls())
}

func TestChatTransformerRoleRidesOnFirstDelta(t *testing.T) {
	tr := NewChatTransformer("", glmOpener(t))
	defer tr.Close()

	out := transformAll(t, tr,
		chunk(`{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}`),
	)

	require.Len(t, out, 1)
	assert.Equal(t, "assistant", gjson.Get(out[0], "choices.0.delta.role").String())
	assert.Equal(t, "Hi", gjson.Get(out[0], "choices.0.delta.content").String())
	assert.Equal(t, "glm-4.5-upstream", gjson.Get(out[0], "model").String())
}

func TestChatTransformerWithheldChunkEmitsNothing(t *testing.T) {
	tr := NewChatTransformer("m", glmOpener(t))
	defer tr.Close()

	got, err := tr.Transform(chunk(`{"index":0,"delta":{"content":"<thi"},"finish_reason":null}`))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = tr.Transform(chunk(`{"index":0,"delta":{"content":"s is text"},"finish_reason":null}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "<this is text", gjson.Get(got[0], "choices.0.delta.content").String())
}

func TestChatTransformerFinishFlushesUnfinishedChoices(t *testing.T) {
	tr := NewChatTransformer("m", glmOpener(t))
	defer tr.Close()

	out := transformAll(t, tr,
		chunk(`{"index":0,"delta":{"content":"tail <"},"finish_reason":null}`),
	)

	require.Len(t, out, 2)
	assert.Equal(t, "tail ", gjson.Get(out[0], "choices.0.delta.content").String())
	assert.Equal(t, "<", gjson.Get(out[1], "choices.0.delta.content").String())
	assert.Empty(t, tr.Finish())
}

func TestChatTransformerUpstreamReasoning(t *testing.T) {
	tr := NewChatTransformer("m", glmOpener(t))
	defer tr.Close()

	out := transformAll(t, tr,
		chunk(`{"index":0,"delta":{"reasoning_content":"thinking","content":"answer"},"finish_reason":"stop"}`),
	)

	require.Len(t, out, 3)
	assert.Equal(t, "thinking", gjson.Get(out[0], "choices.0.delta.reasoning_content").String())
	assert.Equal(t, "answer", gjson.Get(out[1], "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.Get(out[2], "choices.0.finish_reason").String())
}

func TestChatTransformerChoicesAreIndependent(t *testing.T) {
	tr := NewChatTransformer("m", glmOpener(t))
	defer tr.Close()

	transformAll(t, tr,
		`{"id":"x","model":"u","choices":[`+
			`{"index":0,"delta":{"content":"<think>a"},"finish_reason":null},`+
			`{"index":1,"delta":{"content":"b"},"finish_reason":null}]}`,
		`{"id":"x","model":"u","choices":[`+
			`{"index":1,"delta":{"content":"</think>c"},"finish_reason":"stop"},`+
			`{"index":0,"delta":{"content":"</think>d"},"finish_reason":"stop"}]}`,
	)

	results := tr.Results()
	require.Len(t, results, 2)
	assert.Equal(t, int64(0), results[0].Index)
	assert.Equal(t, pipeline.Delta{Reasoning: "a", Content: "d"}, results[0].Output)
	assert.Equal(t, int64(1), results[1].Index)
	assert.Equal(t, pipeline.Delta{Content: "b</think>c"}, results[1].Output)
	assert.Equal(t, "<think>a</think>d", results[0].Transcript.RawContent)
}

func TestChatTransformerPassesNativeToolCallsAndUsage(t *testing.T) {
	tr := NewChatTransformer("m", glmOpener(t))
	defer tr.Close()

	out := transformAll(t, tr,
		chunk(`{"index":0,"delta":{"tool_calls":[{"index":0,"id":"native","type":"function","function":{"name":"f","arguments":"{}"}}]},"finish_reason":null}`),
		chunk(`{"index":0,"delta":{},"finish_reason":"tool_calls"}`),
		`{"id":"chatcmpl-1","model":"u","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`,
	)

	require.Len(t, out, 3)
	assert.Equal(t, "native", gjson.Get(out[0], "choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, "tool_calls", gjson.Get(out[1], "choices.0.finish_reason").String())
	assert.Equal(t, int64(8), gjson.Get(out[2], "usage.total_tokens").Int())
	assert.Equal(t, "m", gjson.Get(out[2], "model").String())
}

func TestChatTransformerNumbersExtractedCallsAfterNativeOnes(t *testing.T) {
	tr := NewChatTransformer("m", glmOpener(t))
	defer tr.Close()

	out := transformAll(t, tr,
		chunk(`{"index":0,"delta":{"tool_calls":[{"index":0,"id":"a","type":"function","function":{"name":"f","arguments":"{}"}},{"index":1,"id":"b","type":"function","function":{"name":"g","arguments":"{}"}}]},"finish_reason":null}`),
		chunk(`{"index":0,"delta":{"content":"<tool_call>ping</tool_call>"},"finish_reason":null}`),
	)

	require.Len(t, out, 2)
	call := gjson.Get(out[1], "choices.0.delta.tool_calls.0")
	assert.Equal(t, "ping", call.Get("function.name").String())
	assert.Equal(t, "call_0", call.Get("id").String())
	assert.Equal(t, int64(2), call.Get("index").Int())
}

func TestChatTransformerInvalidChunk(t *testing.T) {
	tr := NewChatTransformer("m", glmOpener(t))
	_, err := tr.Transform("{not json")
	assert.Error(t, err)
}

func TestChatTransformerOpenFailure(t *testing.T) {
	boom := errors.New("boom")
	tr := NewChatTransformer("m", func(int64) (*pipeline.Handle, error) { return nil, boom })
	_, err := tr.Transform(chunk(`{"index":0,"delta":{"content":"x"},"finish_reason":null}`))
	assert.ErrorIs(t, err, boom)
}

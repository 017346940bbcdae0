package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/obs/otel"
	"github.com/tingly-dev/tingly-relay/internal/pipeline"
	"github.com/tingly-dev/tingly-relay/internal/record"
	"github.com/tingly-dev/tingly-relay/internal/server/middleware"
)

const relayConfig = `
providers:
  - name: fake
    api_base: %s/v1
    token: sk-test
models:
  - match: "glm-*"
    provider: fake
    upstream_model: glm-upstream
    pipeline:
      - name: tag_extract
        params:
          think_tag: think
          tool_tag: tool_call
`

// fakeUpstream is an OpenAI-compatible backend answering every request
// with canned chunks or a canned completion.
type fakeUpstream struct {
	*httptest.Server

	chunks     []string
	completion string
	status     int

	mu       sync.Mutex
	requests []string
	calls    atomic.Int32
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, string(body))
	f.mu.Unlock()

	if f.status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		fmt.Fprint(w, `{"error":{"message":"backend exploded","type":"server_error"}}`)
		return
	}

	if !gjson.GetBytes(body, "stream").Bool() {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, f.completion)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range f.chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
		w.(http.Flusher).Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeUpstream) lastRequest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ""
	}
	return f.requests[len(f.requests)-1]
}

func newTestServer(t *testing.T, upstream *fakeUpstream, opts ...ServerOption) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg, err := config.Parse([]byte(fmt.Sprintf(relayConfig, upstream.URL)))
	require.NoError(t, err)

	srv := NewServer(config.NewStore(cfg), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Stop(context.Background()))
	})
	return ts
}

func post(t *testing.T, ts *httptest.Server, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

// sseData returns the data payloads of an SSE body.
func sseData(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func upstreamChunk(choice string) string {
	return `{"id":"chatcmpl-9","object":"chat.completion.chunk","created":1,"model":"glm-upstream","choices":[` + choice + `]}`
}

func TestChatCompletionsStream(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.chunks = []string{
		upstreamChunk(`{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}`),
		upstreamChunk(`{"index":0,"delta":{"content":"<think>need weather</th"},"finish_reason":null}`),
		upstreamChunk(`{"index":0,"delta":{"content":"ink>Checking.<tool_call>get_weather<arg_key>city</arg_key><arg_value>Paris"},"finish_reason":null}`),
		upstreamChunk(`{"index":0,"delta":{"content":"</arg_value></tool_call>"},"finish_reason":null}`),
		upstreamChunk(`{"index":0,"delta":{},"finish_reason":"stop"}`),
	}

	recordDir := t.TempDir()
	sink := record.NewSink(recordDir, record.RecordModeAll)
	ts := newTestServer(t, upstream, WithRecordSink(sink))

	resp, body := post(t, ts, `{"model":"glm-4.6","stream":true,"messages":[{"role":"user","content":"weather?"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.NotEmpty(t, resp.Header.Get(middleware.HeaderRequestID))

	assert.Equal(t, "glm-upstream", gjson.Get(upstream.lastRequest(), "model").String())
	assert.Equal(t, "weather?", gjson.Get(upstream.lastRequest(), "messages.0.content").String())

	data := sseData(body)
	require.NotEmpty(t, data)
	assert.Equal(t, "[DONE]", data[len(data)-1])

	var content, reasoning strings.Builder
	var calls []gjson.Result
	var finish string
	for _, d := range data[:len(data)-1] {
		assert.Equal(t, "glm-4.6", gjson.Get(d, "model").String())
		choice := gjson.Get(d, "choices.0")
		content.WriteString(choice.Get("delta.content").String())
		reasoning.WriteString(choice.Get("delta.reasoning_content").String())
		calls = append(calls, choice.Get("delta.tool_calls").Array()...)
		if f := choice.Get("finish_reason").String(); f != "" {
			finish = f
		}
	}
	assert.Equal(t, "Checking.", content.String())
	assert.Equal(t, "need weather", reasoning.String())
	assert.Equal(t, "tool_calls", finish)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Get("function.name").String())
	assert.JSONEq(t, `{"city":"Paris"}`, calls[0].Get("function.arguments").String())

	sink.Close()
	files, err := filepath.Glob(filepath.Join(recordDir, "fake-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	entry := gjson.ParseBytes(raw)
	assert.Equal(t, "glm-4.6", entry.Get("model").String())
	assert.True(t, entry.Get("streamed").Bool())
	assert.Equal(t, resp.Header.Get(middleware.HeaderRequestID), entry.Get("request_id").String())
	assert.Contains(t, entry.Get("choices.0.raw_content").String(), "<tool_call>get_weather")
	assert.Equal(t, "Checking.", entry.Get("choices.0.content").String())
	assert.Equal(t, "glm-*", entry.Get("rule").String())
	assert.Equal(t, int64(len(upstream.chunks)), entry.Get("upstream_chunks").Int())
}

func TestChatCompletionsNonStream(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.completion = `{"id":"chatcmpl-9","object":"chat.completion","created":1,"model":"glm-upstream",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"<think>hm</think>Done.<tool_call>ping</tool_call>"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`
	ts := newTestServer(t, upstream)

	resp, body := post(t, ts, `{"model":"glm-4.6","messages":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	assert.Equal(t, "glm-4.6", gjson.Get(body, "model").String())
	msg := gjson.Get(body, "choices.0.message")
	assert.Equal(t, "Done.", msg.Get("content").String())
	assert.Equal(t, "hm", msg.Get("reasoning_content").String())
	assert.Equal(t, "ping", msg.Get("tool_calls.0.function.name").String())
	assert.Equal(t, "call_0", msg.Get("tool_calls.0.id").String())
	assert.Equal(t, "tool_calls", gjson.Get(body, "choices.0.finish_reason").String())
	assert.Equal(t, int64(3), gjson.Get(body, "usage.total_tokens").Int())
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	upstream := newFakeUpstream(t)
	ts := newTestServer(t, upstream)

	resp, body := post(t, ts, `{"model":"gpt-4o","messages":[]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeModelNotFound, gjson.Get(body, "error.code").String())
	assert.Equal(t, int32(0), upstream.calls.Load())
}

func TestChatCompletionsConfigurationError(t *testing.T) {
	upstream := newFakeUpstream(t)
	// A registry without tag_extract cannot build the model's pipeline.
	ts := newTestServer(t, upstream, WithDriver(pipeline.NewDriver(pipeline.NewRegistry())))

	resp, body := post(t, ts, `{"model":"glm-4.6","stream":true,"messages":[]}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, CodeConfiguration, gjson.Get(body, "error.code").String())
	assert.Equal(t, int32(0), upstream.calls.Load())
}

func TestChatCompletionsUpstreamFailure(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.status = http.StatusInternalServerError
	ts := newTestServer(t, upstream)

	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			resp, body := post(t, ts, fmt.Sprintf(`{"model":"glm-4.6","stream":%v,"messages":[]}`, stream))
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
			assert.Equal(t, CodeUpstream, gjson.Get(body, "error.code").String())
			assert.Contains(t, gjson.Get(body, "error.message").String(), "500")
		})
	}
}

func TestChatCompletionsInvalidBody(t *testing.T) {
	upstream := newFakeUpstream(t)
	ts := newTestServer(t, upstream)

	for _, body := range []string{`{not json`, `{"messages":[]}`} {
		resp, out := post(t, ts, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeInvalidBody, gjson.Get(out, "error.code").String())
	}
}

func TestChatCompletionsMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	setup, err := otel.NewMeterSetupWithReader(ctx, reader)
	require.NoError(t, err)
	defer setup.Shutdown(ctx)

	upstream := newFakeUpstream(t)
	upstream.chunks = []string{
		upstreamChunk(`{"index":0,"delta":{"content":"<tool_call>a</tool_call><tool_call>b<arg_key>x</tool_call>"},"finish_reason":"stop"}`),
	}
	ts := newTestServer(t, upstream, WithTracker(setup.Tracker()))

	resp, _ := post(t, ts, `{"model":"glm-4.6","stream":true,"messages":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, p := range sum.DataPoints {
					sums[m.Name] += p.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["relay.request.count"])
	assert.Equal(t, int64(1), sums["pipeline.tool_calls"])
	assert.Equal(t, int64(1), sums["pipeline.tool_calls.degraded"])
}

func TestListModelsAndHealth(t *testing.T) {
	upstream := newFakeUpstream(t)
	ts := newTestServer(t, upstream)

	for _, path := range []string{"/v1/models", "/openai/v1/models"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "list", gjson.GetBytes(body, "object").String())
		assert.Equal(t, "glm-*", gjson.GetBytes(body, "data.0.id").String())
		assert.Equal(t, "fake", gjson.GetBytes(body, "data.0.owned_by").String())
	}

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "glm-*", gjson.GetBytes(body, "models.0").String())
}

package otel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string][]metricdata.DataPoint[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum.DataPoints
			}
		}
	}
	return out
}

func total(points []metricdata.DataPoint[int64]) int64 {
	var n int64
	for _, p := range points {
		n += p.Value
	}
	return n
}

func TestPipelineTrackerCountsDiagnostics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	setup, err := NewMeterSetupWithReader(ctx, reader)
	require.NoError(t, err)
	defer setup.Shutdown(ctx)

	driver := pipeline.NewDriver(nil)
	h, err := driver.Open(pipeline.ResolvedStageConfig{Stages: []pipeline.StageConfig{{
		Name:   pipeline.StageTagExtract,
		Params: pipeline.Params{"tool_tag": "tool_call"},
	}}}, pipeline.WithHandleObserver(setup.Tracker().Observer(ctx, "local", "glm-4.6")))
	require.NoError(t, err)
	h.OnChunk("<tool_call>a</tool_call><tool_call>b<arg_key>k</tool_call><tool_call>c</tool_call>")
	h.OnComplete()
	h.Close()

	setup.Tracker().RecordRequest(ctx, RequestOptions{Provider: "local", Model: "glm-4.6", Status: "success", Latency: 12 * time.Millisecond})
	setup.Tracker().RecordRequest(ctx, RequestOptions{Provider: "local", Model: "glm-4.6", Status: "error", ErrorCode: "upstream_error"})

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), total(sums["pipeline.tool_calls"]))
	require.Len(t, sums["pipeline.tool_calls.degraded"], 1)
	reason, ok := sums["pipeline.tool_calls.degraded"][0].Attributes.Value(AttrDegradeReason)
	require.True(t, ok)
	assert.Equal(t, attribute.StringValue(string(pipeline.DegradeDecodeFailed)), reason)
	assert.Equal(t, int64(2), total(sums["relay.request.count"]))
	assert.Equal(t, int64(1), total(sums["relay.request.errors"]))
}

func TestNewMeterSetupDisabledIsNoop(t *testing.T) {
	setup, err := NewMeterSetup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, setup.Tracker())
	setup.Tracker().RecordRequest(context.Background(), RequestOptions{Status: "success"})
	assert.NoError(t, setup.Shutdown(context.Background()))
}

func TestNewMeterSetupStdoutExport(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Writer = &buf
	setup, err := NewMeterSetup(context.Background(), cfg)
	require.NoError(t, err)

	setup.Tracker().RecordRequest(context.Background(), RequestOptions{Provider: "p", Status: "success"})
	require.NoError(t, setup.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "relay.request.count")
}

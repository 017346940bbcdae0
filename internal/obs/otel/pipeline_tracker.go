package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// RequestOptions describes one finished relay request.
type RequestOptions struct {
	// Provider is the configured upstream name
	Provider string

	// Model is the upstream model
	Model string

	// RequestModel is the model name the client asked for
	RequestModel string

	// Streamed indicates whether this was a streaming request
	Streamed bool

	// Status is "success", "error", or "canceled"
	Status string

	// ErrorCode is the error code if status is not "success"
	ErrorCode string

	// Latency is the request processing time
	Latency time.Duration
}

func (o RequestOptions) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrProvider.String(o.Provider),
		AttrModel.String(o.Model),
		AttrRequestModel.String(o.RequestModel),
		AttrStreaming.Bool(o.Streamed),
		AttrStatus.String(o.Status),
	}
	if o.ErrorCode != "" {
		attrs = append(attrs, AttrErrorCode.String(o.ErrorCode))
	}
	return attrs
}

// PipelineTracker records relay requests and pipeline diagnostics as
// OpenTelemetry metrics.
type PipelineTracker struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestError    metric.Int64Counter
	toolCalls       metric.Int64Counter
	degraded        metric.Int64Counter
}

// NewPipelineTracker creates the instruments on meter.
func NewPipelineTracker(meter metric.Meter) (*PipelineTracker, error) {
	pt := &PipelineTracker{}

	var err error

	pt.requestCount, err = meter.Int64Counter(
		"relay.request.count",
		metric.WithDescription("Number of relayed chat completion requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	pt.requestDuration, err = meter.Float64Histogram(
		"relay.request.duration",
		metric.WithDescription("Relay request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	pt.requestError, err = meter.Int64Counter(
		"relay.request.errors",
		metric.WithDescription("Number of relay request errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	pt.toolCalls, err = meter.Int64Counter(
		"pipeline.tool_calls",
		metric.WithDescription("Tool calls extracted from inline markup"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	pt.degraded, err = meter.Int64Counter(
		"pipeline.tool_calls.degraded",
		metric.WithDescription("Tool-call markup emitted back as text"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return pt, nil
}

// RecordRequest records a finished request.
func (pt *PipelineTracker) RecordRequest(ctx context.Context, opts RequestOptions) {
	attrs := metric.WithAttributes(opts.attributes()...)
	pt.requestCount.Add(ctx, 1, attrs)
	if opts.Latency > 0 {
		pt.requestDuration.Record(ctx, float64(opts.Latency.Milliseconds()), attrs)
	}
	if opts.Status == "error" {
		pt.requestError.Add(ctx, 1, attrs)
	}
}

// Observer returns a pipeline observer counting diagnostics for one
// request against provider and model.
func (pt *PipelineTracker) Observer(ctx context.Context, provider, model string) pipeline.Observer {
	return &trackerObserver{
		ctx:     ctx,
		tracker: pt,
		attrs:   []attribute.KeyValue{AttrProvider.String(provider), AttrModel.String(model)},
	}
}

type trackerObserver struct {
	ctx     context.Context
	tracker *PipelineTracker
	attrs   []attribute.KeyValue
}

func (o *trackerObserver) ToolCallDecoded(pipeline.ToolCall) {
	o.tracker.toolCalls.Add(o.ctx, 1, metric.WithAttributes(o.attrs...))
}

func (o *trackerObserver) ToolCallDegraded(reason pipeline.DegradeReason, _ error) {
	attrs := append(append([]attribute.KeyValue{}, o.attrs...), AttrDegradeReason.String(string(reason)))
	o.tracker.degraded.Add(o.ctx, 1, metric.WithAttributes(attrs...))
}

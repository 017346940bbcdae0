package otel

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "tingly-relay"

// MeterSetup holds the meter provider and pipeline tracker.
type MeterSetup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *PipelineTracker
}

// NewMeterSetup creates the meter provider described by cfg. A disabled
// config yields a no-op tracker.
func NewMeterSetup(ctx context.Context, cfg *Config) (*MeterSetup, error) {
	if cfg == nil || !cfg.Enabled {
		tracker, err := NewPipelineTracker(noop.NewMeterProvider().Meter(meterName))
		if err != nil {
			return nil, err
		}
		return &MeterSetup{tracker: tracker}, nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	opts := []sdkmetric.PeriodicReaderOption{}
	if cfg.ExportInterval > 0 {
		opts = append(opts, sdkmetric.WithInterval(cfg.ExportInterval))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, sdkmetric.WithTimeout(cfg.ExportTimeout))
	}
	return NewMeterSetupWithReader(ctx, sdkmetric.NewPeriodicReader(exp, opts...))
}

// NewMeterSetupWithReader creates a meter provider exporting through reader.
func NewMeterSetupWithReader(ctx context.Context, reader sdkmetric.Reader) (*MeterSetup, error) {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", meterName))),
	)

	tracker, err := NewPipelineTracker(meterProvider.Meter(meterName))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create pipeline tracker: %w", err)
	}

	return &MeterSetup{
		meterProvider: meterProvider,
		tracker:       tracker,
	}, nil
}

// Tracker returns the pipeline tracker.
func (ms *MeterSetup) Tracker() *PipelineTracker {
	return ms.tracker
}

// Shutdown flushes and shuts down the meter provider.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms.meterProvider == nil {
		return nil
	}
	return ms.meterProvider.Shutdown(ctx)
}

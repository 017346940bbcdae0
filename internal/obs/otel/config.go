package otel

import (
	"io"
	"time"
)

// Config holds the configuration for the OTel meter setup.
type Config struct {
	// Enabled turns on export. When disabled every instrument is a no-op.
	Enabled bool

	// ExportInterval is the time between exports. Default: 1m
	ExportInterval time.Duration

	// ExportTimeout is the timeout for each export. Default: 30s
	ExportTimeout time.Duration

	// Writer receives the stdout exporter output. Default: os.Stdout
	Writer io.Writer
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		ExportInterval: time.Minute,
		ExportTimeout:  30 * time.Second,
	}
}

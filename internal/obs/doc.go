// Package obs wires logging and metrics for the relay: logrus with optional
// lumberjack file rotation here, OpenTelemetry metrics in package otel.
package obs

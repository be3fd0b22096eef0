// Package telemetry defines the logging and metrics seams used throughout the
// orchestrator. Implementations typically delegate to Clue and OpenTelemetry
// but the interfaces are intentionally small so tests can provide lightweight
// stubs.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the orchestrator.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for orchestrator
// instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

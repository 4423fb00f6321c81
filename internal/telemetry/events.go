package telemetry

import (
	"context"
	"log/slog"
)

// SlogEventer adapts a *slog.Logger to pkg/queue's narrow Telemetry
// interface, logging each dispatch/submit/skip event at debug level.
type SlogEventer struct {
	Logger *slog.Logger
}

func (e SlogEventer) Event(ctx context.Context, name string, attrs map[string]any) {
	args := make([]any, 0, len(attrs)*2)
	for k, v := range attrs {
		args = append(args, k, v)
	}
	e.Logger.DebugContext(ctx, name, args...)
}

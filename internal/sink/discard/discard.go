// Package discard provides a sink that drops every point.
package discard

import (
	"context"
	"log/slog"

	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// Sink accepts and drops points.
type Sink struct{}

var _ sink.Sink = Sink{}

// NewFactory returns a factory for discard sinks. It takes no params.
func NewFactory() sink.Factory {
	return func(context.Context, map[string]string, *slog.Logger) (sink.Sink, error) {
		return Sink{}, nil
	}
}

func (Sink) Kind() sink.Kind                          { return sink.KindDiscard }
func (Sink) Write(context.Context, point.Point) error { return nil }
func (Sink) Close() error                             { return nil }

// Package print provides a sink that writes a human-readable line per point.
package print

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// Sink prints points to an io.Writer.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ sink.Sink = (*Sink)(nil)

// New creates a print sink writing to w.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// NewFactory returns a factory for print sinks. The "target" param selects
// "stdout" (default) or "stderr"; out overrides stdout when non-nil.
func NewFactory(out io.Writer) sink.Factory {
	return func(_ context.Context, params map[string]string, _ *slog.Logger) (sink.Sink, error) {
		switch params["target"] {
		case "", "stdout":
			if out != nil {
				return New(out), nil
			}
			return New(os.Stdout), nil
		case "stderr":
			return New(os.Stderr), nil
		default:
			return nil, fmt.Errorf("%w: unsupported target %q (supported: stdout, stderr)", sink.ErrInvalidParams, params["target"])
		}
	}
}

func (s *Sink) Kind() sink.Kind { return sink.KindPrint }

// Write prints p. Output errors are ignored; the print sink always succeeds.
func (s *Sink) Write(_ context.Context, p point.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, p.String())
	return nil
}

func (s *Sink) Close() error { return nil }

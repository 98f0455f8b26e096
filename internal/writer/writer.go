// Package writer drains the point queue into a sink.
//
// The writer is the queue's only consumer. Each point is persisted once; a
// sink error loses that point, is logged with enough detail to identify it,
// and the loop moves on. Processed counts successful persists only.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// State is the writer's lifecycle state.
type State int32

const (
	// StateNotStarted means Run has not entered its loop yet.
	StateNotStarted State = iota
	// StateRunning means the loop is draining the queue.
	StateRunning
	// StateStopped means Run returned because its context ended.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Source yields points. queue.Queue satisfies it.
type Source interface {
	Pop(ctx context.Context) (point.Point, error)
}

// Status is a point-in-time view of the writer.
type Status struct {
	State     State
	Processed int64
	Failed    int64
	StartedAt time.Time
	Sink      sink.Kind
	Instance  uuid.UUID
}

// Writer persists points from a Source. Call Run exactly once.
type Writer struct {
	sink     sink.Sink
	logger   *slog.Logger
	instance uuid.UUID

	state     atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	startedAt atomic.Int64
	done      chan struct{}
}

// New creates a writer for s.
func New(s sink.Sink, logger *slog.Logger) *Writer {
	instance := uuid.New()
	return &Writer{
		sink:     s,
		instance: instance,
		done:     make(chan struct{}),
		logger: logging.Default(logger).With(
			"component", "writer",
			"sink", s.Kind(),
			"instance", instance,
		),
	}
}

// Sink returns the sink the writer persists to.
func (w *Writer) Sink() sink.Sink { return w.sink }

// Done is closed when Run returns.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Status returns the current status. Processed is zero until the first
// successful persist.
func (w *Writer) Status() Status {
	st := Status{
		State:     State(w.state.Load()),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Sink:      w.sink.Kind(),
		Instance:  w.instance,
	}
	if ns := w.startedAt.Load(); ns != 0 {
		st.StartedAt = time.Unix(0, ns)
	}
	return st
}

// Run drains src until ctx ends.
func (w *Writer) Run(ctx context.Context, src Source) {
	defer close(w.done)

	w.startedAt.Store(time.Now().UnixNano())
	w.state.Store(int32(StateRunning))
	w.logger.Info("writer started")

	for {
		p, err := src.Pop(ctx)
		if err != nil {
			break
		}
		if err := w.sink.Write(ctx, p); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.failed.Add(1)
			w.logger.Warn("persist failed, point dropped",
				"measurement", p.Measurement,
				"tags", p.Tags,
				"time", p.Time,
				"error", err)
			continue
		}
		w.processed.Add(1)
	}

	w.state.Store(int32(StateStopped))
	w.logger.Info("writer stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
}

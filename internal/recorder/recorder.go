// Package recorder owns the pullers, the writer, and the queue between them.
//
// The registry maps each attached source to exactly one puller. Attach and
// Detach are the only operations that mutate it; the check and the insert
// or removal happen under one mutex, so concurrent callers can neither start
// two pullers for a source nor lose a detach. Pullers never touch the
// registry themselves.
//
// Detach is two-phase. The puller is asked to stop and given DetachTimeout
// to finish its current cycle. If it is still running, its kill context is
// cancelled, which aborts in-flight I/O and suppresses publishing, and it is
// given ForceGrace to return. A puller that ignores even that is abandoned:
// it can no longer publish, and the registry entry is removed regardless.
//
// There is one writer per recorder. It is set once and never replaced.
// Points queued when the recorder closes are dropped.
package recorder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"labrecorder/internal/callgroup"
	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/puller"
	"labrecorder/internal/queue"
	"labrecorder/internal/scheduler"
	"labrecorder/internal/sink"
	"labrecorder/internal/source"
	"labrecorder/internal/writer"
)

var (
	// ErrDuplicateSource is returned by Attach for a source that is already
	// attached, or still being detached.
	ErrDuplicateSource = errors.New("source already attached")
	// ErrUnknownSource is returned by Detach for a source that is not attached.
	ErrUnknownSource = errors.New("source not attached")
	// ErrWriterAlreadySet is returned by a second SetWriter.
	ErrWriterAlreadySet = errors.New("writer already set")
	// ErrNoWriter is returned by operations that need a writer.
	ErrNoWriter = errors.New("no writer configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recorder closed")
)

const (
	DefaultDetachTimeout = time.Second
	DefaultForceGrace    = 500 * time.Millisecond
	DefaultStatsInterval = 30 * time.Second

	throughputJobName = "throughput"
)

// Config configures a Recorder.
type Config struct {
	// Dialer connects pullers to their sources.
	Dialer source.Dialer
	// Sinks opens the writer's sink.
	Sinks *sink.Registry
	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger

	// DetachTimeout bounds the cooperative phase of a detach.
	DetachTimeout time.Duration
	// ForceGrace bounds the wait after a forced termination.
	ForceGrace time.Duration
	// StatsInterval is the throughput reporting period. Negative disables it.
	StatsInterval time.Duration

	// Name labels the recorder in logs. A random name is chosen if empty.
	Name string
}

// AttachRequest describes a source to poll.
type AttachRequest struct {
	Source      source.ID
	Interval    time.Duration
	Measurement string
	Tags        map[string]string
	// Fields selects the fields to fetch. Empty fetches all of them.
	Fields []string
}

func (r AttachRequest) pullerConfig() puller.Config {
	return puller.Config{
		ID:          r.Source,
		Interval:    r.Interval,
		Measurement: r.Measurement,
		Tags:        r.Tags,
		Fields:      r.Fields,
	}
}

// SourceInfo describes an attached source.
type SourceInfo struct {
	ID         source.ID
	Config     puller.Config
	State      puller.State
	Stats      puller.Stats
	Instance   uuid.UUID
	AttachedAt time.Time
}

// Throughput is the most recent throughput measurement.
type Throughput struct {
	Processed int64
	Delta     int64
	PerSecond float64
	At        time.Time
}

type entry struct {
	puller     *puller.Puller
	stop       context.CancelFunc
	kill       context.CancelFunc
	attachedAt time.Time
}

// Recorder is the registry of pullers plus the single writer.
type Recorder struct {
	cfg    Config
	name   string
	logger *slog.Logger
	queue  *queue.Queue[point.Point]
	sched  *scheduler.Scheduler

	mu            sync.Mutex
	pullers       map[source.ID]*entry
	writer        *writer.Writer
	writerPending bool
	writerCancel  context.CancelFunc
	closed        bool

	detaches  callgroup.Group[source.ID]
	abandoned atomic.Int64

	tmu        sync.Mutex
	throughput Throughput
}

// New creates a recorder and starts its throughput job.
func New(cfg Config) (*Recorder, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("recorder: dialer is required")
	}
	if cfg.Sinks == nil {
		return nil, errors.New("recorder: sink registry is required")
	}
	cfg.DetachTimeout = cmp.Or(cfg.DetachTimeout, DefaultDetachTimeout)
	cfg.ForceGrace = cmp.Or(cfg.ForceGrace, DefaultForceGrace)
	cfg.StatsInterval = cmp.Or(cfg.StatsInterval, DefaultStatsInterval)
	name := cmp.Or(cfg.Name, petname.Generate(2, "-"))

	logger := logging.Default(cfg.Logger).With("component", "recorder", "recorder", name)
	sched, err := scheduler.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:     cfg,
		name:    name,
		logger:  logger,
		queue:   queue.New[point.Point](),
		sched:   sched,
		pullers: make(map[source.ID]*entry),
	}
	if cfg.StatsInterval > 0 {
		if err := sched.Every(throughputJobName, cfg.StatsInterval, r.reportThroughput); err != nil {
			return nil, err
		}
	}
	sched.Start()
	logger.Info("recorder created",
		"detach_timeout", cfg.DetachTimeout,
		"force_grace", cfg.ForceGrace,
		"stats_interval", cfg.StatsInterval)
	return r, nil
}

// Name returns the recorder's name.
func (r *Recorder) Name() string { return r.name }

// SetWriter opens the sink and starts the writer. It may succeed only once;
// later calls fail with ErrWriterAlreadySet. If the sink fails validation,
// no writer is started and the error wraps sink.ErrValidation.
func (r *Recorder) SetWriter(ctx context.Context, cfg sink.Config) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.writer != nil || r.writerPending:
		r.mu.Unlock()
		return fmt.Errorf("%w: replacing a running writer is not supported", ErrWriterAlreadySet)
	}
	r.writerPending = true
	r.mu.Unlock()

	s, err := r.cfg.Sinks.Open(ctx, cfg, r.cfg.Logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.writerPending = false
	if err != nil {
		r.logger.Error("writer not started", "sink", cfg.String(), "error", err)
		return err
	}
	if r.closed {
		_ = s.Close()
		return ErrClosed
	}

	w := writer.New(s, r.cfg.Logger)
	wctx, cancel := context.WithCancel(context.Background())
	r.writer = w
	r.writerCancel = cancel
	go w.Run(wctx, r.queue)

	r.tmu.Lock()
	r.throughput = Throughput{At: time.Now()}
	r.tmu.Unlock()

	r.logger.Info("writer set", "sink", cfg.String(), "queued", r.queue.Len())
	return nil
}

// Attach starts a puller for req.Source. If the source is already attached,
// nothing changes and the error wraps ErrDuplicateSource.
func (r *Recorder) Attach(ctx context.Context, req AttachRequest) error {
	pcfg := req.pullerConfig()
	if err := pcfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.pullers[req.Source]; exists {
		if r.detaches.InFlight(req.Source) {
			return fmt.Errorf("%w: %s is being detached", ErrDuplicateSource, req.Source)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateSource, req.Source)
	}

	p, err := puller.New(pcfg, r.cfg.Dialer, r.queue, r.cfg.Logger)
	if err != nil {
		return err
	}
	kill, killCancel := context.WithCancel(context.Background())
	stop, stopCancel := context.WithCancel(kill)
	r.pullers[req.Source] = &entry{
		puller:     p,
		stop:       stopCancel,
		kill:       killCancel,
		attachedAt: time.Now(),
	}
	go p.Run(stop, kill)

	if r.writer == nil {
		r.logger.Warn("source attached without a writer, points will queue", "source", req.Source.String())
	}
	r.logger.Info("source attached",
		"source", req.Source.String(),
		"instance", p.Instance(),
		"interval", req.Interval,
		"measurement", req.Measurement)
	return nil
}

// Detach stops the puller for id and removes it from the registry. If the
// puller does not stop cooperatively within DetachTimeout it is forcibly
// terminated. Either way the entry is gone when Detach returns. Concurrent
// detaches of one source share a single stop sequence.
func (r *Recorder) Detach(ctx context.Context, id source.ID) error {
	r.mu.Lock()
	e, ok := r.pullers[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}

	err := r.detaches.Do(context.WithoutCancel(ctx), id, func() error {
		r.stopPuller(id, e)
		return nil
	})
	return err
}

// stopPuller runs the stop sequence for e and removes it from the registry
// if it is still the entry for id.
func (r *Recorder) stopPuller(id source.ID, e *entry) {
	logger := r.logger.With("source", id.String(), "instance", e.puller.Instance())

	r.mu.Lock()
	current := r.pullers[id] == e
	r.mu.Unlock()
	if !current {
		return
	}

	e.puller.MarkStopping()
	e.stop()

	outcome := "stopped"
	timer := time.NewTimer(r.cfg.DetachTimeout)
	select {
	case <-e.puller.Done():
		timer.Stop()
	case <-timer.C:
		logger.Warn("puller unresponsive, forcing termination", "timeout", r.cfg.DetachTimeout)
		e.kill()
		grace := time.NewTimer(r.cfg.ForceGrace)
		select {
		case <-e.puller.Done():
			grace.Stop()
			outcome = "killed"
		case <-grace.C:
			outcome = "abandoned"
			r.abandoned.Add(1)
		}
	}
	e.kill()

	r.mu.Lock()
	if r.pullers[id] == e {
		delete(r.pullers, id)
	}
	r.mu.Unlock()

	stats := e.puller.Stats()
	logger.Info("source detached",
		"outcome", outcome,
		"exit_reason", e.puller.ExitReason(),
		"state", e.puller.State(),
		"polls", stats.Polls,
		"points", stats.Points,
		"fetch_failures", stats.FetchFailures)
}

// Sources lists the attached sources, sorted by address.
func (r *Recorder) Sources() []SourceInfo {
	r.mu.Lock()
	entries := maps.Clone(r.pullers)
	r.mu.Unlock()

	out := make([]SourceInfo, 0, len(entries))
	for id, e := range entries {
		out = append(out, SourceInfo{
			ID:         id,
			Config:     e.puller.Config(),
			State:      e.puller.State(),
			Stats:      e.puller.Stats(),
			Instance:   e.puller.Instance(),
			AttachedAt: e.attachedAt,
		})
	}
	slices.SortFunc(out, func(a, b SourceInfo) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

// IDs returns the attached source identities, sorted by address.
func (r *Recorder) IDs() []source.ID {
	r.mu.Lock()
	ids := slices.Collect(maps.Keys(r.pullers))
	r.mu.Unlock()
	slices.SortFunc(ids, func(a, b source.ID) int { return strings.Compare(a.String(), b.String()) })
	return ids
}

// WriterStatus returns the writer's status. ok is false when no writer has
// been set.
func (r *Recorder) WriterStatus() (st writer.Status, ok bool) {
	r.mu.Lock()
	w := r.writer
	r.mu.Unlock()
	if w == nil {
		return writer.Status{}, false
	}
	return w.Status(), true
}

// Ready reports whether a writer is running.
func (r *Recorder) Ready() bool {
	st, ok := r.WriterStatus()
	return ok && st.State == writer.StateRunning
}

// QueueDepth returns the number of points waiting for the writer.
func (r *Recorder) QueueDepth() int { return r.queue.Len() }

// Abandoned returns how many pullers ignored forced termination.
func (r *Recorder) Abandoned() int64 { return r.abandoned.Load() }

// Jobs lists the recorder's scheduled jobs.
func (r *Recorder) Jobs() []scheduler.JobInfo { return r.sched.List() }

// Throughput returns the last throughput measurement.
func (r *Recorder) Throughput() Throughput {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	return r.throughput
}

// ReportThroughput runs the throughput job immediately.
func (r *Recorder) ReportThroughput() error {
	if !r.sched.Has(throughputJobName) {
		r.reportThroughput()
		return nil
	}
	return r.sched.RunNow(throughputJobName)
}

func (r *Recorder) reportThroughput() {
	st, ok := r.WriterStatus()
	if !ok {
		return
	}
	now := time.Now()

	r.tmu.Lock()
	prev := r.throughput
	t := Throughput{Processed: st.Processed, Delta: st.Processed - prev.Processed, At: now}
	if elapsed := now.Sub(prev.At).Seconds(); elapsed > 0 && !prev.At.IsZero() {
		t.PerSecond = float64(t.Delta) / elapsed
	}
	r.throughput = t
	r.tmu.Unlock()

	r.mu.Lock()
	sources := len(r.pullers)
	r.mu.Unlock()

	r.logger.Info("throughput",
		"processed", st.Processed,
		"delta", t.Delta,
		"per_second", t.PerSecond,
		"failed", st.Failed,
		"queue_depth", r.queue.Len(),
		"sources", sources)
}

// Close detaches every source, stops the writer and closes its sink.
// Points still queued are dropped. Close waits for the writer until ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := maps.Clone(r.pullers)
	w := r.writer
	cancel := r.writerCancel
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		wg.Go(func() {
			_ = r.detaches.Do(context.Background(), id, func() error {
				r.stopPuller(id, e)
				return nil
			})
		})
	}
	wg.Wait()

	var errs []error
	if err := r.sched.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}

	if w != nil {
		cancel()
		select {
		case <-w.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for writer: %w", ctx.Err()))
		}
		if err := w.Sink().Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		st := w.Status()
		r.logger.Info("writer closed", "processed", st.Processed, "failed", st.Failed)
	}
	if n := r.queue.Len(); n > 0 {
		r.logger.Warn("dropping queued points", "count", n)
	}
	r.logger.Info("recorder closed", "detached", len(entries))
	return errors.Join(errs...)
}

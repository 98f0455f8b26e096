// Package puller polls one remote source on a fixed interval and publishes
// each reading as a point.
//
// A Puller is driven by two contexts. The stop context is the cooperative
// signal: it is checked between cycles and interrupts the interval sleep, so
// a cycle already in flight runs to completion. The kill context aborts an
// in-flight dial or fetch and suppresses publishing of its result. Cancelling
// kill must also cancel stop; the recorder derives stop from kill.
//
// Fetch failures are contained: the cycle is skipped, the connection is
// dropped, and the next cycle redials. A source is never detached because it
// keeps failing.
package puller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/source"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid puller config")

// Publisher receives points. queue.Queue satisfies it; Push must not block.
type Publisher interface {
	Push(point.Point)
}

// Config describes what to poll and how to label the result.
type Config struct {
	ID          source.ID
	Interval    time.Duration
	Measurement string
	Tags        map[string]string
	// Fields selects the fields to fetch. Empty fetches all of them.
	Fields []string
}

// Validate checks the fields a puller cannot run without.
func (c Config) Validate() error {
	if c.ID.Host == "" || c.ID.Port == 0 {
		return fmt.Errorf("%w: source address required", ErrInvalidConfig)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	}
	if c.Measurement == "" {
		return fmt.Errorf("%w: measurement required", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.Measurement, "\r\n") {
		return fmt.Errorf("%w: measurement %q contains a line break", ErrInvalidConfig, c.Measurement)
	}
	for k, v := range c.Tags {
		if k == "" || v == "" {
			return fmt.Errorf("%w: tag %q=%q: keys and values must be non-empty", ErrInvalidConfig, k, v)
		}
		if strings.ContainsAny(k, "\r\n") || strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: tag %q=%q contains a line break", ErrInvalidConfig, k, v)
		}
	}
	return nil
}

// Equal reports whether two configs would produce identical pullers.
func (c Config) Equal(o Config) bool {
	return c.ID == o.ID &&
		c.Interval == o.Interval &&
		c.Measurement == o.Measurement &&
		maps.Equal(c.Tags, o.Tags) &&
		slices.Equal(c.Fields, o.Fields)
}

// State is a puller's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ExitReason records how Run returned.
type ExitReason int32

const (
	ExitNone ExitReason = iota
	// ExitStopped means the loop observed the stop signal.
	ExitStopped
	// ExitKilled means the kill context was cancelled before the loop ended.
	ExitKilled
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitStopped:
		return "stopped"
	case ExitKilled:
		return "killed"
	default:
		return fmt.Sprintf("ExitReason(%d)", int32(r))
	}
}

// Stats is a point-in-time copy of a puller's counters.
type Stats struct {
	Polls               int64
	Points              int64
	FetchFailures       int64
	EmptyResults        int64
	ConsecutiveFailures int64
	LastError           string
	LastPoll            time.Time
}

// Puller polls one source. Create with New, then call Run exactly once.
type Puller struct {
	cfg      Config
	dialer   source.Dialer
	out      Publisher
	logger   *slog.Logger
	instance uuid.UUID
	now      func() time.Time

	// conn is owned by the Run goroutine.
	conn source.Conn

	state  atomic.Int32
	reason atomic.Int32
	done   chan struct{}

	polls       atomic.Int64
	points      atomic.Int64
	failures    atomic.Int64
	empty       atomic.Int64
	consecutive atomic.Int64
	lastErr     atomic.Pointer[string]
	lastPoll    atomic.Int64
}

// New creates a puller. The config is validated and its maps copied.
func New(cfg Config, dialer source.Dialer, out Publisher, logger *slog.Logger) (*Puller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Tags = maps.Clone(cfg.Tags)
	cfg.Fields = slices.Clone(cfg.Fields)

	instance := uuid.New()
	return &Puller{
		cfg:      cfg,
		dialer:   dialer,
		out:      out,
		instance: instance,
		now:      time.Now,
		done:     make(chan struct{}),
		logger: logging.Default(logger).With(
			"component", "puller",
			"source", cfg.ID.String(),
			"instance", instance,
		),
	}, nil
}

// Config returns the puller's configuration.
func (p *Puller) Config() Config { return p.cfg }

// Instance returns the unique ID of this puller instance.
func (p *Puller) Instance() uuid.UUID { return p.instance }

// State returns the current lifecycle state.
func (p *Puller) State() State { return State(p.state.Load()) }

// ExitReason returns how Run ended, or ExitNone while it is still running.
func (p *Puller) ExitReason() ExitReason { return ExitReason(p.reason.Load()) }

// Done is closed when Run returns.
func (p *Puller) Done() <-chan struct{} { return p.done }

// MarkStopping records that a stop has been requested. It has no effect once
// the puller has terminated.
func (p *Puller) MarkStopping() {
	p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	p.state.CompareAndSwap(int32(StateCreated), int32(StateStopping))
}

// Stats returns a snapshot of the counters.
func (p *Puller) Stats() Stats {
	s := Stats{
		Polls:               p.polls.Load(),
		Points:              p.points.Load(),
		FetchFailures:       p.failures.Load(),
		EmptyResults:        p.empty.Load(),
		ConsecutiveFailures: p.consecutive.Load(),
	}
	if e := p.lastErr.Load(); e != nil {
		s.LastError = *e
	}
	if ns := p.lastPoll.Load(); ns != 0 {
		s.LastPoll = time.Unix(0, ns)
	}
	return s
}

// Run polls until stop or kill is cancelled.
func (p *Puller) Run(stop, kill context.Context) {
	defer close(p.done)
	defer p.closeConn()

	p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning))
	p.logger.Info("puller started",
		"interval", p.cfg.Interval,
		"measurement", p.cfg.Measurement,
		"fields", p.cfg.Fields)

	timer := time.NewTimer(p.cfg.Interval)
	timer.Stop()

loop:
	for stop.Err() == nil {
		p.poll(kill)

		timer.Reset(p.cfg.Interval)
		select {
		case <-stop.Done():
			timer.Stop()
			break loop
		case <-timer.C:
		}
	}

	reason := ExitStopped
	if kill.Err() != nil {
		reason = ExitKilled
	}
	p.reason.Store(int32(reason))
	p.state.Store(int32(StateTerminated))
	p.logger.Info("puller exited", "reason", reason, "polls", p.polls.Load(), "points", p.points.Load())
}

// poll runs one cycle: connect if needed, fetch, publish.
func (p *Puller) poll(ctx context.Context) {
	p.polls.Add(1)
	p.lastPoll.Store(p.now().UnixNano())

	if p.conn == nil {
		conn, err := p.dialer.Dial(ctx, p.cfg.ID)
		if err != nil {
			p.fail(ctx, err)
			return
		}
		p.conn = conn
	}

	values, err := p.conn.Fetch(ctx, p.cfg.Fields)
	if err != nil {
		p.closeConn()
		p.fail(ctx, err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.recovered()

	if len(values) == 0 {
		p.empty.Add(1)
		p.logger.Debug("empty fetch result")
		return
	}

	pt, err := point.New(p.cfg.Measurement, p.cfg.Tags, values, p.now())
	if err != nil {
		p.fail(ctx, err)
		return
	}
	p.out.Push(pt)
	p.points.Add(1)
}

// fail records a skipped cycle. The first failure of a streak logs at Warn,
// later ones at Debug.
func (p *Puller) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	p.failures.Add(1)
	msg := err.Error()
	p.lastErr.Store(&msg)
	if p.consecutive.Add(1) == 1 {
		p.logger.Warn("poll failed, cycle skipped", "error", err)
	} else {
		p.logger.Debug("poll failed, cycle skipped", "error", err, "consecutive", p.consecutive.Load())
	}
}

func (p *Puller) recovered() {
	if n := p.consecutive.Swap(0); n > 0 {
		p.logger.Info("source recovered", "failed_cycles", n)
	}
}

func (p *Puller) closeConn() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Close(); err != nil {
		p.logger.Debug("close connection", "error", err)
	}
	p.conn = nil
}

package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"labrecorder/internal/point"
	"labrecorder/internal/puller"
	"labrecorder/internal/sink"
	"labrecorder/internal/source"
	"labrecorder/internal/writer"
)

const kindMemory sink.Kind = "memory"

// memorySink records accepted points and rejects points whose measurement
// is "reject".
type memorySink struct {
	mu     sync.Mutex
	points []point.Point
	closed bool
}

func (s *memorySink) Kind() sink.Kind { return kindMemory }

func (s *memorySink) Write(_ context.Context, p point.Point) error {
	if p.Measurement == "reject" {
		return errors.New("rejected")
	}
	s.mu.Lock()
	s.points = append(s.points, p)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Points() []point.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]point.Point(nil), s.points...)
}

// fetchMode controls how fakeDialer connections behave.
type fetchMode int32

const (
	fetchOK fetchMode = iota
	// fetchBlock blocks until the fetch context ends.
	fetchBlock
	// fetchHang blocks until release is closed, ignoring the context.
	fetchHang
)

type fakeDialer struct {
	mode    atomic.Int32
	release chan struct{}
	fetches atomic.Int64
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{release: make(chan struct{})}
}

func (d *fakeDialer) Dial(ctx context.Context, id source.ID) (source.Conn, error) {
	return &fakeConn{d: d}, nil
}

type fakeConn struct{ d *fakeDialer }

func (c *fakeConn) Fetch(ctx context.Context, fields []string) (map[string]any, error) {
	c.d.fetches.Add(1)
	switch fetchMode(c.d.mode.Load()) {
	case fetchBlock:
		<-ctx.Done()
		return nil, errors.Join(source.ErrFetch, ctx.Err())
	case fetchHang:
		<-c.d.release
	}
	out := map[string]any{"celsius": 21.5}
	if len(fields) > 0 {
		out = map[string]any{}
		for _, f := range fields {
			out[f] = 21.5
		}
	}
	return out, nil
}

func (c *fakeConn) Close() error { return nil }

type harness struct {
	rec    *Recorder
	dialer *fakeDialer
	sink   *memorySink
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), sink: &memorySink{}}
	cfg := Config{
		Dialer: h.dialer,
		Sinks: sink.NewRegistry(map[sink.Kind]sink.Factory{
			kindMemory: func(context.Context, map[string]string, *slog.Logger) (sink.Sink, error) {
				return h.sink, nil
			},
			sink.KindInfluxDB: func(context.Context, map[string]string, *slog.Logger) (sink.Sink, error) {
				return nil, fmt.Errorf("%w: database lab not found", sink.ErrValidation)
			},
		}),
		DetachTimeout: 100 * time.Millisecond,
		ForceGrace:    100 * time.Millisecond,
		StatsInterval: -1,
		Name:          "test",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	rec, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.rec = rec
	t.Cleanup(func() {
		select {
		case <-h.dialer.release:
		default:
			close(h.dialer.release)
		}
		_ = rec.Close(context.Background())
	})
	return h
}

func (h *harness) setWriter(t *testing.T) {
	t.Helper()
	if err := h.rec.SetWriter(context.Background(), sink.Config{Kind: kindMemory}); err != nil {
		t.Fatal(err)
	}
}

func id(port uint16) source.ID { return source.ID{Host: "127.0.0.1", Port: port} }

func req(port uint16, interval time.Duration) AttachRequest {
	return AttachRequest{Source: id(port), Interval: interval, Measurement: "m"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func processed(r *Recorder) int64 {
	st, _ := r.WriterStatus()
	return st.Processed
}

func TestScenarioTemperaturePoints(t *testing.T) {
	h := newHarness(t)
	h.setWriter(t)

	err := h.rec.Attach(context.Background(), AttachRequest{
		Source:      id(18813),
		Interval:    20 * time.Millisecond,
		Measurement: "temp",
		Tags:        map[string]string{"room": "lab1"},
		Fields:      []string{"celsius"},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "3 processed points", func() bool { return processed(h.rec) >= 3 })
	for _, p := range h.sink.Points() {
		if p.Measurement != "temp" || p.Tags["room"] != "lab1" {
			t.Fatalf("unexpected point %s", p)
		}
		if _, ok := p.Fields["celsius"]; !ok || len(p.Fields) != 1 {
			t.Fatalf("unexpected fields in %s", p)
		}
	}
}

func TestAttachDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.rec.Attach(ctx, req(1, time.Hour)); err != nil {
		t.Fatal(err)
	}
	first := h.rec.Sources()[0].Instance

	err := h.rec.Attach(ctx, req(1, time.Second))
	if !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("got %v, want ErrDuplicateSource", err)
	}
	srcs := h.rec.Sources()
	if len(srcs) != 1 {
		t.Fatalf("registry has %d entries, want 1", len(srcs))
	}
	if srcs[0].Instance != first || srcs[0].Config.Interval != time.Hour {
		t.Error("duplicate attach modified the existing entry")
	}
}

func TestDetachUnknown(t *testing.T) {
	h := newHarness(t)
	err := h.rec.Detach(context.Background(), id(9))
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("got %v, want ErrUnknownSource", err)
	}
	if n := len(h.rec.Sources()); n != 0 {
		t.Fatalf("registry has %d entries", n)
	}
}

func TestAttachValidates(t *testing.T) {
	tests := []struct {
		name string
		req  AttachRequest
	}{
		{"no interval", AttachRequest{Source: id(1), Measurement: "m"}},
		{"empty tag value", AttachRequest{Source: id(1), Interval: time.Second, Measurement: "temp", Tags: map[string]string{"room": ""}}},
		{"newline in tag value", AttachRequest{Source: id(1), Interval: time.Second, Measurement: "temp", Tags: map[string]string{"note": "a\nb"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.rec.Attach(context.Background(), tt.req)
			if !errors.Is(err, puller.ErrInvalidConfig) {
				t.Fatalf("got %v, want ErrInvalidConfig", err)
			}
			if len(h.rec.Sources()) != 0 {
				t.Fatal("invalid attach registered a source")
			}
		})
	}
}

func TestRegistryMatchesNetAttachState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))
	model := map[source.ID]bool{}

	for step := range 200 {
		sid := id(uint16(rng.IntN(6) + 1))
		if rng.IntN(2) == 0 {
			err := h.rec.Attach(ctx, AttachRequest{Source: sid, Interval: time.Hour, Measurement: "m"})
			if model[sid] != errors.Is(err, ErrDuplicateSource) || (!model[sid] && err != nil) {
				t.Fatalf("step %d attach %s: err=%v, attached=%v", step, sid, err, model[sid])
			}
			model[sid] = true
		} else {
			err := h.rec.Detach(ctx, sid)
			if model[sid] == errors.Is(err, ErrUnknownSource) || (model[sid] && err != nil) {
				t.Fatalf("step %d detach %s: err=%v, attached=%v", step, sid, err, model[sid])
			}
			delete(model, sid)
		}

		ids := h.rec.IDs()
		if len(ids) != len(model) {
			t.Fatalf("step %d: registry %v, model %v", step, ids, model)
		}
		for _, got := range ids {
			if !model[got] {
				t.Fatalf("step %d: registry has %s, model does not", step, got)
			}
		}
	}
}

func TestDetachForcesBlockedPuller(t *testing.T) {
	h := newHarness(t)
	h.setWriter(t)
	h.dialer.mode.Store(int32(fetchBlock))

	if err := h.rec.Attach(context.Background(), req(1, 10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "blocked fetch", func() bool { return h.dialer.fetches.Load() >= 1 })

	start := time.Now()
	if err := h.rec.Detach(context.Background(), id(1)); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if len(h.rec.Sources()) != 0 {
		t.Fatal("entry not removed after forced termination")
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("detach returned after %s, before the cooperative timeout", elapsed)
	}
	if h.rec.Abandoned() != 0 {
		t.Error("killable puller counted as abandoned")
	}
}

func TestDetachAbandonsHungPuller(t *testing.T) {
	h := newHarness(t)
	h.setWriter(t)
	h.dialer.mode.Store(int32(fetchHang))

	if err := h.rec.Attach(context.Background(), req(1, 10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "hung fetch", func() bool { return h.dialer.fetches.Load() >= 1 })

	done := make(chan error, 1)
	go func() { done <- h.rec.Detach(context.Background(), id(1)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("detach did not return for a hung puller")
	}

	if len(h.rec.Sources()) != 0 {
		t.Fatal("entry not removed for abandoned puller")
	}
	if h.rec.Abandoned() != 1 {
		t.Errorf("abandoned = %d, want 1", h.rec.Abandoned())
	}

	// Releasing the hung fetch must not publish anything.
	close(h.dialer.release)
	time.Sleep(50 * time.Millisecond)
	if n := h.rec.QueueDepth() + len(h.sink.Points()); n != 0 {
		t.Errorf("abandoned puller published %d points", n)
	}
}

func TestConcurrentAttachSameSource(t *testing.T) {
	h := newHarness(t)
	const n = 32
	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			err := h.rec.Attach(context.Background(), req(7, time.Hour))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrDuplicateSource):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	if ok.Load() != 1 || dup.Load() != n-1 {
		t.Fatalf("ok=%d dup=%d", ok.Load(), dup.Load())
	}
	if len(h.rec.Sources()) != 1 {
		t.Fatalf("registry has %d entries", len(h.rec.Sources()))
	}
}

func TestConcurrentDetachSameSource(t *testing.T) {
	h := newHarness(t)
	h.dialer.mode.Store(int32(fetchBlock))
	if err := h.rec.Attach(context.Background(), req(1, 10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "blocked fetch", func() bool { return h.dialer.fetches.Load() >= 1 })

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() { errs[i] = h.rec.Detach(context.Background(), id(1)) })
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrUnknownSource):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded == 0 {
		t.Error("no detach succeeded")
	}
	if len(h.rec.Sources()) != 0 {
		t.Fatal("registry not empty")
	}
}

func TestAttachDuringDetachIsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.dialer.mode.Store(int32(fetchBlock))
	if err := h.rec.Attach(context.Background(), req(1, 10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "blocked fetch", func() bool { return h.dialer.fetches.Load() >= 1 })

	done := make(chan error, 1)
	go func() { done <- h.rec.Detach(context.Background(), id(1)) }()
	waitFor(t, "stopping", func() bool {
		srcs := h.rec.Sources()
		return len(srcs) == 1 && srcs[0].State == puller.StateStopping
	})

	if err := h.rec.Attach(context.Background(), req(1, time.Hour)); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("attach during detach: got %v, want ErrDuplicateSource", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	h.dialer.mode.Store(int32(fetchOK))
	if err := h.rec.Attach(context.Background(), req(1, time.Hour)); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

func TestSetWriterValidationFailure(t *testing.T) {
	h := newHarness(t)
	err := h.rec.SetWriter(context.Background(), sink.Config{Kind: sink.KindInfluxDB})
	if !errors.Is(err, sink.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if _, ok := h.rec.WriterStatus(); ok {
		t.Fatal("writer running after failed validation")
	}
	if h.rec.Ready() {
		t.Fatal("recorder ready without a writer")
	}

	// A failed attempt does not use up the single writer slot.
	h.setWriter(t)
	if !h.rec.Ready() {
		t.Fatal("recorder not ready after SetWriter")
	}
}

func TestSetWriterTwice(t *testing.T) {
	h := newHarness(t)
	h.setWriter(t)
	err := h.rec.SetWriter(context.Background(), sink.Config{Kind: kindMemory})
	if !errors.Is(err, ErrWriterAlreadySet) {
		t.Fatalf("got %v, want ErrWriterAlreadySet", err)
	}
}

func TestSetWriterUnknownKind(t *testing.T) {
	h := newHarness(t)
	err := h.rec.SetWriter(context.Background(), sink.Config{Kind: "tape"})
	if !errors.Is(err, sink.ErrUnknownKind) {
		t.Fatalf("got %v, want ErrUnknownKind", err)
	}
}

func TestWriterStatusStates(t *testing.T) {
	h := newHarness(t)
	if _, ok := h.rec.WriterStatus(); ok {
		t.Fatal("status reported before SetWriter")
	}

	h.setWriter(t)
	waitFor(t, "writer running", func() bool {
		st, _ := h.rec.WriterStatus()
		return st.State == writer.StateRunning
	})
	if st, _ := h.rec.WriterStatus(); st.Processed != 0 || st.Sink != kindMemory {
		t.Fatalf("idle status = %+v", st)
	}

	if err := h.rec.Attach(context.Background(), req(1, 10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "processed points", func() bool { return processed(h.rec) > 0 })
}

func TestPointsQueueUntilWriterSet(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Attach(context.Background(), req(1, 5*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "queued points", func() bool { return h.rec.QueueDepth() >= 3 })

	h.setWriter(t)
	waitFor(t, "queue drained", func() bool { return processed(h.rec) >= 3 })
}

func TestThroughput(t *testing.T) {
	h := newHarness(t)
	h.setWriter(t)
	if err := h.rec.Attach(context.Background(), req(1, 5*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "processed points", func() bool { return processed(h.rec) >= 3 })

	if err := h.rec.ReportThroughput(); err != nil {
		t.Fatal(err)
	}
	tp := h.rec.Throughput()
	if tp.Processed < 3 || tp.Delta != tp.Processed || tp.PerSecond <= 0 {
		t.Errorf("throughput = %+v", tp)
	}
}

func TestThroughputJob(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StatsInterval = 20 * time.Millisecond })
	h.setWriter(t)
	if err := h.rec.Attach(context.Background(), req(1, 5*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "throughput report", func() bool { return h.rec.Throughput().Processed > 0 })

	jobs := h.rec.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "throughput" || jobs[0].Schedule != "every 20ms" {
		t.Fatalf("Jobs() = %+v", jobs)
	}
	if jobs[0].LastRun.IsZero() {
		t.Error("throughput job has no last run")
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.setWriter(t)
	ctx := context.Background()
	for port := range uint16(3) {
		if err := h.rec.Attach(ctx, req(port+1, 5*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.rec.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.rec.Sources()) != 0 {
		t.Error("sources left after Close")
	}
	if st, _ := h.rec.WriterStatus(); st.State != writer.StateStopped {
		t.Errorf("writer state after Close = %s", st.State)
	}
	h.sink.mu.Lock()
	closed := h.sink.closed
	h.sink.mu.Unlock()
	if !closed {
		t.Error("sink not closed")
	}
	if err := h.rec.Attach(ctx, req(9, time.Second)); !errors.Is(err, ErrClosed) {
		t.Errorf("attach after close: %v", err)
	}
	if err := h.rec.SetWriter(ctx, sink.Config{Kind: kindMemory}); !errors.Is(err, ErrClosed) {
		t.Errorf("set writer after close: %v", err)
	}
	if err := h.rec.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

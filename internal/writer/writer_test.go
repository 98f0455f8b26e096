package writer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"labrecorder/internal/point"
	"labrecorder/internal/queue"
	"labrecorder/internal/sink"
)

// fakeSink rejects points whose "reject" field is true.
type fakeSink struct {
	mu       sync.Mutex
	accepted []point.Point
}

func (s *fakeSink) Kind() sink.Kind { return sink.KindInfluxDB }

func (s *fakeSink) Write(_ context.Context, p point.Point) error {
	if p.Fields["reject"] == true {
		return errors.New("client error: field type conflict")
	}
	s.mu.Lock()
	s.accepted = append(s.accepted, p)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) Accepted() []point.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]point.Point(nil), s.accepted...)
}

func mkPoint(t *testing.T, seq int, reject bool) point.Point {
	t.Helper()
	p, err := point.New("m", map[string]string{"seq": strconv.Itoa(seq)},
		map[string]any{"seq": int64(seq), "reject": reject}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStatusLifecycle(t *testing.T) {
	w := New(&fakeSink{}, nil)
	st := w.Status()
	if st.State != StateNotStarted || st.Processed != 0 || !st.StartedAt.IsZero() {
		t.Fatalf("fresh writer status = %+v", st)
	}
	if st.Sink != sink.KindInfluxDB {
		t.Errorf("sink kind = %q", st.Sink)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New[point.Point]()
	go w.Run(ctx, q)

	waitFor(t, "running", func() bool { return w.Status().State == StateRunning })
	if st := w.Status(); st.Processed != 0 || st.StartedAt.IsZero() {
		t.Errorf("idle running status = %+v", st)
	}

	cancel()
	<-w.Done()
	if w.Status().State != StateStopped {
		t.Errorf("state after cancel = %s", w.Status().State)
	}
}

func TestProcessedCountsOnlyAccepted(t *testing.T) {
	s := &fakeSink{}
	w := New(s, nil)
	q := queue.New[point.Point]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, q)

	// Seven accepted, three rejected, with a rejection first.
	const n, m = 7, 3
	for i := range n + m {
		q.Push(mkPoint(t, i, i%3 == 0 && i < 3*m))
	}

	waitFor(t, "all points handled", func() bool {
		st := w.Status()
		return st.Processed+st.Failed == n+m
	})
	st := w.Status()
	if st.Processed != n {
		t.Errorf("processed = %d, want %d", st.Processed, n)
	}
	if st.Failed != m {
		t.Errorf("failed = %d, want %d", st.Failed, m)
	}
}

func TestRejectionDoesNotBlockNextPoint(t *testing.T) {
	s := &fakeSink{}
	w := New(s, nil)
	q := queue.New[point.Point]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, q)

	q.Push(mkPoint(t, 0, true))
	q.Push(mkPoint(t, 1, false))

	waitFor(t, "second point", func() bool { return w.Status().Processed == 1 })
	got := s.Accepted()
	if len(got) != 1 || got[0].Fields["seq"] != int64(1) {
		t.Errorf("accepted = %v", got)
	}
}

func TestOrderPreserved(t *testing.T) {
	s := &fakeSink{}
	w := New(s, nil)
	q := queue.New[point.Point]()
	for i := range 100 {
		q.Push(mkPoint(t, i, false))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, q)

	waitFor(t, "drain", func() bool { return w.Status().Processed == 100 })
	for i, p := range s.Accepted() {
		if p.Fields["seq"] != int64(i) {
			t.Fatalf("position %d holds seq %v", i, p.Fields["seq"])
		}
	}
}

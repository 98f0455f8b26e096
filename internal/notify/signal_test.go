package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNotifyWakesAllWaiters(t *testing.T) {
	s := NewSignal()
	ch := s.C()

	const n = 5
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			if err := Wait(context.Background(), ch); err != nil {
				t.Errorf("Wait: %v", err)
			}
		})
	}

	s.Notify()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not woken")
	}
}

func TestNotifyInstallsFreshChannel(t *testing.T) {
	s := NewSignal()
	first := s.C()
	s.Notify()

	second := s.C()
	if first == second {
		t.Fatal("C() returned the closed channel after Notify")
	}
	select {
	case <-second:
		t.Fatal("fresh channel already closed")
	default:
	}
}

func TestWaitHonoursContext(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := Wait(ctx, s.C()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

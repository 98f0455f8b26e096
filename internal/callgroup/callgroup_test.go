package callgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type addr struct {
	host string
	port uint16
}

func TestDoDeduplicates(t *testing.T) {
	var g Group[addr]
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}

	key := addr{"lab", 1}
	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)

	wg.Go(func() {
		errs[0] = g.Do(context.Background(), key, fn)
	})
	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			errs[i] = g.Do(context.Background(), key, fn)
		})
	}
	// Give the joiners time to attach before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[addr]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for port := range uint16(3) {
		wg.Go(func() {
			_ = g.Do(context.Background(), addr{"lab", port}, func() error {
				calls.Add(1)
				return nil
			})
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int]
	sentinel := errors.New("failed")
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	var first, second error
	wg.Go(func() {
		first = g.Do(context.Background(), 1, func() error {
			close(started)
			<-release
			return sentinel
		})
	})
	<-started
	wg.Go(func() {
		second = g.Do(context.Background(), 1, func() error {
			t.Error("should not execute")
			return nil
		})
	})
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if !errors.Is(first, sentinel) {
		t.Errorf("caller 1: got %v, want %v", first, sentinel)
	}
	if !errors.Is(second, sentinel) {
		t.Errorf("caller 2: got %v, want %v", second, sentinel)
	}
}

func TestDoContextCancel(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := g.Do(ctx, 1, func() error {
		<-release
		close(finished)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if !g.InFlight(1) {
		t.Error("abandoned call should still be in flight")
	}

	close(release)
	<-finished
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[int]
	var calls atomic.Int32

	fn := func() error {
		calls.Add(1)
		return nil
	}
	for range 3 {
		if err := g.Do(context.Background(), 1, fn); err != nil {
			t.Fatalf("Do = %v", err)
		}
		if g.InFlight(1) {
			t.Fatal("key still in flight after Do returned")
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

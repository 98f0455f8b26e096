// Package notify provides a broadcast wake-up primitive.
package notify

import (
	"context"
	"sync"
)

// Signal wakes every goroutine waiting on it. Waiters grab the current
// channel with C() and block on it; Notify closes that channel and installs a
// fresh one, so a waiter must re-call C() after each wakeup.
//
// A waiter that checks its condition under its own lock must call C() before
// releasing that lock, otherwise a Notify between the check and C() is missed.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel that is closed on the next Notify call.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

// Wait blocks until ch is closed or ctx is done. ch must come from C().
func Wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFO(t *testing.T) {
	q := New[int]()
	for i := range 5 {
		q.Push(i)
	}
	if q.Len() != 5 {
		t.Fatalf("Len = %d, want 5", q.Len())
	}
	for i := range 5 {
		v, err := q.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v != i {
			t.Errorf("Pop = %d, want %d", v, i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after draining", q.Len())
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err != nil {
			t.Errorf("Pop: %v", err)
		}
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("Pop returned %q before any Push", v)
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-got:
		if v != "hello" {
			t.Errorf("got %q, want hello", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop not woken by Push")
	}
}

func TestPopHonoursContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestConcurrentProducersLoseNothing(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	q := New[[2]int]()
	var wg sync.WaitGroup
	for p := range producers {
		wg.Go(func() {
			for i := range perProducer {
				q.Push([2]int{p, i})
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	next := make([]int, producers)
	for range producers * perProducer {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		// Items from one producer must arrive in that producer's order.
		if v[1] != next[v[0]] {
			t.Fatalf("producer %d: got item %d, want %d", v[0], v[1], next[v[0]])
		}
		next[v[0]]++
	}
	wg.Wait()

	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d left", q.Len())
	}
	for p, n := range next {
		if n != perProducer {
			t.Errorf("producer %d: received %d items, want %d", p, n, perProducer)
		}
	}
}

func TestCompactionKeepsOrder(t *testing.T) {
	q := New[int]()
	ctx := context.Background()
	pop := func(want int) {
		t.Helper()
		v, err := q.Pop(ctx)
		if err != nil || v != want {
			t.Fatalf("Pop = %d, %v; want %d", v, err, want)
		}
	}
	for i := range 5000 {
		q.Push(i)
	}
	for i := range 3000 {
		pop(i)
	}
	for i := 5000; i < 6000; i++ {
		q.Push(i)
	}
	for i := 3000; i < 6000; i++ {
		pop(i)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after draining", q.Len())
	}
}

package rpcsource

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"labrecorder/internal/instrument"
	"labrecorder/internal/source"
)

func startInstrument(t *testing.T) (*instrument.Service, source.ID) {
	t.Helper()
	svc := instrument.NewService(instrument.NewRandom(), nil)
	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(ts.Close)

	id, err := source.ParseID(strings.TrimPrefix(ts.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	return svc, id
}

func TestDialAndFetch(t *testing.T) {
	_, id := startInstrument(t)
	d := &Dialer{Timeout: time.Second}

	conn, err := d.Dial(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	c := conn.(*Conn)
	if c.Provider() != "random" {
		t.Errorf("provider = %q", c.Provider())
	}

	values, err := conn.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 {
		t.Fatalf("got %d fields, want all 3: %v", len(values), values)
	}
	if _, ok := values["counter"].(int64); !ok {
		t.Errorf("counter decoded as %T, want int64", values["counter"])
	}
	if _, ok := values["celsius"].(float64); !ok {
		t.Errorf("celsius decoded as %T, want float64", values["celsius"])
	}

	values, err = conn.Fetch(context.Background(), []string{"celsius"})
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 {
		t.Errorf("selected fetch returned %v", values)
	}
}

func TestFetchUnknownField(t *testing.T) {
	_, id := startInstrument(t)
	conn, err := (&Dialer{}).Dial(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, err = conn.Fetch(context.Background(), []string{"nope"})
	if !errors.Is(err, source.ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
}

func TestFetchDuringOutage(t *testing.T) {
	svc, id := startInstrument(t)
	conn, err := (&Dialer{}).Dial(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	svc.SetOffline(true)
	if _, err := conn.Fetch(context.Background(), nil); !errors.Is(err, source.ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
	svc.SetOffline(false)
	if _, err := conn.Fetch(context.Background(), nil); err != nil {
		t.Fatalf("fetch after recovery: %v", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	id, err := source.ParseID(addr)
	if err != nil {
		t.Fatal(err)
	}
	_, err = (&Dialer{Timeout: time.Second}).Dial(context.Background(), id)
	if !errors.Is(err, source.ErrConnect) {
		t.Fatalf("got %v, want ErrConnect", err)
	}
}

func TestCloseAbortsFetch(t *testing.T) {
	_, id := startInstrument(t)
	conn, err := (&Dialer{}).Dial(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	conn.Close()

	if _, err := conn.Fetch(context.Background(), nil); !errors.Is(err, source.ErrFetch) {
		t.Fatalf("fetch on closed conn: got %v, want ErrFetch", err)
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

func TestSchemaSteps(t *testing.T) {
	steps, err := schemaSteps()
	if err != nil {
		t.Fatalf("schemaSteps: %v", err)
	}
	if len(steps) == 0 || steps[0].version != 1 || steps[0].name != "001_points.sql" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	ctx := context.Background()

	for range 2 {
		v, err := migrate(ctx, db)
		if err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if v != 1 {
			t.Fatalf("version = %d, want 1", v)
		}
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'points'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("points table count = %d, want 1", n)
	}
}

func TestWriteAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "points.db")
	s, err := NewFactory()(context.Background(), map[string]string{"path": path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := time.Unix(1700000000, 0).UTC()
	for i := range 3 {
		p, err := point.New("temp",
			map[string]string{"room": "lab1"},
			map[string]any{"celsius": 21.5, "seq": int64(i), "ok": true},
			base.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Write(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.(*Sink).Query(context.Background(), "temp")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	for i, p := range got {
		if p.Tags["room"] != "lab1" || p.Fields["celsius"] != 21.5 || p.Fields["seq"] != int64(i) || p.Fields["ok"] != true {
			t.Errorf("row %d: %s", i, p)
		}
		if !p.Time.Equal(base.Add(time.Duration(i) * time.Millisecond)) {
			t.Errorf("row %d time = %v", i, p.Time)
		}
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.db")
	p, _ := point.New("m", nil, map[string]any{"v": 1.5}, time.Unix(1, 0))
	for range 2 {
		s, err := Open(context.Background(), path, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Write(context.Background(), p); err != nil {
			t.Fatal(err)
		}
		s.Close()
	}

	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Query(context.Background(), "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d rows after reopen, want 2", len(got))
	}
}

func TestOpenFailureIsValidationError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(context.Background(), filepath.Join(blocker, "points.db"), nil)
	if !errors.Is(err, sink.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestFactoryRequiresPath(t *testing.T) {
	if _, err := NewFactory()(context.Background(), map[string]string{}, nil); err == nil {
		t.Fatal("expected error")
	}
}

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDefault(t *testing.T) {
	if Default(nil).Enabled(context.Background(), slog.LevelError) {
		t.Error("Default(nil) should discard everything")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if Default(l) != l {
		t.Error("Default should return a non-nil logger unchanged")
	}
	Discard().Error("dropped", "component", "puller")
}

// countHandler counts records it receives. Derived handlers share the count.
type countHandler struct {
	n *atomic.Int64
}

func newCountHandler() countHandler { return countHandler{n: new(atomic.Int64)} }

func (countHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h countHandler) Handle(context.Context, slog.Record) error {
	h.n.Add(1)
	return nil
}
func (h countHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h countHandler) WithGroup(string) slog.Handler      { return h }

func TestComponentFilterHandler(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]slog.Level
		scope     string // component attached with With, if any
		component string // component passed on the record, if any
		level     slog.Level
		want      bool
	}{
		{"info passes default", nil, "", "writer", slog.LevelInfo, true},
		{"debug blocked by default", nil, "", "writer", slog.LevelDebug, false},
		{"no component uses default", nil, "", "", slog.LevelDebug, false},
		{"override on record", map[string]slog.Level{"puller": slog.LevelDebug}, "", "puller", slog.LevelDebug, true},
		{"override does not leak", map[string]slog.Level{"puller": slog.LevelDebug}, "", "writer", slog.LevelDebug, false},
		{"override on scoped logger", map[string]slog.Level{"puller": slog.LevelDebug}, "puller", "", slog.LevelDebug, true},
		{"raised level", map[string]slog.Level{"sink": slog.LevelError}, "sink", "", slog.LevelWarn, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := newCountHandler()
			filter := NewComponentFilterHandler(count, slog.LevelInfo)
			for c, lvl := range tt.overrides {
				filter.SetLevel(c, lvl)
			}
			logger := slog.New(filter)
			if tt.scope != "" {
				logger = logger.With(ComponentKey, tt.scope)
			}
			var args []any
			if tt.component != "" {
				args = append(args, ComponentKey, tt.component)
			}
			logger.Log(context.Background(), tt.level, "msg", args...)

			if got := count.n.Load() == 1; got != tt.want {
				t.Errorf("logged = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComponentFilterHandlerLevels(t *testing.T) {
	filter := NewComponentFilterHandler(newCountHandler(), slog.LevelWarn)

	if got := filter.Level("puller"); got != slog.LevelWarn {
		t.Errorf("Level before override = %v", got)
	}
	filter.SetLevel("puller", slog.LevelDebug)
	if got := filter.Level("puller"); got != slog.LevelDebug {
		t.Errorf("Level after SetLevel = %v", got)
	}
	filter.ClearLevel("puller")
	filter.ClearLevel("never-set")
	if got := filter.Level("puller"); got != slog.LevelWarn {
		t.Errorf("Level after ClearLevel = %v", got)
	}
	if got := filter.DefaultLevel(); got != slog.LevelWarn {
		t.Errorf("DefaultLevel = %v", got)
	}
}

func TestSetLevelAffectsScopedLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)

	pullerLog := slog.New(filter).With(ComponentKey, "puller", "source", "127.0.0.1:18813")
	writerLog := slog.New(filter).With(ComponentKey, "writer").WithGroup("stats")

	pullerLog.Debug("fetch 1")
	writerLog.Debug("drain 1")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	filter.SetLevel("puller", slog.LevelDebug)
	pullerLog.Debug("fetch 2")
	writerLog.Debug("drain 2")

	out := buf.String()
	if !strings.Contains(out, "fetch 2") || !strings.Contains(out, "source=127.0.0.1:18813") {
		t.Errorf("missing puller debug line: %s", out)
	}
	if strings.Contains(out, "drain") {
		t.Errorf("writer debug line leaked: %s", out)
	}
}

func TestComponentFilterHandlerEnabled(t *testing.T) {
	filter := NewComponentFilterHandler(newCountHandler(), slog.LevelInfo)
	filter.SetLevel("puller", slog.LevelDebug)
	ctx := context.Background()

	if !slog.New(filter).With(ComponentKey, "puller").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug not enabled for puller")
	}
	if slog.New(filter).With(ComponentKey, "writer").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug enabled for writer")
	}
	// The record may still name the component, so Handle decides.
	if !slog.New(filter).Enabled(ctx, slog.LevelDebug) {
		t.Error("unscoped logger should defer the decision to Handle")
	}
}

func TestComponentFilterHandlerConcurrent(t *testing.T) {
	count := newCountHandler()
	filter := NewComponentFilterHandler(count, slog.LevelInfo)
	logger := slog.New(filter).With(ComponentKey, "puller")

	const workers, iterations = 8, 200
	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for range iterations {
				logger.Info("poll")
			}
		})
		wg.Go(func() {
			for range iterations {
				filter.SetLevel("puller", slog.LevelDebug)
				filter.ClearLevel("puller")
			}
		})
	}
	wg.Wait()

	if got := count.n.Load(); got != workers*iterations {
		t.Errorf("records = %d, want %d", got, workers*iterations)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info+2", slog.LevelInfo + 2},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("expected error for unknown level")
	}
}

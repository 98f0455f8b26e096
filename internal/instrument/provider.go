package instrument

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"

	"labrecorder/internal/sysmetrics"
)

// ErrUnknownField is returned when a requested field is not offered.
var ErrUnknownField = errors.New("unknown field")

// Provider produces readings for a fixed set of fields.
type Provider interface {
	Name() string
	Fields() []string
	// Read returns values for the given fields, all of which are known.
	Read(ctx context.Context, fields []string) (map[string]any, error)
}

// Providers lists the built-in provider names accepted by NewProvider.
var Providers = []string{"random", "host"}

// NewProvider builds a built-in provider by name.
func NewProvider(name string) (Provider, error) {
	switch name {
	case "random":
		return NewRandom(), nil
	case "host":
		return NewHost(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (known: %v)", name, Providers)
	}
}

// Random simulates a bench instrument: a uniform random number, a noisy
// temperature around 21 C, and a monotonically increasing counter.
type Random struct {
	mu      sync.Mutex
	counter int64
}

// NewRandom creates a Random provider.
func NewRandom() *Random { return &Random{} }

func (*Random) Name() string { return "random" }

func (*Random) Fields() []string { return []string{"random", "celsius", "counter"} }

func (p *Random) Read(_ context.Context, fields []string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "random":
			out[f] = rand.Float64()
		case "celsius":
			out[f] = 21 + rand.NormFloat64()*0.25
		case "counter":
			p.counter++
			out[f] = p.counter
		}
	}
	return out, nil
}

// Host reports resource usage of the instrument process itself.
type Host struct {
	sampler *sysmetrics.Sampler
}

// NewHost creates a Host provider.
func NewHost() *Host { return &Host{sampler: sysmetrics.NewSampler()} }

func (*Host) Name() string { return "host" }

func (*Host) Fields() []string { return []string{"cpu_percent", "memory_inuse_bytes", "goroutines"} }

func (p *Host) Read(_ context.Context, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "cpu_percent":
			out[f] = p.sampler.CPUPercent()
		case "memory_inuse_bytes":
			out[f] = sysmetrics.MemoryInuse()
		case "goroutines":
			out[f] = int64(runtime.NumGoroutine())
		}
	}
	return out, nil
}

// resolveFields expands an empty selection to every field and rejects
// fields the provider does not offer.
func resolveFields(p Provider, requested []string) ([]string, error) {
	known := p.Fields()
	if len(requested) == 0 {
		return known, nil
	}
	for _, f := range requested {
		if !slices.Contains(known, f) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
	}
	return requested, nil
}

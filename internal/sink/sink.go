// Package sink defines where the writer persists points.
//
// The set of sink kinds is closed. Each kind lives in its own subpackage and
// exposes NewFactory; main assembles the factories into a Registry. A factory
// validates its params and its backend before returning, so a sink that could
// never accept a point is rejected at SetWriter time instead of failing on
// every write.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"labrecorder/internal/point"
)

var (
	// ErrValidation wraps backend validation failures at open time.
	ErrValidation = errors.New("sink validation failed")
	// ErrInvalidParams wraps malformed or missing sink params.
	ErrInvalidParams = errors.New("invalid sink params")
	// ErrUnknownKind is returned for a kind with no registered factory.
	ErrUnknownKind = errors.New("unknown sink kind")
)

// Kind names a sink variant.
type Kind string

const (
	KindDiscard  Kind = "discard"
	KindPrint    Kind = "print"
	KindFile     Kind = "file"
	KindInfluxDB Kind = "influxdb"
	KindSQLite   Kind = "sqlite"
	KindKafka    Kind = "kafka"
	KindMQTT     Kind = "mqtt"
)

// Kinds lists every sink kind in display order.
var Kinds = []Kind{KindDiscard, KindPrint, KindFile, KindInfluxDB, KindSQLite, KindKafka, KindMQTT}

// Sink persists points one at a time. Write is only called from the writer
// goroutine; a returned error loses that point and nothing else.
type Sink interface {
	Kind() Kind
	Write(ctx context.Context, p point.Point) error
	Close() error
}

// Config selects and parameterizes a sink.
type Config struct {
	Kind   Kind              `json:"kind" yaml:"kind"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// String renders the config with secret-looking params masked.
func (c Config) String() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	for _, k := range slices.Sorted(maps.Keys(c.Params)) {
		v := c.Params[k]
		if strings.Contains(k, "password") || strings.Contains(k, "secret") {
			v = "***"
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}

// Factory opens a sink from params. It must fail with an error wrapping
// ErrValidation when the backend is unusable, and must not leave resources
// open on failure.
type Factory func(ctx context.Context, params map[string]string, logger *slog.Logger) (Sink, error)

// Registry maps kinds to factories.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry creates a registry from a factory map.
func NewRegistry(factories map[Kind]Factory) *Registry {
	return &Registry{factories: maps.Clone(factories)}
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	return slices.Sorted(maps.Keys(r.factories))
}

// Open opens a sink for cfg.
func (r *Registry) Open(ctx context.Context, cfg Config, logger *slog.Logger) (Sink, error) {
	factory, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownKind, cfg.Kind, r.Kinds())
	}
	params := cfg.Params
	if params == nil {
		params = map[string]string{}
	}
	s, err := factory(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("%s sink: %w", cfg.Kind, err)
	}
	return s, nil
}

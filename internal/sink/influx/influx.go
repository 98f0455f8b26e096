// Package influx provides a sink that writes each point to an InfluxDB 1.x
// database.
package influx

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// Config holds InfluxDB sink configuration.
type Config struct {
	Addr            string
	Database        string
	Username        string
	Password        string //nolint:gosec // config field, not a hardcoded credential
	RetentionPolicy string
	Precision       string
	Timeout         time.Duration
}

// Sink writes one-point batches to InfluxDB.
type Sink struct {
	cfg    Config
	client client.Client
	logger *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// NewFactory returns a factory for InfluxDB sinks.
func NewFactory() sink.Factory {
	return func(ctx context.Context, params map[string]string, logger *slog.Logger) (sink.Sink, error) {
		cfg := Config{
			Addr:            cmp.Or(params["addr"], "http://localhost:8086"),
			Database:        params["database"],
			Username:        params["username"],
			Password:        params["password"],
			RetentionPolicy: params["retention_policy"],
			Precision:       cmp.Or(params["precision"], "ns"),
			Timeout:         10 * time.Second,
		}
		if cfg.Database == "" {
			return nil, fmt.Errorf("%w: database param is required", sink.ErrInvalidParams)
		}
		switch cfg.Precision {
		case "ns", "us", "ms", "s", "m", "h":
		default:
			return nil, fmt.Errorf("%w: unsupported precision %q (supported: ns, us, ms, s, m, h)", sink.ErrInvalidParams, cfg.Precision)
		}
		if v := params["timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("%w: invalid timeout %q", sink.ErrInvalidParams, v)
			}
			cfg.Timeout = d
		}
		return Open(ctx, cfg, logger)
	}
}

// Open connects to InfluxDB and checks that the target database exists.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:      cfg.Addr,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Timeout:   cfg.Timeout,
		UserAgent: "labrecorder",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sink.ErrValidation, err)
	}

	s := &Sink{
		cfg:    cfg,
		client: c,
		logger: logging.Default(logger).With("component", "sink", "kind", sink.KindInfluxDB, "addr", cfg.Addr, "database", cfg.Database),
	}
	if err := s.validate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	s.logger.Info("influxdb sink opened")
	return s, nil
}

// validate lists databases and requires the configured one to be present.
func (s *Sink) validate(ctx context.Context) error {
	type result struct {
		names []string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		names, err := s.databases()
		done <- result{names, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: list databases: %w", sink.ErrValidation, ctx.Err())
	}
	if r.err != nil {
		return fmt.Errorf("%w: list databases: %w", sink.ErrValidation, r.err)
	}
	if !slices.Contains(r.names, s.cfg.Database) {
		return fmt.Errorf("%w: database %q not found (have %v)", sink.ErrValidation, s.cfg.Database, r.names)
	}
	return nil
}

func (s *Sink) databases() ([]string, error) {
	resp, err := s.client.Query(client.NewQuery("SHOW DATABASES", "", ""))
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	var names []string
	for _, res := range resp.Results {
		for _, row := range res.Series {
			for _, v := range row.Values {
				if len(v) == 0 {
					continue
				}
				if name, ok := v[0].(string); ok {
					names = append(names, name)
				}
			}
		}
	}
	return names, nil
}

func (s *Sink) Kind() sink.Kind { return sink.KindInfluxDB }

// Write submits p as a single-point batch. Client errors are returned to the
// writer, which drops the point and continues.
func (s *Sink) Write(_ context.Context, p point.Point) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:        s.cfg.Database,
		Precision:       s.cfg.Precision,
		RetentionPolicy: s.cfg.RetentionPolicy,
	})
	if err != nil {
		return err
	}
	pt, err := client.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
	if err != nil {
		return fmt.Errorf("build point: %w", err)
	}
	bp.AddPoint(pt)
	return s.client.Write(bp)
}

func (s *Sink) Close() error {
	return s.client.Close()
}

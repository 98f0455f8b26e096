// Package sqlite provides a sink that inserts each point as a row in a local
// SQLite database.
//
// Rows hold the measurement, tags and fields as JSON objects, and the
// timestamp as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// Sink inserts points into the points table.
type Sink struct {
	db     *sql.DB
	insert *sql.Stmt
	path   string
	logger *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// NewFactory returns a factory for SQLite sinks.
func NewFactory() sink.Factory {
	return func(ctx context.Context, params map[string]string, logger *slog.Logger) (sink.Sink, error) {
		path := params["path"]
		if path == "" {
			return nil, fmt.Errorf("%w: path param is required", sink.ErrInvalidParams)
		}
		return Open(ctx, path, logger)
	}
}

// Open opens (or creates) the database at path and migrates it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create directory: %w", sink.ErrValidation, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", sink.ErrValidation, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := setup(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", sink.ErrValidation, err)
	}
	s.path = path
	s.logger = logging.Default(logger).With("component", "sink", "kind", sink.KindSQLite, "path", path)
	s.logger.Info("sqlite sink opened")
	return s, nil
}

func setup(ctx context.Context, db *sql.DB) (*Sink, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	insert, err := db.PrepareContext(ctx,
		`INSERT INTO points (measurement, tags, fields, ts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return &Sink{db: db, insert: insert}, nil
}

func (s *Sink) Kind() sink.Kind { return sink.KindSQLite }

// Write inserts one row.
func (s *Sink) Write(ctx context.Context, p point.Point) error {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if _, err := s.insert.ExecContext(ctx, p.Measurement, string(tags), string(fields), p.Time.UnixNano()); err != nil {
		return fmt.Errorf("insert point: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	return errors.Join(s.insert.Close(), s.db.Close())
}

// Query returns every stored point with the given measurement, oldest first.
// Integral numbers come back as int64, others as float64.
func (s *Sink) Query(ctx context.Context, measurement string) ([]point.Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tags, fields, ts FROM points WHERE measurement = ? ORDER BY ts, id`, measurement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []point.Point
	for rows.Next() {
		var tagsJSON, fieldsJSON string
		var ts int64
		if err := rows.Scan(&tagsJSON, &fieldsJSON, &ts); err != nil {
			return nil, err
		}
		var tags map[string]string
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		fields := map[string]any{}
		dec := json.NewDecoder(strings.NewReader(fieldsJSON))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
		p, err := point.New(measurement, tags, fields, time.Unix(0, ts).UTC())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

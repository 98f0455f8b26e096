// Package file provides a sink that appends one line-protocol line per point
// to a local file.
//
// The file is opened once, in append mode, when the sink is created; a file
// that cannot be opened fails validation. Paths ending in ".gz" (or the
// param gzip=true) are gzip-compressed: each sink lifetime appends one gzip
// member, flushed after every point, so a file written across restarts is a
// valid multi-member gzip stream.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"labrecorder/internal/logging"
	"labrecorder/internal/point"
	"labrecorder/internal/sink"
)

// Config holds file sink configuration.
type Config struct {
	Path string
	Gzip bool
}

// Sink appends points to a file.
type Sink struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	f   *os.File
	gz  *gzip.Writer
	buf []byte
}

var _ sink.Sink = (*Sink)(nil)

// NewFactory returns a factory for file sinks.
func NewFactory() sink.Factory {
	return func(_ context.Context, params map[string]string, logger *slog.Logger) (sink.Sink, error) {
		path := params["path"]
		if path == "" {
			return nil, fmt.Errorf("%w: path param is required", sink.ErrInvalidParams)
		}
		compress := strings.HasSuffix(path, ".gz")
		if v := params["gzip"]; v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid gzip param %q: %w", sink.ErrInvalidParams, v, err)
			}
			compress = b
		}
		return Open(Config{Path: path, Gzip: compress}, logger)
	}
}

// Open opens (or creates) the file for appending.
func Open(cfg Config, logger *slog.Logger) (*Sink, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create directory: %w", sink.ErrValidation, err)
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sink.ErrValidation, err)
	}
	s := &Sink{
		cfg:    cfg,
		f:      f,
		logger: logging.Default(logger).With("component", "sink", "kind", sink.KindFile, "path", cfg.Path),
	}
	if cfg.Gzip {
		s.gz = gzip.NewWriter(f)
	}
	s.logger.Info("file sink opened", "gzip", cfg.Gzip)
	return s, nil
}

func (s *Sink) Kind() sink.Kind { return sink.KindFile }

// Write appends p as one line.
func (s *Sink) Write(_ context.Context, p point.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return os.ErrClosed
	}
	line, err := point.AppendLine(s.buf[:0], p)
	if err != nil {
		return err
	}
	s.buf = line

	if s.gz == nil {
		_, err = s.f.Write(line)
		return err
	}
	if _, err := s.gz.Write(line); err != nil {
		return err
	}
	return s.gz.Flush()
}

// Close finishes the gzip member, if any, and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	var errs []error
	if s.gz != nil {
		errs = append(errs, s.gz.Close())
	}
	errs = append(errs, s.f.Close())
	s.f = nil
	s.gz = nil
	return errors.Join(errs...)
}

// ReadFile parses every point in a file written by the sink, plain or gzip.
func ReadFile(path string) ([]point.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(2); bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var points []point.Point
	for p, err := range point.Decode(r) {
		if err != nil {
			return points, fmt.Errorf("%s: %w", path, err)
		}
		points = append(points, p)
	}
	return points, nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"labrecorder/internal/logging"
	"labrecorder/internal/recorder"
	"labrecorder/internal/sink"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Reloader applies a pipeline file to a recorder.
type Reloader struct {
	rec     *recorder.Recorder
	path    string
	resolve func(string) string
	logger  *slog.Logger

	mu     sync.Mutex
	writer *sink.Config
}

// NewReloader creates a Reloader for the pipeline file at path. resolve, if
// non-nil, rewrites relative "path" params of file and sqlite writers.
func NewReloader(rec *recorder.Recorder, path string, resolve func(string) string, logger *slog.Logger) *Reloader {
	return &Reloader{
		rec:     rec,
		path:    path,
		resolve: resolve,
		logger:  logging.Default(logger).With("component", "pipeline", "path", path),
	}
}

// Reload loads the file and applies it. The writer is set on the first
// reload that names one; later changes to it are logged and ignored.
// Source errors are reported in the result, not as the error.
func (r *Reloader) Reload(ctx context.Context) (recorder.ApplyResult, error) {
	p, err := LoadPipeline(r.path)
	if err != nil {
		return recorder.ApplyResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.applyWriter(ctx, p.Writer); err != nil {
		return recorder.ApplyResult{}, err
	}
	res := r.rec.Apply(ctx, p.AttachRequests())
	for id, err := range res.Errors {
		r.logger.Warn("source not applied", "source", id.String(), "error", err)
	}
	return res, nil
}

func (r *Reloader) applyWriter(ctx context.Context, want *sink.Config) error {
	if want == nil {
		return nil
	}
	cfg := sink.Config{Kind: want.Kind, Params: maps.Clone(want.Params)}
	if r.resolve != nil && (cfg.Kind == sink.KindFile || cfg.Kind == sink.KindSQLite) {
		if p, ok := cfg.Params["path"]; ok {
			cfg.Params["path"] = r.resolve(p)
		}
	}

	if r.writer != nil {
		if r.writer.Kind != cfg.Kind || !maps.Equal(r.writer.Params, cfg.Params) {
			r.logger.Warn("writer changed in pipeline file, ignoring: replacing a running writer is not supported",
				"current", r.writer.String(), "file", cfg.String())
		}
		return nil
	}

	err := r.rec.SetWriter(ctx, cfg)
	if errors.Is(err, recorder.ErrWriterAlreadySet) {
		r.logger.Warn("writer already set, pipeline writer ignored", "file", cfg.String())
		r.writer = &cfg
		return nil
	}
	if err != nil {
		return fmt.Errorf("set writer: %w", err)
	}
	r.writer = &cfg
	return nil
}

// Watch reloads the file whenever it changes until ctx ends. The parent
// directory is watched so editors that replace the file are followed.
// Reload failures are logged and the previous state is kept.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(r.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	r.logger.Info("watching pipeline file")

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case <-timer.C:
			res, err := r.Reload(ctx)
			if err != nil {
				r.logger.Warn("pipeline reload failed, keeping current sources", "error", err)
				continue
			}
			r.logger.Info("pipeline reloaded",
				"attached", len(res.Attached),
				"detached", len(res.Detached),
				"reattached", len(res.Reattached),
				"errors", len(res.Errors))
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// Package config resolves process settings and loads the pipeline file.
//
// Settings describe the process: where to listen, where home is, how to log,
// and the recorder's timeouts. They come from flags, LABRECORDER_* environment
// variables, and an optional settings.yaml, in that priority order.
//
// The pipeline describes what to record: one writer and a list of sources.
// It is declarative. Reloading it reconciles the recorder's sources with the
// file; the writer section is honoured only the first time.
package config

import "errors"

// ErrInvalid wraps settings and pipeline validation failures.
var ErrInvalid = errors.New("invalid configuration")

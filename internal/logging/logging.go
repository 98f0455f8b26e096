// Package logging holds the slog conventions every labrecorder package
// follows.
//
// Loggers are injected, never global. A component scopes its logger once at
// construction with the "component" attribute plus whatever identifies the
// instance (source address, sink kind, instance ID):
//
//	logger: logging.Default(logger).With("component", "puller", "source", id.String())
//
// Only main picks the handler, format, and levels. ComponentFilterHandler
// lets the levels differ per component.
//
// Pullers and the writer do not log on the success path. They log lifecycle
// boundaries and state changes, such as a source going unreachable and
// coming back, and each point a sink rejects.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Default returns logger, or a discard logger if it is nil.
func Default(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// ParseLevel parses debug, info, warn or error, case-insensitively.
// Offsets such as "info+2" are accepted.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// Package home manages the labrecorder home directory layout.
//
// Layout:
//
//	<root>/
//	  settings.yaml    (process settings, read by viper)
//	  pipeline.yaml    (writer and sources applied at startup, optionally watched)
//	  labrecorder.sock (management RPC unix socket)
//	  recorder_name    (stable recorder name used in logs)
//	  data/            (default location for file and sqlite sinks)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
)

// Dir represents a labrecorder home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/labrecorder
//   - macOS:   ~/Library/Application Support/labrecorder
//   - Windows: %APPDATA%/labrecorder
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "labrecorder")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// SettingsPath returns the path to the settings file.
func (d Dir) SettingsPath() string {
	return filepath.Join(d.root, "settings.yaml")
}

// PipelinePath returns the path to the default pipeline file.
func (d Dir) PipelinePath() string {
	return filepath.Join(d.root, "pipeline.yaml")
}

// SocketPath returns the path to the management unix socket.
func (d Dir) SocketPath() string {
	return filepath.Join(d.root, "labrecorder.sock")
}

// DataDir returns the directory for sink output with relative paths.
func (d Dir) DataDir() string {
	return filepath.Join(d.root, "data")
}

// EnsureExists creates the home and data directories if they don't exist.
func (d Dir) EnsureExists() error {
	for _, dir := range []string{d.root, d.DataDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// RecorderName reads the persistent recorder name from <root>/recorder_name.
// If the file doesn't exist, a new name is generated and written.
func (d Dir) RecorderName() (string, error) {
	return d.readOrCreate("recorder_name", func() string {
		return petname.Generate(2, "-")
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: the name is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}

// ResolveDataPath makes a relative sink path absolute under DataDir.
// Absolute paths are returned unchanged.
func (d Dir) ResolveDataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.DataDir(), p)
}

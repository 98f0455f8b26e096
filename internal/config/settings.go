package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"labrecorder/internal/home"
	"labrecorder/internal/logging"
	"labrecorder/internal/recorder"
)

// EnvPrefix prefixes environment overrides, e.g. LABRECORDER_LISTEN.
const EnvPrefix = "LABRECORDER"

// Setting keys. Flag names match the keys.
const (
	KeyHome          = "home"
	KeyListen        = "listen"
	KeySocket        = "socket"
	KeyPipeline      = "pipeline"
	KeyWatch         = "watch"
	KeyLogLevel      = "log-level"
	KeyLogFormat     = "log-format"
	KeyLogComponents = "log-components"
	KeyDetachTimeout = "detach-timeout"
	KeyForceGrace    = "force-grace"
	KeyStatsInterval = "stats-interval"
	KeyFetchTimeout  = "fetch-timeout"
	KeyName          = "name"
)

const (
	DefaultListen       = "127.0.0.1:4880"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultFetchTimeout = 5 * time.Second
)

// Settings holds the resolved process settings.
type Settings struct {
	Home     home.Dir
	Listen   string
	Socket   bool
	Pipeline string
	Watch    bool

	LogLevel  slog.Level
	LogFormat string
	// LogComponents overrides the level per component, e.g. puller=debug.
	LogComponents map[string]slog.Level

	DetachTimeout time.Duration
	ForceGrace    time.Duration
	StatsInterval time.Duration
	FetchTimeout  time.Duration
	Name          string
}

// AddFlags registers the settings flags on fs with their defaults.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(KeyHome, "", "home directory (default: platform config dir)")
	fs.String(KeyListen, DefaultListen, "management RPC listen address (empty disables TCP)")
	fs.Bool(KeySocket, true, "also serve on the unix socket in the home directory")
	fs.String(KeyPipeline, "", "pipeline file (default: <home>/pipeline.yaml if present)")
	fs.Bool(KeyWatch, false, "reload the pipeline file when it changes")
	fs.String(KeyLogLevel, DefaultLogLevel, "log level: debug, info, warn, error")
	fs.String(KeyLogFormat, DefaultLogFormat, "log format: text or json")
	fs.StringToString(KeyLogComponents, nil, "per-component log levels, e.g. puller=debug")
	fs.Duration(KeyDetachTimeout, recorder.DefaultDetachTimeout, "cooperative stop timeout for detach")
	fs.Duration(KeyForceGrace, recorder.DefaultForceGrace, "grace period after forcing a puller to stop")
	fs.Duration(KeyStatsInterval, recorder.DefaultStatsInterval, "throughput report interval (negative disables)")
	fs.Duration(KeyFetchTimeout, DefaultFetchTimeout, "timeout for each instrument RPC")
	fs.String(KeyName, "", "recorder name used in logs (default: persisted random name)")
}

// LoadSettings resolves settings from fs, the environment, and the home
// directory's settings.yaml. fs may be nil.
func LoadSettings(fs *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs == nil {
		fs = pflag.NewFlagSet("settings", pflag.ContinueOnError)
		AddFlags(fs)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	hd, err := resolveHome(v.GetString(KeyHome))
	if err != nil {
		return nil, err
	}

	v.SetConfigFile(hd.SettingsPath())
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", hd.SettingsPath(), err)
		}
	}

	s := &Settings{
		Home:          hd,
		Listen:        v.GetString(KeyListen),
		Socket:        v.GetBool(KeySocket),
		Pipeline:      v.GetString(KeyPipeline),
		Watch:         v.GetBool(KeyWatch),
		LogFormat:     v.GetString(KeyLogFormat),
		DetachTimeout: v.GetDuration(KeyDetachTimeout),
		ForceGrace:    v.GetDuration(KeyForceGrace),
		StatsInterval: v.GetDuration(KeyStatsInterval),
		FetchTimeout:  v.GetDuration(KeyFetchTimeout),
		Name:          v.GetString(KeyName),
	}
	if s.LogLevel, err = logging.ParseLevel(v.GetString(KeyLogLevel)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	s.LogComponents = make(map[string]slog.Level)
	for component, lvl := range v.GetStringMapString(KeyLogComponents) {
		parsed, err := logging.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("%w: component %s: %w", ErrInvalid, component, err)
		}
		s.LogComponents[component] = parsed
	}

	if s.Pipeline != "" && !filepath.IsAbs(s.Pipeline) {
		s.Pipeline, err = filepath.Abs(s.Pipeline)
		if err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks value ranges.
func (s *Settings) Validate() error {
	switch {
	case s.Listen == "" && !s.Socket:
		return fmt.Errorf("%w: neither a listen address nor the unix socket is enabled", ErrInvalid)
	case s.LogFormat != "text" && s.LogFormat != "json":
		return fmt.Errorf("%w: log format %q (supported: text, json)", ErrInvalid, s.LogFormat)
	case s.DetachTimeout <= 0:
		return fmt.Errorf("%w: detach timeout must be positive", ErrInvalid)
	case s.ForceGrace <= 0:
		return fmt.Errorf("%w: force grace must be positive", ErrInvalid)
	case s.StatsInterval == 0:
		return fmt.Errorf("%w: stats interval must be non-zero", ErrInvalid)
	case s.FetchTimeout <= 0:
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalid)
	}
	return nil
}

// PipelinePath returns the pipeline file to load, or "" if there is none.
// An explicit path is returned even if the file is missing, so the caller
// reports it.
func (s *Settings) PipelinePath() string {
	if s.Pipeline != "" {
		return s.Pipeline
	}
	if fileExists(s.Home.PipelinePath()) {
		return s.Home.PipelinePath()
	}
	return ""
}

func resolveHome(root string) (home.Dir, error) {
	if root != "" {
		return home.New(root), nil
	}
	return home.Default()
}

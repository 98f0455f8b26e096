package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"labrecorder/internal/config"
	"labrecorder/internal/logging"
	"labrecorder/internal/recorder"
	"labrecorder/internal/server"
	"labrecorder/internal/sink"
	"labrecorder/internal/sink/discard"
	"labrecorder/internal/sink/file"
	"labrecorder/internal/sink/influx"
	"labrecorder/internal/sink/kafka"
	"labrecorder/internal/sink/mqtt"
	sinkprint "labrecorder/internal/sink/print"
	"labrecorder/internal/sink/sqlite"
	"labrecorder/internal/source/rpcsource"
)

const shutdownTimeout = 10 * time.Second

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the recorder service",
		Long: "Start the recorder and its management RPC server. If a pipeline file is " +
			"configured, its writer and sources are applied at startup.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, settings)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, s *config.Settings) error {
	logger := newLogger(os.Stderr, s)

	if err := s.Home.EnsureExists(); err != nil {
		return err
	}
	name := s.Name
	if name == "" {
		var err error
		if name, err = s.Home.RecorderName(); err != nil {
			return err
		}
	}
	logger.Info("home directory", "path", s.Home.Root(), "recorder", name)

	rec, err := recorder.New(recorder.Config{
		Dialer:        &rpcsource.Dialer{Timeout: s.FetchTimeout},
		Sinks:         buildSinks(os.Stdout),
		Logger:        logger,
		DetachTimeout: s.DetachTimeout,
		ForceGrace:    s.ForceGrace,
		StatsInterval: s.StatsInterval,
		Name:          name,
	})
	if err != nil {
		return err
	}

	var reloader *config.Reloader
	if path := s.PipelinePath(); path != "" {
		reloader = config.NewReloader(rec, path, s.Home.ResolveDataPath, logger)
		res, err := reloader.Reload(ctx)
		if err != nil {
			_ = rec.Close(context.Background())
			return fmt.Errorf("apply pipeline: %w", err)
		}
		logger.Info("pipeline applied", "path", path, "sources", len(res.Attached), "errors", len(res.Errors))
	} else {
		logger.Info("no pipeline file, waiting for writer and sources over RPC")
	}

	srv := server.New(rec, server.Config{Logger: logger})

	g, gctx := errgroup.WithContext(ctx)
	if s.Listen != "" {
		g.Go(func() error { return srv.ServeTCP(s.Listen) })
	}
	if s.Socket {
		g.Go(func() error { return srv.ServeUnix(s.Home.SocketPath()) })
	}
	if s.Watch && reloader != nil {
		g.Go(func() error { return reloader.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("stopping server")
		if err := srv.Stop(stopCtx); err != nil {
			logger.Error("server stop error", "error", err)
		}
		logger.Info("shutting down recorder")
		return rec.Close(stopCtx)
	})

	err = g.Wait()
	if s.Socket {
		_ = os.Remove(s.Home.SocketPath())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildSinks creates the factory map for every supported sink kind.
func buildSinks(stdout io.Writer) *sink.Registry {
	return sink.NewRegistry(map[sink.Kind]sink.Factory{
		sink.KindDiscard:  discard.NewFactory(),
		sink.KindPrint:    sinkprint.NewFactory(stdout),
		sink.KindFile:     file.NewFactory(),
		sink.KindInfluxDB: influx.NewFactory(),
		sink.KindSQLite:   sqlite.NewFactory(),
		sink.KindKafka:    kafka.NewFactory(),
		sink.KindMQTT:     mqtt.NewFactory(),
	})
}

// newLogger builds the process logger. Filtering happens in the
// ComponentFilterHandler so levels can differ per component.
func newLogger(w io.Writer, s *config.Settings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var base slog.Handler = slog.NewTextHandler(w, opts)
	if s.LogFormat == "json" {
		base = slog.NewJSONHandler(w, opts)
	}
	filter := logging.NewComponentFilterHandler(base, s.LogLevel)
	for component, lvl := range s.LogComponents {
		filter.SetLevel(component, lvl)
	}
	return slog.New(filter)
}

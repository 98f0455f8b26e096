package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"labrecorder/cmd/labrecorder/cli"
	"labrecorder/internal/logging"
	"labrecorder/internal/server"
)

var version = "dev"

func main() {
	// Commands other than server log at the default level; server rebuilds
	// its logger from the resolved settings.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo))

	server.Version = version

	rootCmd := &cobra.Command{
		Use:           "labrecorder",
		Short:         "Record measurements from lab instruments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		newServerCmd(),
		newInstrumentCmd(logger),
		cli.NewCtlCommand(),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

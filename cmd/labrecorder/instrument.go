package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"labrecorder/internal/instrument"
)

func newInstrumentCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instrument",
		Short: "Run a simulated instrument",
		Long: "Serve the instrument fetch RPC backed by a built-in provider. " +
			"Providers: " + strings.Join(instrument.Providers, ", ") + ".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			providerName, _ := cmd.Flags().GetString("provider")
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")

			provider, err := instrument.NewProvider(providerName)
			if err != nil {
				return err
			}
			if port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %d", port)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc := instrument.NewService(provider, logger)
			addr := net.JoinHostPort(host, strconv.Itoa(port))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return svc.ServeTCP(addr) })
			g.Go(func() error {
				<-gctx.Done()
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				return svc.Stop(stopCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("provider", "random", "data provider: "+strings.Join(instrument.Providers, ", "))
	cmd.Flags().String("host", "127.0.0.1", "listen host")
	cmd.Flags().Int("port", 18813, "listen port")
	return cmd
}

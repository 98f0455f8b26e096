// Package cli implements the "labrecorder ctl" subcommand tree for managing
// a running recorder via Connect RPC.
package cli

import (
	"net"

	"github.com/spf13/cobra"

	"labrecorder/internal/home"
	"labrecorder/internal/server"
)

// DefaultAddr is the management address the server listens on by default.
const DefaultAddr = "http://127.0.0.1:4880"

// NewCtlCommand returns the "ctl" command with all subcommands wired in.
func NewCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Manage a running recorder",
		Long:  "Connect to a running recorder and configure its writer, attach and detach sources, and inspect status.",
	}

	cmd.PersistentFlags().String("addr", DefaultAddr, "server address")
	cmd.PersistentFlags().String("home", "", "home directory used to find the unix socket")
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	cmd.AddCommand(
		newSetWriterCmd(),
		newAttachCmd(),
		newDetachCmd(),
		newSourcesCmd(),
		newStatusCmd(),
	)
	return cmd
}

// clientFromCmd builds a client from the persistent flags on cmd. It prefers
// the unix socket when --addr was not given and the socket accepts
// connections.
func clientFromCmd(cmd *cobra.Command) *server.Client {
	addr, _ := cmd.Flags().GetString("addr")
	if !cmd.Flags().Changed("addr") {
		homeFlag, _ := cmd.Flags().GetString("home")
		if client, ok := tryUnixSocket(homeFlag); ok {
			return client
		}
	}
	return server.NewClient(addr)
}

// tryUnixSocket probes the socket in the home directory.
func tryUnixSocket(homeFlag string) (*server.Client, bool) {
	var hd home.Dir
	if homeFlag != "" {
		hd = home.New(homeFlag)
	} else {
		var err error
		hd, err = home.Default()
		if err != nil {
			return nil, false
		}
	}
	sockPath := hd.SocketPath()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, false
	}
	_ = conn.Close()
	return server.NewUnixClient(sockPath), true
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

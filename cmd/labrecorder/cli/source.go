package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"labrecorder/internal/server"
)

func newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attach <host:port>",
		Short:   "Start recording from an instrument",
		Example: "  labrecorder ctl attach 127.0.0.1:18813 --measurement temp --tag room=lab1 --field celsius",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			measurement, _ := cmd.Flags().GetString("measurement")
			tags, _ := cmd.Flags().GetStringToString("tag")
			fields, _ := cmd.Flags().GetStringSlice("field")

			client := clientFromCmd(cmd)
			resp, err := client.Attach.CallUnary(context.Background(), connect.NewRequest(&server.AttachRequest{
				Source:      args[0],
				Interval:    interval.String(),
				Measurement: measurement,
				Tags:        tags,
				Fields:      fields,
			}))
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			if p.isJSON() {
				return p.json(resp.Msg)
			}
			_, _ = fmt.Fprintf(p.w, "Attached %s (instance %s)\n", resp.Msg.Source, resp.Msg.Instance)
			return nil
		},
	}
	cmd.Flags().Duration("interval", time.Second, "poll interval")
	cmd.Flags().String("measurement", "", "measurement name for recorded points")
	cmd.Flags().StringToString("tag", nil, "tag key=value attached to every point (repeatable)")
	cmd.Flags().StringSlice("field", nil, "instrument field to record (default: all)")
	_ = cmd.MarkFlagRequired("measurement")
	return cmd
}

func newDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <host:port>",
		Short: "Stop recording from an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromCmd(cmd)
			if _, err := client.Detach.CallUnary(context.Background(), connect.NewRequest(&server.DetachRequest{
				Source: args[0],
			})); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(newPrinter(outputFormat(cmd)).w, "Detached %s\n", args[0])
			return nil
		},
	}
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sources",
		Aliases: []string{"ls"},
		Short:   "List attached sources",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromCmd(cmd)
			resp, err := client.ListSources.CallUnary(context.Background(), connect.NewRequest(&server.ListSourcesRequest{}))
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			if p.isJSON() {
				return p.json(resp.Msg.Sources)
			}
			var rows [][]string
			for _, s := range resp.Msg.Sources {
				rows = append(rows, []string{
					s.Source, s.State, s.Interval, s.Measurement,
					formatTags(s.Tags),
					strconv.FormatInt(s.Polls, 10),
					strconv.FormatInt(s.Points, 10),
					strconv.FormatInt(s.FetchFailures, 10),
					s.LastError,
				})
			}
			p.table([]string{"SOURCE", "STATE", "INTERVAL", "MEASUREMENT", "TAGS", "POLLS", "POINTS", "FAILURES", "LAST ERROR"}, rows)
			return nil
		},
	}
}

// formatTags renders tags as sorted k=v pairs.
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

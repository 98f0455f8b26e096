package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"labrecorder/internal/server"
)

func newSetWriterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-writer",
		Short: "Configure the recorder's writer",
		Long: "Configure the sink points are written to. A writer can be set once per " +
			"recorder run. Kinds: discard, print, file, influxdb, sqlite, kafka, mqtt.",
		Example: "  labrecorder ctl set-writer --kind file --param path=points.lp\n" +
			"  labrecorder ctl set-writer --kind influxdb --param url=http://localhost:8086 --param bucket=lab",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			params, _ := cmd.Flags().GetStringToString("param")

			client := clientFromCmd(cmd)
			resp, err := client.SetWriter.CallUnary(context.Background(), connect.NewRequest(&server.SetWriterRequest{
				Kind:   kind,
				Params: params,
			}))
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			if p.isJSON() {
				return p.json(resp.Msg)
			}
			_, _ = fmt.Fprintf(p.w, "Writer set: %s\n", resp.Msg.Sink)
			return nil
		},
	}
	cmd.Flags().String("kind", "", "sink kind")
	cmd.Flags().StringToString("param", nil, "sink parameter key=value (repeatable)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show writer and recorder status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromCmd(cmd)
			resp, err := client.WriterStatus.CallUnary(context.Background(), connect.NewRequest(&server.WriterStatusRequest{}))
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			if p.isJSON() {
				return p.json(resp.Msg)
			}
			p.kv(statusPairs(resp.Msg))
			return nil
		},
	}
}

func statusPairs(st *server.WriterStatusResponse) [][2]string {
	pairs := [][2]string{{"Recorder", st.Recorder}}
	if !st.Configured {
		pairs = append(pairs, [2]string{"Writer", "not configured"})
	} else {
		pairs = append(pairs,
			[2]string{"Writer", st.State},
			[2]string{"Sink", st.Sink},
			[2]string{"Instance", st.Instance},
			[2]string{"Started", formatTime(st.StartedAt)},
			[2]string{"Processed", strconv.FormatInt(st.Processed, 10)},
			[2]string{"Failed", strconv.FormatInt(st.Failed, 10)},
			[2]string{"Rate", fmt.Sprintf("%.1f points/s", st.PerSecond)},
		)
	}
	return append(pairs,
		[2]string{"Queue depth", strconv.Itoa(st.QueueDepth)},
		[2]string{"Sources", strconv.Itoa(st.Sources)},
		[2]string{"Abandoned", strconv.FormatInt(st.Abandoned, 10)},
	)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

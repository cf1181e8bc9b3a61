package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/biostream/internal/rpc"
)

var (
	statusTargets []string
	statusProbes  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Describe the workers behind each endpoint",
	Long: `Query Status on each endpoint. With --processes > 1 the kernel picks the
replica per connection, so --probes opens several connections to sample
different replicas.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringSliceVar(&statusTargets, "target", nil, "worker endpoint(s) (default: configured targets)")
	statusCmd.Flags().IntVar(&statusProbes, "probes", 1, "connections opened per endpoint")
	rootCmd.AddCommand(statusCmd)
}

type statusRow struct {
	target string
	reply  *rpc.StatusReply
	err    error
}

func runStatus(cmd *cobra.Command, args []string) error {
	targets := cfg.Client.Targets
	if len(statusTargets) > 0 {
		targets = statusTargets
	}
	if statusProbes < 1 {
		statusProbes = 1
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.CallTimeout)
	defer cancel()

	rows := make([]statusRow, len(targets)*statusProbes)
	var g errgroup.Group
	for i, t := range targets {
		for p := 0; p < statusProbes; p++ {
			slot := i*statusProbes + p
			target := t
			g.Go(func() error {
				rows[slot] = queryStatus(ctx, target)
				return nil
			})
		}
	}
	_ = g.Wait()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tREPLICA\tPID\tTHREADS\tCAPACITY\tIN_FLIGHT\tREJECTED\tUPTIME")
	failed := 0
	for _, r := range rows {
		if r.err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\t%v\n", r.target, r.err)
			continue
		}
		s := r.reply
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n", r.target, s.Replica, s.Pid, s.Threads, s.Capacity, s.InFlight, s.Rejected,
			(time.Duration(s.UptimeMS) * time.Millisecond).Round(time.Second))
	}
	_ = tw.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d status probes failed", failed, len(rows))
	}
	return nil
}

func queryStatus(ctx context.Context, target string) statusRow {
	c, err := rpc.Dial(target, cfg.Transport)
	if err != nil {
		return statusRow{target: target, err: err}
	}
	defer c.Close()
	reply, err := c.Status(ctx)
	return statusRow{target: target, reply: reply, err: err}
}

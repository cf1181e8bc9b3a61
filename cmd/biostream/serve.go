package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/biostream/internal/fleet"
	"github.com/withObsrvr/biostream/internal/logging"
	"github.com/withObsrvr/biostream/internal/metrics"
)

var (
	servePort      string
	servePortRange int
	serveProcesses int
	serveThreads   int
	serveGrace     time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a worker fleet",
	Long: `Start one worker process per (endpoint, replica). With --processes > 1
replicas share each port through SO_REUSEPORT and the kernel balances
connections between them.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&servePort, "port", "", "endpoint host:port, or a comma-separated list (default from config)")
	f.IntVar(&servePortRange, "port-range", 1, "number of consecutive ports starting at --port")
	f.IntVar(&serveProcesses, "processes", 1, "worker processes per port")
	f.IntVar(&serveThreads, "threads", 1, "threads per worker process")
	f.DurationVar(&serveGrace, "grace", 15*time.Second, "time workers get to drain on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	fc := cfg.Fleet
	if cmd.Flags().Changed("port") {
		fc.PortSpec = servePort
	}
	if cmd.Flags().Changed("port-range") {
		fc.PortRange = servePortRange
	}
	if cmd.Flags().Changed("processes") {
		fc.ProcessesPerPort = serveProcesses
	}
	if cmd.Flags().Changed("threads") {
		fc.ThreadsPerProcess = serveThreads
	}

	launcher := &fleet.ExecLauncher{
		Args:      workerBaseArgs(),
		ExtraArgs: workerExtraArgs(fc),
	}
	sup, err := fleet.NewSupervisor(fc, launcher, fleet.ReusePortSupported)
	if err != nil {
		return err
	}
	// Past this point errors are runtime failures, not usage mistakes.
	cmd.SilenceUsage = true

	log := logging.Component("serve")
	if cfg.Metrics.Enabled && cfg.Metrics.WorkerBasePort == 0 {
		log.Warn("metrics enabled without worker_base_port; workers will not expose metrics")
	}

	ctx, cancel := signalContext()
	defer cancel()

	h, err := sup.Start(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fleet exited: %w", err)
		}
		return errors.New("fleet exited")
	case <-ctx.Done():
	}

	log.Info("stopping fleet", "grace", serveGrace)
	if err := h.Stop(serveGrace); err != nil {
		log.Warn("fleet stopped with errors", "error", err)
	}
	for _, r := range h.Records() {
		log.Debug("worker record", "endpoint", r.Endpoint, "replica", r.Replica, "pid", r.Pid, "restarts", r.Restarts)
	}
	return nil
}

// workerBaseArgs re-invokes the hidden worker command with the supervisor's
// own config and logging flags.
func workerBaseArgs() []string {
	args := []string{"worker", "--log-level", cfg.Logging.Level, "--log-format", cfg.Logging.Format}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

func workerExtraArgs(fc fleet.Config) func(fleet.WorkerSpec) []string {
	return func(spec fleet.WorkerSpec) []string {
		var args []string
		if fc.ProcessesPerPort > 1 {
			args = append(args, "--reuse-port")
		}
		if addr := workerMetricsAddr(cfg.Metrics, spec); addr != "" {
			args = append(args, "--metrics-addr", addr)
		}
		return args
	}
}

// workerMetricsAddr gives each worker slot its own metrics port.
func workerMetricsAddr(mc metrics.Config, spec fleet.WorkerSpec) string {
	if !mc.Enabled || mc.WorkerBasePort <= 0 {
		return ""
	}
	return ":" + strconv.Itoa(mc.WorkerBasePort+spec.Slot)
}

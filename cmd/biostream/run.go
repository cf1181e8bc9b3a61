package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/biostream/internal/audit"
	"github.com/withObsrvr/biostream/internal/catalog"
	"github.com/withObsrvr/biostream/internal/checkpoint"
	"github.com/withObsrvr/biostream/internal/config"
	"github.com/withObsrvr/biostream/internal/logging"
	"github.com/withObsrvr/biostream/internal/media"
	"github.com/withObsrvr/biostream/internal/metrics"
	"github.com/withObsrvr/biostream/internal/pipeline"
	"github.com/withObsrvr/biostream/internal/rpc"
	"github.com/withObsrvr/biostream/internal/storage"
)

var (
	runTargets       []string
	runBatchSize     int
	runWorkers       int
	runPrefetch      int
	runEncoding      string
	runOut           string
	runDBName        string
	runTemplateID    string
	runThreshold     float64
	runBatchID       string
	runResume        bool
	runOverwrite     bool
	runCompression   string
	runProgressEvery int
)

var runCmd = &cobra.Command{
	Use:   "run <operation> <path>...",
	Short: "Stream media files through a fleet",
	Long: `Stream every unit of every input through the named operation
(detect, extract, enroll, search, verify, track). Directories are expanded;
files without a decoder are skipped. Files that fail are reported and the
command exits non-zero.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringSliceVar(&runTargets, "target", nil, "worker endpoint(s); files are spread across them")
	f.IntVar(&runBatchSize, "batch-size", -1, "max unacknowledged units per call; -1 streams everything")
	f.IntVar(&runWorkers, "workers", 1, "files streamed concurrently")
	f.IntVar(&runPrefetch, "prefetch", 4, "units decoded ahead of the sender")
	f.StringVar(&runEncoding, "encoding", "rgba", "payload encoding: rgba or jpeg")
	f.StringVar(&runOut, "out", "", "result bucket URL, e.g. file:///tmp/results")
	f.StringVar(&runDBName, "database", "", "database the operation reads or writes")
	f.StringVar(&runTemplateID, "template-id", "", "record id for enroll and verify")
	f.Float64Var(&runThreshold, "threshold", 0, "match threshold passed to the recognizer")
	f.StringVar(&runBatchID, "batch-id", "", "batch id; generated when empty")
	f.BoolVar(&runResume, "resume", false, "skip files an earlier run of --batch-id completed")
	f.BoolVar(&runOverwrite, "overwrite", false, "re-process files whose result is already stored")
	f.StringVar(&runCompression, "compression", "", "gzip, deflate, zstd or none")
	f.IntVar(&runProgressEvery, "progress-every", 25, "log progress every N units")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags layers explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("target") {
		c.Client.Targets = runTargets
	}
	if fl.Changed("batch-size") {
		c.Client.BatchSize = runBatchSize
	}
	if fl.Changed("workers") {
		c.Client.Workers = runWorkers
	}
	if fl.Changed("prefetch") {
		c.Client.Prefetch = runPrefetch
	}
	if fl.Changed("encoding") {
		c.Client.Encoding = runEncoding
	}
	if fl.Changed("out") {
		c.Storage.URL = runOut
	}
	if fl.Changed("resume") {
		c.Client.Resume = runResume
	}
	if fl.Changed("compression") {
		c.Transport.Compression = runCompression
	}
	return c.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	op, err := rpc.ParseOperation(args[0])
	if err != nil {
		return err
	}
	rc := cfg
	if err := applyRunFlags(cmd, &rc); err != nil {
		return err
	}
	if len(rc.Client.Targets) == 0 {
		return errors.New("no targets")
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext()
	defer cancel()
	log := logging.Component("run")

	if rc.Metrics.Enabled {
		metrics.Init("biostream", nil)
		go func() {
			if err := metrics.StartServer(rc.Metrics.Address); err != nil {
				log.Error("metrics server failed", "address", rc.Metrics.Address, "error", err)
			}
		}()
	}

	callers, closeCallers, err := dialTargets(rc)
	if err != nil {
		return err
	}
	defer closeCallers()

	deps := pipeline.Deps{
		Source:   newMediaSource(rc.Media),
		Callers:  callers,
		Progress: pipeline.LogProgress(log, runProgressEvery),
	}

	if rc.Storage.URL != "" {
		store, err := storage.Open(ctx, rc.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Store = store
	}

	cat, err := catalog.NewWriter(ctx, rc.Catalog)
	if err != nil {
		return err
	}
	defer cat.Close()
	deps.Catalog = cat

	cpCfg := rc.Checkpoint
	if rc.Client.Resume {
		cpCfg.Enabled = true
	}
	cpm, err := checkpoint.NewManager(cpCfg)
	if err != nil {
		return err
	}
	deps.Checkpoint = cpm

	emitter, err := audit.NewEmitter(rc.Audit)
	if err != nil {
		return err
	}
	defer emitter.Close()
	deps.Audit = emitter

	runner, err := pipeline.NewRunner(pipeline.Config{
		BatchID:   runBatchID,
		Operation: op,
		Options: rpc.Options{
			Database:   runDBName,
			TemplateID: runTemplateID,
			Threshold:  runThreshold,
		},
		BatchSize:   rc.Client.BatchSize,
		Workers:     rc.Client.Workers,
		MaxRetry:    rc.Client.MaxRetry,
		BackoffMs:   rc.Client.BackoffMs,
		Resume:      rc.Client.Resume,
		Overwrite:   runOverwrite,
		Encoding:    rc.Client.Encoding,
		JPEGQuality: rc.Client.JPEGQuality,
		Prefetch:    rc.Client.Prefetch,
		Producer:    producer(),
	}, deps)
	if err != nil {
		return err
	}

	sum, err := runner.Run(ctx, args[1:])
	if sum != nil {
		printSummary(cmd.OutOrStdout(), sum)
	}
	if err != nil {
		return err
	}
	if !sum.OK() {
		return fmt.Errorf("%d of %d files failed", sum.Failed, sum.Failed+sum.Succeeded)
	}
	return nil
}

func dialTargets(c config.Config) ([]pipeline.Caller, func(), error) {
	var clients []*rpc.Client
	closeAll := func() {
		for _, cl := range clients {
			_ = cl.Close()
		}
	}
	callers := make([]pipeline.Caller, 0, len(c.Client.Targets))
	for _, t := range c.Client.Targets {
		cl, err := rpc.Dial(t, c.Transport)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clients = append(clients, cl)
		callers = append(callers, cl)
	}
	return callers, closeAll, nil
}

func newMediaSource(mc config.MediaConfig) *media.Source {
	video := &media.VideoDecoder{FFmpeg: mc.FFmpeg, FFprobe: mc.FFprobe}
	opts := make([]media.Option, 0, len(media.VideoExtensions)+1)
	for _, ext := range media.VideoExtensions {
		opts = append(opts, media.WithDecoder(ext, media.KindVideo, video))
	}
	if mc.Live {
		opts = append(opts, media.WithLiveSources(video))
	}
	return media.New(opts...)
}

func printSummary(w io.Writer, sum *pipeline.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tUNITS\tELAPSED\tDETAIL")
	for _, r := range sum.Results {
		fmt.Fprintf(tw, "%s\tdone\t%d\t%s\t%s\n", r.Path, len(r.Units), r.Elapsed.Round(time.Millisecond), r.ResultURI)
	}
	for _, f := range sum.Failures {
		fmt.Fprintf(tw, "%s\tfailed\t%d\t-\t%s at %s: %v\n", f.Path, f.LastIndex+1, f.Reason(), f.State, f.Err)
	}
	for _, s := range sum.Skips {
		fmt.Fprintf(tw, "%s\tskipped\t-\t-\t%s\n", s.Path, s.Reason)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nbatch %s (%s): %d succeeded, %d failed, %d skipped, %d resumed in %s\n",
		sum.BatchID, sum.Operation, sum.Succeeded, sum.Failed, sum.Skipped, sum.Resumed, sum.Elapsed.Round(time.Millisecond))
	if sum.ManifestURI != "" {
		fmt.Fprintf(w, "manifest: %s\n", sum.ManifestURI)
	}
}

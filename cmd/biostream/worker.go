package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/biostream/internal/database"
	"github.com/withObsrvr/biostream/internal/fleet"
	"github.com/withObsrvr/biostream/internal/logging"
	"github.com/withObsrvr/biostream/internal/metrics"
	"github.com/withObsrvr/biostream/internal/recognizer"
	"github.com/withObsrvr/biostream/internal/server"
	"github.com/withObsrvr/biostream/internal/storage"
)

var (
	workerEndpoint    string
	workerReplica     int
	workerThreads     int
	workerReusePort   bool
	workerMetricsFlag string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single worker process (started by serve)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerEndpoint, "endpoint", fleet.DefaultEndpoint, "host:port to listen on")
	f.IntVar(&workerReplica, "replica", 0, "replica index within the endpoint")
	f.IntVar(&workerThreads, "threads", 1, "gRPC stream worker threads")
	f.BoolVar(&workerReusePort, "reuse-port", false, "bind with SO_REUSEPORT")
	f.StringVar(&workerMetricsFlag, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	log := logging.WorkerLogger(workerEndpoint, workerReplica)

	if workerMetricsFlag != "" {
		metrics.Init("biostream", nil)
		go func() {
			if err := metrics.StartServer(workerMetricsFlag); err != nil {
				log.Error("metrics server failed", "address", workerMetricsFlag, "error", err)
			}
		}()
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, closeStore, err := openDatabaseStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	w, err := server.New(server.Config{
		Endpoint:   workerEndpoint,
		Replica:    workerReplica,
		Threads:    workerThreads,
		Recognizer: &recognizer.Echo{Store: store},
		Store:      store,
		Transport:  cfg.Transport,
	})
	if err != nil {
		return err
	}

	lis, err := fleet.Listen(ctx, workerEndpoint, workerReusePort)
	if err != nil {
		return err
	}
	return w.Serve(ctx, lis)
}

// openDatabaseStore returns the worker's record store. When a snapshot
// bucket is set, snapshots are written there and the newest ones are
// loaded at startup.
func openDatabaseStore(ctx context.Context) (database.Store, func(), error) {
	if cfg.Database.SnapshotURL == "" {
		return database.NewMemoryStore(nil, ""), func() {}, nil
	}
	blobs, err := storage.Open(ctx, storage.StorageConfig{URL: cfg.Database.SnapshotURL})
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshot bucket: %w", err)
	}
	store := database.NewMemoryStore(blobs, cfg.Database.SnapshotPrefix)
	if _, err := store.Restore(ctx, blobs); err != nil {
		_ = blobs.Close()
		return nil, nil, fmt.Errorf("restore databases: %w", err)
	}
	return store, func() { _ = blobs.Close() }, nil
}

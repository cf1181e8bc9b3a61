// Package server is the fleet worker: it serves the recognition service on
// one listener, timing each unit around the recognizer call.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/withObsrvr/biostream/internal/database"
	"github.com/withObsrvr/biostream/internal/fleet"
	"github.com/withObsrvr/biostream/internal/logging"
	"github.com/withObsrvr/biostream/internal/metrics"
	"github.com/withObsrvr/biostream/internal/recognizer"
	"github.com/withObsrvr/biostream/internal/rpc"
)

// DefaultStopTimeout bounds graceful shutdown before in-flight calls are cut.
const DefaultStopTimeout = 10 * time.Second

// Config describes one worker process.
type Config struct {
	Endpoint   string
	Replica    int
	Threads    int
	Recognizer recognizer.Recognizer
	Store      database.Store
	Transport  rpc.TransportConfig

	StopTimeout time.Duration
}

// Worker implements rpc.Service.
type Worker struct {
	cfg     Config
	limiter *rpc.Limiter
	started time.Time
	log     *slog.Logger
}

// New creates a worker. The admission ceiling is derived from Threads.
func New(cfg Config) (*Worker, error) {
	if cfg.Threads < 1 {
		return nil, fmt.Errorf("%w: threads must be >= 1, got %d", fleet.ErrConfig, cfg.Threads)
	}
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	limiter := rpc.NewLimiter(fleet.MaxConcurrentCalls(cfg.Threads))
	if m := metrics.Get(); m != nil {
		limiter.OnAdmit = func() { m.AddServerInFlight(1) }
		limiter.OnRelease = func() { m.AddServerInFlight(-1) }
		limiter.OnReject = m.IncServerRejected
	}

	return &Worker{
		cfg:     cfg,
		limiter: limiter,
		started: time.Now(),
		log:     logging.WorkerLogger(cfg.Endpoint, cfg.Replica),
	}, nil
}

// Limiter exposes the admission limiter.
func (w *Worker) Limiter() *rpc.Limiter { return w.limiter }

// GRPCServer builds the gRPC server for this worker.
func (w *Worker) GRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	return rpc.NewServer(w.cfg.Transport, w.cfg.Threads, w, w.limiter, extra...)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
// Calls still running after StopTimeout are cut off.
func (w *Worker) Serve(ctx context.Context, lis net.Listener) error {
	s := w.GRPCServer()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	w.log.Info("worker serving",
		"address", lis.Addr().String(),
		"threads", w.cfg.Threads,
		"capacity", w.limiter.Capacity(),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	w.log.Info("worker stopping", "in_flight", w.limiter.InFlight())
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(w.cfg.StopTimeout):
		w.log.Warn("graceful stop timed out, forcing", "timeout", w.cfg.StopTimeout)
		s.Stop()
	}
	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Process implements rpc.Service.
func (w *Worker) Process(op rpc.Operation, stream rpc.ServerStream) error {
	ctx := stream.Context()
	labels := metrics.Labels{Operation: string(op)}
	if m := metrics.Get(); m != nil {
		m.IncServerCalls(labels)
	}

	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		durs := req.Durations.Clone()
		durs.Outbound.MarkEnd(time.Now())
		durs.Remote.MarkStart(time.Now())

		res, err := w.cfg.Recognizer.Process(ctx, op, req)
		if err != nil {
			w.log.Warn("unit failed",
				"correlation_id", logging.CorrelationID(ctx),
				"operation", op,
				"file", req.SourcePath,
				"index", req.FrameIndex,
				"error", err,
			)
			return toStatus(err)
		}
		for name, d := range res.Sub {
			durs.SetSub(name, d)
		}

		durs.Remote.MarkEnd(time.Now())
		durs.Inbound.MarkStart(time.Now())
		if m := metrics.Get(); m != nil {
			m.ObserveRemote(labels, durs.Remote.Duration().Seconds())
		}

		reply := &rpc.Reply{
			RequestID:  req.RequestID,
			SourcePath: req.SourcePath,
			FrameIndex: req.FrameIndex,
			FrameCount: req.FrameCount,
			Last:       req.Last,
			Progress:   rpc.Progress{Current: req.FrameIndex + 1, Total: req.FrameCount},
			Result:     res.Payload,
			Durations:  durs,
		}
		if err := stream.Send(reply); err != nil {
			return err
		}
	}
}

// Database implements rpc.Service.
func (w *Worker) Database(ctx context.Context, op rpc.DatabaseOp, req *rpc.DatabaseRequest) (*rpc.DatabaseReply, error) {
	if w.cfg.Store == nil {
		return nil, status.Error(codes.Unimplemented, "worker has no database store")
	}
	reply, err := w.database(ctx, op, req)
	if err != nil {
		w.log.Debug("database call failed", "op", op, "database", req.Database, "error", err)
		return nil, toStatus(err)
	}
	return reply, nil
}

func (w *Worker) database(ctx context.Context, op rpc.DatabaseOp, req *rpc.DatabaseRequest) (*rpc.DatabaseReply, error) {
	store := w.cfg.Store
	switch op {
	case rpc.DBCreate:
		return &rpc.DatabaseReply{}, store.Create(ctx, req.Database)
	case rpc.DBDelete:
		return &rpc.DatabaseReply{}, store.Delete(ctx, req.Database)
	case rpc.DBRename:
		return &rpc.DatabaseReply{}, store.Rename(ctx, req.Database, req.NewName)
	case rpc.DBList:
		names, err := store.List(ctx)
		return &rpc.DatabaseReply{Databases: names}, err
	case rpc.DBInsert:
		recs := make([]database.Record, len(req.Records))
		for i, r := range req.Records {
			recs[i] = database.Record{ID: r.ID, Data: r.Data}
		}
		ids, err := store.Insert(ctx, req.Database, recs)
		return &rpc.DatabaseReply{IDs: ids}, err
	case rpc.DBRetrieve:
		recs, err := store.Retrieve(ctx, req.Database, req.IDs)
		out := make([]rpc.Record, len(recs))
		for i, r := range recs {
			out[i] = rpc.Record{ID: r.ID, Data: r.Data}
		}
		return &rpc.DatabaseReply{Records: out}, err
	case rpc.DBCheckpoint:
		uri, err := store.Checkpoint(ctx, req.Database)
		return &rpc.DatabaseReply{URI: uri}, err
	case rpc.DBFinalize:
		uri, err := store.Finalize(ctx, req.Database)
		return &rpc.DatabaseReply{URI: uri}, err
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown database operation %q", op)
}

// Status implements rpc.Service.
func (w *Worker) Status(context.Context, *rpc.StatusRequest) (*rpc.StatusReply, error) {
	return &rpc.StatusReply{
		Endpoint: w.cfg.Endpoint,
		Replica:  w.cfg.Replica,
		Pid:      os.Getpid(),
		Threads:  w.cfg.Threads,
		Capacity: w.limiter.Capacity(),
		InFlight: w.limiter.InFlight(),
		Rejected: w.limiter.Rejected(),
		UptimeMS: time.Since(w.started).Milliseconds(),
	}, nil
}

// toStatus maps store and recognizer errors onto gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, database.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, database.ErrExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, database.ErrFinalized), errors.Is(err, database.ErrNoSnapshots):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, database.ErrInvalidName), errors.Is(err, recognizer.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/withObsrvr/biostream/internal/audit"
	"github.com/withObsrvr/biostream/internal/catalog"
	"github.com/withObsrvr/biostream/internal/checkpoint"
	"github.com/withObsrvr/biostream/internal/logging"
	"github.com/withObsrvr/biostream/internal/media"
	"github.com/withObsrvr/biostream/internal/metrics"
	"github.com/withObsrvr/biostream/internal/rpc"
	"github.com/withObsrvr/biostream/internal/storage"
)

// MediaSource expands inputs and opens unit streams; *media.Source
// implements it.
type MediaSource interface {
	Opener
	Expand(paths []string) ([]string, []media.Skip)
}

// Config configures a Runner.
type Config struct {
	BatchID   string // generated when empty
	Operation rpc.Operation
	Options   rpc.Options
	// BatchSize < 0 streams every unit; K > 0 keeps at most K
	// unacknowledged. Zero is invalid.
	BatchSize   int
	Workers     int // files in flight; 1 processes files one at a time
	MaxRetry    int // attempts per file for retryable transport errors
	BackoffMs   int
	Resume      bool
	// Overwrite re-processes files whose result is already stored for
	// this batch; otherwise they count as resumed.
	Overwrite   bool
	Encoding    string
	JPEGQuality int
	Prefetch    int
	Producer    storage.ProducerInfo
}

// Deps are the collaborators of a Runner. Only Source and Callers are
// required.
type Deps struct {
	Source  MediaSource
	Callers []Caller // files are spread round-robin across callers

	Store      storage.ResultStore
	Catalog    catalog.Writer
	Checkpoint checkpoint.Manager
	Audit      audit.Emitter
	Progress   ProgressReporter

	// OnTransition, when set, observes every file state change.
	OnTransition func(path string, from, to State)
}

// Runner processes a batch of files through the streaming pipeline.
// Workers stream files concurrently; the sequencer commits results in
// input order.
type Runner struct {
	cfg     Config
	deps    Deps
	builder *Builder
	log     *slog.Logger

	inFlight atomic.Int64
}

// NewRunner validates cfg and deps.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be -1 (stream all) or positive, got 0")
	}
	if _, err := rpc.ParseOperation(string(cfg.Operation)); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, errors.New("no media source")
	}
	if len(deps.Callers) == 0 {
		return nil, errors.New("no targets")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRetry < 1 {
		cfg.MaxRetry = 1
	}
	if cfg.BackoffMs < 1 {
		cfg.BackoffMs = 500
	}
	if deps.Progress == nil {
		deps.Progress = noProgress{}
	}
	if deps.Catalog == nil {
		deps.Catalog, _ = catalog.NewWriter(context.Background(), catalog.Config{})
	}
	if deps.Checkpoint == nil {
		deps.Checkpoint, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if deps.Audit == nil {
		deps.Audit, _ = audit.NewEmitter(audit.Config{})
	}

	return &Runner{
		cfg:  cfg,
		deps: deps,
		builder: NewBuilder(deps.Source, BuilderConfig{
			Operation:   cfg.Operation,
			Options:     cfg.Options,
			Encoding:    cfg.Encoding,
			JPEGQuality: cfg.JPEGQuality,
			Prefetch:    cfg.Prefetch,
		}),
		log: logging.Component("pipeline"),
	}, nil
}

// Run processes paths and returns the batch summary. Per-file failures
// are reported in the summary, not as an error; the error is non-nil only
// when the batch itself could not run or ctx was cancelled.
func (r *Runner) Run(ctx context.Context, paths []string) (*Summary, error) {
	start := time.Now()
	batchID := r.cfg.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	log := r.log.With("batch_id", batchID, "operation", r.cfg.Operation)

	sum := &Summary{BatchID: batchID, Operation: r.cfg.Operation}

	files, skips := r.deps.Source.Expand(paths)
	sum.Skips = skips
	sum.Skipped = len(skips)
	if m := metrics.Get(); m != nil {
		for range skips {
			m.IncFilesSkipped(r.labels())
		}
	}

	cp, err := r.loadCheckpoint(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var tasks []fileTask
	for _, f := range files {
		if cp.IsCompleted(f) || r.stored(ctx, batchID, f) {
			sum.Resumed++
			continue
		}
		tasks = append(tasks, fileTask{Path: f, Index: int64(len(tasks)), MaxRetry: r.cfg.MaxRetry})
	}

	if err := r.deps.Catalog.EnsureBatch(ctx, catalog.BatchInfo{
		BatchID:         batchID,
		Operation:       string(r.cfg.Operation),
		Targets:         r.targets(),
		BatchSize:       r.cfg.BatchSize,
		ProducerVersion: r.cfg.Producer.Version,
	}); err != nil {
		log.Warn("failed to register batch in catalog", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncCatalogErrors()
		}
	}

	log.Info("starting batch",
		"files", len(tasks),
		"resumed", sum.Resumed,
		"skipped", sum.Skipped,
		"workers", r.cfg.Workers,
		"batch_size", r.cfg.BatchSize,
	)

	b := &batch{Runner: r, id: batchID, cp: cp, sum: sum, log: log}
	runErr := b.run(ctx, tasks)

	if r.deps.Store != nil && len(sum.Results)+len(sum.Failures) > 0 {
		key, err := r.deps.Store.WriteManifest(context.WithoutCancel(ctx), b.manifest())
		if err != nil {
			log.Warn("failed to write manifest", "error", err)
			r.storageError()
		} else {
			sum.ManifestURI = key
		}
	}

	sum.Elapsed = time.Since(start)
	log.Info("batch complete",
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"resumed", sum.Resumed,
		"duration_ms", sum.Elapsed.Milliseconds(),
	)
	return sum, runErr
}

func (r *Runner) loadCheckpoint(ctx context.Context, batchID string) (*checkpoint.Checkpoint, error) {
	if !r.cfg.Resume {
		return checkpoint.New(batchID, string(r.cfg.Operation)), nil
	}

	cp, err := r.deps.Checkpoint.Load(ctx, batchID)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		cp = checkpoint.New(batchID, string(r.cfg.Operation))
		// Fall back to the catalog when no local journal survived.
		done, cerr := r.deps.Catalog.CompletedFiles(ctx, batchID)
		if cerr != nil {
			r.log.Warn("failed to read completed files from catalog", "error", cerr)
		}
		for _, p := range done {
			cp.MarkCompleted(p)
		}
	case err != nil:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	case cp.Operation != "" && cp.Operation != string(r.cfg.Operation):
		return nil, fmt.Errorf("checkpoint for batch %s is for operation %s, not %s", batchID, cp.Operation, r.cfg.Operation)
	}
	return cp, nil
}

// stored reports whether a result for path already exists and may not be
// overwritten.
func (r *Runner) stored(ctx context.Context, batchID, path string) bool {
	if r.deps.Store == nil || r.cfg.Overwrite {
		return false
	}
	ref := storage.ResultRef{BatchID: batchID, Operation: string(r.cfg.Operation), SourcePath: path}
	exists, err := r.deps.Store.Exists(ctx, ref)
	if err != nil {
		r.log.Debug("result existence check failed", "file", path, "error", err)
		return false
	}
	return exists
}

func (r *Runner) targets() []string {
	out := make([]string, 0, len(r.deps.Callers))
	for _, c := range r.deps.Callers {
		if t, ok := c.(interface{ Target() string }); ok {
			out = append(out, t.Target())
		}
	}
	return out
}

func (r *Runner) labels() metrics.Labels {
	return metrics.Labels{Operation: string(r.cfg.Operation)}
}

func (r *Runner) storageError() {
	if m := metrics.Get(); m != nil {
		m.IncStorageErrors(metrics.Labels{Backend: "blob"})
	}
}

// batch is the state of one Run.
type batch struct {
	*Runner
	id  string
	cp  *checkpoint.Checkpoint
	sum *Summary
	log *slog.Logger

	saved map[string]*storage.SaveResult
}

// run implements the dispatcher → workers → sequencer flow.
func (b *batch) run(ctx context.Context, tasks []fileTask) error {
	if len(tasks) == 0 {
		return ctx.Err()
	}

	workQueue := make(chan fileTask, b.cfg.Workers)
	results := make(chan fileOutcome, b.cfg.Workers)

	// Dispatcher
	go func() {
		defer close(workQueue)
		for _, t := range tasks {
			select {
			case <-ctx.Done():
				return
			case workQueue <- t:
			}
		}
	}()

	// Workers
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for task := range workQueue {
				out := b.processTask(ctx, workerID, task)
				select {
				case results <- out:
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	return b.sequencerLoop(ctx, int64(len(tasks)), results)
}

// sequencerLoop commits outcomes in input order.
func (b *batch) sequencerLoop(ctx context.Context, total int64, results <-chan fileOutcome) error {
	pending := make(map[int64]fileOutcome)
	var next int64

	for next < total {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("results closed before all files committed, next=%d", next)
			}
			pending[out.Task.Index] = out

			for {
				o, ok := pending[next]
				if !ok {
					break
				}
				// Outcomes of a cancelled batch are not committed.
				if err := ctx.Err(); err != nil {
					return err
				}
				b.commit(ctx, o)
				delete(pending, next)
				next++
			}
			if m := metrics.Get(); m != nil {
				m.SetSequencerPending(float64(len(pending)))
			}
		}
	}
	return ctx.Err()
}

// processTask streams one file, retrying retryable transport failures.
// Does NOT persist - that's the sequencer's job.
func (b *batch) processTask(ctx context.Context, workerID int, task fileTask) fileOutcome {
	for {
		caller := b.deps.Callers[(int(task.Index)+task.Attempt)%len(b.deps.Callers)]
		res, ferr := b.processFile(ctx, workerID, caller, &task)
		if ferr == nil {
			res.Attempts = task.Attempt + 1
			return fileOutcome{Task: task, Result: res}
		}

		if task.Attempt >= task.MaxRetry-1 || !retryable(ferr) || ctx.Err() != nil {
			return fileOutcome{Task: task, Err: ferr}
		}

		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(b.labels())
		}
		backoff := time.Duration(b.cfg.BackoffMs*(1<<task.Attempt)) * time.Millisecond
		b.log.Warn("file failed, retrying",
			"file", task.Path,
			"attempt", task.Attempt+1,
			"backoff_ms", backoff.Milliseconds(),
			"error", ferr.Err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fileOutcome{Task: task, Err: ferr}
		}
		task.Attempt++
	}
}

// retryable reports whether a failure is worth restarting the file for:
// the target was unreachable or at its concurrency ceiling.
func retryable(ferr *FileError) bool {
	if !errors.Is(ferr, ErrTransport) {
		return false
	}
	switch status.Code(ferr.Err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	}
	return false
}

// processFile drives one file through its states.
// A retried file only reports progress past what earlier attempts
// reported, so a file's progress never goes backwards.
func (b *batch) processFile(ctx context.Context, workerID int, caller Caller, task *fileTask) (*FileResult, *FileError) {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := logging.FileLogger(correlationID, string(b.cfg.Operation), task.Path).With("worker", workerID)

	fsm := &fileState{path: task.Path, state: StateIdle, notify: b.deps.OnTransition}
	agg := NewAggregator(task.Path, b.cfg.Operation)
	fail := func(kind, err error) (*FileResult, *FileError) {
		fe := &FileError{Path: task.Path, State: fsm.state, LastIndex: agg.LastIndex(), Kind: kind, Err: err}
		fsm.to(StateFailed)
		return nil, fe
	}

	log.Debug("processing file", "attempt", task.Attempt+1)
	fsm.to(StateBuildingRequests)

	iter, err := b.builder.Requests(ctx, task.Path)
	if err != nil {
		return fail(ErrDecode, err)
	}
	defer iter.Close()

	b.inFlight.Add(1)
	if m := metrics.Get(); m != nil {
		m.SetInFlightFiles(float64(b.inFlight.Load()))
	}
	defer func() {
		b.inFlight.Add(-1)
		if m := metrics.Get(); m != nil {
			m.SetInFlightFiles(float64(b.inFlight.Load()))
		}
	}()

	fsm.to(StateStreaming)
	_, err = StreamFile(ctx, caller, b.cfg.Operation, iter, b.cfg.BatchSize, func(rep *rpc.Reply) error {
		if err := agg.Add(rep); err != nil {
			return err
		}
		if rep.Progress.Current > task.Reported {
			task.Reported = rep.Progress.Current
			b.deps.Progress.Report(task.Path, rep.Progress)
		}
		if m := metrics.Get(); m != nil {
			m.ObserveUnit(b.labels(), rep.Durations)
		}
		return nil
	})
	if err != nil {
		return fail(kindOf(err), err)
	}

	fsm.to(StateAggregating)
	res, err := agg.Finish(iter.Sent())
	if err != nil {
		return fail(ErrAggregation, err)
	}
	return res, nil
}

func kindOf(err error) error {
	for _, k := range []error{ErrDecode, ErrAggregation, ErrTransport} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrTransport
}

// commit persists a finished file, records it, and updates the summary.
// Only the sequencer calls it, so commits happen in input order.
func (b *batch) commit(ctx context.Context, o fileOutcome) {
	path := o.Task.Path
	log := b.log.With("file", path)

	if o.Err == nil && b.deps.Store != nil {
		saved, err := b.deps.Store.Save(ctx, b.document(o.Result))
		if err != nil {
			b.storageError()
			o.Err = &FileError{
				Path:      path,
				State:     StateAggregating,
				LastIndex: len(o.Result.Units) - 1,
				Kind:      ErrPersist,
				Err:       err,
			}
			notifyFailed(b.deps.OnTransition, path)
		} else {
			o.Result.ResultKey = saved.Key
			o.Result.ResultURI = saved.URI
			if b.saved == nil {
				b.saved = make(map[string]*storage.SaveResult)
			}
			b.saved[path] = saved
		}
	}

	rec := catalog.FileRecord{
		BatchID:    b.id,
		Path:       path,
		Operation:  string(b.cfg.Operation),
		RecordedAt: time.Now().UTC(),
	}

	if o.Err != nil {
		fe := o.Err
		b.sum.Failed++
		b.sum.Failures = append(b.sum.Failures, fe)
		b.cp.MarkFailed(path, fe.LastIndex, fe.Reason())
		log.Warn("file failed",
			"reason", fe.Reason(),
			"state", fe.State.String(),
			"last_index", fe.LastIndex,
			"error", fe.Err,
		)
		if m := metrics.Get(); m != nil {
			l := b.labels()
			l.Reason = fe.Reason()
			m.IncFilesFailed(l)
		}
		rec.Status = "failed"
		rec.LastIndex = fe.LastIndex
		rec.Units = fe.LastIndex + 1
		rec.Error = fe.Err.Error()
	} else {
		res := o.Result
		if b.deps.OnTransition != nil {
			b.deps.OnTransition(path, StateAggregating, StateDone)
		}
		b.sum.Succeeded++
		b.sum.Results = append(b.sum.Results, res)
		b.cp.MarkCompleted(path)
		log.Info("file done",
			"units", len(res.Units),
			"attempts", res.Attempts,
			"total_ms", res.Durations.Total.Duration().Milliseconds(),
		)
		if m := metrics.Get(); m != nil {
			m.IncFilesProcessed(b.labels())
			m.ObserveFileDuration(b.labels(), res.Elapsed.Seconds())
		}
		rec.Status = "done"
		rec.Units = len(res.Units)
		rec.LastIndex = len(res.Units) - 1
		rec.DurationMS = res.Durations.Total.Duration().Milliseconds()
		rec.ResultURI = res.ResultURI

		if err := b.deps.Audit.Emit(ctx, b.auditEvent(res)); err != nil {
			log.Warn("failed to emit audit event", "error", err)
		}
	}

	if err := b.deps.Catalog.RecordFile(ctx, rec); err != nil {
		log.Warn("failed to record file in catalog", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncCatalogErrors()
		}
	}
	if err := b.deps.Checkpoint.Save(ctx, b.cp); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}
}

func (b *batch) auditEvent(res *FileResult) *audit.Event {
	evt := &audit.Event{
		Batch: audit.BatchInfo{BatchID: b.id, Operation: string(res.Operation)},
		File: audit.FileInfo{
			Path:      res.Path,
			Units:     len(res.Units),
			ResultURI: res.ResultURI,
			TotalMS:   res.Durations.Total.Duration().Milliseconds(),
		},
		Producer: b.cfg.Producer,
	}
	if saved := b.saved[res.Path]; saved != nil {
		evt.File.Checksum = saved.Checksum
		evt.File.ByteSize = saved.ByteSize
	}
	return evt
}

func notifyFailed(f func(string, State, State), path string) {
	if f != nil {
		f(path, StateAggregating, StateFailed)
	}
}

func (b *batch) document(res *FileResult) *storage.Document {
	doc := &storage.Document{
		BatchID:    b.id,
		Operation:  string(res.Operation),
		SourcePath: res.Path,
		Status:     "done",
		UnitCount:  len(res.Units),
		Units:      make([]storage.UnitDoc, len(res.Units)),
		Durations:  res.Durations,
		StartedAt:  res.StartedAt,
		ElapsedMS:  res.Elapsed.Milliseconds(),
	}
	for i, u := range res.Units {
		doc.Units[i] = storage.UnitDoc{
			Index:     u.Index,
			Count:     u.Count,
			Last:      u.Last,
			RequestID: u.RequestID,
			Result:    u.Result,
			Durations: u.Durations,
		}
	}
	return doc
}

func (b *batch) manifest() *storage.Manifest {
	m := &storage.Manifest{
		BatchID:   b.id,
		Operation: string(b.cfg.Operation),
		Files:     make(map[string]storage.FileInfo, len(b.saved)),
		Producer:  b.cfg.Producer,
		CreatedAt: time.Now().UTC(),
	}
	for _, res := range b.sum.Results {
		s, ok := b.saved[res.Path]
		if !ok {
			continue
		}
		m.Files[res.Path] = storage.FileInfo{
			Key:        s.Key,
			TimingsKey: s.TimingsKey,
			Checksum:   s.Checksum,
			Units:      len(res.Units),
			ByteSize:   s.ByteSize,
		}
	}
	for _, fe := range b.sum.Failures {
		m.Failed = append(m.Failed, fe.Path)
	}
	return m
}

// fileState tracks one file's lifecycle.
type fileState struct {
	path   string
	state  State
	notify func(path string, from, to State)
}

func (f *fileState) to(s State) {
	if f.notify != nil {
		f.notify(f.path, f.state, s)
	}
	f.state = s
}

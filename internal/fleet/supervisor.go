package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/biostream/internal/logging"
)

// RestartPolicy controls whether exited workers are re-spawned. The zero
// value disables restarts: a worker that dies stays dead and the fleet runs
// degraded until the supervisor is restarted.
type RestartPolicy struct {
	MaxRestarts int `yaml:"max_restarts"` // per worker; 0 disables
	PerMinute   int `yaml:"per_minute"`   // fleet-wide restart rate; 0 is unlimited
}

// Enabled reports whether any restarts are allowed.
func (p RestartPolicy) Enabled() bool { return p.MaxRestarts > 0 }

func (p RestartPolicy) limiter() *rate.Limiter {
	if p.PerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(p.PerMinute)/60.0), 1)
}

// Config is the fleet configuration value.
type Config struct {
	PortSpec          string        `yaml:"port"`
	PortRange         int           `yaml:"port_range"`
	ProcessesPerPort  int           `yaml:"processes_per_port"`
	ThreadsPerProcess int           `yaml:"threads_per_process"`
	Restart           RestartPolicy `yaml:"restart"`
}

// Topology resolves the port specification.
func (c Config) Topology() (Topology, error) {
	spec := c.PortSpec
	if spec == "" {
		spec = DefaultEndpoint
	}
	eps, err := ParseEndpoints(spec, c.PortRange)
	if err != nil {
		return Topology{}, err
	}
	return Topology{
		Endpoints:         eps,
		ProcessesPerPort:  c.ProcessesPerPort,
		ThreadsPerProcess: c.ThreadsPerProcess,
	}, nil
}

// Process is a running worker.
type Process interface {
	Pid() int
	Wait() error
	Signal(sig syscall.Signal) error
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec WorkerSpec) (Process, error)
}

// Record is a snapshot of one worker slot.
type Record struct {
	Endpoint string
	Replica  int
	Pid      int
	Restarts int
	Exited   bool
	Err      error
}

// Supervisor spawns and joins the worker fleet.
type Supervisor struct {
	topo     Topology
	restart  RestartPolicy
	launcher Launcher
	log      *slog.Logger
}

// NewSupervisor validates cfg and returns a supervisor. All configuration
// errors surface here, before any process exists.
func NewSupervisor(cfg Config, launcher Launcher, reusePort bool) (*Supervisor, error) {
	topo, err := cfg.Topology()
	if err != nil {
		return nil, err
	}
	if err := topo.Validate(reusePort); err != nil {
		return nil, err
	}
	if cfg.Restart.MaxRestarts < 0 || cfg.Restart.PerMinute < 0 {
		return nil, fmt.Errorf("%w: restart policy values must be >= 0", ErrConfig)
	}
	if launcher == nil {
		return nil, fmt.Errorf("%w: no launcher", ErrConfig)
	}
	return &Supervisor{
		topo:     topo,
		restart:  cfg.Restart,
		launcher: launcher,
		log:      logging.Component("fleet"),
	}, nil
}

// Topology returns the validated topology.
func (s *Supervisor) Topology() Topology { return s.topo }

// Start spawns one process per (endpoint, replica). If any spawn fails the
// processes already started are killed and the error is returned, so a
// failed Start never leaves a partial fleet behind.
func (s *Supervisor) Start(ctx context.Context) (*Handle, error) {
	specs := s.topo.Specs()
	h := &Handle{
		sup:     s,
		workers: make([]*worker, 0, len(specs)),
		limiter: s.restart.limiter(),
	}

	for _, spec := range specs {
		proc, err := s.launcher.Launch(ctx, spec)
		if err != nil {
			s.log.Error("spawn failed, tearing down fleet",
				"endpoint", spec.Endpoint, "replica", spec.Replica, "error", err)
			h.abort()
			return nil, fmt.Errorf("spawn worker %s/%d: %w", spec.Endpoint, spec.Replica, err)
		}
		s.log.Info("worker started",
			"endpoint", spec.Endpoint, "replica", spec.Replica, "threads", spec.Threads, "pid", proc.Pid())
		h.workers = append(h.workers, &worker{spec: spec, proc: proc})
	}

	s.log.Info("fleet started",
		"endpoints", len(s.topo.Endpoints),
		"processes_per_port", s.topo.ProcessesPerPort,
		"threads_per_process", s.topo.ThreadsPerProcess,
		"max_concurrent_calls", s.topo.MaxConcurrentCalls(),
		"workers", len(h.workers))

	for _, w := range h.workers {
		w := w
		h.group.Go(func() error { return h.watch(ctx, w) })
	}
	return h, nil
}

type worker struct {
	spec     WorkerSpec
	proc     Process
	restarts int
	exited   bool
	err      error
}

// Handle is a running fleet.
type Handle struct {
	sup      *Supervisor
	mu       sync.Mutex
	workers  []*worker
	group    errgroup.Group
	limiter  *rate.Limiter
	stopping bool
}

// Wait blocks until every worker has exited and returns the first
// unexpected exit error.
func (h *Handle) Wait() error {
	return h.group.Wait()
}

// Stop asks every worker to terminate, waits up to grace, then kills the
// stragglers.
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	h.stopping = true
	procs := make([]Process, 0, len(h.workers))
	for _, w := range h.workers {
		if !w.exited {
			procs = append(procs, w.proc)
		}
	}
	h.mu.Unlock()

	for _, p := range procs {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			h.sup.log.Debug("signal failed", "pid", p.Pid(), "error", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		h.sup.log.Warn("grace period elapsed, killing workers", "grace", grace)
		h.killAll()
		return <-done
	}
}

// Records returns a snapshot of every worker slot.
func (h *Handle) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, 0, len(h.workers))
	for _, w := range h.workers {
		out = append(out, Record{
			Endpoint: w.spec.Endpoint,
			Replica:  w.spec.Replica,
			Pid:      w.proc.Pid(),
			Restarts: w.restarts,
			Exited:   w.exited,
			Err:      w.err,
		})
	}
	return out
}

func (h *Handle) killAll() {
	h.mu.Lock()
	h.stopping = true
	procs := make([]Process, 0, len(h.workers))
	for _, w := range h.workers {
		procs = append(procs, w.proc)
	}
	h.mu.Unlock()
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			h.sup.log.Debug("kill failed", "pid", p.Pid(), "error", err)
		}
	}
}

// abort kills and reaps workers started before a failed spawn. No watchers
// exist yet, so the processes are waited on directly.
func (h *Handle) abort() {
	h.killAll()
	for _, w := range h.workers {
		_ = w.proc.Wait()
	}
}

// watch waits for one worker slot, re-spawning it when the restart policy
// allows.
func (h *Handle) watch(ctx context.Context, w *worker) error {
	log := h.sup.log.With("endpoint", w.spec.Endpoint, "replica", w.spec.Replica)
	for {
		err := w.proc.Wait()

		h.mu.Lock()
		stopping := h.stopping
		w.exited = true
		w.err = err
		h.mu.Unlock()

		if stopping {
			log.Info("worker stopped", "pid", w.proc.Pid())
			return nil
		}
		if err == nil {
			log.Info("worker exited cleanly", "pid", w.proc.Pid())
			return nil
		}
		log.Error("worker exited unexpectedly", "pid", w.proc.Pid(), "error", err)

		if !h.sup.restart.Enabled() || w.restarts >= h.sup.restart.MaxRestarts {
			return fmt.Errorf("worker %s/%d: %w", w.spec.Endpoint, w.spec.Replica, err)
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("worker %s/%d: restart aborted: %w", w.spec.Endpoint, w.spec.Replica, errors.Join(err, w.err))
		}

		proc, lerr := h.sup.launcher.Launch(ctx, w.spec)
		if lerr != nil {
			return fmt.Errorf("worker %s/%d: restart failed: %w", w.spec.Endpoint, w.spec.Replica, lerr)
		}

		h.mu.Lock()
		w.proc = proc
		w.restarts++
		w.exited = false
		w.err = nil
		h.mu.Unlock()
		log.Warn("worker restarted", "pid", proc.Pid(), "restarts", w.restarts)
	}
}

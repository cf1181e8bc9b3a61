package fleet

import (
	"fmt"
	"runtime"
)

// Topology is the resolved shape of a fleet.
type Topology struct {
	Endpoints         []string
	ProcessesPerPort  int
	ThreadsPerProcess int
}

// WorkerSpec identifies one worker process and the topology it serves.
type WorkerSpec struct {
	Endpoint string
	Replica  int
	Threads  int
	Slot     int // position in Topology.Specs, unique across the fleet
}

// Validate checks the topology. reusePort reports whether the platform can
// share one listening socket between processes; without it only one process
// per port is allowed.
func (t Topology) Validate(reusePort bool) error {
	if len(t.Endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints", ErrConfig)
	}
	if t.ProcessesPerPort < 1 {
		return fmt.Errorf("%w: processes per port must be >= 1, got %d", ErrConfig, t.ProcessesPerPort)
	}
	if t.ThreadsPerProcess < 1 {
		return fmt.Errorf("%w: threads per process must be >= 1, got %d", ErrConfig, t.ThreadsPerProcess)
	}
	if t.ProcessesPerPort > 1 && !reusePort {
		return fmt.Errorf("%w: %d processes per port requires SO_REUSEPORT, which %s does not support",
			ErrConfig, t.ProcessesPerPort, runtime.GOOS)
	}
	return nil
}

// MaxConcurrentCalls is the per-process admission ceiling.
func (t Topology) MaxConcurrentCalls() int {
	return MaxConcurrentCalls(t.ThreadsPerProcess)
}

// MaxConcurrentCalls returns the admission ceiling for a worker with the
// given thread count.
func MaxConcurrentCalls(threads int) int {
	return 2 * threads
}

// Size is the total number of worker processes.
func (t Topology) Size() int {
	return len(t.Endpoints) * t.ProcessesPerPort
}

// Specs lists one WorkerSpec per process, ordered by endpoint then replica.
func (t Topology) Specs() []WorkerSpec {
	specs := make([]WorkerSpec, 0, t.Size())
	for _, ep := range t.Endpoints {
		for r := 0; r < t.ProcessesPerPort; r++ {
			specs = append(specs, WorkerSpec{
				Endpoint: ep,
				Replica:  r,
				Threads:  t.ThreadsPerProcess,
				Slot:     len(specs),
			})
		}
	}
	return specs
}

package fleet

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid      int
	exit     chan error
	once     sync.Once
	mu       sync.Mutex
	signals  []syscall.Signal
	killed   bool
	exitOnSg bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() {
		p.exit <- err
		close(p.exit)
	})
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exit := p.exitOnSg
	p.mu.Unlock()
	if exit {
		p.finish(errors.New("signal: terminated"))
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(errors.New("signal: killed"))
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []WorkerSpec
	procs    []*fakeProcess
	failAt   int // 1-based launch number that fails; 0 never
	exitOnSg bool
}

func (l *fakeLauncher) Launch(_ context.Context, spec WorkerSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAt > 0 && len(l.launched)+1 == l.failAt {
		return nil, errors.New("exec: no such file")
	}
	l.launched = append(l.launched, spec)
	p := &fakeProcess{pid: 1000 + len(l.procs), exit: make(chan error, 1), exitOnSg: l.exitOnSg}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func TestSupervisorConfigErrorSpawnsNothing(t *testing.T) {
	l := &fakeLauncher{}
	cases := []Config{
		{PortSpec: "a:1,b:2", PortRange: 2, ProcessesPerPort: 1, ThreadsPerProcess: 1},
		{PortSpec: "a:1", PortRange: 1, ProcessesPerPort: 0, ThreadsPerProcess: 1},
		{PortSpec: "a:1", PortRange: 1, ProcessesPerPort: 1, ThreadsPerProcess: 1, Restart: RestartPolicy{MaxRestarts: -1}},
	}
	for _, cfg := range cases {
		_, err := NewSupervisor(cfg, l, true)
		assert.ErrorIs(t, err, ErrConfig)
	}

	_, err := NewSupervisor(Config{PortSpec: "a:1", PortRange: 1, ProcessesPerPort: 2, ThreadsPerProcess: 1}, l, false)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Zero(t, l.count())
}

func TestSupervisorStartAndStop(t *testing.T) {
	l := &fakeLauncher{exitOnSg: true}
	sup, err := NewSupervisor(Config{
		PortSpec: "127.0.0.1:7000", PortRange: 2, ProcessesPerPort: 3, ThreadsPerProcess: 2,
	}, l, true)
	require.NoError(t, err)

	h, err := sup.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, l.count())

	recs := h.Records()
	require.Len(t, recs, 6)
	assert.Equal(t, "127.0.0.1:7000", recs[0].Endpoint)
	assert.Equal(t, "127.0.0.1:7001", recs[5].Endpoint)
	assert.Equal(t, 2, recs[5].Replica)

	require.NoError(t, h.Stop(time.Second))
	for i := 0; i < 6; i++ {
		p := l.proc(i)
		p.mu.Lock()
		assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, p.signals)
		p.mu.Unlock()
	}
	for _, r := range h.Records() {
		assert.True(t, r.Exited)
	}
}

func TestSupervisorStopKillsAfterGrace(t *testing.T) {
	l := &fakeLauncher{}
	sup, err := NewSupervisor(Config{PortSpec: "h:1", PortRange: 1, ProcessesPerPort: 1, ThreadsPerProcess: 1}, l, true)
	require.NoError(t, err)
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.Stop(10*time.Millisecond))
	p := l.proc(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.True(t, p.killed)
}

func TestSupervisorSpawnFailureLeavesNoPartialFleet(t *testing.T) {
	l := &fakeLauncher{failAt: 3}
	sup, err := NewSupervisor(Config{PortSpec: "h:1", PortRange: 4, ProcessesPerPort: 1, ThreadsPerProcess: 1}, l, true)
	require.NoError(t, err)

	h, err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Contains(t, err.Error(), "h:3/0")

	assert.Equal(t, 2, l.count())
	for i := 0; i < 2; i++ {
		p := l.proc(i)
		p.mu.Lock()
		assert.True(t, p.killed)
		p.mu.Unlock()
	}
}

func TestSupervisorNoRestartByDefault(t *testing.T) {
	l := &fakeLauncher{}
	sup, err := NewSupervisor(Config{PortSpec: "h:1", PortRange: 1, ProcessesPerPort: 1, ThreadsPerProcess: 1}, l, true)
	require.NoError(t, err)
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	l.proc(0).finish(errors.New("exit status 2"))
	err = h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 2")
	assert.Equal(t, 1, l.count())
}

func TestSupervisorRestartPolicy(t *testing.T) {
	l := &fakeLauncher{}
	sup, err := NewSupervisor(Config{
		PortSpec: "h:1", PortRange: 1, ProcessesPerPort: 1, ThreadsPerProcess: 1,
		Restart: RestartPolicy{MaxRestarts: 2},
	}, l, true)
	require.NoError(t, err)
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return l.count() == i+1 }, time.Second, time.Millisecond)
		l.proc(i).finish(errors.New("crash"))
	}

	err = h.Wait()
	require.Error(t, err)
	assert.Equal(t, 3, l.count())
	recs := h.Records()
	assert.Equal(t, 2, recs[0].Restarts)
	assert.True(t, recs[0].Exited)
}

func TestSupervisorCleanExit(t *testing.T) {
	l := &fakeLauncher{}
	sup, err := NewSupervisor(Config{PortSpec: "h:1", PortRange: 2, ProcessesPerPort: 1, ThreadsPerProcess: 1}, l, true)
	require.NoError(t, err)
	h, err := sup.Start(context.Background())
	require.NoError(t, err)

	l.proc(0).finish(nil)
	l.proc(1).finish(nil)
	assert.NoError(t, h.Wait())
}

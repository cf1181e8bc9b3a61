package fleet

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// ExecLauncher starts each worker by re-executing a binary, normally the
// running one with its hidden worker subcommand. The worker receives its
// endpoint, replica index and thread count as flags.
type ExecLauncher struct {
	Path   string   // executable; defaults to os.Executable()
	Args   []string // leading arguments, e.g. {"worker"}
	Env    []string // appended to the supervisor's environment
	Stdout io.Writer
	Stderr io.Writer

	// ExtraArgs, when set, adds per-worker arguments after WorkerArgs.
	ExtraArgs func(WorkerSpec) []string
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(ctx context.Context, spec WorkerSpec) (Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	args := append([]string{}, l.Args...)
	args = append(args, WorkerArgs(spec)...)
	if l.ExtraArgs != nil {
		args = append(args, l.ExtraArgs(spec)...)
	}

	// Not CommandContext: Handle.Stop owns worker lifetime.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// WorkerArgs renders the flags a worker process is started with.
func WorkerArgs(spec WorkerSpec) []string {
	return []string{
		"--endpoint", spec.Endpoint,
		"--replica", strconv.Itoa(spec.Replica),
		"--threads", strconv.Itoa(spec.Threads),
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Signal(sig syscall.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// SpawnSpec describes one child process launch.
type SpawnSpec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Process is a running child. Production processes are real OS processes;
// tests substitute scripted fakes.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Signal delivers sig to the child. SIGINT interrupts the current turn,
	// SIGTERM asks for shutdown.
	Signal(sig os.Signal) error
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	Pid() int
}

// Spawner launches child processes. The interface exists so session and
// orchestrator tests run against deterministic fakes instead of real
// subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner is the production Spawner backed by os/exec.
type ExecSpawner struct{}

// NewExecSpawner returns the production process spawner.
func NewExecSpawner() *ExecSpawner { return &ExecSpawner{} }

// termGrace is how long a context-cancelled child gets to exit after
// SIGTERM before the runtime falls back to SIGKILL.
const termGrace = 10 * time.Second

func (s *ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Own process group so SIGINT/SIGTERM reach the child, not our group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Context cancellation asks for shutdown instead of the default
	// immediate SIGKILL; the child gets termGrace to flush and exit.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = termGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return ErrNotRunning
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

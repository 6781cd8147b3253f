package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/lumenide/backend/internal/protocol"
)

// Process is the part of a running child the supervisor interacts with.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
	Kill() error
}

// Launcher spawns the child and returns its message transport. Injected so
// tests can substitute a scripted in-memory child.
type Launcher interface {
	Launch(ctx context.Context, command string, args []string, env []string) (protocol.Transport, Process, error)
}

// ExecLauncher launches real OS processes wired over stdin/stdout.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(ctx context.Context, command string, args []string, env []string) (protocol.Transport, Process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn %s: %w", command, err)
	}

	return protocol.NewStreamTransport(stdout, stdin, stdin), &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ExitCode()
	}
	return -1
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

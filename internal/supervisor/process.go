package supervisor

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// process wraps one spawned CLI, grounded on the teacher's
// agentctl/client/launcher.Launcher spawn/monitor/graceful-stop pattern,
// reworked around stdout line scanning instead of an HTTP health check.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *logger.Logger

	mu      sync.Mutex
	exited  chan struct{}
	exitErr error
	killed  bool
}

// ExitErr returns the process's exit error, valid only after Exited() has
// closed.
func (p *process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func startProcess(ctx context.Context, inv Invocation, log *logger.Logger) (*process, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	if inv.Dir != "" {
		cmd.Dir = inv.Dir
	}
	if len(inv.Env) > 0 {
		cmd.Env = inv.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		logger: log,
		exited: make(chan struct{}),
	}
	go p.monitor()

	if len(inv.Stdin) > 0 {
		if _, err := stdin.Write(inv.Stdin); err != nil {
			p.logger.Warn("failed writing stdin preamble", zap.Error(err))
		}
	}
	if inv.CloseIn {
		_ = stdin.Close()
	}

	return p, stdout, nil
}

func (p *process) monitor() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.exited)
}

// inject writes line+"\n" to the CLI's stdin, for answering an
// ask-user-style prompt.
func (p *process) inject(line string) error {
	_, err := p.stdin.Write([]byte(line + "\n"))
	return err
}

// Exited reports whether the process has already terminated.
func (p *process) Exited() <-chan struct{} {
	return p.exited
}

// gracefulStop sends SIGTERM, then SIGKILL after grace if still alive.
func (p *process) gracefulStop(grace time.Duration) {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	proc := p.cmd.Process
	p.mu.Unlock()

	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	select {
	case <-p.exited:
		return
	case <-time.After(grace):
		_ = proc.Kill()
	}
}

// hardKill sends SIGKILL immediately.
func (p *process) hardKill() {
	p.mu.Lock()
	p.killed = true
	proc := p.cmd.Process
	p.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, MaxToolOutputBytes+16*1024)
	return scanner
}

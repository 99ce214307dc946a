package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"snapcode/internal/logging"
)

// ProcessRunner runs commands as local processes attached to a PTY, so dev
// servers print the same colored, line-buffered output they do in a terminal.
// Each command leads its own session, and Stop signals the whole group.
type ProcessRunner struct{}

// NewProcessRunner returns a runner for local processes
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{}
}

// Name returns the runtime name
func (r *ProcessRunner) Name() string { return RuntimeProcess }

// Start launches spec.Command in spec.Dir
func (r *ProcessRunner) Start(ctx context.Context, spec Spec, out io.Writer) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"BROWSER=none",
		"PORT="+strconv.Itoa(spec.Port),
	)
	cmd.Env = append(cmd.Env, spec.Env...)

	// StartWithSize makes the child a session leader, so its pid is also its
	// process group id.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 200})
	if err != nil {
		logging.Error("Failed to start process", "project", spec.Project, "command", spec.Command[0], "error", err)
		return nil, err
	}

	p := &process{
		cmd:  cmd,
		pty:  ptmx,
		done: make(chan struct{}),
	}
	readDone := make(chan struct{})
	go func() {
		// Reads end with EIO once every holder of the terminal has exited.
		_, _ = io.Copy(out, ptmx)
		close(readDone)
	}()
	go p.wait(readDone)

	logging.Info("Process started", "project", spec.Project, "pid", cmd.Process.Pid, "command", spec.Command, "dir", logging.MaskPath(spec.Dir))
	return p, nil
}

type process struct {
	cmd  *exec.Cmd
	pty  *os.File
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *process) wait(readDone <-chan struct{}) {
	err := p.cmd.Wait()
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
	}
	_ = p.pty.Close()

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *process) ID() string { return strconv.Itoa(p.cmd.Process.Pid) }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop sends SIGTERM to the process group, then SIGKILL after grace.
func (p *process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pgid := p.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminate process group %d: %w", pgid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	logging.Warn("Process ignored SIGTERM, killing", "pid", pgid, "grace", grace)
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	<-p.done
	return nil
}

package devserver

import (
	"context"
	"io"
	"time"

	"snapcode/internal/framework"
)

// Runtime names accepted by NewRunner
const (
	RuntimeProcess = "process"
	RuntimeDocker  = "docker"
)

// Spec is one command to run inside a project directory.
type Spec struct {
	Project string
	Dir     string
	Type    framework.Type
	Port    int
	Command []string
	Env     []string
}

// Handle is a running command.
type Handle interface {
	// ID is a pid or container id, for display.
	ID() string
	// Done is closed once the command has exited.
	Done() <-chan struct{}
	// Err is the exit error. Valid after Done is closed.
	Err() error
	// Stop asks the command to exit and forces it after grace.
	Stop(grace time.Duration) error
}

// Runner launches commands. Combined stdout and stderr go to out.
type Runner interface {
	Name() string
	Start(ctx context.Context, spec Spec, out io.Writer) (Handle, error)
}

// RunnerOptions select and configure a Runner
type RunnerOptions struct {
	Runtime     string
	NodeImage   string
	StaticImage string
}

// NewRunner returns the runner for opts.Runtime, defaulting to local processes.
func NewRunner(opts RunnerOptions) (Runner, error) {
	if opts.Runtime == RuntimeDocker {
		return NewDockerRunner(opts.NodeImage, opts.StaticImage)
	}
	return NewProcessRunner(), nil
}

// waitDone blocks until h exits or timeout elapses.
func waitDone(h Handle, timeout time.Duration) bool {
	select {
	case <-h.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

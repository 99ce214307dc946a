// Package devserver starts and stops per-project preview servers and tracks
// their state, ports and recent output.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"snapcode/internal/errs"
	"snapcode/internal/framework"
	"snapcode/internal/logging"
)

// State of a project's preview server
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// Event names emitted by the controller
const (
	EventState  = "devserver:state"
	EventOutput = "devserver:output"
)

// EventFunc receives controller events
type EventFunc func(name string, data any)

// Info is a snapshot of one preview server
type Info struct {
	Project       string    `json:"project"`
	State         State     `json:"state"`
	Port          int       `json:"port,omitempty"`
	URL           string    `json:"url,omitempty"`
	Runtime       string    `json:"runtime,omitempty"`
	ID            string    `json:"id,omitempty"`
	Command       []string  `json:"command,omitempty"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
	MayNotBeReady bool      `json:"mayNotBeReady,omitempty"`
	Error         string    `json:"error,omitempty"`
	Output        []string  `json:"output,omitempty"`
}

// OutputLine is the payload of EventOutput
type OutputLine struct {
	Project string `json:"project"`
	Line    string `json:"line"`
}

// Project identifies what to serve
type Project struct {
	Name string
	Dir  string
	Type framework.Type
}

// Options configure a Controller
type Options struct {
	PortStart     int
	PortEnd       int
	ReadyTimeout  time.Duration
	StopGrace     time.Duration
	OutputLines   int
	StaticCommand []string
}

// Controller owns every preview server of the process
type Controller struct {
	runner Runner
	opts   Options
	ports  *portPool
	log    *slog.Logger

	mu      sync.Mutex
	servers map[string]*server

	eventMu sync.RWMutex
	onEvent EventFunc
}

// server tracks one project. op serializes Start and Stop; mu guards the
// fields read by Status. cancelStart aborts a Start that is still waiting
// on install or readiness.
type server struct {
	op sync.Mutex

	cancelStart context.CancelFunc

	mu            sync.Mutex
	state         State
	port          int
	command       []string
	handle        Handle
	startedAt     time.Time
	mayNotBeReady bool
	errText       string
	stopping      bool
	out           *lineBuffer
}

// NewController returns a controller launching through runner
func NewController(runner Runner, opts Options) *Controller {
	if opts.PortStart <= 0 {
		opts.PortStart = 3000
	}
	if opts.PortEnd <= opts.PortStart {
		opts.PortEnd = opts.PortStart + 100
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = 500
	}
	return &Controller{
		runner:  runner,
		opts:    opts,
		ports:   newPortPool(opts.PortStart, opts.PortEnd),
		log:     logging.WithComponent("devserver"),
		servers: make(map[string]*server),
	}
}

// SetEventHandler sets the callback for state changes and output lines
func (c *Controller) SetEventHandler(fn EventFunc) {
	c.eventMu.Lock()
	c.onEvent = fn
	c.eventMu.Unlock()
}

func (c *Controller) emit(name string, data any) {
	c.eventMu.RLock()
	fn := c.onEvent
	c.eventMu.RUnlock()
	if fn != nil {
		fn(name, data)
	}
}

func (c *Controller) entry(project string) *server {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[project]
	if !ok {
		s = &server{state: StateStopped}
		c.servers[project] = s
	}
	return s
}

func (c *Controller) lookup(project string) *server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[project]
}

func (c *Controller) info(project string, s *server) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Project:       project,
		State:         s.state,
		Runtime:       c.runner.Name(),
		Command:       s.command,
		StartedAt:     s.startedAt,
		MayNotBeReady: s.mayNotBeReady,
		Error:         s.errText,
	}
	if s.state == StateStarting || s.state == StateRunning {
		info.Port = s.port
		info.URL = fmt.Sprintf("http://localhost:%d", s.port)
		if s.handle != nil {
			info.ID = s.handle.ID()
		}
	}
	if s.out != nil {
		info.Output = s.out.Lines()
	}
	return info
}

func (c *Controller) setState(project string, s *server, state State, errText string) {
	s.mu.Lock()
	s.state = state
	s.errText = errText
	s.mu.Unlock()
	info := c.info(project, s)
	info.Output = nil
	c.emit(EventState, info)
}

// Start launches the preview server for p and waits until it reports ready or
// the ready timeout elapses. A project that is already starting or running
// returns its current info.
func (c *Controller) Start(ctx context.Context, p Project) (Info, error) {
	if !p.Type.Valid() {
		return Info{}, fmt.Errorf("%w: %q", errs.ErrInvalidFrameworkType, string(p.Type))
	}
	s := c.entry(p.Name)
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateStarting || state == StateRunning {
		return c.info(p.Name, s), nil
	}

	port, err := c.ports.Reserve(p.Name)
	if err != nil {
		return Info{}, err
	}
	log := c.log.With("project", p.Name, "port", port)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		s.mu.Lock()
		s.cancelStart = nil
		s.mu.Unlock()
		cancel()
	}()

	ready := make(chan struct{})
	var readyOnce sync.Once
	out := newLineBuffer(c.opts.OutputLines, func(line string) {
		if p.Type.IsReadyLine(line) {
			readyOnce.Do(func() { close(ready) })
		}
		c.emit(EventOutput, OutputLine{Project: p.Name, Line: line})
	})

	s.mu.Lock()
	s.port = port
	s.out = out
	s.handle = nil
	s.mayNotBeReady = false
	s.stopping = false
	s.startedAt = time.Now().UTC()
	s.command = p.Type.LaunchCommand(port, c.opts.StaticCommand)
	s.cancelStart = cancel
	s.mu.Unlock()
	c.setState(p.Name, s, StateStarting, "")

	// aborted handles a Stop or caller cancellation that arrives before the
	// server is ready.
	aborted := func(h Handle) (Info, error) {
		if h != nil {
			_ = h.Stop(c.opts.StopGrace)
		}
		out.Flush()
		c.ports.Release(port, p.Name)
		c.setState(p.Name, s, StateStopped, "")
		log.Info("Preview start aborted")
		if err := parent.Err(); err != nil {
			return c.info(p.Name, s), err
		}
		return c.info(p.Name, s), errs.ErrStartCanceled
	}

	fail := func(err error) (Info, error) {
		out.Flush()
		c.ports.Release(port, p.Name)
		msg := err.Error()
		if tail := out.Tail(20); tail != "" {
			msg += "\n" + tail
		}
		c.setState(p.Name, s, StateFailed, msg)
		log.Error("Preview server failed to start", "error", err)
		return c.info(p.Name, s), fmt.Errorf("%w: %s", errs.ErrProcessLaunchFailed, msg)
	}

	if install := c.installCommand(p); install != nil {
		log.Info("Installing dependencies")
		if err := c.runToCompletion(ctx, Spec{Project: p.Name, Dir: p.Dir, Type: p.Type, Port: port, Command: install}, out); err != nil {
			if ctx.Err() != nil {
				return aborted(nil)
			}
			return fail(fmt.Errorf("npm install: %w", err))
		}
	}

	spec := Spec{Project: p.Name, Dir: p.Dir, Type: p.Type, Port: port, Command: s.command}
	h, err := c.runner.Start(ctx, spec, out)
	if err != nil {
		if ctx.Err() != nil {
			return aborted(nil)
		}
		return fail(err)
	}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	timer := time.NewTimer(c.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		log.Info("Preview server ready")
	case <-timer.C:
		log.Warn("Preview server did not report ready in time", "timeout", c.opts.ReadyTimeout)
		s.mu.Lock()
		s.mayNotBeReady = true
		s.mu.Unlock()
	case <-h.Done():
		err := h.Err()
		if err == nil {
			err = errors.New("exited before becoming ready")
		}
		return fail(err)
	case <-ctx.Done():
		return aborted(h)
	}

	c.setState(p.Name, s, StateRunning, "")
	go c.monitor(p.Name, s, h, port)
	return c.info(p.Name, s), nil
}

func (c *Controller) installCommand(p Project) []string {
	if !p.Type.Profile().NodeProject {
		return nil
	}
	if _, err := os.Stat(filepath.Join(p.Dir, "node_modules")); err == nil {
		return nil
	}
	return p.Type.InstallCommand()
}

func (c *Controller) runToCompletion(ctx context.Context, spec Spec, out *lineBuffer) error {
	h, err := c.runner.Start(ctx, spec, out)
	if err != nil {
		return err
	}
	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		_ = h.Stop(c.opts.StopGrace)
		return ctx.Err()
	}
}

// monitor marks a running server failed if it exits without Stop.
func (c *Controller) monitor(project string, s *server, h Handle, port int) {
	<-h.Done()
	s.mu.Lock()
	current := s.handle == h && !s.stopping
	s.mu.Unlock()
	if !current {
		return
	}

	s.out.Flush()
	c.ports.Release(port, project)
	msg := "exited"
	if err := h.Err(); err != nil {
		msg = "exited: " + err.Error()
	}
	c.log.Warn("Preview server exited unexpectedly", "project", project, "error", h.Err())
	c.setState(project, s, StateFailed, msg)
}

// Stop terminates the project's preview server. It is a no-op when nothing
// runs and clears a failed state. A server still starting is aborted rather
// than waited for.
func (c *Controller) Stop(project string) error {
	s := c.lookup(project)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.cancelStart != nil {
		s.stopping = true
		s.cancelStart()
	}
	s.mu.Unlock()

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	state := s.state
	h := s.handle
	port := s.port
	s.stopping = true
	s.mu.Unlock()

	if state == StateStopped {
		return nil
	}
	if state == StateFailed {
		c.setState(project, s, StateStopped, "")
		return nil
	}

	var err error
	if h != nil {
		err = h.Stop(c.opts.StopGrace)
	}
	c.ports.Release(port, project)
	c.setState(project, s, StateStopped, "")
	c.log.Info("Preview server stopped", "project", project, "port", port)
	return err
}

// Status returns the project's preview state
func (c *Controller) Status(project string) Info {
	s := c.lookup(project)
	if s == nil {
		return Info{Project: project, State: StateStopped, Runtime: c.runner.Name()}
	}
	return c.info(project, s)
}

// List returns every tracked server, sorted by project name
func (c *Controller) List() []Info {
	c.mu.Lock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	list := make([]Info, 0, len(names))
	for _, name := range names {
		info := c.Status(name)
		info.Output = nil
		list = append(list, info)
	}
	return list
}

// StopAll stops every server, in parallel
func (c *Controller) StopAll() {
	c.mu.Lock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := c.Stop(name); err != nil {
				c.log.Warn("Failed to stop preview server", "project", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

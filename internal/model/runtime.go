// Package model owns the lifecycle of the vision-language model: it must be
// loaded explicitly before use, serves one inference at a time, and is
// released on shutdown.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"snapcode/internal/errs"
	"snapcode/internal/logging"
)

// State of the runtime
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateBusy     State = "busy"
)

// Options configure a Runtime.
type Options struct {
	ModelID     string
	MaxTokens   int
	Temperature float64
	TopP        float64
	// Timeout bounds one inference call.
	Timeout time.Duration
	// ServerCommand is spawned on Load and stopped on Unload when non-empty.
	ServerCommand []string
	GPUDevice     string
	// LoadTimeout bounds waiting for the backend to answer Ping.
	LoadTimeout  time.Duration
	PollInterval time.Duration
}

// Info is a snapshot of runtime state.
type Info struct {
	State     State     `json:"state"`
	ModelID   string    `json:"modelId"`
	LoadedAt  time.Time `json:"loadedAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Requests  int       `json:"requests"`
}

// Runtime guards a Backend with an explicit Load/Unload lifecycle.
type Runtime struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	// lifecycle serializes Load and Unload.
	lifecycle sync.Mutex
	// inflight admits a single inference; callers that miss it are rejected.
	inflight sync.Mutex

	mu       sync.RWMutex
	state    State
	loadedAt time.Time
	lastErr  string
	requests int
	server   *serverProcess
}

// NewRuntime returns an unloaded runtime.
func NewRuntime(backend Backend, opts Options) *Runtime {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Runtime{
		backend: backend,
		opts:    opts,
		logger:  logging.WithComponent("model"),
		state:   StateUnloaded,
	}
}

func (r *Runtime) setState(s State, lastErr string) {
	r.mu.Lock()
	r.state = s
	r.lastErr = lastErr
	r.mu.Unlock()
}

// Status returns the current state.
func (r *Runtime) Status() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		State:     r.state,
		ModelID:   r.opts.ModelID,
		LoadedAt:  r.loadedAt,
		LastError: r.lastErr,
		Requests:  r.requests,
	}
}

// Loaded reports whether Generate may be called.
func (r *Runtime) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == StateReady || r.state == StateBusy
}

// Load starts the inference server if configured and waits until the backend
// answers. Loading an already loaded runtime is a no-op.
func (r *Runtime) Load(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.Loaded() {
		return nil
	}
	r.setState(StateLoading, "")
	r.logger.Info("Loading model", "model", r.opts.ModelID)

	if len(r.opts.ServerCommand) > 0 {
		srv, err := startServer(r.opts.ServerCommand, r.opts.GPUDevice, r.logger)
		if err != nil {
			r.setState(StateUnloaded, err.Error())
			return fmt.Errorf("%w: %w", errs.ErrModelFailed, err)
		}
		r.mu.Lock()
		r.server = srv
		r.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()

	if err := r.waitReady(ctx); err != nil {
		r.stopServer()
		r.setState(StateUnloaded, err.Error())
		r.logger.Error("Model load failed", "error", err)
		return fmt.Errorf("%w: %w", errs.ErrModelFailed, err)
	}

	r.mu.Lock()
	r.state = StateReady
	r.loadedAt = time.Now().UTC()
	r.lastErr = ""
	r.mu.Unlock()
	r.logger.Info("Model loaded", "model", r.opts.ModelID)
	return nil
}

func (r *Runtime) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		err := r.backend.Ping(ctx)
		if err == nil {
			return nil
		}

		r.mu.RLock()
		srv := r.server
		r.mu.RUnlock()
		if srv != nil {
			if done, werr := srv.exited(); done {
				return fmt.Errorf("inference server exited before becoming ready: %v", werr)
			}
		} else {
			// Without a managed server there is nothing to wait for.
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for inference server: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (r *Runtime) stopServer() {
	r.mu.Lock()
	srv := r.server
	r.server = nil
	r.mu.Unlock()
	if srv != nil {
		srv.stop(10 * time.Second)
	}
}

// Unload waits for any in-flight inference, then releases the model.
func (r *Runtime) Unload(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	acquired := make(chan struct{})
	go func() {
		r.inflight.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		// Release the lock once the pending inference finishes.
		go func() {
			<-acquired
			r.inflight.Unlock()
		}()
		return ctx.Err()
	}
	defer r.inflight.Unlock()

	r.stopServer()
	r.mu.Lock()
	r.state = StateUnloaded
	r.loadedAt = time.Time{}
	r.mu.Unlock()
	r.logger.Info("Model unloaded")
	return nil
}

// Generate runs one inference. It fails with ErrModelNotLoaded before Load and
// with ErrModelBusy while another inference is running.
func (r *Runtime) Generate(ctx context.Context, prompt string, png []byte) (string, error) {
	if !r.Loaded() {
		return "", errs.ErrModelNotLoaded
	}
	if !r.inflight.TryLock() {
		return "", errs.ErrModelBusy
	}
	defer r.inflight.Unlock()

	// Unload may have completed between the checks above.
	if !r.Loaded() {
		return "", errs.ErrModelNotLoaded
	}

	r.mu.Lock()
	r.state = StateBusy
	r.requests++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.state == StateBusy {
			r.state = StateReady
		}
		r.mu.Unlock()
	}()

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.backend.Complete(ctx, Request{
		Prompt:      prompt,
		Image:       png,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
		TopP:        r.opts.TopP,
	})
	if err != nil {
		r.mu.Lock()
		r.lastErr = err.Error()
		r.mu.Unlock()
		r.logger.Warn("Inference failed", "error", err, "elapsed", time.Since(start))
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", errs.ErrModelFailed, err)
	}

	r.logger.Info("Inference finished", "elapsed", time.Since(start), "chars", len(out))
	return out, nil
}

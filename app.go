package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"snapcode/internal/config"
	"snapcode/internal/devserver"
	"snapcode/internal/errs"
	"snapcode/internal/framework"
	"snapcode/internal/generator"
	"snapcode/internal/index"
	"snapcode/internal/logging"
	"snapcode/internal/model"
	"snapcode/internal/server"
	"snapcode/internal/structure"
	"snapcode/internal/workspace"
)

const appVersion = "1.0.0"

// ActionResult is what every user action returns: a status line for display
// and the data the action produced.
type ActionResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	// Err is the underlying error, for exit codes. Never serialized.
	Err error `json:"-"`
}

// App struct
type App struct {
	ctx        context.Context
	cfg        config.AppConfig
	modelToken string

	workspace  *workspace.Manager
	history    *index.Index
	runtime    *model.Runtime
	generator  *generator.Generator
	runner     devserver.Runner
	devServers *devserver.Controller
	apiServer  *server.Server

	listenersMu sync.RWMutex
	listeners   []func(name string, data any)
}

// NewApp creates a new App
func NewApp(cfg config.AppConfig, modelToken string) *App {
	return &App{cfg: cfg, modelToken: modelToken}
}

// startup initializes every service. Only a missing workspace is fatal; the
// history index and the docker runtime degrade with a warning.
func (a *App) startup(ctx context.Context) error {
	a.ctx = ctx

	warnings := a.cfg.Validate()
	if err := initLogging(a.cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
	} else {
		logging.Info("Application starting", "version", appVersion)
	}
	if warnings != nil && warnings.HasWarnings() {
		logging.Warn("Configuration adjusted", "warnings", warnings.Warnings)
	}

	ws, err := workspace.NewManager(a.cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	ws.SetEventHandler(a.emit)
	a.workspace = ws
	logging.Info("Workspace ready", "root", logging.MaskPath(ws.Root()))

	var recorder generator.Recorder
	if ix, err := index.Open(index.Path(ws.Root())); err != nil {
		logging.Warn("History index unavailable", "error", err)
	} else {
		a.history = ix
		recorder = ix
	}

	m := a.cfg.Model
	a.runtime = model.NewRuntime(
		model.NewClient(m.BaseURL, m.ModelID, a.modelToken, m.ModelTimeout()),
		model.Options{
			ModelID:       m.ModelID,
			MaxTokens:     m.MaxTokens,
			Temperature:   m.Temperature,
			TopP:          m.TopP,
			Timeout:       m.ModelTimeout(),
			ServerCommand: m.ServerCommand,
			GPUDevice:     m.GPUDevice,
		},
	)
	a.generator = generator.New(ws, a.runtime, recorder)

	a.runner = a.newRunner(ctx)
	d := a.cfg.DevServer
	a.devServers = devserver.NewController(a.runner, devserver.Options{
		PortStart:     d.PortStart,
		PortEnd:       d.PortEnd,
		ReadyTimeout:  d.ReadyTimeout(),
		StopGrace:     d.StopGrace(),
		OutputLines:   d.OutputLines,
		StaticCommand: d.StaticCommand,
	})
	a.devServers.SetEventHandler(a.emit)
	return nil
}

// newRunner returns the configured preview runtime, falling back to local
// processes when Docker is unreachable.
func (a *App) newRunner(ctx context.Context) devserver.Runner {
	d := a.cfg.DevServer
	r, err := devserver.NewRunner(devserver.RunnerOptions{
		Runtime:     d.Runtime,
		NodeImage:   d.NodeImage,
		StaticImage: d.StaticImage,
	})
	if err == nil {
		dr, isDocker := r.(*devserver.DockerRunner)
		if !isDocker {
			return r
		}
		if dr.IsAvailable(ctx) {
			logging.Info("Docker preview runtime initialized")
			return r
		}
		_ = dr.Close()
		err = errors.New("docker daemon not reachable")
	}
	logging.Warn("Docker not available, previews run as local processes", "error", err)
	return devserver.NewProcessRunner()
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	if a.apiServer != nil {
		if err := a.apiServer.Stop(); err != nil {
			logging.Warn("API server shutdown", "error", err)
		}
	}
	if a.devServers != nil {
		a.devServers.StopAll()
	}
	if a.runtime != nil && a.runtime.Loaded() {
		if err := a.runtime.Unload(ctx); err != nil {
			logging.Warn("Model unload on shutdown", "error", err)
		}
	}
	if c, ok := a.runner.(io.Closer); ok {
		_ = c.Close()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
	logging.Info("Application stopped")
	_ = logging.Close()
}

func initLogging(lc config.LoggingConfig) error {
	cfg := logging.DefaultConfig()
	cfg.Level = lc.Level
	cfg.JSONOutput = lc.Format != "text"
	cfg.DevMode = lc.Console
	if lc.MaxAge > 0 {
		cfg.MaxAgeDays = lc.MaxAge
	}
	if lc.File != "" {
		cfg.File = lc.File
	}
	return logging.Init(cfg)
}

// OnEvent registers a listener for workspace and preview events
func (a *App) OnEvent(fn func(name string, data any)) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenersMu.Unlock()
}

func (a *App) emit(name string, data any) {
	a.listenersMu.RLock()
	listeners := a.listeners
	a.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(name, data)
	}
	if a.apiServer != nil {
		a.apiServer.Broadcast(name, data)
	}
}

// StartServer serves the API on the configured address. When a token is
// required and none is stored, one is generated and saved to the keyring.
func (a *App) StartServer() ActionResult {
	token := ""
	if a.cfg.Server.RequireToken {
		token = config.APIToken()
		if token == "" {
			var err error
			if token, err = generateToken(); err != nil {
				return failure("Start server", err)
			}
			if err := config.SetAPIToken(token); err != nil {
				logging.Warn("API token not persisted", "error", err)
			}
		}
	}

	deps := server.Deps{
		Workspace: a.workspace,
		Generator: a.generator,
		Dev:       a.devServers,
		Model:     a.runtime,
	}
	if a.history != nil {
		deps.History = a.history
	}
	srv := server.New(deps, token)
	if err := srv.Start(a.cfg.Server.Addr()); err != nil {
		return failure("Start server", err)
	}
	a.apiServer = srv

	data := map[string]string{"url": "http://" + a.cfg.Server.Addr()}
	if token != "" {
		data["token"] = token
	}
	return success(fmt.Sprintf("Serving on http://%s", a.cfg.Server.Addr()), data)
}

// generateToken returns a random API token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateProject scaffolds a new project of the given framework
func (a *App) CreateProject(name, typ string) ActionResult {
	t, err := framework.Parse(typ)
	if err != nil {
		return failure("Create project", err)
	}
	meta, err := a.workspace.Create(name, t)
	if err != nil {
		return failure("Create project", err)
	}
	return success(fmt.Sprintf("Created %s project %q", t.Label(), name), meta)
}

// ListProjects returns every project, most recently modified first
func (a *App) ListProjects() ActionResult {
	list, err := a.workspace.List()
	if err != nil {
		return failure("List projects", err)
	}
	return success(fmt.Sprintf("%d project(s)", len(list)), list)
}

// OpenProject returns the project's metadata
func (a *App) OpenProject(name string) ActionResult {
	meta, err := a.workspace.Get(name)
	if err != nil {
		return failure("Open project", err)
	}
	return success(fmt.Sprintf("Opened %s (%s)", name, meta.Type.Label()), meta)
}

// ProjectTree returns the project's file tree rendered as text
func (a *App) ProjectTree(name string) ActionResult {
	tree, err := a.workspace.Tree(name)
	if err != nil {
		return failure("Read project tree", err)
	}
	return success(fmt.Sprintf("%s: %d files", name, tree.FileCount), structure.Render(tree))
}

// LoadModel loads the model; it is idempotent
func (a *App) LoadModel(ctx context.Context) ActionResult {
	if err := a.runtime.Load(ctx); err != nil {
		return failure("Load model", err)
	}
	return success("Model loaded: "+a.cfg.Model.ModelID, a.runtime.Status())
}

// UnloadModel releases the model
func (a *App) UnloadModel(ctx context.Context) ActionResult {
	if err := a.runtime.Unload(ctx); err != nil {
		return failure("Unload model", err)
	}
	return success("Model unloaded", a.runtime.Status())
}

// ModelStatus reports the model state
func (a *App) ModelStatus() ActionResult {
	info := a.runtime.Status()
	return success(fmt.Sprintf("Model %s is %s", info.ModelID, info.State), info)
}

// GenerateFromFile reads a screenshot from disk and generates code from it
func (a *App) GenerateFromFile(ctx context.Context, project, imagePath, target, instruction string, saveScreenshot bool) ActionResult {
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return failure("Generate", fmt.Errorf("%w: %v", errs.ErrInvalidImage, err))
	}
	return a.Generate(ctx, generator.Request{
		Project:        project,
		Image:          img,
		Target:         target,
		Instruction:    instruction,
		SaveScreenshot: saveScreenshot,
	})
}

// Generate runs one generation
func (a *App) Generate(ctx context.Context, req generator.Request) ActionResult {
	res, err := a.generator.Generate(ctx, req)
	if err != nil {
		r := failure("Generate", err)
		if res != nil {
			r.Data = res
		}
		return r
	}
	msg := "Generated successfully! Saved to " + res.Target
	if len(res.Warnings) > 0 {
		msg += " (with warnings)"
	}
	return success(msg, res)
}

// StartPreview launches the project's preview server
func (a *App) StartPreview(ctx context.Context, name string) ActionResult {
	meta, err := a.workspace.Get(name)
	if err != nil {
		return failure("Start preview", err)
	}
	dir, err := a.workspace.Path(name)
	if err != nil {
		return failure("Start preview", err)
	}
	info, err := a.devServers.Start(ctx, devserver.Project{Name: name, Dir: dir, Type: meta.Type})
	if err != nil {
		r := failure("Start preview", err)
		r.Data = info
		return r
	}
	msg := "Preview running at " + info.URL
	if info.MayNotBeReady {
		msg += " (may not be ready yet)"
	}
	return success(msg, info)
}

// StopPreview stops the project's preview server
func (a *App) StopPreview(name string) ActionResult {
	if err := a.devServers.Stop(name); err != nil {
		return failure("Stop preview", err)
	}
	return success("Preview stopped", a.devServers.Status(name))
}

// PreviewStatus reports the project's preview state
func (a *App) PreviewStatus(name string) ActionResult {
	info := a.devServers.Status(name)
	msg := fmt.Sprintf("Preview is %s", info.State)
	if info.URL != "" {
		msg += " at " + info.URL
	}
	return success(msg, info)
}

// SearchHistory queries past generations across projects
func (a *App) SearchHistory(ctx context.Context, q index.Query) ActionResult {
	if a.history == nil {
		return failure("Search history", errors.New("history index unavailable"))
	}
	entries, err := a.history.Search(ctx, q)
	if err != nil {
		return failure("Search history", err)
	}
	return success(fmt.Sprintf("%d generation(s)", len(entries)), entries)
}

// RebuildHistory re-indexes every project's metadata
func (a *App) RebuildHistory(ctx context.Context) ActionResult {
	if a.history == nil {
		return failure("Rebuild history", errors.New("history index unavailable"))
	}
	n, err := a.history.Rebuild(ctx, a.workspace)
	if err != nil {
		return failure("Rebuild history", err)
	}
	return success(fmt.Sprintf("Indexed %d generation(s)", n), n)
}

func success(msg string, data any) ActionResult {
	return ActionResult{OK: true, Message: msg, Data: data}
}

func failure(action string, err error) ActionResult {
	logging.Warn(action+" failed", "error", err)
	return ActionResult{Message: action + " failed: " + userMessage(err), Err: err}
}

// userMessage phrases known error kinds for people
func userMessage(err error) string {
	switch errs.Kind(err) {
	case errs.ErrModelNotLoaded:
		return "the model is not loaded, load it first"
	case errs.ErrModelBusy:
		return "the model is busy with another generation, try again shortly"
	case errs.ErrProjectNotFound:
		return "project not found (" + err.Error() + ")"
	case errs.ErrNoPortAvailable:
		return "no free preview port, stop another preview first"
	case errs.ErrMultiFileResponse:
		return "the model answered with several files; ask for a single file and retry"
	}
	return err.Error()
}

// Package generator turns a screenshot into a source file inside a project:
// it prompts the model, cleans up the reply, writes the target file and
// records the generation in the project metadata.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"snapcode/internal/errs"
	"snapcode/internal/framework"
	"snapcode/internal/logging"
	"snapcode/internal/workspace"
)

// Model runs one inference.
type Model interface {
	Generate(ctx context.Context, prompt string, png []byte) (string, error)
}

// Recorder receives generations after they are stored.
type Recorder interface {
	Record(ctx context.Context, project string, t framework.Type, g workspace.Generation) error
}

// Request is one generation call.
type Request struct {
	Project string
	Image   []byte
	// Target is relative to the project root. Empty means the type's default.
	Target         string
	Instruction    string
	SaveScreenshot bool
}

// Result describes what a generation produced. It is returned alongside some
// errors so callers can still show the generated text.
type Result struct {
	Project    string                `json:"project"`
	Target     string                `json:"target"`
	Code       string                `json:"code"`
	Raw        string                `json:"raw,omitempty"`
	Generation *workspace.Generation `json:"generation,omitempty"`
	Screenshot *workspace.Screenshot `json:"screenshot,omitempty"`
	Warnings   []string              `json:"warnings,omitempty"`
	Elapsed    time.Duration         `json:"elapsed"`
}

// Generator wires the model to the workspace.
type Generator struct {
	ws      *workspace.Manager
	model   Model
	history Recorder
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

// New returns a generator. history may be nil.
func New(ws *workspace.Manager, model Model, history Recorder) *Generator {
	return &Generator{
		ws:      ws,
		model:   model,
		history: history,
		log:     logging.WithComponent("generator"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return "gen_" + uuid.NewString() },
	}
}

// ValidateTarget cleans a project-relative target path. Absolute paths, paths
// escaping the project, the metadata file and the screenshots directory are
// rejected with ErrInvalidTarget.
func ValidateTarget(target string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(target, "\\", "/"))
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", errs.ErrInvalidTarget)
	}
	if path.IsAbs(raw) || filepath.IsAbs(raw) || filepath.VolumeName(raw) != "" {
		return "", fmt.Errorf("%w: %s is absolute", errs.ErrInvalidTarget, target)
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s leaves the project", errs.ErrInvalidTarget, target)
		}
	}

	clean := path.Clean(raw)
	switch {
	case clean == ".":
		return "", fmt.Errorf("%w: %s is not a file", errs.ErrInvalidTarget, target)
	case clean == workspace.MetaFileName:
		return "", fmt.Errorf("%w: %s is reserved", errs.ErrInvalidTarget, target)
	case clean == workspace.ScreenshotsDir || strings.HasPrefix(clean, workspace.ScreenshotsDir+"/"):
		return "", fmt.Errorf("%w: %s is inside %s/", errs.ErrInvalidTarget, target, workspace.ScreenshotsDir)
	case strings.HasSuffix(raw, "/"):
		return "", fmt.Errorf("%w: %s is a directory", errs.ErrInvalidTarget, target)
	}
	return clean, nil
}

// Generate runs the full pipeline. A model failure leaves the project
// untouched. Once the target file is written, later failures are returned
// together with a non-nil Result.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	meta, err := g.ws.Get(req.Project)
	if err != nil {
		return nil, err
	}
	target := req.Target
	if strings.TrimSpace(target) == "" {
		target = meta.Type.DefaultTarget()
	}
	target, err = ValidateTarget(target)
	if err != nil {
		return nil, err
	}

	img, err := NormalizeImage(req.Image)
	if err != nil {
		return nil, err
	}

	prompt := BuildPrompt(meta.Type, req.Instruction)
	log := g.log.With("project", req.Project, "target", target)
	log.Info("Generating", "type", meta.Type, "imageBytes", len(img))

	raw, err := g.model.Generate(ctx, prompt, img)
	if err != nil {
		log.Error("Model call failed", "error", err)
		return nil, err
	}

	res := &Result{Project: req.Project, Target: target}
	code, err := ExtractCode(raw)
	if err != nil {
		res.Raw = raw
		res.Elapsed = time.Since(start)
		log.Warn("Model output rejected", "error", err)
		return res, err
	}
	res.Code = code

	dir, err := g.ws.Path(req.Project)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(dir, filepath.FromSlash(target))
	if err := workspace.WriteFileAtomic(full, []byte(code), 0o644); err != nil {
		res.Elapsed = time.Since(start)
		log.Error("Writing generated file failed", "error", err)
		return res, fmt.Errorf("%w: %s: %w", errs.ErrFileWriteFailed, target, err)
	}

	if req.SaveScreenshot {
		shot, err := g.ws.SaveScreenshot(req.Project, target, img)
		if err != nil {
			log.Warn("Saving screenshot failed", "error", err)
			res.Warnings = append(res.Warnings, "screenshot not saved: "+err.Error())
		} else {
			res.Screenshot = &shot
		}
	}

	gen := workspace.Generation{
		ID:        g.newID(),
		Target:    target,
		Prompt:    req.Instruction,
		Timestamp: g.now(),
	}
	if res.Screenshot != nil {
		gen.Screenshot = res.Screenshot.Path
	}

	updated, err := g.ws.Update(req.Project, func(m *workspace.Metadata) error {
		if res.Screenshot != nil {
			m.Screenshots = append(m.Screenshots, *res.Screenshot)
		}
		m.Generations = append(m.Generations, gen)
		return nil
	})
	res.Elapsed = time.Since(start)
	if err != nil {
		log.Error("Recording generation failed", "error", err)
		return res, fmt.Errorf("record generation: %w", err)
	}
	res.Generation = &gen

	if g.history != nil {
		if err := g.history.Record(ctx, req.Project, updated.Type, gen); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("History index not updated", "error", err)
		}
	}

	log.Info("Generation saved", "id", gen.ID, "chars", len(code), "elapsed", res.Elapsed)
	return res, nil
}

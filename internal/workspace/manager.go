package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"snapcode/internal/errs"
	"snapcode/internal/framework"
	"snapcode/internal/logging"
	"snapcode/internal/structure"
)

// Event names emitted by the manager
const (
	EventProjectCreated = "project:created"
	EventProjectUpdated = "project:updated"
)

// EventFunc receives manager events
type EventFunc func(name string, data any)

// Summary is a project list entry
type Summary struct {
	Name        string         `json:"name"`
	Type        framework.Type `json:"type"`
	Created     time.Time      `json:"created"`
	Modified    time.Time      `json:"modified"`
	Generations int            `json:"generations"`
	Corrupt     bool           `json:"corrupt,omitempty"`
}

// Manager owns the project directories under one workspace root
type Manager struct {
	root    string
	store   *Store
	scanner *structure.Scanner
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	eventMu sync.RWMutex
	onEvent EventFunc
}

// NewManager creates the workspace root if needed and returns a manager for it
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{
		root:    abs,
		store:   NewStore(abs),
		scanner: structure.NewScanner(),
		log:     logging.WithComponent("workspace"),
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the absolute workspace directory
func (m *Manager) Root() string {
	return m.root
}

// SetEventHandler sets the callback for project events
func (m *Manager) SetEventHandler(fn EventFunc) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.onEvent = fn
}

func (m *Manager) emit(name string, data any) {
	m.eventMu.RLock()
	fn := m.onEvent
	m.eventMu.RUnlock()
	if fn != nil {
		fn(name, data)
	}
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]*$`)

// ValidateName checks that name is usable as a single directory under the root
func ValidateName(name string) error {
	switch {
	case name == "" || strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q", errs.ErrInvalidProjectName, name)
	case len(name) > 100:
		return fmt.Errorf("%w: longer than 100 characters", errs.ErrInvalidProjectName)
	case !namePattern.MatchString(name):
		return fmt.Errorf("%w: %q (letters, digits, space, dot, dash, underscore; no leading dot)", errs.ErrInvalidProjectName, name)
	}
	return nil
}

// Path returns the absolute directory of project name
func (m *Manager) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(m.root, name), nil
}

func (m *Manager) existingPath(name string) (string, error) {
	dir, err := m.Path(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", errs.ErrProjectNotFound, name)
	}
	return dir, nil
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Create scaffolds a new project. An existing directory is never touched.
func (m *Manager) Create(name string, t framework.Type) (*Metadata, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", errs.ErrInvalidFrameworkType, string(t))
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(m.root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	meta, err := m.scaffold(dir, name, t)
	if err != nil {
		// The directory was created exclusively above, so it is ours to remove.
		_ = os.RemoveAll(dir)
		return nil, err
	}

	m.log.Info("Project created", "project", name, "type", t, "path", logging.MaskPath(dir))
	m.emit(EventProjectCreated, summaryOf(meta, false))
	return meta.Clone(), nil
}

func (m *Manager) scaffold(dir, name string, t framework.Type) (*Metadata, error) {
	p := t.Profile()

	for _, d := range append([]string{ScreenshotsDir}, p.Dirs...) {
		if err := os.MkdirAll(filepath.Join(dir, filepath.FromSlash(d)), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	files, err := t.Scaffold(name)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := WriteFileAtomic(filepath.Join(dir, filepath.FromSlash(f.Path)), f.Content, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Path, err)
		}
	}

	meta := NewMetadata(name, t)
	meta.Created = m.now()
	meta.Modified = meta.Created
	if err := m.store.Save(name, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// List returns projects that have a meta.json, most recently modified first
func (m *Manager) List() ([]Summary, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		metaPath := m.store.MetaPath(e.Name())
		info, err := os.Stat(metaPath)
		if err != nil {
			continue
		}

		meta, err := m.store.Load(e.Name())
		if err != nil {
			m.log.Warn("Unreadable project metadata", "project", e.Name(), "error", err)
			s := Summary{
				Name:     e.Name(),
				Type:     framework.Detect(filepath.Join(m.root, e.Name())),
				Modified: info.ModTime().UTC(),
				Corrupt:  true,
			}
			out = append(out, s)
			continue
		}
		out = append(out, summaryOf(meta, false))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Modified.Equal(out[j].Modified) {
			return out[i].Modified.After(out[j].Modified)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func summaryOf(meta *Metadata, corrupt bool) Summary {
	return Summary{
		Name:        meta.Name,
		Type:        meta.Type,
		Created:     meta.Created,
		Modified:    meta.Modified,
		Generations: len(meta.Generations),
		Corrupt:     corrupt,
	}
}

// Get returns the project's metadata. Unreadable metadata degrades to an empty
// document and is logged, not returned as an error.
func (m *Manager) Get(name string) (*Metadata, error) {
	dir, err := m.existingPath(name)
	if err != nil {
		return nil, err
	}
	return m.load(name, dir), nil
}

func (m *Manager) load(name, dir string) *Metadata {
	meta, err := m.store.Load(name)
	if err != nil {
		m.log.Warn("Falling back to empty metadata", "project", name, "error", err)
	}
	if meta.Type == "" {
		meta.Type = framework.Detect(dir)
	}
	meta.Name = name
	return meta
}

// Update runs fn on the project's metadata under the project lock and saves
// the result. modified is set to the current time.
func (m *Manager) Update(name string, fn func(*Metadata) error) (*Metadata, error) {
	dir, err := m.existingPath(name)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	meta := m.load(name, dir)
	if err := fn(meta); err != nil {
		return nil, err
	}
	meta.Modified = m.now()
	if meta.Created.IsZero() {
		meta.Created = meta.Modified
	}
	if err := m.store.Save(name, meta); err != nil {
		return nil, fmt.Errorf("save metadata for %s: %w", name, err)
	}

	m.emit(EventProjectUpdated, summaryOf(meta, false))
	return meta.Clone(), nil
}

// DefaultTarget returns the default generation target for the project
func (m *Manager) DefaultTarget(name string) (string, error) {
	meta, err := m.Get(name)
	if err != nil {
		return "", err
	}
	return meta.Type.DefaultTarget(), nil
}

// Screenshots returns the project's screenshots, newest first
func (m *Manager) Screenshots(name string) ([]Screenshot, error) {
	meta, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	shots := append([]Screenshot{}, meta.Screenshots...)
	sort.SliceStable(shots, func(i, j int) bool {
		return shots[i].Timestamp.After(shots[j].Timestamp)
	})
	return shots, nil
}

// Generation looks up one generation by id
func (m *Manager) Generation(name, id string) (*Generation, error) {
	meta, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	g := meta.FindGeneration(id)
	if g == nil {
		return nil, fmt.Errorf("%w: %s in %s", errs.ErrGenerationNotFound, id, name)
	}
	return g, nil
}

// Tree returns the project's file tree for display
func (m *Manager) Tree(name string) (*structure.FileNode, error) {
	dir, err := m.existingPath(name)
	if err != nil {
		return nil, err
	}
	return m.scanner.ScanProject(dir)
}

// ScreenshotPath returns the project-relative path for a new screenshot of
// target taken at ts, avoiding existing files.
func (m *Manager) ScreenshotPath(name, target string, ts time.Time) (string, error) {
	dir, err := m.existingPath(name)
	if err != nil {
		return "", err
	}
	clean := strings.NewReplacer("/", "_", "\\", "_").Replace(target)
	base := ts.Format("20060102_150405") + "_" + clean
	rel := path.Join(ScreenshotsDir, base+".png")
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel))); errors.Is(err, fs.ErrNotExist) {
			return rel, nil
		}
		rel = path.Join(ScreenshotsDir, fmt.Sprintf("%s_%d.png", base, i))
	}
}

// SaveScreenshot writes PNG bytes for target and returns the record to append
func (m *Manager) SaveScreenshot(name, target string, png []byte) (Screenshot, error) {
	ts := m.now()
	rel, err := m.ScreenshotPath(name, target, ts)
	if err != nil {
		return Screenshot{}, err
	}
	full := filepath.Join(m.root, name, filepath.FromSlash(rel))
	if err := WriteFileAtomic(full, png, 0o644); err != nil {
		return Screenshot{}, err
	}
	return Screenshot{Path: rel, Target: target, Timestamp: ts}, nil
}

// ReadScreenshot returns the bytes of a stored screenshot
func (m *Manager) ReadScreenshot(name, rel string) ([]byte, error) {
	dir, err := m.existingPath(name)
	if err != nil {
		return nil, err
	}
	clean := path.Clean(rel)
	if path.Dir(clean) != ScreenshotsDir {
		return nil, fmt.Errorf("%w: %s", errs.ErrInvalidTarget, rel)
	}
	return os.ReadFile(filepath.Join(dir, filepath.FromSlash(clean)))
}

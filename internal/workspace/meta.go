package workspace

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"time"

	"snapcode/internal/framework"
)

// CurrentVersion is the metadata schema version written by this build.
const CurrentVersion = 1

const (
	MetaFileName   = "meta.json"
	ScreenshotsDir = "screenshots"
)

// Metadata is the per-project document persisted as meta.json.
type Metadata struct {
	Version     int            `json:"version"`
	Name        string         `json:"name"`
	Type        framework.Type `json:"type"`
	Created     time.Time      `json:"created"`
	Modified    time.Time      `json:"modified"`
	Screenshots []Screenshot   `json:"screenshots"`
	Generations []Generation   `json:"generations"`
}

// Screenshot is an image saved under the project's screenshots directory.
type Screenshot struct {
	Path      string    `json:"path"` // relative to the project root
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// Generation records one model call that produced a file.
type Generation struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Prompt     string    `json:"prompt"`
	Timestamp  time.Time `json:"timestamp"`
	Screenshot string    `json:"screenshot,omitempty"`
}

// NewMetadata returns an empty document for a project.
func NewMetadata(name string, t framework.Type) *Metadata {
	return &Metadata{
		Version:     CurrentVersion,
		Name:        name,
		Type:        t,
		Screenshots: []Screenshot{},
		Generations: []Generation{},
	}
}

func (m *Metadata) normalize() {
	if m.Screenshots == nil {
		m.Screenshots = []Screenshot{}
	}
	if m.Generations == nil {
		m.Generations = []Generation{}
	}
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	c := *m
	c.Screenshots = append([]Screenshot{}, m.Screenshots...)
	c.Generations = append([]Generation{}, m.Generations...)
	return &c
}

// FindGeneration returns the generation with id, or nil.
func (m *Metadata) FindGeneration(id string) *Generation {
	for i := range m.Generations {
		if m.Generations[i].ID == id {
			g := m.Generations[i]
			return &g
		}
	}
	return nil
}

// legacyMeta is the unversioned layout written by earlier releases.
type legacyMeta struct {
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Created      string             `json:"created"`
	LastModified string             `json:"last_modified"`
	Generations  []legacyGeneration `json:"generations"`
}

type legacyGeneration struct {
	Timestamp    string  `json:"timestamp"`
	TargetFile   string  `json:"target_file"`
	Prompt       string  `json:"prompt"`
	Screenshot   *string `json:"screenshot"`
	GenerationID string  `json:"generation_id"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseLegacyTime reads naive ISO timestamps as local time.
func parseLegacyTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// migrateLegacy converts an unversioned document. fallback supplies the type
// when the stored label is unknown.
func migrateLegacy(data []byte, name string, fallback func() framework.Type) (*Metadata, error) {
	var old legacyMeta
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, err
	}

	t, err := framework.Parse(old.Type)
	if err != nil {
		t = fallback()
	}

	m := NewMetadata(name, t)
	m.Created = parseLegacyTime(old.Created)
	m.Modified = parseLegacyTime(old.LastModified)
	if m.Modified.IsZero() {
		m.Modified = m.Created
	}

	for i, g := range old.Generations {
		ts := parseLegacyTime(g.Timestamp)
		id := g.GenerationID
		if id == "" {
			id = "legacy-" + ts.Format("20060102T150405") + "-" + strconv.Itoa(i)
		}
		target := g.TargetFile
		if target == "" {
			target = t.DefaultTarget()
		}

		gen := Generation{ID: id, Target: target, Prompt: g.Prompt, Timestamp: ts}
		if g.Screenshot != nil && *g.Screenshot != "" {
			rel := path.Join(ScreenshotsDir, path.Base(*g.Screenshot))
			gen.Screenshot = rel
			m.Screenshots = append(m.Screenshots, Screenshot{Path: rel, Target: target, Timestamp: ts})
		}
		m.Generations = append(m.Generations, gen)
	}
	return m, nil
}

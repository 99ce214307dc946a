package workspace

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"snapcode/internal/errs"
	"snapcode/internal/framework"
)

//go:embed meta.schema.json
var metaSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(metaSchema)

// Store reads and writes meta.json documents under a workspace root.
type Store struct {
	root string
}

// NewStore returns a store rooted at root. The directory is not created.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// MetaPath returns the meta.json path for project.
func (s *Store) MetaPath(project string) string {
	return filepath.Join(s.root, project, MetaFileName)
}

// Load reads the metadata for project. A missing file yields a fresh empty
// document and no error. Anything unreadable yields the empty document and an
// error wrapping errs.ErrMetadataCorrupt, so callers can fall back.
func (s *Store) Load(project string) (*Metadata, error) {
	empty := NewMetadata(project, "")

	data, err := os.ReadFile(s.MetaPath(project))
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("%w: read %s: %v", errs.ErrMetadataCorrupt, project, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return empty, fmt.Errorf("%w: %s: %v", errs.ErrMetadataCorrupt, project, err)
	}

	rawVersion, versioned := fields["version"]
	if !versioned {
		m, err := migrateLegacy(data, project, func() framework.Type {
			return framework.Detect(filepath.Join(s.root, project))
		})
		if err != nil {
			return empty, fmt.Errorf("%w: legacy %s: %v", errs.ErrMetadataCorrupt, project, err)
		}
		return m, nil
	}

	var version int
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return empty, fmt.Errorf("%w: %s: bad version: %v", errs.ErrMetadataCorrupt, project, err)
	}
	if version > CurrentVersion {
		return empty, fmt.Errorf("%w: %s: unsupported version %d", errs.ErrMetadataCorrupt, project, version)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return empty, fmt.Errorf("%w: %s: %v", errs.ErrMetadataCorrupt, project, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return empty, fmt.Errorf("%w: %s: %s", errs.ErrMetadataCorrupt, project, strings.Join(msgs, "; "))
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return empty, fmt.Errorf("%w: %s: %v", errs.ErrMetadataCorrupt, project, err)
	}
	m.normalize()
	return &m, nil
}

// Save writes m as meta.json for project. The previous document stays intact
// until the new one is fully on disk.
func (s *Store) Save(project string, m *Metadata) error {
	m.normalize()
	if m.Version == 0 {
		m.Version = CurrentVersion
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(s.MetaPath(project), data, 0o644)
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path. Parent directories are created.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), rand.Int()))
	if err := writeFileSync(temp, data, perm); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeFileSync writes data to a file and flushes it to disk.
func writeFileSync(path string, data []byte, perm os.FileMode) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

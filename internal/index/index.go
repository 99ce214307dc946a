// Package index keeps a SQLite table of generations across all projects so
// history can be searched without reading every meta.json. The meta.json
// documents stay authoritative; the index can be rebuilt from them at any time.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"

	"snapcode/internal/framework"
	"snapcode/internal/logging"
	"snapcode/internal/workspace"
)

const (
	// DirName holds the index inside the workspace root; hidden so project listing skips it.
	DirName  = ".snapcode"
	FileName = "history.sqlite"

	schemaVersion = 1
)

// Path returns the index location for a workspace root.
func Path(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, DirName, FileName)
}

// Entry is one indexed generation.
type Entry struct {
	ID         string         `json:"id"`
	Project    string         `json:"project"`
	Type       framework.Type `json:"type"`
	Target     string         `json:"target"`
	Prompt     string         `json:"prompt"`
	Screenshot string         `json:"screenshot,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Query filters Search. Zero fields match everything.
type Query struct {
	Project string
	Target  string
	Text    string // substring of the prompt
	Limit   int
}

// Index wraps the SQLite database.
type Index struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open creates or opens the index at path and ensures its schema.
func Open(path string) (*Index, error) {
	l := logging.WithComponent("index").With(slog.String("path", logging.MaskPath(path)))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, err
	}

	l.Debug("index ready")
	return &Index{db: db, path: path, log: l}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > schemaVersion {
		return fmt.Errorf("index schema %d is newer than supported %d", cur, schemaVersion)
	}
	if cur == schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			id          TEXT NOT NULL,
			project     TEXT NOT NULL,
			type        TEXT NOT NULL,
			target      TEXT NOT NULL,
			prompt      TEXT NOT NULL DEFAULT '',
			screenshot  TEXT NOT NULL DEFAULT '',
			created_ns  INTEGER NOT NULL,
			PRIMARY KEY (project, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generations_project ON generations(project, created_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_generations_target ON generations(target);`,
		fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion),
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema stmt failed: %w", err)
		}
	}
	return tx.Commit()
}

// Close releases the database.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Record upserts one generation.
func (ix *Index) Record(ctx context.Context, project string, t framework.Type, g workspace.Generation) error {
	_, err := ix.db.ExecContext(ctx, upsertSQL, g.ID, project, string(t), g.Target, g.Prompt, g.Screenshot, createdNs(g.Timestamp))
	if err != nil {
		return fmt.Errorf("record generation %s: %w", g.ID, err)
	}
	return nil
}

// createdNs stores the zero time as 0, since UnixNano is undefined for it.
func createdNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

const upsertSQL = `INSERT INTO generations (id, project, type, target, prompt, screenshot, created_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project, id) DO UPDATE SET
	type=excluded.type, target=excluded.target,
	prompt=excluded.prompt, screenshot=excluded.screenshot, created_ns=excluded.created_ns`

// Search returns matching generations, newest first.
func (ix *Index) Search(ctx context.Context, q Query) ([]Entry, error) {
	var where []string
	var args []any
	if q.Project != "" {
		where = append(where, "project = ?")
		args = append(args, q.Project)
	}
	if q.Target != "" {
		where = append(where, "target = ?")
		args = append(args, q.Target)
	}
	if q.Text != "" {
		where = append(where, `prompt LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.Text)+"%")
	}

	query := "SELECT id, project, type, target, prompt, screenshot, created_ns FROM generations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_ns DESC, id"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search generations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var typ string
		var ns int64
		if err := rows.Scan(&e.ID, &e.Project, &typ, &e.Target, &e.Prompt, &e.Screenshot, &ns); err != nil {
			return nil, err
		}
		e.Type = framework.Type(typ)
		if ns != 0 {
			e.Timestamp = time.Unix(0, ns).UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rebuild replaces the index contents with the generations found in every
// project's meta.json. It returns the number of generations indexed.
func (ix *Index) Rebuild(ctx context.Context, m *workspace.Manager) (int, error) {
	projects, err := m.List()
	if err != nil {
		return 0, err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM generations"); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("clear index: %w", err)
	}

	count := 0
	for _, p := range projects {
		meta, err := m.Get(p.Name)
		if err != nil {
			ix.log.Warn("skipping project during rebuild", "project", p.Name, "error", err)
			continue
		}
		for _, g := range meta.Generations {
			if _, err := tx.ExecContext(ctx, upsertSQL, g.ID, meta.Name, string(meta.Type), g.Target, g.Prompt, g.Screenshot, createdNs(g.Timestamp)); err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("index %s/%s: %w", meta.Name, g.ID, err)
			}
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	ix.log.Info("index rebuilt", "projects", len(projects), "generations", count)
	return count, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

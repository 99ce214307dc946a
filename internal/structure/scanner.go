package structure

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FileNode represents a file or directory in a project tree
type FileNode struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"` // slash-separated, relative to the project root
	IsDir     bool       `json:"isDir"`
	Kind      string     `json:"kind,omitempty"`
	Size      int64      `json:"size,omitempty"`
	Children  []FileNode `json:"children,omitempty"`
	FileCount int        `json:"fileCount,omitempty"` // files below this directory
}

// Scanner walks project directories for display
type Scanner struct {
	skip       map[string]bool
	maxEntries int // nodes added per scan
}

// NewScanner skips dependency, build and cache directories
func NewScanner() *Scanner {
	skip := make(map[string]bool)
	for _, d := range []string{
		"node_modules", "dist", "build", "out", "coverage",
		".git", ".next", ".nuxt", ".output", ".cache", ".turbo", ".vite",
	} {
		skip[d] = true
	}
	return &Scanner{skip: skip, maxEntries: 5000}
}

var kindByExt = map[string]string{
	".js": "script", ".jsx": "script", ".ts": "script", ".tsx": "script",
	".mjs": "script", ".cjs": "script", ".vue": "component",
	".html": "markup", ".htm": "markup",
	".css": "style", ".scss": "style", ".sass": "style", ".less": "style",
	".json": "config", ".yaml": "config", ".yml": "config", ".toml": "config",
	".png": "image", ".jpg": "image", ".jpeg": "image", ".gif": "image",
	".svg": "image", ".webp": "image", ".ico": "image",
	".md": "doc", ".txt": "doc",
}

// KindOf classifies a file name by extension
func KindOf(name string) string {
	if k, ok := kindByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return k
	}
	return "file"
}

// ScanProject builds the tree under projectPath. Directories come before
// files, each sorted case-insensitively; hidden entries are left out.
func (s *Scanner) ScanProject(projectPath string) (*FileNode, error) {
	info, err := os.Stat(projectPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", projectPath)
	}
	w := walk{Scanner: s, budget: s.maxEntries}
	root := w.dir(projectPath, "", filepath.Base(projectPath))
	return &root, nil
}

// walk carries the remaining node budget through one scan
type walk struct {
	*Scanner
	budget int
}

func (w *walk) dir(abs, rel, name string) FileNode {
	node := FileNode{Name: name, Path: rel, IsDir: true, Kind: "dir", Children: []FileNode{}}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return node
	}
	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool {
		return strings.HasPrefix(e.Name(), ".") || (e.IsDir() && w.skip[e.Name()])
	})
	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
	})

	for _, e := range entries {
		if w.budget <= 0 {
			break
		}
		w.budget--
		childRel := joinRel(rel, e.Name())
		if e.IsDir() {
			child := w.dir(filepath.Join(abs, e.Name()), childRel, e.Name())
			node.FileCount += child.FileCount
			node.Children = append(node.Children, child)
			continue
		}
		leaf := FileNode{Name: e.Name(), Path: childRel, Kind: KindOf(e.Name())}
		if fi, err := e.Info(); err == nil {
			leaf.Size = fi.Size()
		}
		node.Children = append(node.Children, leaf)
		node.FileCount++
	}
	return node
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Render draws the tree as indented text with box-drawing connectors
func Render(node *FileNode) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(node.Name)
	b.WriteString("/\n")
	renderChildren(&b, node.Children, "")
	return b.String()
}

func renderChildren(b *strings.Builder, children []FileNode, prefix string) {
	for i, child := range children {
		last := i == len(children)-1
		connector, next := "├── ", "│   "
		if last {
			connector, next = "└── ", "    "
		}
		b.WriteString(prefix)
		b.WriteString(connector)
		b.WriteString(child.Name)
		if child.IsDir {
			b.WriteString("/")
		}
		b.WriteString("\n")
		if child.IsDir {
			renderChildren(b, child.Children, prefix+next)
		}
	}
}

package framework

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

//go:embed templates
var templateFS embed.FS

// File is one rendered scaffold file.
type File struct {
	Path    string // slash-separated, relative to the project root
	Content []byte
}

// TemplateData is passed to every scaffold template.
type TemplateData struct {
	Name  string
	Type  Type
	Label string
}

var helpers = template.Must(
	template.New("helpers").Funcs(sprig.TxtFuncMap()).ParseFS(templateFS, "templates/helpers.tmpl"),
)

// Scaffold renders the starter file set of t for project name.
func (t Type) Scaffold(name string) ([]File, error) {
	p := t.Profile()
	data := TemplateData{Name: name, Type: t, Label: p.Label}

	files := make([]File, 0, len(p.Files))
	for _, rel := range p.Files {
		src := path.Join("templates", string(t), rel+".tmpl")
		raw, err := templateFS.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", src, err)
		}

		tmpl, err := helpers.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := tmpl.New(rel).Parse(string(raw)); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", src, err)
		}

		var buf bytes.Buffer
		if err := tmpl.ExecuteTemplate(&buf, rel, data); err != nil {
			return nil, fmt.Errorf("render %s: %w", rel, err)
		}
		files = append(files, File{Path: rel, Content: buf.Bytes()})
	}
	return files, nil
}

// Detect guesses the type of an existing project directory from its files.
// Used to recover a usable type when metadata is unreadable.
func Detect(dir string) Type {
	exists := func(rel string) bool {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
		return err == nil
	}

	switch {
	case exists("next.config.js") || exists("app/page.js"):
		return NextJS
	case exists("src/App.vue"):
		return Vue
	case exists("src/App.jsx") || exists("src/main.jsx"):
		return React
	}

	if raw, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		pkg := string(raw)
		switch {
		case strings.Contains(pkg, `"next"`):
			return NextJS
		case strings.Contains(pkg, `"vue"`):
			return Vue
		case strings.Contains(pkg, `"react"`):
			return React
		}
	}
	return Bootstrap
}

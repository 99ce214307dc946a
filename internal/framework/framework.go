// Package framework holds the closed set of project types snapcode can scaffold
// and everything that varies by type: starter files, the model instruction,
// the default generation target, and how to launch a preview server.
package framework

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"snapcode/internal/errs"
)

// Type identifies a project framework.
type Type string

const (
	React     Type = "react"
	Vue       Type = "vue"
	NextJS    Type = "nextjs"
	Bootstrap Type = "bootstrap"
)

// All returns every supported type in display order.
func All() []Type {
	return []Type{React, Vue, NextJS, Bootstrap}
}

var aliases = map[string]Type{
	"react":          React,
	"vue":            Vue,
	"vue3":           Vue,
	"nextjs":         NextJS,
	"next.js":        NextJS,
	"next":           NextJS,
	"bootstrap":      Bootstrap,
	"html/bootstrap": Bootstrap,
	"html":           Bootstrap,
}

// Parse accepts canonical names and display labels, case-insensitively.
func Parse(s string) (Type, error) {
	t, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidFrameworkType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	_, ok := profiles[t]
	return ok
}

func (t Type) String() string { return string(t) }

// Label is the human-facing name.
func (t Type) Label() string {
	if p, ok := profiles[t]; ok {
		return p.Label
	}
	return string(t)
}

func (t Type) MarshalText() ([]byte, error) {
	if t != "" && !t.Valid() {
		return nil, fmt.Errorf("%w: %q", errs.ErrInvalidFrameworkType, string(t))
	}
	return []byte(t), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Profile is the per-type table entry.
type Profile struct {
	Type          Type
	Label         string
	DefaultTarget string
	// Dirs are created empty in addition to the directories implied by Files.
	Dirs []string
	// Files lists the scaffold paths relative to the project root.
	Files       []string
	Instruction string
	// NodeProject means the preview needs node_modules installed first.
	NodeProject bool
	// LaunchArgs is appended after "npm run dev --"; {port} is substituted.
	LaunchArgs    []string
	ReadyPatterns []*regexp.Regexp
}

// Profile returns the table entry for t. It panics on an unknown type, which
// cannot be constructed outside Parse/UnmarshalText.
func (t Type) Profile() Profile {
	p, ok := profiles[t]
	if !ok {
		panic(fmt.Sprintf("framework: unknown type %q", string(t)))
	}
	return p
}

// DefaultTarget returns the file a generation writes to when none is given.
func (t Type) DefaultTarget() string {
	return t.Profile().DefaultTarget
}

const bootstrapInstruction = `Generate semantic HTML with Bootstrap 5.3.7 classes. DO NOT use React, Vue, or any JavaScript framework. Use only vanilla HTML and Bootstrap classes.
IMPORTANT: The HTML already includes Bootstrap 5.3.7 via CDN:
- CSS: https://cdn.jsdelivr.net/npm/bootstrap@5.3.7/dist/css/bootstrap.min.css
- JS: https://cdn.jsdelivr.net/npm/bootstrap@5.3.7/dist/js/bootstrap.bundle.min.js

Do not add these links again. Use Bootstrap 5.3.7 components, utilities, and grid system. Add custom CSS to css/style.css if needed. Use vanilla JavaScript in js/main.js for interactivity.`

var (
	viteReady = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bready in\b`),
		regexp.MustCompile(`(?i)local:\s+https?://`),
	}
	nextReady = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ready - started server`),
		regexp.MustCompile(`(?i)✓ ready\b`),
		regexp.MustCompile(`(?i)local:\s+https?://`),
	}
	staticReady = []*regexp.Regexp{
		regexp.MustCompile(`(?i)serving http on`),
	}
)

var profiles = map[Type]Profile{
	React: {
		Type:          React,
		Label:         "React",
		DefaultTarget: "src/App.jsx",
		Dirs:          []string{"src/components", "public"},
		Files: []string{
			"package.json", "vite.config.js", "index.html",
			"src/main.jsx", "src/App.jsx", "src/index.css", "src/App.css",
		},
		Instruction: "Generate a React component using modern React hooks (useState, useEffect, etc). " +
			"Use functional components, not class components. Include proper imports from 'react'. " +
			"Export the component as default.",
		NodeProject:   true,
		LaunchArgs:    []string{"--port", "{port}", "--strictPort"},
		ReadyPatterns: viteReady,
	},
	Vue: {
		Type:          Vue,
		Label:         "Vue",
		DefaultTarget: "src/App.vue",
		Dirs:          []string{"src/components", "public"},
		Files: []string{
			"package.json", "vite.config.js", "index.html",
			"src/main.js", "src/App.vue",
		},
		Instruction: "Generate a Vue 3 component using the Composition API with <script setup> syntax. " +
			"Include proper <template>, <script setup>, and <style> sections.",
		NodeProject:   true,
		LaunchArgs:    []string{"--port", "{port}", "--strictPort"},
		ReadyPatterns: viteReady,
	},
	NextJS: {
		Type:          NextJS,
		Label:         "Next.js",
		DefaultTarget: "app/page.js",
		Dirs:          []string{"components", "public"},
		Files: []string{
			"package.json", "next.config.js", "app/layout.js", "app/page.js",
		},
		Instruction: "Generate a Next.js App Router page in JavaScript (JSX). " +
			"Use Next.js specific features like next/link and next/image when appropriate. " +
			"Export the page component as default.",
		NodeProject:   true,
		LaunchArgs:    []string{"--port", "{port}"},
		ReadyPatterns: nextReady,
	},
	Bootstrap: {
		Type:          Bootstrap,
		Label:         "HTML/Bootstrap",
		DefaultTarget: "index.html",
		Dirs:          []string{"css", "js", "images"},
		Files:         []string{"index.html", "css/style.css", "js/main.js"},
		Instruction:   bootstrapInstruction,
		ReadyPatterns: staticReady,
	},
}

// DefaultStaticCommand serves a Bootstrap project.
var DefaultStaticCommand = []string{"python3", "-m", "http.server", "{port}", "--bind", "127.0.0.1"}

// LaunchCommand returns argv for the preview server of t on port. staticCmd
// overrides DefaultStaticCommand for Bootstrap projects when non-empty.
func (t Type) LaunchCommand(port int, staticCmd []string) []string {
	p := t.Profile()
	if !p.NodeProject {
		if len(staticCmd) == 0 {
			staticCmd = DefaultStaticCommand
		}
		return substitutePort(staticCmd, port)
	}
	argv := []string{"npm", "run", "dev", "--"}
	return append(argv, substitutePort(p.LaunchArgs, port)...)
}

// InstallCommand returns argv for installing dependencies, or nil when the
// type has none.
func (t Type) InstallCommand() []string {
	if !t.Profile().NodeProject {
		return nil
	}
	return []string{"npm", "install", "--no-audit", "--no-fund"}
}

// IsReadyLine reports whether line signals that the preview server is serving.
func (t Type) IsReadyLine(line string) bool {
	for _, re := range t.Profile().ReadyPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func substitutePort(args []string, port int) []string {
	out := make([]string, len(args))
	ps := strconv.Itoa(port)
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{port}", ps)
	}
	return out
}

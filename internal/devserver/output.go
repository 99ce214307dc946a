package devserver

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
)

// ansiPattern matches ANSI escape sequences
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// stripANSI removes ANSI escape sequences from text
func stripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// lineBuffer keeps the last max lines written to it. Carriage-return progress
// updates collapse to their final state. It is safe for concurrent writers.
type lineBuffer struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial []byte
	onLine  func(string)
}

func newLineBuffer(max int, onLine func(string)) *lineBuffer {
	if max <= 0 {
		max = 500
	}
	return &lineBuffer{max: max, onLine: onLine}
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial = append(b.partial, p...)
	var done []string
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		line := cleanLine(b.partial[:i])
		b.partial = b.partial[i+1:]
		b.push(line)
		done = append(done, line)
	}
	b.mu.Unlock()

	if b.onLine != nil {
		for _, l := range done {
			b.onLine(l)
		}
	}
	return len(p), nil
}

// Flush emits a trailing line that has no newline yet.
func (b *lineBuffer) Flush() {
	b.mu.Lock()
	if len(b.partial) == 0 {
		b.mu.Unlock()
		return
	}
	line := cleanLine(b.partial)
	b.partial = nil
	b.push(line)
	b.mu.Unlock()

	if b.onLine != nil {
		b.onLine(line)
	}
}

func (b *lineBuffer) push(line string) {
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Tail returns up to n of the most recent lines joined by newlines.
func (b *lineBuffer) Tail(n int) string {
	lines := b.Lines()
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func cleanLine(raw []byte) string {
	s := strings.TrimRight(string(raw), "\r")
	if i := strings.LastIndexByte(s, '\r'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimRight(stripANSI(s), " \t")
}

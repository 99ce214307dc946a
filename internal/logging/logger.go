// Package logging owns the process-wide slog logger. Output goes to a
// rotating file, to stderr, or both.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxAgeDays = 3
	DefaultMaxSizeMB  = 10
	maxBackups        = 5
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	File       string // empty disables file output
	MaxAgeDays int
	JSONOutput bool
	DevMode    bool // mirror to stderr even when a file is set
}

// DefaultConfig logs JSON at info level to ~/.snapcode/logs/snapcode.log
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Level:      "info",
		File:       filepath.Join(home, ".snapcode", "logs", "snapcode.log"),
		MaxAgeDays: DefaultMaxAgeDays,
		JSONOutput: true,
	}
}

// sink is the active logger and the file it writes to, swapped as a unit.
type sink struct {
	mu     sync.RWMutex
	logger *slog.Logger
	file   *lj.Logger
	cfg    Config
}

var active sink

// GetConfig returns the configuration of the last successful Init
func GetConfig() Config {
	active.mu.RLock()
	defer active.mu.RUnlock()
	return active.cfg
}

// ParseLevel maps a level name to slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	lvl, ok := lookupLevel(s)
	if !ok {
		return slog.LevelInfo
	}
	return lvl
}

func lookupLevel(s string) (slog.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	var lvl slog.Level
	switch s {
	case "debug", "info", "warn", "error":
		if err := lvl.UnmarshalText([]byte(s)); err == nil {
			return lvl, true
		}
	}
	return slog.LevelInfo, false
}

// Init replaces the global logger. A previously opened log file is closed.
func Init(cfg Config) error {
	var file *lj.Logger
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return err
		}
		if cfg.MaxAgeDays <= 0 {
			cfg.MaxAgeDays = DefaultMaxAgeDays
		}
		file = &lj.Logger{
			Filename:   cfg.File,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	var out io.Writer = os.Stderr
	if file != nil {
		out = file
		if cfg.DevMode {
			out = io.MultiWriter(file, os.Stderr)
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), ReplaceAttr: utcTime}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.JSONOutput {
		handler = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(handler)

	active.mu.Lock()
	prev := active.file
	active.logger, active.file, active.cfg = logger, file, cfg
	active.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	slog.SetDefault(logger)
	return nil
}

// utcTime renders record times as RFC 3339 in UTC
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
	}
	return a
}

// Close flushes and closes the log file. Later records go to stderr.
func Close() error {
	active.mu.Lock()
	file := active.file
	active.file = nil
	if file != nil {
		active.logger = nil
	}
	active.mu.Unlock()
	if file == nil {
		return nil
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return file.Close()
}

// Logger returns the global logger, or slog's default before Init
func Logger() *slog.Logger {
	active.mu.RLock()
	defer active.mu.RUnlock()
	if active.logger == nil {
		return slog.Default()
	}
	return active.logger
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger().Warn(msg, args...) }
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// WithComponent tags records with the subsystem that wrote them
func WithComponent(name string) *slog.Logger {
	return Logger().With("component", name)
}

// MaskPath replaces the home directory prefix with ~
func MaskPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || home == "/" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, home); ok {
		return "~" + rest
	}
	return path
}

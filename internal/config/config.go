package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is bumped when the file layout changes incompatibly.
const CurrentVersion = 1

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RequireToken enables bearer auth on the API; the token itself lives in the keyring.
	RequireToken bool `yaml:"require_token"`
}

type ModelConfig struct {
	BaseURL     string  `yaml:"base_url"`
	ModelID     string  `yaml:"model_id"`
	TimeoutMs   int     `yaml:"timeout_ms"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	// ServerCommand, when set, is spawned on Load and killed on Unload.
	ServerCommand []string `yaml:"server_command"`
	GPUDevice     string   `yaml:"gpu_device"`
}

type DevServerConfig struct {
	PortStart      int      `yaml:"port_start"`
	PortEnd        int      `yaml:"port_end"`
	ReadyTimeoutMs int      `yaml:"ready_timeout_ms"`
	StopGraceMs    int      `yaml:"stop_grace_ms"`
	OutputLines    int      `yaml:"output_lines"`
	Runtime        string   `yaml:"runtime"` // "process" | "docker"
	NodeImage      string   `yaml:"node_image"`
	StaticImage    string   `yaml:"static_image"`
	StaticCommand  []string `yaml:"static_command"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // "json" | "text"
	File    string `yaml:"file"`
	MaxAge  int    `yaml:"max_age_days"`
	Console bool   `yaml:"console"`
}

type AppConfig struct {
	ConfigVersion int             `yaml:"config_version"`
	Workspace     WorkspaceConfig `yaml:"workspace"`
	Server        ServerConfig    `yaml:"server"`
	Model         ModelConfig     `yaml:"model"`
	DevServer     DevServerConfig `yaml:"devserver"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: CurrentVersion,
		Workspace:     WorkspaceConfig{Root: "workspace"},
		Server:        ServerConfig{Host: "127.0.0.1", Port: 7860},
		Model: ModelConfig{
			BaseURL:     "http://127.0.0.1:8000",
			ModelID:     "mistralai/Devstral-Small-2507",
			TimeoutMs:   300000,
			MaxTokens:   2000,
			Temperature: 0.7,
			TopP:        0.95,
		},
		DevServer: DevServerConfig{
			PortStart:      3000,
			PortEnd:        3100,
			ReadyTimeoutMs: 30000,
			StopGraceMs:    5000,
			OutputLines:    500,
			Runtime:        "process",
			NodeImage:      "node:20-alpine",
			StaticImage:    "python:3.12-alpine",
		},
		Logging: LoggingConfig{Level: "info", Format: "json", MaxAge: 3},
	}
}

// Env var names used as overrides.
const (
	EnvConfigPath = "SNAPCODE_CONFIG"
	EnvPort       = "SNAPCODE_PORT"
	EnvGPU        = "SNAPCODE_GPU"
	EnvWorkspace  = "SNAPCODE_WORKSPACE"
	EnvModelURL   = "SNAPCODE_MODEL_URL"
	EnvModelID    = "SNAPCODE_MODEL_ID"
	EnvModelToken = "SNAPCODE_MODEL_TOKEN"
	EnvDevRuntime = "SNAPCODE_DEV_RUNTIME"
	EnvLogLevel   = "SNAPCODE_LOG_LEVEL"
	EnvLogFormat  = "SNAPCODE_LOG_FORMAT"
	EnvLogFile    = "SNAPCODE_LOG_FILE"
)

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "snapcode")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "snapcode")
	default:
		base = filepath.Join(os.Getenv("HOME"), ".config", "snapcode")
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults and environment
// overrides, and fetches the model API token from the keyring or the environment.
func Load() (AppConfig, string, error) {
	path, err := ConfigPath()
	if err != nil {
		return Defaults(), "", err
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit file path.
func LoadFrom(path string) (AppConfig, string, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, "", fmt.Errorf("parse %s: %w", path, err)
		}
		mergeInto(&cfg, &fileCfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, "", fmt.Errorf("read %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, ModelToken(), nil
}

// Save writes the user config YAML.
func Save(cfg AppConfig) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes cfg to path, creating parent directories.
func SaveTo(path string, cfg AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if s := strings.TrimSpace(src.Workspace.Root); s != "" {
		dst.Workspace.Root = s
	}

	if s := strings.TrimSpace(src.Server.Host); s != "" {
		dst.Server.Host = s
	}
	if src.Server.Port != 0 {
		dst.Server.Port = src.Server.Port
	}
	dst.Server.RequireToken = src.Server.RequireToken

	if s := strings.TrimSpace(src.Model.BaseURL); s != "" {
		dst.Model.BaseURL = strings.TrimRight(s, "/")
	}
	if s := strings.TrimSpace(src.Model.ModelID); s != "" {
		dst.Model.ModelID = s
	}
	if src.Model.TimeoutMs != 0 {
		dst.Model.TimeoutMs = src.Model.TimeoutMs
	}
	if src.Model.MaxTokens != 0 {
		dst.Model.MaxTokens = src.Model.MaxTokens
	}
	if src.Model.Temperature != 0 {
		dst.Model.Temperature = src.Model.Temperature
	}
	if src.Model.TopP != 0 {
		dst.Model.TopP = src.Model.TopP
	}
	if len(src.Model.ServerCommand) > 0 {
		dst.Model.ServerCommand = src.Model.ServerCommand
	}
	if s := strings.TrimSpace(src.Model.GPUDevice); s != "" {
		dst.Model.GPUDevice = s
	}

	if src.DevServer.PortStart != 0 {
		dst.DevServer.PortStart = src.DevServer.PortStart
	}
	if src.DevServer.PortEnd != 0 {
		dst.DevServer.PortEnd = src.DevServer.PortEnd
	}
	if src.DevServer.ReadyTimeoutMs != 0 {
		dst.DevServer.ReadyTimeoutMs = src.DevServer.ReadyTimeoutMs
	}
	if src.DevServer.StopGraceMs != 0 {
		dst.DevServer.StopGraceMs = src.DevServer.StopGraceMs
	}
	if src.DevServer.OutputLines != 0 {
		dst.DevServer.OutputLines = src.DevServer.OutputLines
	}
	if s := strings.TrimSpace(src.DevServer.Runtime); s != "" {
		dst.DevServer.Runtime = strings.ToLower(s)
	}
	if s := strings.TrimSpace(src.DevServer.NodeImage); s != "" {
		dst.DevServer.NodeImage = s
	}
	if s := strings.TrimSpace(src.DevServer.StaticImage); s != "" {
		dst.DevServer.StaticImage = s
	}
	if len(src.DevServer.StaticCommand) > 0 {
		dst.DevServer.StaticCommand = src.DevServer.StaticCommand
	}

	if s := strings.TrimSpace(src.Logging.Level); s != "" {
		dst.Logging.Level = strings.ToLower(s)
	}
	if s := strings.TrimSpace(src.Logging.Format); s != "" {
		dst.Logging.Format = strings.ToLower(s)
	}
	if s := strings.TrimSpace(src.Logging.File); s != "" {
		dst.Logging.File = s
	}
	if src.Logging.MaxAge != 0 {
		dst.Logging.MaxAge = src.Logging.MaxAge
	}
	dst.Logging.Console = src.Logging.Console
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvGPU)); v != "" {
		cfg.Model.GPUDevice = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkspace)); v != "" {
		cfg.Workspace.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvModelURL)); v != "" {
		cfg.Model.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv(EnvModelID)); v != "" {
		cfg.Model.ModelID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDevRuntime)); v != "" {
		cfg.DevServer.Runtime = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by the environment.
func EnvOverrideFor(key string) (string, bool) {
	names := map[string]string{
		"server.port":       EnvPort,
		"model.gpu_device":  EnvGPU,
		"workspace.root":    EnvWorkspace,
		"model.base_url":    EnvModelURL,
		"model.model_id":    EnvModelID,
		"devserver.runtime": EnvDevRuntime,
		"logging.level":     EnvLogLevel,
		"logging.format":    EnvLogFormat,
		"logging.file":      EnvLogFile,
	}
	env, ok := names[key]
	if !ok || os.Getenv(env) == "" {
		return "", false
	}
	return env, true
}

// ValidationError holds validation warnings for values that were reset to defaults
type ValidationError struct {
	Warnings []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Warnings, "; ")
}

func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Validate fixes invalid values in place and returns warnings describing what changed
func (c *AppConfig) Validate() *ValidationError {
	var warnings []string
	def := Defaults()

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		warnings = append(warnings, fmt.Sprintf("invalid server port %d, using default %d", c.Server.Port, def.Server.Port))
		c.Server.Port = def.Server.Port
	}

	if c.Model.BaseURL == "" {
		warnings = append(warnings, "model base_url is empty, using default "+def.Model.BaseURL)
		c.Model.BaseURL = def.Model.BaseURL
	}
	if c.Model.MaxTokens <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid max_tokens %d, using default %d", c.Model.MaxTokens, def.Model.MaxTokens))
		c.Model.MaxTokens = def.Model.MaxTokens
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		warnings = append(warnings, fmt.Sprintf("invalid temperature %.2f (must be 0-2), using default %.2f", c.Model.Temperature, def.Model.Temperature))
		c.Model.Temperature = def.Model.Temperature
	}
	if c.Model.TopP <= 0 || c.Model.TopP > 1 {
		warnings = append(warnings, fmt.Sprintf("invalid top_p %.2f (must be 0-1), using default %.2f", c.Model.TopP, def.Model.TopP))
		c.Model.TopP = def.Model.TopP
	}
	if c.Model.TimeoutMs <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid model timeout %dms, using default %dms", c.Model.TimeoutMs, def.Model.TimeoutMs))
		c.Model.TimeoutMs = def.Model.TimeoutMs
	}

	if c.DevServer.PortStart < 1024 || c.DevServer.PortEnd > 65536 || c.DevServer.PortStart >= c.DevServer.PortEnd {
		warnings = append(warnings, fmt.Sprintf("invalid dev server port range [%d, %d), using default [%d, %d)",
			c.DevServer.PortStart, c.DevServer.PortEnd, def.DevServer.PortStart, def.DevServer.PortEnd))
		c.DevServer.PortStart = def.DevServer.PortStart
		c.DevServer.PortEnd = def.DevServer.PortEnd
	}
	if c.DevServer.ReadyTimeoutMs <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid ready timeout %dms, using default %dms", c.DevServer.ReadyTimeoutMs, def.DevServer.ReadyTimeoutMs))
		c.DevServer.ReadyTimeoutMs = def.DevServer.ReadyTimeoutMs
	}
	if c.DevServer.StopGraceMs <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid stop grace %dms, using default %dms", c.DevServer.StopGraceMs, def.DevServer.StopGraceMs))
		c.DevServer.StopGraceMs = def.DevServer.StopGraceMs
	}
	if c.DevServer.OutputLines <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid output buffer size %d, using default %d", c.DevServer.OutputLines, def.DevServer.OutputLines))
		c.DevServer.OutputLines = def.DevServer.OutputLines
	}
	if c.DevServer.Runtime != "process" && c.DevServer.Runtime != "docker" {
		warnings = append(warnings, fmt.Sprintf("invalid dev server runtime '%s', using default 'process'", c.DevServer.Runtime))
		c.DevServer.Runtime = "process"
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		warnings = append(warnings, fmt.Sprintf("invalid log format '%s', using default 'json'", c.Logging.Format))
		c.Logging.Format = "json"
	}

	if len(warnings) > 0 {
		return &ValidationError{Warnings: warnings}
	}
	return nil
}

// ModelTimeout returns the inference timeout as a duration.
func (m ModelConfig) ModelTimeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// ReadyTimeout returns how long a dev server may take to print a ready line.
func (d DevServerConfig) ReadyTimeout() time.Duration {
	return time.Duration(d.ReadyTimeoutMs) * time.Millisecond
}

// StopGrace returns the wait between SIGTERM and SIGKILL.
func (d DevServerConfig) StopGrace() time.Duration {
	return time.Duration(d.StopGraceMs) * time.Millisecond
}

// Addr returns host:port for the API listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

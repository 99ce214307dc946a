package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

type memStore map[string]string

func (m memStore) Get(service, key string) (string, error) {
	v, ok := m[service+"/"+key]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (m memStore) Set(service, key, value string) error {
	m[service+"/"+key] = value
	return nil
}

func (m memStore) Delete(service, key string) error {
	if _, ok := m[service+"/"+key]; !ok {
		return keyring.ErrNotFound
	}
	delete(m, service+"/"+key)
	return nil
}

func useMemStore(t *testing.T) memStore {
	t.Helper()
	store := memStore{}
	prev := SetTokenStore(store)
	t.Cleanup(func() { SetTokenStore(prev) })
	return store
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	useMemStore(t)
	t.Setenv(EnvModelToken, "")

	cfg, tok, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Empty(t, tok)
}

func TestLoadMergesFile(t *testing.T) {
	useMemStore(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace:
  root: /srv/snapcode
model:
  base_url: http://gpu-box:9000/
  max_tokens: 4096
devserver:
  runtime: Docker
  port_start: 4000
  port_end: 4010
`), 0o600))

	cfg, _, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/snapcode", cfg.Workspace.Root)
	assert.Equal(t, "http://gpu-box:9000", cfg.Model.BaseURL)
	assert.Equal(t, 4096, cfg.Model.MaxTokens)
	assert.Equal(t, 0.7, cfg.Model.Temperature)
	assert.Equal(t, "docker", cfg.DevServer.Runtime)
	assert.Equal(t, 4000, cfg.DevServer.PortStart)
	assert.Equal(t, 4010, cfg.DevServer.PortEnd)
	assert.Equal(t, 7860, cfg.Server.Port)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	useMemStore(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o600))

	_, _, err := LoadFrom(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	useMemStore(t)
	t.Setenv(EnvPort, "9999")
	t.Setenv(EnvGPU, "1")
	t.Setenv(EnvWorkspace, "/tmp/ws")
	t.Setenv(EnvModelURL, "http://override:1234/")
	t.Setenv(EnvModelID, "local-model")
	t.Setenv(EnvDevRuntime, "DOCKER")
	t.Setenv(EnvLogLevel, "DEBUG")
	t.Setenv(EnvLogFormat, "text")
	t.Setenv(EnvLogFile, "/tmp/snapcode.log")
	t.Setenv(EnvModelToken, "hf_env")

	cfg, tok, err := LoadFrom(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "1", cfg.Model.GPUDevice)
	assert.Equal(t, "/tmp/ws", cfg.Workspace.Root)
	assert.Equal(t, "http://override:1234", cfg.Model.BaseURL)
	assert.Equal(t, "local-model", cfg.Model.ModelID)
	assert.Equal(t, "docker", cfg.DevServer.Runtime)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/tmp/snapcode.log", cfg.Logging.File)
	assert.Equal(t, "hf_env", tok)

	env, ok := EnvOverrideFor("server.port")
	assert.True(t, ok)
	assert.Equal(t, EnvPort, env)
	_, ok = EnvOverrideFor("server.host")
	assert.False(t, ok)
}

func TestSaveRoundTrip(t *testing.T) {
	useMemStore(t)
	t.Setenv(EnvModelToken, "")
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Defaults()
	cfg.Server.Port = 8123
	cfg.Model.ServerCommand = []string{"vllm", "serve", "model"}
	require.NoError(t, SaveTo(path, cfg))

	got, _, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Model.TopP = 1.5
	cfg.DevServer.PortStart = 5000
	cfg.DevServer.PortEnd = 4000
	cfg.DevServer.Runtime = "podman"

	verr := cfg.Validate()
	require.NotNil(t, verr)
	assert.True(t, verr.HasWarnings())
	assert.Len(t, verr.Warnings, 4)
	assert.Equal(t, Defaults(), cfg)
}

func TestValidateCleanConfig(t *testing.T) {
	cfg := Defaults()
	assert.Nil(t, cfg.Validate())
}

func TestTokens(t *testing.T) {
	store := useMemStore(t)
	t.Setenv(EnvModelToken, "")

	assert.Empty(t, ModelToken())
	require.NoError(t, SetModelToken("hf_saved"))
	require.NoError(t, SetAPIToken("api-secret"))
	assert.Equal(t, "hf_saved", ModelToken())
	assert.Equal(t, "api-secret", APIToken())

	t.Setenv(EnvModelToken, "hf_env")
	assert.Equal(t, "hf_env", ModelToken())

	require.NoError(t, ClearTokens())
	assert.Empty(t, store)
	require.NoError(t, ClearTokens())
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"snapcode/internal/config"
	"snapcode/internal/devserver"
	"snapcode/internal/errs"
	"snapcode/internal/generator"
	"snapcode/internal/index"
	"snapcode/internal/workspace"
)

const testModelID = "test-model"

// newModelServer serves the two inference endpoints the client uses
func newModelServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprintf(w, `{"data":[{"id":%q}]}`, testModelID)
		case "/v1/chat/completions":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]string{"content": reply}, "finish_reason": "stop"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, modelURL string) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Workspace.Root = filepath.Join(dir, "workspace")
	cfg.Logging.File = filepath.Join(dir, "logs", "snapcode.log")
	cfg.Model.BaseURL = modelURL
	cfg.Model.ModelID = testModelID
	cfg.DevServer.Runtime = devserver.RuntimeProcess
	return cfg
}

func newTestApp(t *testing.T, reply string) *App {
	t.Helper()
	srv := newModelServer(t, reply)
	app := NewApp(testConfig(t, srv.URL), "")
	require.NoError(t, app.startup(context.Background()))
	t.Cleanup(func() { app.shutdown(context.Background()) })
	return app
}

func writePNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	path := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestApp_ProjectActions(t *testing.T) {
	app := newTestApp(t, "")

	r := app.CreateProject("landing", "react")
	require.True(t, r.OK, r.Message)
	assert.Contains(t, r.Message, "landing")

	r = app.CreateProject("landing", "react")
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, errs.ErrAlreadyExists)

	r = app.CreateProject("other", "svelte")
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, errs.ErrInvalidFrameworkType)

	r = app.ListProjects()
	require.True(t, r.OK)
	list := r.Data.([]workspace.Summary)
	require.Len(t, list, 1)
	assert.Equal(t, "landing", list[0].Name)

	r = app.OpenProject("landing")
	require.True(t, r.OK)
	assert.Equal(t, "landing", r.Data.(*workspace.Metadata).Name)

	r = app.OpenProject("missing")
	assert.False(t, r.OK)
	assert.Contains(t, r.Message, "project not found")

	r = app.ProjectTree("landing")
	require.True(t, r.OK)
	assert.Contains(t, r.Data.(string), "package.json")
}

func TestApp_GenerateRequiresLoadedModel(t *testing.T) {
	app := newTestApp(t, "```html\n<p>hi</p>\n```")
	require.True(t, app.CreateProject("site", "html").OK)

	r := app.GenerateFromFile(context.Background(), "site", writePNG(t), "", "", true)
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, errs.ErrModelNotLoaded)
	assert.Contains(t, r.Message, "load it first")
}

func TestApp_GenerateWritesAndRecords(t *testing.T) {
	app := newTestApp(t, "Here you go:\n```html\n<main>Hello</main>\n```\n")
	ctx := context.Background()
	require.True(t, app.CreateProject("site", "html").OK)

	r := app.LoadModel(ctx)
	require.True(t, r.OK, r.Message)
	assert.True(t, app.ModelStatus().OK)

	r = app.GenerateFromFile(ctx, "site", writePNG(t), "", "make it blue", true)
	require.True(t, r.OK, r.Message)
	res := r.Data.(*generator.Result)
	assert.Equal(t, "<main>Hello</main>\n", res.Code)

	dir, err := app.workspace.Path("site")
	require.NoError(t, err)
	written, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(res.Target)))
	require.NoError(t, err)
	assert.Equal(t, res.Code, string(written))

	r = app.SearchHistory(ctx, index.Query{Project: "site", Text: "make it blue"})
	require.True(t, r.OK, r.Message)
	require.Len(t, r.Data.([]index.Entry), 1)

	r = app.RebuildHistory(ctx)
	require.True(t, r.OK, r.Message)
	assert.Equal(t, 1, r.Data)

	r = app.UnloadModel(ctx)
	require.True(t, r.OK)
}

func TestApp_GenerateBadImage(t *testing.T) {
	app := newTestApp(t, "")
	require.True(t, app.CreateProject("site", "html").OK)

	r := app.GenerateFromFile(context.Background(), "site", filepath.Join(t.TempDir(), "missing.png"), "", "", false)
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, errs.ErrInvalidImage)
}

func TestApp_PreviewStatusWithoutStart(t *testing.T) {
	app := newTestApp(t, "")

	r := app.PreviewStatus("nothing")
	require.True(t, r.OK)
	assert.Equal(t, devserver.StateStopped, r.Data.(devserver.Info).State)

	assert.True(t, app.StopPreview("nothing").OK)

	r = app.StartPreview(context.Background(), "nothing")
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, errs.ErrProjectNotFound)
}

func TestApp_EventsReachListeners(t *testing.T) {
	app := newTestApp(t, "")

	var names []string
	app.OnEvent(func(name string, data any) { names = append(names, name) })
	require.True(t, app.CreateProject("evented", "vue").OK)

	assert.Contains(t, names, workspace.EventProjectCreated)
}

func TestApp_StartServerWithToken(t *testing.T) {
	keyring.MockInit()
	srv := newModelServer(t, "")
	cfg := testConfig(t, srv.URL)
	cfg.Server.Port = freePort(t)
	cfg.Server.RequireToken = true

	app := NewApp(cfg, "")
	require.NoError(t, app.startup(context.Background()))
	t.Cleanup(func() { app.shutdown(context.Background()) })

	r := app.StartServer()
	require.True(t, r.OK, r.Message)
	data := r.Data.(map[string]string)
	require.Len(t, data["token"], 64)
	assert.Equal(t, data["token"], config.APIToken())

	resp, err := http.Get(data["url"] + "/api/projects")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, data["url"]+"/api/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+data["token"])
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func freePort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	var port int
	_, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":")+1:], "%d", &port)
	require.NoError(t, err)
	return port
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errs.ErrModelBusy, "busy"},
		{errs.ErrNoPortAvailable, "stop another preview"},
		{errs.ErrMultiFileResponse, "single file"},
		{fmt.Errorf("%w: disk full", errs.ErrFileWriteFailed), "disk full"},
	}
	for _, tt := range tests {
		assert.Contains(t, userMessage(tt.err), tt.want)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapcode/internal/devserver"
	"snapcode/internal/errs"
	"snapcode/internal/framework"
	"snapcode/internal/generator"
	"snapcode/internal/index"
	"snapcode/internal/model"
	"snapcode/internal/workspace"
)

type fakeGenerator struct {
	req generator.Request
	res *generator.Result
	err error
}

func (f *fakeGenerator) Generate(_ context.Context, req generator.Request) (*generator.Result, error) {
	f.req = req
	return f.res, f.err
}

type fakeDev struct {
	mu      sync.Mutex
	started []devserver.Project
	err     error
}

func (f *fakeDev) Start(_ context.Context, p devserver.Project) (devserver.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, p)
	if f.err != nil {
		return devserver.Info{Project: p.Name, State: devserver.StateFailed}, f.err
	}
	return devserver.Info{Project: p.Name, State: devserver.StateRunning, Port: 3000}, nil
}

func (f *fakeDev) Stop(string) error { return nil }

func (f *fakeDev) Status(project string) devserver.Info {
	return devserver.Info{Project: project, State: devserver.StateStopped}
}

func (f *fakeDev) List() []devserver.Info { return nil }

type fakeModel struct {
	loaded bool
	err    error
}

func (f *fakeModel) Load(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.loaded = true
	return nil
}

func (f *fakeModel) Unload(context.Context) error {
	f.loaded = false
	return nil
}

func (f *fakeModel) Status() model.Info {
	if f.loaded {
		return model.Info{State: model.StateReady}
	}
	return model.Info{State: model.StateUnloaded}
}

type fakeHistory struct{ q index.Query }

func (f *fakeHistory) Search(_ context.Context, q index.Query) ([]index.Entry, error) {
	f.q = q
	return []index.Entry{{ID: "g1", Project: "shop"}}, nil
}

type testEnv struct {
	srv   *Server
	ws    *workspace.Manager
	gen   *fakeGenerator
	dev   *fakeDev
	model *fakeModel
	hist  *fakeHistory
}

func newEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	env := &testEnv{
		ws:    ws,
		gen:   &fakeGenerator{},
		dev:   &fakeDev{},
		model: &fakeModel{},
		hist:  &fakeHistory{},
	}
	env.srv = New(Deps{Workspace: ws, Generator: env.gen, Dev: env.dev, Model: env.model, History: env.hist}, token)
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestProjectEndpoints(t *testing.T) {
	env := newEnv(t, "")

	rec, resp := env.do(t, http.MethodPost, "/api/projects", map[string]string{"name": "shop", "type": "next.js"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "success", resp.Status)

	rec, resp = env.do(t, http.MethodPost, "/api/projects", map[string]string{"name": "shop", "type": "react"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, errs.ErrAlreadyExists.Error())

	rec, _ = env.do(t, http.MethodPost, "/api/projects", map[string]string{"name": "x", "type": "svelte"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/projects", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = env.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)

	rec, resp = env.do(t, http.MethodGet, "/api/projects/shop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nextjs", resp.Data.(map[string]any)["type"])

	rec, _ = env.do(t, http.MethodGet, "/api/projects/shop/tree", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/projects/shop/generations/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func multipartGenerate(t *testing.T, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if image != nil {
		fw, err := w.CreateFormFile("image", "shot.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/projects/shop/generate", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestGenerateEndpoint(t *testing.T) {
	env := newEnv(t, "")
	env.gen.res = &generator.Result{Project: "shop", Target: "src/App.jsx", Code: "x\n"}

	req := multipartGenerate(t, map[string]string{"target": "src/App.jsx", "instruction": "dark", "save_screenshot": "false"}, []byte("png-bytes"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "shop", env.gen.req.Project)
	assert.Equal(t, "src/App.jsx", env.gen.req.Target)
	assert.Equal(t, "dark", env.gen.req.Instruction)
	assert.False(t, env.gen.req.SaveScreenshot)
	assert.Equal(t, []byte("png-bytes"), env.gen.req.Image)
}

func TestGenerateErrorCarriesResult(t *testing.T) {
	env := newEnv(t, "")
	env.gen.res = &generator.Result{Raw: "```a```\n```b```"}
	env.gen.err = errs.ErrMultiFileResponse

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, multipartGenerate(t, nil, []byte("img")))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "```a```\n```b```", resp.Data.(map[string]any)["raw"])
}

func TestGenerateMissingImage(t *testing.T) {
	env := newEnv(t, "")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, multipartGenerate(t, map[string]string{"target": "x"}, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestModelNotLoadedMapsToConflict(t *testing.T) {
	env := newEnv(t, "")
	env.gen.err = errs.ErrModelNotLoaded

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, multipartGenerate(t, nil, []byte("img")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, resp := env.do(t, http.MethodPost, "/api/model/load", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", resp.Data.(map[string]any)["state"])

	rec, resp = env.do(t, http.MethodPost, "/api/model/unload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unloaded", resp.Data.(map[string]any)["state"])

	env.model.err = errs.ErrModelFailed
	rec, _ = env.do(t, http.MethodPost, "/api/model/load", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDevEndpoints(t *testing.T) {
	env := newEnv(t, "")
	_, err := env.ws.Create("shop", framework.Vue)
	require.NoError(t, err)

	rec, resp := env.do(t, http.MethodPost, "/api/projects/shop/dev/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "running", resp.Data.(map[string]any)["state"])
	require.Len(t, env.dev.started, 1)
	assert.Equal(t, framework.Vue, env.dev.started[0].Type)
	assert.NotEmpty(t, env.dev.started[0].Dir)

	rec, _ = env.do(t, http.MethodPost, "/api/projects/shop/dev/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.dev.err = errs.ErrNoPortAvailable
	rec, _ = env.do(t, http.MethodPost, "/api/projects/shop/dev/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/projects/ghost/dev/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newEnv(t, "")
	rec, resp := env.do(t, http.MethodGet, "/api/history?project=shop&q=navbar&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, index.Query{Project: "shop", Text: "navbar", Limit: 5}, env.hist.q)
	assert.Len(t, resp.Data.([]any), 1)

	rec, _ = env.do(t, http.MethodGet, "/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientLogEndpoint(t *testing.T) {
	env := newEnv(t, "")
	rec, _ := env.do(t, http.MethodPost, "/api/log", map[string]any{"level": "info", "module": "ui", "message": "clicked"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/log", map[string]any{"level": "info"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	env := newEnv(t, "s3cret")

	rec, _ := env.do(t, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/projects?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthLockout(t *testing.T) {
	env := newEnv(t, "s3cret")
	for i := 0; i < maxAuthAttempts; i++ {
		env.do(t, http.MethodGet, "/api/projects?token=wrong", nil)
	}
	rec, _ := env.do(t, http.MethodGet, "/api/projects?token=s3cret", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:7860", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(req), tt.origin)
	}
}

func TestEventStream(t *testing.T) {
	env := newEnv(t, "")
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Event
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)

	env.srv.Broadcast(devserver.EventOutput, devserver.OutputLine{Project: "shop", Line: "ready"})
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, devserver.EventOutput, ev.Type)
	assert.Equal(t, "ready", ev.Data.(map[string]any)["line"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong Event
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
	assert.Len(t, env.srv.Subscribers(), 1)
}

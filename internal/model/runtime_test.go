package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapcode/internal/errs"
)

type fakeBackend struct {
	mu       sync.Mutex
	pingErr  error
	reply    string
	err      error
	release  chan struct{}
	started  chan struct{}
	requests []Request
}

func (f *fakeBackend) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBackend) Complete(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func TestGenerateBeforeLoad(t *testing.T) {
	r := NewRuntime(&fakeBackend{reply: "x"}, Options{})

	_, err := r.Generate(context.Background(), "p", nil)
	require.ErrorIs(t, err, errs.ErrModelNotLoaded)
	assert.Equal(t, StateUnloaded, r.Status().State)
}

func TestLoadGenerateUnload(t *testing.T) {
	fb := &fakeBackend{reply: "<div/>"}
	r := NewRuntime(fb, Options{ModelID: "m", MaxTokens: 2000, Temperature: 0.7, TopP: 0.95})
	ctx := context.Background()

	require.NoError(t, r.Load(ctx))
	require.NoError(t, r.Load(ctx))
	assert.Equal(t, StateReady, r.Status().State)

	out, err := r.Generate(ctx, "prompt", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "<div/>", out)
	require.Len(t, fb.requests, 1)
	assert.Equal(t, 2000, fb.requests[0].MaxTokens)
	assert.Equal(t, 0.95, fb.requests[0].TopP)
	assert.Equal(t, 1, r.Status().Requests)

	require.NoError(t, r.Unload(ctx))
	_, err = r.Generate(ctx, "prompt", nil)
	require.ErrorIs(t, err, errs.ErrModelNotLoaded)
}

func TestLoadFailsWhenBackendDown(t *testing.T) {
	r := NewRuntime(&fakeBackend{pingErr: errors.New("connection refused")}, Options{})

	err := r.Load(context.Background())
	require.ErrorIs(t, err, errs.ErrModelFailed)
	info := r.Status()
	assert.Equal(t, StateUnloaded, info.State)
	assert.Contains(t, info.LastError, "connection refused")
}

func TestConcurrentGenerateIsRejected(t *testing.T) {
	fb := &fakeBackend{reply: "ok", release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := NewRuntime(fb, Options{})
	ctx := context.Background()
	require.NoError(t, r.Load(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := r.Generate(ctx, "first", nil)
		done <- err
	}()
	<-fb.started
	assert.Equal(t, StateBusy, r.Status().State)

	_, err := r.Generate(ctx, "second", nil)
	require.ErrorIs(t, err, errs.ErrModelBusy)

	close(fb.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, r.Status().State)
}

func TestGenerateWrapsBackendError(t *testing.T) {
	r := NewRuntime(&fakeBackend{err: errors.New("CUDA out of memory")}, Options{})
	require.NoError(t, r.Load(context.Background()))

	_, err := r.Generate(context.Background(), "p", nil)
	require.ErrorIs(t, err, errs.ErrModelFailed)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestGenerateTimeout(t *testing.T) {
	fb := &fakeBackend{release: make(chan struct{})}
	r := NewRuntime(fb, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, r.Load(context.Background()))

	_, err := r.Generate(context.Background(), "p", nil)
	require.ErrorIs(t, err, errs.ErrModelFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnloadWaitsForInflight(t *testing.T) {
	fb := &fakeBackend{reply: "ok", release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := NewRuntime(fb, Options{})
	ctx := context.Background()
	require.NoError(t, r.Load(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := r.Generate(ctx, "p", nil)
		done <- err
	}()
	<-fb.started

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Unload(short), context.DeadlineExceeded)
	assert.True(t, r.Loaded())

	close(fb.release)
	require.NoError(t, <-done)
	require.NoError(t, r.Unload(ctx))
	assert.False(t, r.Loaded())
}

func TestClientAgainstOpenAICompatibleServer(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		switch req.URL.Path {
		case "/v1/models":
			_, _ = w.Write([]byte(`{"data":[{"id":"other"},{"id":"devstral"}]}`))
		case "/v1/chat/completions":
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + "```html\\n<p>hi</p>\\n```" + `"}}]}`))
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "devstral", "secret", time.Second)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	out, err := c.Complete(ctx, Request{Prompt: "make it", Image: []byte{1, 2, 3}, MaxTokens: 2000, Temperature: 0.7, TopP: 0.95})
	require.NoError(t, err)
	assert.Equal(t, "```html\n<p>hi</p>\n```", out)

	assert.Equal(t, "devstral", got.Model)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "make it", got.Messages[0].Content[0].Text)
	assert.True(t, strings.HasPrefix(got.Messages[0].Content[1].ImageURL.URL, "data:image/png;base64,AQID"))
	assert.Equal(t, 2000, got.MaxTokens)
}

func TestClientPingMissingModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"llama"}]}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "devstral", "", time.Second).Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llama")
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "", time.Second).Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

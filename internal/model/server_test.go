package model

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServerOutputIsLogged(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := startServer([]string{"sh", "-c", "echo loading weights"}, "", logger)
	require.NoError(t, err)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit")
	}
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "loading weights")
	}, time.Second, 10*time.Millisecond)
}

func TestServerWithOverlongLineStillExits(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A 2 MiB line overflows the scanner; the rest must still be consumed.
	script := `head -c 2097152 /dev/zero | tr '\0' x; echo; head -c 1048576 /dev/zero; echo done`
	s, err := startServer([]string{"sh", "-c", script}, "", logger)
	require.NoError(t, err)

	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.stop(time.Second)
		t.Fatal("server blocked writing output")
	}
	done, err := s.exited()
	assert.True(t, done)
	assert.NoError(t, err)
}

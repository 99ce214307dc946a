package devserver

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapcode/internal/errs"
	"snapcode/internal/framework"
)

func TestLineBuffer(t *testing.T) {
	var seen []string
	b := newLineBuffer(3, func(l string) { seen = append(seen, l) })

	_, _ = b.Write([]byte("one\ntw"))
	_, _ = b.Write([]byte("o\r\n\x1b[1mthree\x1b[0m\n"))
	_, _ = b.Write([]byte("10%\r50%\r100%\nfive"))
	assert.Equal(t, []string{"two", "three", "100%"}, b.Lines())

	b.Flush()
	assert.Equal(t, []string{"three", "100%", "five"}, b.Lines())
	assert.Equal(t, []string{"one", "two", "three", "100%", "five"}, seen)
	assert.Equal(t, "100%\nfive", b.Tail(2))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "ready in 300 ms", stripANSI("\x1b[32mready\x1b[39m in \x1b[1m300\x1b[22m ms"))
	assert.Equal(t, "plain", stripANSI("plain"))
	assert.Equal(t, "x", stripANSI("\x1b[?25lx"))
}

func TestPortPool(t *testing.T) {
	p := newPortPool(5000, 5003)
	p.canBind = func(port int) bool { return port != 5001 }

	a, err := p.Reserve("a")
	require.NoError(t, err)
	b, err := p.Reserve("b")
	require.NoError(t, err)
	assert.Equal(t, 5000, a)
	assert.Equal(t, 5002, b)

	_, err = p.Reserve("c")
	require.ErrorIs(t, err, errs.ErrNoPortAvailable)

	p.Release(a, "someone-else")
	assert.Equal(t, 2, p.inUse())
	p.Release(a, "a")
	c, err := p.Reserve("c")
	require.NoError(t, err)
	assert.Equal(t, 5000, c)
}

func TestContainerCommand(t *testing.T) {
	tests := []struct {
		typ  framework.Type
		cmd  []string
		want []string
	}{
		{
			typ:  framework.React,
			cmd:  framework.React.LaunchCommand(3000, nil),
			want: []string{"npm", "run", "dev", "--", "--port", "3000", "--strictPort", "--host", "0.0.0.0"},
		},
		{
			typ:  framework.NextJS,
			cmd:  framework.NextJS.LaunchCommand(3001, nil),
			want: []string{"npm", "run", "dev", "--", "--port", "3001", "-H", "0.0.0.0"},
		},
		{
			typ:  framework.Bootstrap,
			cmd:  framework.Bootstrap.LaunchCommand(3002, nil),
			want: []string{"python3", "-m", "http.server", "3002", "--bind", "0.0.0.0"},
		},
		{
			typ:  framework.Vue,
			cmd:  framework.Vue.InstallCommand(),
			want: []string{"npm", "install", "--no-audit", "--no-fund"},
		},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.typ, tt.cmd[1]), func(t *testing.T) {
			assert.Equal(t, tt.want, containerCommand(Spec{Type: tt.typ, Command: tt.cmd}))
		})
	}
}

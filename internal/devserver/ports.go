package devserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"snapcode/internal/errs"
)

// portPool hands out ports from [start, end). A port is given out only when
// no tracked server holds it and it can be bound on the loopback interface.
type portPool struct {
	mu       sync.Mutex
	start    int
	end      int
	reserved map[int]string
	canBind  func(port int) bool
}

func newPortPool(start, end int) *portPool {
	return &portPool{
		start:    start,
		end:      end,
		reserved: make(map[int]string),
		canBind:  loopbackFree,
	}
}

func loopbackFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Reserve returns the first free port for owner.
func (p *portPool) Reserve(owner string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port < p.end; port++ {
		if _, taken := p.reserved[port]; taken {
			continue
		}
		if !p.canBind(port) {
			continue
		}
		p.reserved[port] = owner
		return port, nil
	}
	return 0, fmt.Errorf("%w: range %d-%d exhausted", errs.ErrNoPortAvailable, p.start, p.end-1)
}

// Release frees port if owner holds it.
func (p *portPool) Release(port int, owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved[port] == owner {
		delete(p.reserved, port)
	}
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

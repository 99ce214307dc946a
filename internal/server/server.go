// Package server exposes the workspace, generator, preview servers and model
// lifecycle as a local JSON API with a websocket event stream.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"snapcode/internal/devserver"
	"snapcode/internal/errs"
	"snapcode/internal/generator"
	"snapcode/internal/index"
	"snapcode/internal/logging"
	"snapcode/internal/model"
	"snapcode/internal/workspace"
)

// Security constants
const (
	maxAuthAttempts = 50              // Max failed auth attempts before lockout
	authLockoutTime = 1 * time.Minute // Lockout duration after max attempts
	shutdownTimeout = 5 * time.Second
	maxUploadBytes  = 32 << 20
)

// Generator produces code from a screenshot
type Generator interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Result, error)
}

// DevServers controls preview servers
type DevServers interface {
	Start(ctx context.Context, p devserver.Project) (devserver.Info, error)
	Stop(project string) error
	Status(project string) devserver.Info
	List() []devserver.Info
}

// ModelRuntime controls the model lifecycle
type ModelRuntime interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Status() model.Info
}

// History searches past generations
type History interface {
	Search(ctx context.Context, q index.Query) ([]index.Entry, error)
}

// Deps are the services behind the API. History may be nil.
type Deps struct {
	Workspace *workspace.Manager
	Generator Generator
	Dev       DevServers
	Model     ModelRuntime
	History   History
}

// Response is the JSON envelope of every API reply
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// authAttempt tracks failed authentication attempts
type authAttempt struct {
	count    int
	lastTime time.Time
}

// Server serves the API on one address
type Server struct {
	deps   Deps
	hub    *hub
	engine *gin.Engine

	mu      sync.RWMutex
	token   string
	server  *http.Server
	running bool

	authMu       sync.Mutex
	authAttempts map[string]*authAttempt
}

// New builds the router. An empty token disables authentication.
func New(deps Deps, token string) *Server {
	s := &Server{
		deps:         deps,
		hub:          newHub(),
		token:        token,
		authAttempts: make(map[string]*authAttempt),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetToken replaces the API token. Empty disables authentication.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Broadcast forwards an event to websocket subscribers
func (s *Server) Broadcast(eventType string, data any) {
	s.hub.Broadcast(eventType, data)
}

// Subscribers returns the connected websocket clients
func (s *Server) Subscribers() []ClientInfo {
	return s.hub.Clients()
}

// Start listens on addr and serves until Stop. It returns once the listener
// is bound; serve errors are logged.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.running = true
	s.mu.Unlock()

	if host, _, _ := net.SplitHostPort(addr); host != "127.0.0.1" && host != "localhost" && host != "::1" {
		logging.Warn("API server listening beyond loopback", "addr", addr)
	}
	logging.Info("API server starting", "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes subscribers and shuts the server down gracefully
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	s.hub.closeAll()

	logging.Info("API server stopping (graceful shutdown)")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// errorMiddleware logs requests and turns the last handler error into a JSON
// reply with the status mapped from its kind.
func errorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if len(c.Errors) != 0 {
			err := c.Errors.Last().Err
			status := errs.Status(err)
			if status >= http.StatusInternalServerError {
				logging.Error("Request failed", "path", c.Request.URL.Path, "error", err)
			} else {
				logging.Debug("Request rejected", "path", c.Request.URL.Path, "error", err)
			}
			if !c.Writer.Written() {
				resp := Response{Status: "error", Message: err.Error()}
				if data, ok := c.Get("data"); ok {
					resp.Data = data
				}
				c.AbortWithStatusJSON(status, resp)
			}
		}

		logging.Debug("Request",
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
	}
}

// authMiddleware requires the API token as a bearer header or token query
// parameter, with per-IP lockout after repeated failures.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.RLock()
		want := s.token
		s.mu.RUnlock()
		if want == "" {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if !s.checkRateLimit(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{Status: "error", Message: "too many attempts, try again later"})
			return
		}

		token := c.GetHeader("Authorization")
		if strings.HasPrefix(token, "Bearer ") {
			token = strings.TrimPrefix(token, "Bearer ")
		} else {
			token = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			s.recordFailedAuth(ip)
			_ = c.Error(errs.ErrUnauthorized)
			c.Abort()
			return
		}
		s.resetAuthAttempts(ip)
		c.Next()
	}
}

// checkRateLimit checks if the IP is rate limited
func (s *Server) checkRateLimit(ip string) bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	attempt, exists := s.authAttempts[ip]
	if !exists {
		return true
	}
	if time.Since(attempt.lastTime) > authLockoutTime {
		delete(s.authAttempts, ip)
		return true
	}
	return attempt.count < maxAuthAttempts
}

// recordFailedAuth records a failed authentication attempt
func (s *Server) recordFailedAuth(ip string) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	a, exists := s.authAttempts[ip]
	if !exists {
		a = &authAttempt{}
		s.authAttempts[ip] = a
	}
	a.count++
	a.lastTime = time.Now()
	if a.count >= maxAuthAttempts {
		logging.Warn("IP locked out due to failed auth attempts", "ip", ip)
	}
}

// resetAuthAttempts resets auth attempts for an IP after successful auth
func (s *Server) resetAuthAttempts(ip string) {
	s.authMu.Lock()
	delete(s.authAttempts, ip)
	s.authMu.Unlock()
}

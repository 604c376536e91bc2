// Package web exposes the discovery engine over HTTP: a JSON API for
// reports and the persisted address map, a scan trigger, and a WebSocket
// stream of session events.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"canmap/internal/session"
	"canmap/internal/store"
)

// SessionFactory builds a fresh session for each scan request. The bus is a
// single-owner resource, so the server runs at most one session at a time.
type SessionFactory func() (*session.Session, error)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins sets allowed WebSocket/CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithStore attaches persistence for assignments and archived reports.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) { s.st = st }
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Server is the HTTP front end. It owns no bus state itself; sessions are
// created on demand through the factory.
type Server struct {
	factory        SessionFactory
	st             store.Store
	logger         *slog.Logger
	mux            *http.ServeMux
	wsHub          *WSHub
	apiKey         string
	allowedOrigins []string
	version        string

	mu         sync.Mutex
	running    bool
	cancelScan context.CancelFunc
	lastReport *session.Report
	lastStart  time.Time

	wg sync.WaitGroup
}

// NewServer creates the server and starts its WebSocket hub.
func NewServer(factory SessionFactory, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		factory: factory,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.routes()
	return s
}

// Stop shuts down the hub and any running scan, then waits for goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.cancelScan != nil {
		s.cancelScan()
	}
	s.mu.Unlock()
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/scan", s.handleAPIScan)
	s.mux.HandleFunc("POST /api/scan/cancel", s.handleAPIScanCancel)
	s.mux.HandleFunc("GET /api/report", s.handleAPIReport)
	s.mux.HandleFunc("GET /api/reports", s.handleAPIListReports)
	s.mux.HandleFunc("GET /api/reports/{key}", s.handleAPIGetReport)
	s.mux.HandleFunc("GET /api/assignments", s.handleAPIListAssignments)
	s.mux.HandleFunc("GET /api/assignments/{addr}", s.handleAPIGetAssignment)
	s.mux.HandleFunc("PATCH /api/assignments/{addr}", s.handleAPIRelabelAssignment)
	s.mux.HandleFunc("DELETE /api/assignments/{addr}", s.handleAPIDeleteAssignment)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// WebSocket upgrades cannot carry custom headers from a browser, so
		// only /api/ routes are key-protected.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// TriggerScan starts a background session if none is running. Used by
// remote command surfaces (MQTT) that share the web server's single-session
// gate.
func (s *Server) TriggerScan() bool {
	started, err := s.startScan()
	if err != nil {
		s.logger.Error("trigger scan", "err", err)
		return false
	}
	return started
}

// startScan launches one session in the background. Returns false when a
// session is already holding the bus.
func (s *Server) startScan() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false, nil
	}

	sess, err := s.factory()
	if err != nil {
		return true, err
	}
	unsub := sess.Events().OnAll(func(e session.Event) {
		s.wsHub.Broadcast(e)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancelScan = cancel
	s.lastStart = time.Now().UTC()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		defer cancel()
		report, err := sess.Run(ctx)
		if err != nil {
			s.logger.Error("scan session ended with error", "err", err)
		}
		s.mu.Lock()
		s.running = false
		s.cancelScan = nil
		s.lastReport = report
		s.mu.Unlock()
	}()
	return true, nil
}

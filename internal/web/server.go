package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"skylink/internal/automation"
	"skylink/internal/session"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API of the session.
type Server struct {
	sess           *session.Session
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	handler        http.Handler
	apiKey         string
	allowedOrigins []string
	version        string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(sess *session.Session, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		sess:   sess,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger, sess.Metrics())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Handlers run on the session loop; Broadcast never blocks.
	s.unsubEvents = sess.Events().OnAll(func(event session.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	s.handler = sess.Metrics().Middleware(http.HandlerFunc(s.serve))
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{uid}", s.handleAPIGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{uid}", s.handleAPIForgetDevice)
	s.mux.HandleFunc("POST /api/devices/{uid}/connect", s.handleAPIConnect)
	s.mux.HandleFunc("POST /api/devices/{uid}/disconnect", s.handleAPIDisconnect)
	s.mux.HandleFunc("GET /api/devices/{uid}/components", s.handleAPIComponents)

	s.mux.HandleFunc("POST /api/devices/{uid}/returnhome/{action}", s.handleAPIReturnHomeAction)
	s.mux.HandleFunc("PUT /api/devices/{uid}/returnhome/settings", s.handleAPIReturnHomeSettings)
	s.mux.HandleFunc("POST /api/devices/{uid}/manual/smart-takeoff-land", s.handleAPISmartTakeOffLand)
	s.mux.HandleFunc("POST /api/devices/{uid}/guided/location", s.handleAPIGuidedLocation)
	s.mux.HandleFunc("POST /api/devices/{uid}/guided/relative", s.handleAPIGuidedRelative)

	s.automationRoutes()

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.Handle("GET /metrics", s.sess.Metrics().HTTPHandler())
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// serve applies the CORS and API key checks before routing.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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

	// The WebSocket and /metrics stay open: browsers cannot set headers on
	// an upgrade and scrapers are configured separately.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

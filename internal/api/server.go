package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/omnicloud/peerswarm/internal/auth"
	"github.com/omnicloud/peerswarm/internal/events"
	"github.com/omnicloud/peerswarm/internal/tracker"
)

// Server represents the tracker HTTP API server
type Server struct {
	router   *mux.Router
	registry *tracker.Registry
	auth     *auth.Service
	hub      *events.Hub
	id       string
	port     int
	server   *http.Server
}

// NewServer creates the tracker API. hub may be nil, in which case the
// events endpoint is not registered.
func NewServer(registry *tracker.Registry, authSvc *auth.Service, hub *events.Hub, trackerID string, port int) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		registry: registry,
		auth:     authSvc,
		hub:      hub,
		id:       trackerID,
		port:     port,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.authMiddleware)

	// Preflight never reaches a handler but mux needs a matching route
	s.router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	api := s.router.PathPrefix("/api").Subrouter()
	s.trackerRoutes(api)

	// Peers configured with a bare tracker URL announce at the root
	s.trackerRoutes(s.router)

	log.Println("[api] Routes configured")
}

func (s *Server) trackerRoutes(r *mux.Router) {
	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/announce", s.handleAnnounce).Methods("GET")
	r.HandleFunc("/announce/", s.handleAnnounce).Methods("GET")
	r.HandleFunc("/scrape", s.handleScrape).Methods("GET")
	r.HandleFunc("/update", s.handleUpdate).Methods("POST")

	r.HandleFunc("/token", s.handleToken).Methods("POST")
	r.HandleFunc("/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/refresh", s.handleRefresh).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(requireScope(auth.ScopeAdmin))
	admin.HandleFunc("/users", s.handleActiveUsers).Methods("GET")
	admin.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	admin.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	admin.HandleFunc("/blacklist", s.handleGetBlacklist).Methods("GET")
	admin.HandleFunc("/blacklist", s.handleBlacklist).Methods("POST")
	if s.hub != nil {
		admin.HandleFunc("/events", s.handleEvents).Methods("GET")
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("[api] Starting tracker API on %s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Println("[api] Shutting down tracker API...")
	return s.server.Shutdown(ctx)
}

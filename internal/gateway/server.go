// Package gateway exposes engine status over HTTP and streams timeline
// events over websocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"maestro/internal/config"
	gw "maestro/internal/gateway/websocket"
	"maestro/internal/memory"
	"maestro/internal/provider"
	"maestro/internal/router"
	"maestro/internal/session"
	"maestro/pkg/logger"
)

// Server is the HTTP status gateway.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *gw.Hub
	providers  *router.Router
	sessions   *session.Manager
	memory     *memory.Store
}

// Options wires the gateway's collaborators; Memory may be nil.
type Options struct {
	Config    config.GatewayConfig
	RateLimit config.RateLimitConfig
	Providers *router.Router
	Sessions  *session.Manager
	Memory    *memory.Store
	Hub       *gw.Hub
}

// NewServer creates a gateway server.
func NewServer(opts Options) *Server {
	r := mux.NewRouter()

	s := &Server{
		router:    r,
		hub:       opts.Hub,
		providers: opts.Providers,
		sessions:  opts.Sessions,
		memory:    opts.Memory,
	}

	limiter := NewRateLimiter(opts.RateLimit.Enabled, opts.RateLimit.RequestsPerMinute, opts.RateLimit.BurstSize)
	handler := Recovery(Logging(limiter.Middleware(r)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/memory/search", s.handleMemorySearch).Methods(http.MethodPost)
	api.HandleFunc("/memory/stats", s.handleMemoryStats).Methods(http.MethodGet)

	if s.hub != nil {
		s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			gw.ServeWS(s.hub, w, r)
		})
	}
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.httpServer.Addr).Msg("gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// providerStatus is the per-provider health view.
type providerStatus struct {
	Name      string                `json:"name"`
	Available bool                  `json:"available"`
	Penalized bool                  `json:"penalized"`
	Health    provider.Health       `json:"health"`
	Metrics   provider.CacheMetrics `json:"metrics"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	var out []providerStatus
	for _, p := range s.providers.Providers() {
		out = append(out, providerStatus{
			Name:      p.Name(),
			Available: p.IsAvailable(r.Context()),
			Penalized: s.providers.IsPenalized(p.Name()),
			Health:    p.GetHealth(),
			Metrics:   p.GetCacheMetrics(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":   out,
		"health_loop": s.providers.HealthMetrics(),
		"cache":       s.providers.CacheStats(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("memory store not configured"))
		return
	}

	var q memory.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if n, err := strconv.Atoi(limitParam); err == nil {
			q.Limit = n
		}
	}

	results, err := s.memory.Search(r.Context(), &q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("memory store not configured"))
		return
	}
	stats, err := s.memory.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

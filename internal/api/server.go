package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/zentech/yunzhi/internal/config"
	"github.com/zentech/yunzhi/internal/session"
)

// Server represents the API server
type Server struct {
	config   *config.Config
	syncer   *session.Synchronizer
	sessions *session.LiveList
	engines  *engineCache
	upgrader websocket.Upgrader

	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
}

// NewServer creates a new API server and starts its live session list.
func NewServer(cfg *config.Config, syncer *session.Synchronizer, source EngineSource) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		syncer:   syncer,
		sessions: syncer.ListSessions(ctx),
		engines:  newEngineCache(source),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.isLocalhostOrigin,
	}
	return s
}

// isLocalhostOrigin checks if the WebSocket origin is localhost
func (s *Server) isLocalhostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	port := s.config.Server.Port
	return origin == fmt.Sprintf("http://localhost:%d", port) ||
		origin == fmt.Sprintf("http://127.0.0.1:%d", port) ||
		origin == fmt.Sprintf("http://[::1]:%d", port)
}

// Start starts the API server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	slog.Info("starting API server", "addr", addr)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and releases engines.
func (s *Server) Stop(ctx context.Context) error {
	defer s.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Close stops the live list and closes every cached engine.
func (s *Server) Close() {
	s.cancel()
	s.sessions.Close()
	s.engines.closeAll()
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// The websocket route must precede /sessions/{id}.
	api.HandleFunc("/sessions/ws", s.handleSessionsWebSocket)
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/public", s.handleSetPublic).Methods("POST")

	api.HandleFunc("/chat", s.handleChat).Methods("POST")

	return router
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allow := ""
		if origin == "" || strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://[::1]:") {
			allow = origin
		}
		if allow == "" {
			allow = fmt.Sprintf("http://localhost:%d", s.config.Server.Port)
		}
		w.Header().Set("Access-Control-Allow-Origin", allow)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"services": map[string]bool{
			"sessions": s.sessions.Err() == nil,
			"api":      true,
		},
		"engines": s.engines.len(),
	})
}

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

// Server manages the HTTP listener: the WebSocket endpoint, health checks,
// and the out-of-band identity directory query.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
	startedAt  time.Time
}

// NewServer creates a server bound to the configured address.
func NewServer(cfg *config.Config, logger *zap.Logger, gw *gateway.Gateway, db *store.DB) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:  listener,
		logger:    logger,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", gw.HandleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /healthz/db", handleDBHealth(db))
	mux.HandleFunc("GET /api/users", handleListUsers(db))

	s.httpServer = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func handleDBHealth(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Healthy(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "error",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func handleListUsers(db *store.DB) http.HandlerFunc {
	type user struct {
		Username string `json:"username"`
		Online   bool   `json:"online"`
		LastSeen int64  `json:"last_seen_unix_ms"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		ids, err := db.ListIdentities()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		users := make([]user, 0, len(ids))
		for _, id := range ids {
			users = append(users, user{Username: id.Username, Online: id.Online, LastSeen: id.LastSeen})
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"chatty-notifier/pkg/notifier"
)

// Store is the slice of user storage the HTTP surface needs.
type Store interface {
	EnsureUser(ctx context.Context, name, password string) (*notifier.User, error)
	RegisterDevice(ctx context.Context, userID int64, uri, name string) error
	DeleteDeviceByURI(ctx context.Context, uri string) error
	AddKeyword(ctx context.Context, userID int64, word string) error
	RemoveKeyword(ctx context.Context, userID int64, word string) error
	SetMentionAlert(ctx context.Context, userID int64, enabled bool) error
	UserPassword(ctx context.Context, name string) (string, error)
}

// Replier posts forum replies on a user's behalf.
type Replier interface {
	PostComment(ctx context.Context, parentID int, text, username, password string) error
}

// TileSource serves cached tile content.
type TileSource interface {
	XML(ctx context.Context) (string, error)
}

// Server handles HTTP requests.
type Server struct {
	store  Store
	reply  Replier
	tiles  TileSource
	logger *slog.Logger
}

// Config holds server dependencies.
type Config struct {
	Store  Store
	Reply  Replier
	Tiles  TileSource
	Logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:  cfg.Store,
		reply:  cfg.Reply,
		tiles:  cfg.Tiles,
		logger: cfg.Logger,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/deregister", s.handleDeregister)
	mux.HandleFunc("/keyword", s.handleKeyword)
	mux.HandleFunc("/mention", s.handleMention)
	mux.HandleFunc("/reply", s.handleReply)
	mux.HandleFunc("/tile", s.handleTile)
	return mux
}

// ListenAndServe starts the HTTP server on the given port.
func (s *Server) ListenAndServe(port string) error {
	s.logger.Info("Starting HTTP server", "port", port)
	return http.ListenAndServe(":"+port, s.Routes())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	content, err := s.tiles.XML(r.Context())
	if err != nil {
		s.logger.Error("Tile content unavailable", "error", err)
		http.Error(w, "Tile content unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write([]byte(content)); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// Package httpapi exposes the gateway's control surface: session pairing,
// status, QR retrieval, logout, and outbound sends. All session routes
// require the configured bearer token; the health route does not.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/wagate/wagate/internal/registry"
)

// SessionService is the connection-manager surface the API serves.
type SessionService interface {
	Connect(sessionID string)
	Logout(ctx context.Context, sessionID string)
	Status(sessionID string) registry.View
	QR(sessionID string) (string, bool)
	List() []registry.View
	SendText(ctx context.Context, sessionID, to, text string) error
}

// Config holds the listener settings.
type Config struct {
	Addr  string `json:"addr" envconfig:"ADDR"`
	Token string `json:"token" envconfig:"TOKEN"`
}

// DefaultConfig binds to localhost only.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8077"}
}

// Server is the HTTP control surface.
type Server struct {
	cfg      Config
	sessions SessionService
	log      *slog.Logger
	srv      *http.Server
}

// New builds the server. Call Start to begin listening.
func New(cfg Config, sessions SessionService, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	s := &Server{cfg: cfg, sessions: sessions, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleHealth)
	mux.Handle("GET /api/v1/sessions", s.auth(s.handleList))
	mux.Handle("GET /api/v1/sessions/{id}", s.auth(s.handleStatus))
	mux.Handle("POST /api/v1/sessions/{id}/connect", s.auth(s.handleConnect))
	mux.Handle("GET /api/v1/sessions/{id}/qr", s.auth(s.handleQR))
	mux.Handle("GET /api/v1/sessions/{id}/qr.png", s.auth(s.handleQRImage))
	mux.Handle("POST /api/v1/sessions/{id}/logout", s.auth(s.handleLogout))
	mux.Handle("POST /api/v1/sessions/{id}/send", s.auth(s.handleSend))
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info("control api listening", "addr", s.cfg.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	views := s.sessions.List()
	open := 0
	for _, v := range views {
		if v.Status == registry.StatusOpen {
			open++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(views),
		"open":     open,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Status(r.PathValue("id")))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.sessions.Connect(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": "connecting"})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	qr, ok := s.sessions.QR(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"available": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": true, "qr": qr})
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	qr, ok := s.sessions.QR(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"available": false})
		return
	}
	png, err := qrcode.Encode(qr, qrcode.Medium, 256)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "qr render failed"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.sessions.Logout(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "logged_out"})
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to and text are required"})
		return
	}
	if err := s.sessions.SendText(r.Context(), r.PathValue("id"), req.To, req.Text); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "sent"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

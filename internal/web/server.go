// Package web exposes the session registry over HTTP: a JSON control API
// mirroring every registry operation, plus a websocket terminal bridge for
// interacting with a session from the browser.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agenttray/agenttray/internal/logging"
	"github.com/agenttray/agenttray/internal/manager"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Service is the registry surface the web layer consumes. Implemented by
// manager.Manager; tests inject stubs.
type Service interface {
	CreateSession(name, workDir string) (*manager.Session, error)
	GetSession(name string) *manager.Session
	ListSessions() []*manager.Session
	SendCommand(name, text string) error
	SendKeys(name, keySpec string, enter bool) error
	CaptureOutput(name string) (string, error)
	KillSession(name string) error
	KillAllSessions() error
	StartBridge(name string) (int, error)
	StopBridge(name string) error
	BridgeURL(name string) (string, bool)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string
}

// Server wraps the HTTP server for the control API.
type Server struct {
	cfg        Config
	svc        Service
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with all routes and middleware installed.
func NewServer(cfg Config, svc Service) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7685"
	}

	s := &Server{cfg: cfg, svc: svc}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByName)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until shutdown or error. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_server_start", slog.String("addr", s.cfg.ListenAddr), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully, force-closing lingering websocket
// connections if the deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"ok":       true,
		"readOnly": s.cfg.ReadOnly,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

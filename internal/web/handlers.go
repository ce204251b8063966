package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agenttray/agenttray/internal/manager"
)

type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: code, Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleSessions serves the collection: list, create, kill-all.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.svc.ListSessions())

	case http.MethodPost:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		var req struct {
			Name    string `json:"name"`
			WorkDir string `json:"work_dir"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
			return
		}
		sess, err := s.svc.CreateSession(req.Name, req.WorkDir)
		if err != nil {
			if errors.Is(err, manager.ErrSessionExists) {
				writeAPIError(w, http.StatusConflict, "SESSION_EXISTS", err.Error())
				return
			}
			writeAPIError(w, http.StatusInternalServerError, "CREATE_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sess)

	case http.MethodDelete:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		if err := s.svc.KillAllSessions(); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "KILL_ALL_PARTIAL", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleSessionByName routes /api/sessions/{name} and its sub-resources
// (send, keys, output, bridge).
func (s *Server) handleSessionByName(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session name is required")
		return
	}

	switch sub {
	case "":
		s.handleSession(w, r, name)
	case "send":
		s.handleSend(w, r, name)
	case "keys":
		s.handleKeys(w, r, name)
	case "output":
		s.handleOutput(w, r, name)
	case "bridge":
		s.handleBridge(w, r, name)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown resource")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		sess := s.svc.GetSession(name)
		if sess == nil {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case http.MethodDelete:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		if err := s.svc.KillSession(name); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "KILL_FAILED", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	if err := s.svc.SendCommand(name, req.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
		return
	}
	var req struct {
		Keys  string `json:"keys"`
		Enter bool   `json:"enter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Keys == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "keys is required")
		return
	}
	if err := s.svc.SendKeys(name, req.Keys, req.Enter); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	output, err := s.svc.CaptureOutput(name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		url, ok := s.svc.BridgeURL(name)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "NO_BRIDGE", "no bridge running")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})

	case http.MethodPost:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		port, err := s.svc.StartBridge(name)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		url, _ := s.svc.BridgeURL(name)
		writeJSON(w, http.StatusOK, map[string]any{"port": port, "url": url})

	case http.MethodDelete:
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		if err := s.svc.StopBridge(name); err != nil {
			writeSessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrSessionNotFound) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type    string    `json:"type"` // status, error
	Event   string    `json:"event,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Session string    `json:"session,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts same-host origins and non-browser clients (no
// Origin header).
func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// handleSessionWS bridges a websocket to the session's live terminal.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/ws/session/")
	if name == "" || strings.Contains(name, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session name is required")
		return
	}

	sess := s.svc.GetSession(name)
	if sess == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{
		Type:    "status",
		Event:   "connected",
		Session: name,
		Time:    time.Now().UTC(),
	})

	bridge, err := newPTYBridge(sess.TmuxName, writer)
	if err != nil {
		webLog.Error("terminal_attach_failed",
			slog.String("session", name),
			slog.String("error", err.Error()))
		code := "TERMINAL_ATTACH_FAILED"
		if errors.Is(err, ErrTmuxSessionNotFound) {
			code = "TMUX_SESSION_NOT_FOUND"
		}
		_ = writer.WriteJSON(wsServerMessage{
			Type:    "error",
			Code:    code,
			Message: "failed to attach terminal bridge",
			Session: name,
			Time:    time.Now().UTC(),
		})
	} else {
		defer bridge.Close()
		_ = writer.WriteJSON(wsServerMessage{
			Type:    "status",
			Event:   "terminal_attached",
			Session: name,
			Time:    time.Now().UTC(),
		})
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session", name),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsErr(name, "INVALID_MESSAGE", "invalid json payload"))
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "status",
				Event:   "pong",
				Session: name,
				Time:    time.Now().UTC(),
			})
		case "input":
			if s.cfg.ReadOnly {
				_ = writer.WriteJSON(wsErr(name, "READ_ONLY", "input is disabled in read-only mode"))
				continue
			}
			if bridge == nil {
				_ = writer.WriteJSON(wsErr(name, "NO_TERMINAL_BRIDGE", "terminal bridge is not attached"))
				continue
			}
			if err := bridge.WriteInput(msg.Data); err != nil {
				_ = writer.WriteJSON(wsErr(name, "INPUT_WRITE_FAILED", "failed to send input to terminal"))
			}
		case "resize":
			if bridge == nil {
				_ = writer.WriteJSON(wsErr(name, "NO_TERMINAL_BRIDGE", "terminal bridge is not attached"))
				continue
			}
			if err := bridge.Resize(msg.Cols, msg.Rows); err != nil {
				_ = writer.WriteJSON(wsErr(name, "RESIZE_FAILED", "failed to resize terminal"))
			}
		default:
			_ = writer.WriteJSON(wsErr(name, "UNSUPPORTED_MESSAGE", "supported message types: ping,input,resize"))
		}
	}
}

func wsErr(session, code, message string) wsServerMessage {
	return wsServerMessage{
		Type:    "error",
		Code:    code,
		Message: message,
		Session: session,
		Time:    time.Now().UTC(),
	}
}

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttray/agenttray/internal/manager"
	"github.com/agenttray/agenttray/internal/state"
)

// stubService is a canned-response Service for handler tests.
type stubService struct {
	sessions  map[string]*manager.Session
	created   []string
	sent      []string
	keys      []string
	killed    []string
	killedAll bool
	bridgeURL string
	createErr error
	sendErr   error
}

func newStubService() *stubService {
	return &stubService{sessions: make(map[string]*manager.Session)}
}

func (s *stubService) addSession(name string) *manager.Session {
	sess := &manager.Session{
		Name:      name,
		TmuxName:  "claude_" + name,
		State:     state.StateWorking,
		CreatedAt: time.Now(),
	}
	s.sessions[name] = sess
	return sess
}

func (s *stubService) CreateSession(name, workDir string) (*manager.Session, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = append(s.created, name)
	return s.addSession(name), nil
}

func (s *stubService) GetSession(name string) *manager.Session {
	return s.sessions[name]
}

func (s *stubService) ListSessions() []*manager.Session {
	out := make([]*manager.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *stubService) SendCommand(name, text string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	if _, ok := s.sessions[name]; !ok {
		return manager.ErrSessionNotFound
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubService) SendKeys(name, keySpec string, enter bool) error {
	if _, ok := s.sessions[name]; !ok {
		return manager.ErrSessionNotFound
	}
	s.keys = append(s.keys, keySpec)
	return nil
}

func (s *stubService) CaptureOutput(name string) (string, error) {
	if _, ok := s.sessions[name]; !ok {
		return "", manager.ErrSessionNotFound
	}
	return "$ echo hi\nhi\n", nil
}

func (s *stubService) KillSession(name string) error {
	s.killed = append(s.killed, name)
	delete(s.sessions, name)
	return nil
}

func (s *stubService) KillAllSessions() error {
	s.killedAll = true
	s.sessions = make(map[string]*manager.Session)
	return nil
}

func (s *stubService) StartBridge(name string) (int, error) {
	if _, ok := s.sessions[name]; !ok {
		return 0, manager.ErrSessionNotFound
	}
	s.bridgeURL = "http://localhost:7681"
	return 7681, nil
}

func (s *stubService) StopBridge(name string) error {
	s.bridgeURL = ""
	return nil
}

func (s *stubService) BridgeURL(name string) (string, bool) {
	if s.bridgeURL == "" {
		return "", false
	}
	return s.bridgeURL, true
}

func newTestServer(t *testing.T, cfg Config) (*Server, *stubService) {
	t.Helper()
	svc := newStubService()
	return NewServer(cfg, svc), svc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, false, resp["readOnly"])
}

func TestListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []*manager.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Empty(t, sessions)
}

func TestCreateSession(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions",
		map[string]string{"name": "demo", "work_dir": "/tmp"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var sess manager.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "demo", sess.Name)
	assert.Equal(t, "claude_demo", sess.TmuxName)
	assert.Equal(t, []string{"demo"}, svc.created)
}

func TestCreateSessionMissingName(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionConflict(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.createErr = manager.ErrSessionExists

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions",
		map[string]string{"name": "demo"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "SESSION_EXISTS", apiErr.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSession(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess manager.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "demo", sess.Name)
	assert.Equal(t, state.StateWorking, sess.State)
}

func TestSendCommand(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/demo/send",
		map[string]string{"text": "run the tests"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"run the tests"}, svc.sent)
}

func TestSendCommandUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/ghost/send",
		map[string]string{"text": "hello"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendCommandVanishedSessionIs404(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")
	// Tracked session whose tmux session died mid-request: the registry
	// wraps its not-found sentinel, and the handler must answer 404, not
	// 500.
	svc.sendErr = fmt.Errorf("send command: %w", manager.ErrSessionNotFound)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/demo/send",
		map[string]string{"text": "hello"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestSendKeys(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/demo/keys",
		map[string]any{"keys": "Escape", "enter": false})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"Escape"}, svc.keys)
}

func TestCaptureOutput(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo/output", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["output"], "echo hi")
}

func TestKillSession(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/api/sessions/demo", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"demo"}, svc.killed)
}

func TestKillAllSessions(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("a")
	svc.addSession("b")

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/api/sessions", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, svc.killedAll)
}

func TestBridgeLifecycle(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	// No bridge yet.
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo/bridge", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/demo/bridge", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(7681), resp["port"])
	assert.Equal(t, "http://localhost:7681", resp["url"])

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo/bridge", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodDelete, "/api/sessions/demo/bridge", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo/bridge", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	srv, svc := newTestServer(t, Config{ReadOnly: true})
	svc.addSession("demo")

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/api/sessions", map[string]string{"name": "x"}},
		{http.MethodDelete, "/api/sessions", nil},
		{http.MethodDelete, "/api/sessions/demo", nil},
		{http.MethodPost, "/api/sessions/demo/send", map[string]string{"text": "hi"}},
		{http.MethodPost, "/api/sessions/demo/keys", map[string]any{"keys": "Enter"}},
		{http.MethodPost, "/api/sessions/demo/bridge", nil},
		{http.MethodDelete, "/api/sessions/demo/bridge", nil},
	}
	for _, tc := range cases {
		rec := doJSON(t, srv.Handler(), tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.path)
	}

	// Reads still work.
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo/output", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	srv, svc := newTestServer(t, Config{Token: "s3cret"})
	svc.addSession("demo")
	h := srv.Handler()

	// Missing token.
	rec := doJSON(t, h, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bearer header.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Query token, for websocket clients.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions?token=s3cret", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/sessions", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo/send", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUnknownSubResource(t *testing.T) {
	srv, svc := newTestServer(t, Config{})
	svc.addSession("demo")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/demo/bogus", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	panics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()
	withRecover(panics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAllowWSOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/session/demo", nil)
	req.Host = "localhost:7685"

	assert.True(t, allowWSOrigin(req), "no origin header")

	req.Header.Set("Origin", "http://localhost:7685")
	assert.True(t, allowWSOrigin(req), "same host")

	req.Header.Set("Origin", "http://evil.example.com")
	assert.False(t, allowWSOrigin(req), "foreign host")

	req.Header.Set("Origin", "::::")
	assert.False(t, allowWSOrigin(req), "malformed origin")
}

// Package manager owns the registry of managed agent sessions: creating and
// destroying multiplexer sessions, sending input, and deriving each
// session's state from fresh buffer snapshots. The in-memory table is a
// cache of external multiplexer state and is reconciled lazily against a
// liveness check on every read.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agenttray/agenttray/internal/logging"
	"github.com/agenttray/agenttray/internal/state"
	"github.com/agenttray/agenttray/internal/tmux"
)

var mgrLog = logging.ForComponent(logging.CompManager)

var (
	// ErrSessionExists is returned when creating a session whose name is
	// already tracked and alive.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned by control operations against a name
	// the registry does not track.
	ErrSessionNotFound = errors.New("session not found")
)

// Host is the multiplexer capability the registry depends on. Implemented
// by tmux.Server; tests inject fakes.
type Host interface {
	Create(id, command, cwd string) error
	SendText(id, text string, submit bool) error
	SendKeys(id, keySpec string) error
	Capture(id string) (string, error)
	ListIDs() ([]string, error)
	Exists(id string) bool
	Kill(id string) error
	Cwd(id string) (string, error)
}

// Bridges manages per-session remote terminal bridges. Implemented by
// bridge.Manager.
type Bridges interface {
	Start(tmuxName string) (int, error)
	Stop(tmuxName string) error
	URL(tmuxName string) (string, bool)
	Port(tmuxName string) (int, bool)
}

// Detector supplies an authoritative state for a session from a source
// other than the terminal buffer (e.g. agent transcripts). When it reports
// no answer the registry falls back to buffer classification.
type Detector interface {
	Detect(tmuxName, workDir string) (state.State, bool)
}

// Session is one managed agent instance. Values returned by the registry
// are copies; mutating them does not affect the registry.
type Session struct {
	// Name is the operator-supplied project name.
	Name string `json:"name"`

	// TmuxName is the derived multiplexer session id: prefix + sanitized
	// name. Deterministic, so external tools can locate the session
	// without consulting the registry.
	TmuxName string `json:"tmux_name"`

	WorkDir   string      `json:"work_dir"`
	State     state.State `json:"state"`
	CreatedAt time.Time   `json:"created_at"`

	// BridgePort is the remote bridge port, 0 when no bridge is running.
	BridgePort int `json:"bridge_port,omitempty"`
}

// DisplayName renders the session for menus: icon, name, state label.
func (s *Session) DisplayName() string {
	return fmt.Sprintf("%s %s  (%s)", s.State.Icon(), s.Name, s.State.Label())
}

// Options configures a Manager.
type Options struct {
	// Command is the fixed launch command started in every new session.
	Command string

	// Prefix is prepended to sanitized project names to form tmux names.
	Prefix string

	// RetainStopped keeps vanished sessions visible as STOPPED instead of
	// pruning them on the next listing.
	RetainStopped bool

	// Markers override the classifier's built-in marker sets.
	Markers state.Markers

	// StableAfter is the window after which unchanged output counts as
	// stable.
	StableAfter time.Duration
}

// Manager is the session registry. Constructed once per process with its
// dependencies injected; all consumers share the one instance.
type Manager struct {
	host    Host
	bridges Bridges

	classifier *state.Classifier
	tracker    *state.Tracker

	command       string
	prefix        string
	retainStopped bool

	mu       sync.Mutex
	sessions map[string]*Session // keyed by tmux name
	detector Detector
	seq      int // creation order counter
	order    map[string]int
}

// New builds a Manager and adopts any already-running prefixed sessions on
// the host.
func New(host Host, bridges Bridges, opts Options) *Manager {
	if opts.Command == "" {
		opts.Command = "claude --dangerously-skip-permissions"
	}
	if opts.Prefix == "" {
		opts.Prefix = "claude_"
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 2 * time.Second
	}

	m := &Manager{
		host:          host,
		bridges:       bridges,
		classifier:    state.NewClassifier(opts.Markers),
		tracker:       state.NewTracker(opts.StableAfter),
		command:       opts.Command,
		prefix:        opts.Prefix,
		retainStopped: opts.RetainStopped,
		sessions:      make(map[string]*Session),
		order:         make(map[string]int),
	}
	m.SyncSessions()
	return m
}

// SetDetector installs an authoritative state source consulted before
// buffer classification.
func (m *Manager) SetDetector(d Detector) {
	m.mu.Lock()
	m.detector = d
	m.mu.Unlock()
}

// TmuxName returns the deterministic multiplexer id for a project name.
func (m *Manager) TmuxName(name string) string {
	return m.prefix + tmux.SanitizeName(name)
}

// CreateSession starts a new session running the launch command in
// workDir and tracks it with initial state working. A name that is already
// tracked is rejected; a live untracked session with the derived tmux name
// is adopted instead of recreated.
func (m *Manager) CreateSession(name, workDir string) (*Session, error) {
	tmuxName := m.TmuxName(name)
	workDir = expandHome(workDir)

	m.mu.Lock()
	if _, ok := m.sessions[tmuxName]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	m.mu.Unlock()

	if m.host.Exists(tmuxName) {
		// Created out-of-band with our naming scheme: adopt it.
		sess := m.adopt(tmuxName)
		if sess != nil {
			mgrLog.Info("session_adopted_on_create", slog.String("session", name))
			return sess, nil
		}
	}

	if err := m.host.Create(tmuxName, m.command, workDir); err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", name, err)
	}

	sess := &Session{
		Name:      name,
		TmuxName:  tmuxName,
		WorkDir:   workDir,
		State:     state.StateWorking,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[tmuxName] = sess
	m.seq++
	m.order[tmuxName] = m.seq
	m.mu.Unlock()

	mgrLog.Info("session_created",
		slog.String("session", name),
		slog.String("tmux_name", tmuxName),
		slog.String("work_dir", workDir))

	copied := *sess
	return &copied, nil
}

// SendCommand injects text followed by a submission keystroke.
func (m *Manager) SendCommand(name, text string) error {
	sess, err := m.tracked(name)
	if err != nil {
		return err
	}
	if err := m.host.SendText(sess.TmuxName, text, true); err != nil {
		return m.hostErr("send command", name, err)
	}
	return nil
}

// SendKeys injects a raw key token, with optional trailing submission.
func (m *Manager) SendKeys(name, keySpec string, enter bool) error {
	sess, err := m.tracked(name)
	if err != nil {
		return err
	}
	if err := m.host.SendKeys(sess.TmuxName, keySpec); err != nil {
		return m.hostErr("send keys", name, err)
	}
	if enter {
		return m.hostErr("send keys", name, m.host.SendKeys(sess.TmuxName, "Enter"))
	}
	return nil
}

// CaptureOutput returns the latest visible buffer verbatim. Does not
// mutate tracked state.
func (m *Manager) CaptureOutput(name string) (string, error) {
	sess, err := m.tracked(name)
	if err != nil {
		return "", err
	}
	content, err := m.host.Capture(sess.TmuxName)
	if err != nil {
		return "", m.hostErr("capture", name, err)
	}
	return content, nil
}

// hostErr folds an adapter not-found (the underlying session vanished
// between the registry check and the tmux call) into the registry's own
// sentinel, so callers see one not-found error regardless of where the
// absence was noticed.
func (m *Manager) hostErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tmux.ErrSessionNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return fmt.Errorf("failed to %s for %s: %w", op, name, err)
}

// GetSession refreshes and returns the session's current classification,
// or nil if the name is not tracked. A vanished underlying session is
// reported as stopped (and pruned per policy), never as a stale state.
func (m *Manager) GetSession(name string) *Session {
	tmuxName := m.TmuxName(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[tmuxName]
	if !ok {
		return nil
	}
	m.refreshLocked(sess)
	if sess.State == state.StateStopped && !m.retainStopped {
		m.removeLocked(tmuxName)
	}
	copied := *sess
	return &copied
}

// ListSessions refreshes every tracked session, prunes vanished ones per
// the retention policy, and returns the remainder in creation order.
func (m *Manager) ListSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for tmuxName := range m.sessions {
		names = append(names, tmuxName)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.order[names[i]] < m.order[names[j]]
	})

	out := make([]*Session, 0, len(names))
	for _, tmuxName := range names {
		sess := m.sessions[tmuxName]
		m.refreshLocked(sess)
		if sess.State == state.StateStopped && !m.retainStopped {
			m.removeLocked(tmuxName)
			continue
		}
		copied := *sess
		out = append(out, &copied)
	}
	return out
}

// KillSession stops the session's bridge, terminates the underlying
// multiplexer session, and removes it from the registry. Idempotent:
// unknown names are not an error.
func (m *Manager) KillSession(name string) error {
	tmuxName := m.TmuxName(name)

	m.mu.Lock()
	_, tracked := m.sessions[tmuxName]
	m.mu.Unlock()
	if !tracked && !m.host.Exists(tmuxName) {
		return nil
	}

	var errs []error
	if m.bridges != nil {
		if err := m.bridges.Stop(tmuxName); err != nil {
			errs = append(errs, fmt.Errorf("stop bridge for %s: %w", name, err))
		}
	}
	if err := m.host.Kill(tmuxName); err != nil {
		errs = append(errs, fmt.Errorf("kill session %s: %w", name, err))
	}

	m.mu.Lock()
	m.removeLocked(tmuxName)
	m.mu.Unlock()

	mgrLog.Info("session_killed", slog.String("session", name))
	return errors.Join(errs...)
}

// KillAllSessions kills every tracked session. Partial failures are
// collected and returned joined; the loop never aborts early.
func (m *Manager) KillAllSessions() error {
	m.mu.Lock()
	var names []string
	for _, sess := range m.sessions {
		names = append(names, sess.Name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.KillSession(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncSessions rescans the host for prefixed sessions created out-of-band,
// adopts them, and drops tracked sessions whose host session vanished.
// Returns the tmux names of newly adopted sessions.
func (m *Manager) SyncSessions() []string {
	ids, err := m.host.ListIDs()
	if err != nil {
		mgrLog.Warn("sync_list_failed", slog.String("error", err.Error()))
		return nil
	}

	live := make(map[string]bool, len(ids))
	var adopted []string
	for _, id := range ids {
		if !strings.HasPrefix(id, m.prefix) {
			continue
		}
		live[id] = true

		m.mu.Lock()
		_, tracked := m.sessions[id]
		m.mu.Unlock()
		if !tracked {
			if sess := m.adopt(id); sess != nil {
				adopted = append(adopted, id)
			}
		}
	}

	// Drop tracked sessions that no longer exist on the host.
	m.mu.Lock()
	for tmuxName, sess := range m.sessions {
		if live[tmuxName] {
			continue
		}
		sess.State = state.StateStopped
		if !m.retainStopped {
			m.removeLocked(tmuxName)
		}
	}
	m.mu.Unlock()

	return adopted
}

// StartBridge starts (or reuses) the remote bridge for a session and
// returns its port.
func (m *Manager) StartBridge(name string) (int, error) {
	sess, err := m.tracked(name)
	if err != nil {
		return 0, err
	}
	port, err := m.bridges.Start(sess.TmuxName)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	if tracked, ok := m.sessions[sess.TmuxName]; ok {
		tracked.BridgePort = port
	}
	m.mu.Unlock()
	return port, nil
}

// StopBridge stops the session's remote bridge if one is running.
func (m *Manager) StopBridge(name string) error {
	sess, err := m.tracked(name)
	if err != nil {
		return err
	}
	if err := m.bridges.Stop(sess.TmuxName); err != nil {
		return err
	}
	m.mu.Lock()
	if tracked, ok := m.sessions[sess.TmuxName]; ok {
		tracked.BridgePort = 0
	}
	m.mu.Unlock()
	return nil
}

// BridgeURL returns the reachable URL for a session's bridge, false when
// none is running (including when the bridge process died).
func (m *Manager) BridgeURL(name string) (string, bool) {
	sess, err := m.tracked(name)
	if err != nil {
		return "", false
	}
	return m.bridges.URL(sess.TmuxName)
}

// tracked returns a copy of the tracked session or ErrSessionNotFound.
func (m *Manager) tracked(name string) (*Session, error) {
	tmuxName := m.TmuxName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[tmuxName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	copied := *sess
	return &copied, nil
}

// adopt registers a live host session that the registry did not create.
// Initial state is classified from its current buffer.
func (m *Manager) adopt(tmuxName string) *Session {
	name := strings.TrimPrefix(tmuxName, m.prefix)

	workDir := ""
	if cwd, err := m.host.Cwd(tmuxName); err == nil {
		workDir = cwd
	}

	sess := &Session{
		Name:      name,
		TmuxName:  tmuxName,
		WorkDir:   workDir,
		State:     state.StateWorking,
		CreatedAt: time.Now(),
	}
	if content, err := m.host.Capture(tmuxName); err == nil {
		sess.State = m.classifier.Classify(state.Snapshot{
			Content: content,
			Alive:   true,
			Stable:  m.tracker.Observe(tmuxName, content),
		})
	}

	m.mu.Lock()
	if existing, ok := m.sessions[tmuxName]; ok {
		m.mu.Unlock()
		copied := *existing
		return &copied
	}
	m.sessions[tmuxName] = sess
	m.seq++
	m.order[tmuxName] = m.seq
	m.mu.Unlock()

	mgrLog.Info("session_adopted", slog.String("session", name), slog.String("work_dir", workDir))
	copied := *sess
	return &copied
}

// refreshLocked re-derives a session's state from a fresh liveness check
// and buffer snapshot. Caller holds m.mu.
func (m *Manager) refreshLocked(sess *Session) {
	if !m.host.Exists(sess.TmuxName) {
		sess.State = state.StateStopped
		return
	}

	if m.detector != nil {
		if st, ok := m.detector.Detect(sess.TmuxName, sess.WorkDir); ok {
			m.logTransition(sess, st, "detector")
			sess.State = st
			return
		}
	}

	content, err := m.host.Capture(sess.TmuxName)
	if err != nil {
		// Capture timeouts keep the previous state rather than flapping.
		mgrLog.Debug("capture_failed",
			slog.String("session", sess.Name),
			slog.String("error", err.Error()))
		return
	}

	stable := m.tracker.Observe(sess.TmuxName, content)
	st, rule := m.classifier.ClassifyRule(state.Snapshot{
		Content: content,
		Alive:   true,
		Stable:  stable,
	})
	m.logTransition(sess, st, rule)
	sess.State = st
}

func (m *Manager) logTransition(sess *Session, next state.State, rule string) {
	if sess.State == next {
		return
	}
	mgrLog.Info("state_change",
		slog.String("session", sess.Name),
		slog.String("from", string(sess.State)),
		slog.String("to", string(next)),
		slog.String("rule", rule))
}

// removeLocked drops a session from the table and forgets its stability
// history. Caller holds m.mu.
func (m *Manager) removeLocked(tmuxName string) {
	delete(m.sessions, tmuxName)
	delete(m.order, tmuxName)
	m.tracker.Forget(tmuxName)
}

func expandHome(path string) string {
	if path == "" || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

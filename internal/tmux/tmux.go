// Package tmux is a thin adapter over a tmux server: create named detached
// sessions running a command, send text and key sequences into them, capture
// their visible buffer, list live sessions, and kill them. Nothing above
// this package shells out to tmux directly.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agenttray/agenttray/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when Capture exceeds its timeout. Callers
// should keep the previous state rather than transitioning to error.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// ErrSessionNotFound reports an operation against a session the server no
// longer has (vanished between the caller's liveness check and the call).
var ErrSessionNotFound = errors.New("tmux session not found")

// ErrSessionExists reports creating a session name the server already has.
var ErrSessionExists = errors.New("tmux session already exists")

// wrapTmuxError folds tmux's stderr into sentinels so callers can tell a
// vanished session or a duplicate name from a broken server.
func wrapTmuxError(op string, err error, output []byte) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(string(output))
	switch {
	case strings.Contains(msg, "can't find session"),
		strings.Contains(msg, "session not found"),
		strings.Contains(msg, "no server running"):
		return fmt.Errorf("%s: %w", op, ErrSessionNotFound)
	case strings.Contains(msg, "duplicate session"):
		return fmt.Errorf("%s: %w", op, ErrSessionExists)
	}
	return fmt.Errorf("%s: %w (output: %s)", op, err, strings.TrimSpace(string(output)))
}

// captureCacheTTL is how long a captured buffer stays fresh. Rapid state
// checks within one poll tick reuse the same subprocess output.
const captureCacheTTL = 500 * time.Millisecond

// IsAvailable checks that tmux is installed and runnable.
func IsAvailable() error {
	cmd := exec.Command("tmux", "-V")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not available: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// SanitizeName replaces spaces and special characters with hyphens so the
// result is a valid tmux session name component.
func SanitizeName(name string) string {
	return nameSanitizer.ReplaceAllString(name, "-")
}

// Server is a handle to the local tmux server. It owns the session-existence
// cache (refreshed once per poll tick) and per-session capture caches.
type Server struct {
	// cache of live session names -> last window activity (unix seconds).
	// Refreshed by RefreshSessionCache; valid for cacheValidFor.
	cacheMu   sync.RWMutex
	cacheData map[string]int64
	cacheTime time.Time

	capMu    sync.Mutex
	captures map[string]*captureCache
}

type captureCache struct {
	mu      sync.RWMutex
	content string
	hasData bool
	time    time.Time
	sf      singleflight.Group
}

const cacheValidFor = 2 * time.Second

// NewServer returns a handle to the local tmux server.
func NewServer() *Server {
	return &Server{captures: make(map[string]*captureCache)}
}

// RefreshSessionCache updates the cached session list in a single
// list-windows call. Call once per poll tick; Exists and ListIDs then
// answer from the cache instead of spawning per-session subprocesses.
//
// window_activity is used (not session_activity) because it updates on
// actual terminal output, which is what working-state detection needs.
func (t *Server) RefreshSessionCache() {
	cmd := exec.Command("tmux", "list-windows", "-a", "-F", "#{session_name}\t#{window_activity}")
	output, err := cmd.Output()
	if err != nil {
		// No server running means no sessions, which is a valid answer.
		t.cacheMu.Lock()
		t.cacheData = map[string]int64{}
		t.cacheTime = time.Now()
		t.cacheMu.Unlock()
		return
	}

	newCache := make(map[string]int64)
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		name := parts[0]
		var activity int64
		_, _ = fmt.Sscanf(parts[1], "%d", &activity)
		// Keep the most recent window when a session has several.
		if existing, ok := newCache[name]; !ok || activity > existing {
			newCache[name] = activity
		}
	}

	t.cacheMu.Lock()
	t.cacheData = newCache
	t.cacheTime = time.Now()
	t.cacheMu.Unlock()
}

// registerInCache adds a just-created session so Exists does not race a
// cache refresh that ran before the session appeared.
func (t *Server) registerInCache(name string) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if t.cacheData == nil {
		t.cacheData = make(map[string]int64)
		t.cacheTime = time.Now()
	}
	t.cacheData[name] = time.Now().Unix()
}

func (t *Server) dropFromCache(name string) {
	t.cacheMu.Lock()
	delete(t.cacheData, name)
	t.cacheMu.Unlock()
}

func (t *Server) existsFromCache(name string) (exists, valid bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	if t.cacheData == nil || time.Since(t.cacheTime) > cacheValidFor {
		return false, false
	}
	_, ok := t.cacheData[name]
	return ok, true
}

// Exists reports whether the named session is alive. Answers from the cache
// when fresh, otherwise falls back to a direct has-session call.
func (t *Server) Exists(name string) bool {
	if exists, valid := t.existsFromCache(name); valid {
		return exists
	}
	cmd := exec.Command("tmux", "has-session", "-t", name)
	return cmd.Run() == nil
}

// ListIDs enumerates live session names on the server.
func (t *Server) ListIDs() ([]string, error) {
	cmd := exec.Command("tmux", "list-sessions", "-F", "#{session_name}")
	output, err := cmd.Output()
	if err != nil {
		// Exit status 1 with no server running is "no sessions", not a failure.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Activity returns the last window-activity timestamp for a session from
// the cache, zero if unknown.
func (t *Server) Activity(name string) int64 {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	return t.cacheData[name]
}

// Create starts a new detached session running command in cwd. The command
// is typed into the session's shell rather than used as the session command,
// so the session survives the program exiting and drops back to a shell.
func (t *Server) Create(name, command, cwd string) error {
	if cwd == "" {
		cwd = os.Getenv("HOME")
	}

	cmd := exec.Command("tmux", "new-session", "-d", "-s", name, "-c", cwd)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return wrapTmuxError("create session", err, output)
	}

	t.registerInCache(name)

	// Batch all session options into one subprocess call.
	// mouse: scrolling and selection; history-limit: large scrollback for
	// agent output; escape-time: fast editor responsiveness.
	_ = exec.Command("tmux",
		"set-option", "-t", name, "mouse", "on", ";",
		"set-option", "-t", name, "-q", "allow-passthrough", "on", ";",
		"set-option", "-t", name, "history-limit", "10000", ";",
		"set-option", "-t", name, "escape-time", "10").Run()

	if command != "" {
		if err := t.SendText(name, command, true); err != nil {
			return fmt.Errorf("failed to send launch command: %w", err)
		}
	}

	tmuxLog.Info("session_created",
		slog.String("session", name),
		slog.String("cwd", cwd))
	return nil
}

// SendText injects literal text into the session. With submit it is
// followed by an Enter keystroke after a short delay: tmux 3.2+ wraps
// literal sends in bracketed paste sequences, and without the delay the
// Enter lands in the same PTY buffer as the paste-end marker and gets
// swallowed by async TUI frameworks.
func (t *Server) SendText(name, text string, submit bool) error {
	t.invalidateCapture(name)
	if err := t.sendChunked(name, text); err != nil {
		return err
	}
	if !submit {
		return nil
	}
	time.Sleep(100 * time.Millisecond)
	return t.SendKeys(name, "Enter")
}

// SendKeys injects a raw key token (e.g. "Enter", "C-c", "1") without the
// literal flag, so tmux interprets key names.
func (t *Server) SendKeys(name, keySpec string) error {
	t.invalidateCapture(name)
	cmd := exec.Command("tmux", "send-keys", "-t", name, keySpec)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return wrapTmuxError("send keys", err, output)
	}
	return nil
}

// sendLiteral sends one chunk of literal text. The -l flag makes tmux treat
// the string as text, not key names, so "Enter" inside a message is not
// interpreted as the Enter key.
func (t *Server) sendLiteral(name, text string) error {
	cmd := exec.Command("tmux", "send-keys", "-l", "-t", name, "--", text)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return wrapTmuxError("send text", err, output)
	}
	return nil
}

// sendChunked splits large content to stay under tmux/OS buffer limits.
func (t *Server) sendChunked(name, content string) error {
	const chunkSize = 4096
	const chunkDelay = 50 * time.Millisecond

	if len(content) <= chunkSize {
		return t.sendLiteral(name, content)
	}

	chunks := splitIntoChunks(content, chunkSize)
	for i, chunk := range chunks {
		if err := t.sendLiteral(name, chunk); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			time.Sleep(chunkDelay)
		}
	}
	return nil
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring newline boundaries. A single overlong line is hard-split.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}
		cutPoint := strings.LastIndex(remaining[:maxSize], "\n")
		if cutPoint > 0 {
			chunks = append(chunks, remaining[:cutPoint+1])
			remaining = remaining[cutPoint+1:]
		} else {
			chunks = append(chunks, remaining[:maxSize])
			remaining = remaining[maxSize:]
		}
	}
	return chunks
}

func (t *Server) captureCacheFor(name string) *captureCache {
	t.capMu.Lock()
	defer t.capMu.Unlock()
	cc, ok := t.captures[name]
	if !ok {
		cc = &captureCache{}
		t.captures[name] = cc
	}
	return cc
}

// invalidateCapture clears the capture cache for a session. Must be called
// after any action that might change terminal content.
func (t *Server) invalidateCapture(name string) {
	t.capMu.Lock()
	cc, ok := t.captures[name]
	t.capMu.Unlock()
	if !ok {
		return
	}
	cc.mu.Lock()
	cc.content = ""
	cc.hasData = false
	cc.time = time.Time{}
	cc.mu.Unlock()
}

// Capture returns the session's currently visible buffer (a screen
// snapshot, not scrollback). Results are cached briefly and concurrent
// callers share one subprocess via singleflight.
func (t *Server) Capture(name string) (string, error) {
	cc := t.captureCacheFor(name)

	cc.mu.RLock()
	if cc.hasData && time.Since(cc.time) < captureCacheTTL {
		content := cc.content
		cc.mu.RUnlock()
		logging.Aggregate(logging.CompTmux, "capture_cache_hit")
		return content, nil
	}
	cc.mu.RUnlock()

	v, err, _ := cc.sf.Do("capture", func() (interface{}, error) {
		// Double-check inside singleflight.
		cc.mu.RLock()
		if cc.hasData && time.Since(cc.time) < captureCacheTTL {
			content := cc.content
			cc.mu.RUnlock()
			return content, nil
		}
		cc.mu.RUnlock()

		// -J joins wrapped lines so hashes don't change on resize.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", name, "-p", "-J")
		output, err := cmd.Output()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", ErrCaptureTimeout
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", wrapTmuxError("capture pane", err, exitErr.Stderr)
			}
			return "", fmt.Errorf("capture pane: %w", err)
		}

		logging.Aggregate(logging.CompTmux, "capture")

		content := string(output)
		cc.mu.Lock()
		cc.content = content
		cc.hasData = true
		cc.time = time.Now()
		cc.mu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CaptureHistory captures scrollback, limited to the last 2000 lines.
// Agent conversations run long; 2000 lines is roughly 40-80 screens.
func (t *Server) CaptureHistory(name string) (string, error) {
	cmd := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-J", "-S", "-2000")
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", wrapTmuxError("capture history", err, exitErr.Stderr)
		}
		return "", fmt.Errorf("capture history: %w", err)
	}
	return string(output), nil
}

// Cwd returns the current working directory of the session's active pane.
func (t *Server) Cwd(name string) (string, error) {
	cmd := exec.Command("tmux", "display-message", "-t", name, "-p", "#{pane_current_path}")
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", wrapTmuxError("read pane cwd", err, exitErr.Stderr)
		}
		return "", fmt.Errorf("read pane cwd: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Kill terminates the session. Idempotent: killing an already-dead session
// is not an error.
func (t *Server) Kill(name string) error {
	cmd := exec.Command("tmux", "kill-session", "-t", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		werr := wrapTmuxError("kill session", err, output)
		if errors.Is(werr, ErrSessionNotFound) || !t.Exists(name) {
			return nil
		}
		return werr
	}

	t.dropFromCache(name)
	t.capMu.Lock()
	delete(t.captures, name)
	t.capMu.Unlock()

	tmuxLog.Info("session_killed", slog.String("session", name))
	return nil
}

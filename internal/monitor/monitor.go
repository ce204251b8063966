// Package monitor runs the polling loop that keeps session states current:
// one session-cache refresh per tick, discovery of out-of-band sessions,
// reclassification of every tracked session, and change callbacks for the
// presentation layer. A filesystem watcher on the transcript directory
// wakes the loop early so answers to agent questions surface between ticks.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/agenttray/agenttray/internal/logging"
	"github.com/agenttray/agenttray/internal/manager"
	"github.com/agenttray/agenttray/internal/state"
)

var monLog = logging.ForComponent(logging.CompMonitor)

// Host is the slice of the multiplexer adapter the monitor drives.
type Host interface {
	RefreshSessionCache()
}

// Options configures a Monitor.
type Options struct {
	// Interval is the poll tick interval.
	Interval time.Duration

	// CapturesPerSecond caps buffer captures across all sessions so a
	// large session count cannot stampede the multiplexer with
	// subprocesses.
	CapturesPerSecond int

	// OnChange is invoked for every session whose state changed since the
	// previous tick, and once for each newly discovered session. Called
	// from the monitor goroutine.
	OnChange func(sess *manager.Session)

	// TranscriptRoot, when non-empty, is watched for transcript writes to
	// trigger an early poll. Empty disables the watcher.
	TranscriptRoot string
}

// Monitor polls the registry on a timer.
type Monitor struct {
	mgr  *manager.Manager
	host Host
	opts Options

	limiter *rate.Limiter
	kick    chan struct{}

	mu        sync.Mutex
	lastState map[string]state.State

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor over the given registry and host.
func New(mgr *manager.Manager, host Host, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.CapturesPerSecond <= 0 {
		opts.CapturesPerSecond = 20
	}
	return &Monitor{
		mgr:       mgr,
		host:      host,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.CapturesPerSecond), opts.CapturesPerSecond),
		kick:      make(chan struct{}, 1),
		lastState: make(map[string]state.State),
	}
}

// Start launches the poll loop. Idempotent while running.
func (m *Monitor) Start() {
	if m.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	var watcher *fsnotify.Watcher
	if m.opts.TranscriptRoot != "" {
		watcher = m.startWatcher(ctx)
	}

	go func() {
		defer close(m.done)
		if watcher != nil {
			defer watcher.Close()
		}

		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		m.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll(ctx)
			case <-m.kick:
				m.Poll(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

// Kick requests an immediate poll outside the timer schedule.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Poll runs one monitoring pass: refresh the session cache once, sync the
// registry against the host, reclassify every session, and fire change
// callbacks.
func (m *Monitor) Poll(ctx context.Context) {
	m.host.RefreshSessionCache()

	adopted := m.mgr.SyncSessions()
	newlyAdopted := make(map[string]bool, len(adopted))
	for _, tmuxName := range adopted {
		newlyAdopted[tmuxName] = true
	}

	// Each listed session costs at most one capture.
	n := len(m.lastStateSnapshot())
	if n < 1 {
		n = 1
	}
	if n > m.limiter.Burst() {
		n = m.limiter.Burst()
	}
	if err := m.limiter.WaitN(ctx, n); err != nil {
		return
	}

	sessions := m.mgr.ListSessions()
	logging.Aggregate(logging.CompMonitor, "poll", slog.Int("sessions", len(sessions)))

	m.mu.Lock()
	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		seen[sess.TmuxName] = true
		prev, known := m.lastState[sess.TmuxName]
		m.lastState[sess.TmuxName] = sess.State

		if newlyAdopted[sess.TmuxName] || !known || prev != sess.State {
			if known && prev != sess.State {
				monLog.Debug("monitor_state_change",
					slog.String("session", sess.Name),
					slog.String("from", string(prev)),
					slog.String("to", string(sess.State)))
			}
			if m.opts.OnChange != nil {
				m.opts.OnChange(sess)
			}
		}
	}
	// Sessions that disappeared since last tick get a final stopped
	// notification.
	for tmuxName, prev := range m.lastState {
		if seen[tmuxName] {
			continue
		}
		delete(m.lastState, tmuxName)
		if prev != state.StateStopped && m.opts.OnChange != nil {
			m.opts.OnChange(&manager.Session{
				TmuxName: tmuxName,
				Name:     tmuxName,
				State:    state.StateStopped,
			})
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) lastStateSnapshot() map[string]state.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]state.State, len(m.lastState))
	for k, v := range m.lastState {
		out[k] = v
	}
	return out
}

// startWatcher watches the transcript root (and its project subdirectories)
// and kicks the poll loop when a transcript grows. Watch failures degrade
// to plain polling.
func (m *Monitor) startWatcher(ctx context.Context) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		monLog.Warn("transcript_watch_unavailable", slog.String("error", err.Error()))
		return nil
	}

	root := m.opts.TranscriptRoot
	if err := watcher.Add(root); err != nil {
		monLog.Warn("transcript_watch_failed",
			slog.String("dir", root),
			slog.String("error", err.Error()))
		watcher.Close()
		return nil
	}
	// Transcripts live one level down (projects/<project>/<session>.jsonl).
	if entries, err := os.ReadDir(root); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(root, entry.Name()))
			}
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// New project directories need their own watch.
				if event.Has(fsnotify.Create) {
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						_ = watcher.Add(event.Name)
						continue
					}
				}
				if filepath.Ext(event.Name) == ".jsonl" &&
					(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					m.Kick()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				monLog.Debug("transcript_watch_error", slog.String("error", err.Error()))
			}
		}
	}()

	return watcher
}

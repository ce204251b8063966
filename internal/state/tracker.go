package state

import (
	"sync"
	"time"
)

// Tracker remembers each session's last content fingerprint and reports
// whether the content has been unchanged for the stability window. The
// window is explicit configuration, not an implicit loop sleep, so tests
// control timing deterministically.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]*observation

	// now is swapped out in tests.
	now func() time.Time
}

type observation struct {
	fingerprint string
	since       time.Time
}

// NewTracker creates a tracker with the given stability window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		seen:   make(map[string]*observation),
		now:    time.Now,
	}
}

// Observe records a snapshot for the named session and reports whether its
// normalized content has been unchanged for at least the window. The first
// observation of a session is never stable.
func (t *Tracker) Observe(name, content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fp := Fingerprint(content)
	now := t.now()

	obs, ok := t.seen[name]
	if !ok || obs.fingerprint != fp {
		t.seen[name] = &observation{fingerprint: fp, since: now}
		return false
	}
	return now.Sub(obs.since) >= t.window
}

// Forget drops the tracked fingerprint for a session, e.g. after it is
// killed, so a recreated session with the same name starts fresh.
func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, name)
}

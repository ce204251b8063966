// Package bridge manages per-session ttyd processes that expose a live
// terminal over a local network port. Bridges are best-effort convenience:
// they are tracked alongside sessions but started and stopped
// independently, and a dead bridge process is reported as absent, never as
// a stale URL.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agenttray/agenttray/internal/logging"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// ErrTtydNotFound is returned when the ttyd binary is not installed.
var ErrTtydNotFound = errors.New("ttyd not found (install with: sudo apt install ttyd / brew install ttyd)")

// ErrBridgeStart wraps port-allocation and spawn failures.
var ErrBridgeStart = errors.New("failed to start bridge")

// Options configures a Manager.
type Options struct {
	// Command is the ttyd binary to spawn.
	Command string

	// BasePort is the first port tried during allocation.
	BasePort int

	// Host, when set, overrides auto-detection of the advertised address.
	Host string
}

type bridgeProc struct {
	port int
	cmd  *exec.Cmd
}

// Manager owns the set of running bridges, keyed by tmux session name.
type Manager struct {
	command  string
	basePort int
	host     string

	mu       sync.Mutex
	bridges  map[string]*bridgeProc
	nextPort int

	// hooks swapped out in tests
	spawn     func(port int, tmuxName string) (*exec.Cmd, error)
	alive     func(cmd *exec.Cmd) bool
	hostAddr  func() string
	hostOnce  sync.Once
	hostCache string
}

// NewManager builds a bridge manager. Zero-value options get defaults.
func NewManager(opts Options) *Manager {
	if opts.Command == "" {
		opts.Command = "ttyd"
	}
	if opts.BasePort <= 0 {
		opts.BasePort = 7681
	}
	m := &Manager{
		command:  opts.Command,
		basePort: opts.BasePort,
		host:     opts.Host,
		bridges:  make(map[string]*bridgeProc),
		nextPort: opts.BasePort,
	}
	m.spawn = m.spawnTtyd
	m.alive = processAlive
	m.hostAddr = m.resolveHost
	return m
}

// Start launches a bridge exposing the named tmux session and returns its
// port. Idempotent: an already-bridged session returns the same port
// without spawning a second process. A bridge whose process died is reaped
// and replaced.
func (m *Manager) Start(tmuxName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bridges[tmuxName]; ok {
		if m.alive(b.cmd) {
			return b.port, nil
		}
		delete(m.bridges, tmuxName)
	}

	port, err := m.allocatePortLocked()
	if err != nil {
		return 0, err
	}

	cmd, err := m.spawn(port, tmuxName)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 0, ErrTtydNotFound
		}
		return 0, fmt.Errorf("%w: %v", ErrBridgeStart, err)
	}

	// Reap on exit. Without the Wait a ttyd that dies on its own lingers as
	// a zombie child, and Signal(0) reports zombies alive, so Port/URL would
	// keep advertising the dead bridge.
	if cmd != nil && cmd.Process != nil {
		go func() { _ = cmd.Wait() }()
	}

	m.bridges[tmuxName] = &bridgeProc{port: port, cmd: cmd}
	bridgeLog.Info("bridge_started",
		slog.String("session", tmuxName),
		slog.Int("port", port))
	return port, nil
}

// Stop terminates the bridge process if one is running. Idempotent.
func (m *Manager) Stop(tmuxName string) error {
	m.mu.Lock()
	b, ok := m.bridges[tmuxName]
	delete(m.bridges, tmuxName)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if b.cmd != nil && b.cmd.Process != nil {
		// The reaper goroutine from Start collects the exit status.
		if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil &&
			!errors.Is(err, syscall.ESRCH) && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to stop bridge for %s: %w", tmuxName, err)
		}
	}

	bridgeLog.Info("bridge_stopped", slog.String("session", tmuxName))
	return nil
}

// StopAll terminates every bridge, collecting partial failures.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	var names []string
	for name := range m.bridges {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.Stop(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Port returns the bridge port for a session, false when no live bridge
// exists.
func (m *Manager) Port(tmuxName string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bridges[tmuxName]
	if !ok {
		return 0, false
	}
	if !m.alive(b.cmd) {
		// Died out-of-band: reap rather than report a stale port.
		delete(m.bridges, tmuxName)
		bridgeLog.Warn("bridge_died", slog.String("session", tmuxName), slog.Int("port", b.port))
		return 0, false
	}
	return b.port, true
}

// URL returns the reachable address for a session's bridge
// (http://<host>:<port>), false when none is running.
func (m *Manager) URL(tmuxName string) (string, bool) {
	port, ok := m.Port(tmuxName)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("http://%s:%d", m.hostAddress(), port), true
}

// allocatePortLocked hands out the next free port at or above the base.
// Ports held by live bridges are skipped; a bind probe catches ports taken
// by other processes. Caller holds m.mu.
func (m *Manager) allocatePortLocked() (int, error) {
	inUse := make(map[int]bool, len(m.bridges))
	for _, b := range m.bridges {
		inUse[b.port] = true
	}

	for port := m.nextPort; port < m.nextPort+100; port++ {
		if inUse[port] {
			continue
		}
		if !portFree(port) {
			continue
		}
		m.nextPort = port + 1
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in range %d-%d", ErrBridgeStart, m.nextPort, m.nextPort+99)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// spawnTtyd launches the real ttyd process for a session.
func (m *Manager) spawnTtyd(port int, tmuxName string) (*exec.Cmd, error) {
	cmd := exec.Command(m.command,
		"--writable",
		"--port", strconv.Itoa(port),
		"tmux", "attach-session", "-t", tmuxName)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// processAlive checks liveness with signal 0. Valid only because every
// spawned process has a reaper goroutine: once Wait has collected the exit
// status, Signal returns os.ErrProcessDone instead of succeeding against a
// zombie.
func processAlive(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// hostAddress resolves the advertised host once and caches it.
func (m *Manager) hostAddress() string {
	if m.host != "" {
		return m.host
	}
	m.hostOnce.Do(func() {
		m.hostCache = m.hostAddr()
	})
	return m.hostCache
}

// resolveHost prefers the machine's tailscale address so bridges are
// reachable across the tailnet, falling back to localhost.
func (m *Manager) resolveHost() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "tailscale", "ip", "-4").Output()
	if err != nil {
		return "localhost"
	}
	ip, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	if ip == "" {
		return "localhost"
	}
	return ip
}

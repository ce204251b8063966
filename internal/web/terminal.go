package web

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

// ErrTmuxSessionNotFound is returned when the underlying tmux session for a
// terminal bridge is gone.
var ErrTmuxSessionNotFound = errors.New("tmux session not found")

// wsConnWriter serializes writes to one websocket connection. gorilla
// websocket allows only one concurrent writer.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ptyBridge attaches a PTY running `tmux attach-session` to a websocket,
// streaming terminal output as binary frames and accepting input/resize.
type ptyBridge struct {
	tmuxName string
	writer   *wsConnWriter

	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	done      chan struct{}
}

func newPTYBridge(tmuxName string, writer *wsConnWriter) (*ptyBridge, error) {
	if tmuxName == "" {
		return nil, fmt.Errorf("tmux session name is required")
	}

	exists, err := tmuxSessionExists(tmuxName)
	if err != nil {
		return nil, fmt.Errorf("check tmux session %q: %w", tmuxName, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTmuxSessionNotFound, tmuxName)
	}

	// ignore-size keeps the web client from resizing the shared tmux window
	// under other attached clients.
	cmd := exec.Command("tmux", "attach-session", "-f", "ignore-size", "-t", tmuxName)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start tmux pty: %w", err)
	}

	b := &ptyBridge{
		tmuxName: tmuxName,
		writer:   writer,
		cmd:      cmd,
		ptmx:     ptmx,
		done:     make(chan struct{}),
	}
	go b.streamOutput()
	return b, nil
}

func (b *ptyBridge) streamOutput() {
	defer close(b.done)

	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if writeErr := b.writer.WriteBinary(chunk); writeErr != nil {
				b.Close()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = b.writer.WriteJSON(wsServerMessage{
					Type:    "status",
					Event:   "session_closed",
					Session: b.tmuxName,
					Time:    time.Now().UTC(),
				})
			}
			b.Close()
			return
		}
	}
}

func (b *ptyBridge) WriteInput(data string) error {
	if b == nil || b.ptmx == nil {
		return fmt.Errorf("bridge not initialized")
	}
	if data == "" {
		return nil
	}
	_, err := b.ptmx.Write([]byte(data))
	return err
}

func (b *ptyBridge) Resize(cols, rows int) error {
	if b == nil || b.ptmx == nil {
		return fmt.Errorf("bridge not initialized")
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (b *ptyBridge) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		if b.ptmx != nil {
			_ = b.ptmx.Close()
		}
		if b.cmd != nil && b.cmd.Process != nil {
			// Kill the attach client's whole process group.
			pgid, err := syscall.Getpgid(b.cmd.Process.Pid)
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
			} else {
				_ = b.cmd.Process.Kill()
			}
		}
		if b.cmd != nil {
			_ = b.cmd.Wait()
		}
	})
}

func tmuxSessionExists(name string) (bool, error) {
	cmd := exec.Command("tmux", "has-session", "-t", name)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session failed: %s", string(output))
}

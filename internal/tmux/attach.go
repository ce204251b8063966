//go:build !windows

package tmux

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Attach connects the caller's terminal to the named session with full PTY
// support. Ctrl+Q detaches and returns to the caller.
func (t *Server) Attach(ctx context.Context, name string) error {
	if !t.Exists(name) {
		return fmt.Errorf("session %s does not exist", name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "attach-session", "-t", name)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	defer ptmx.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	// Window resize handling.
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	sigwinchDone := make(chan struct{})
	defer func() {
		signal.Stop(sigwinch)
		close(sigwinchDone)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-sigwinchDone:
				return
			case _, ok := <-sigwinch:
				if !ok {
					return
				}
				if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(ptmx, ws)
				}
			}
		}
	}()
	sigwinch <- syscall.SIGWINCH

	detachCh := make(chan struct{})

	// Terminals emit capability queries right after raw mode; discard input
	// arriving in the first 50ms so they don't reach the session.
	startTime := time.Now()
	const controlSeqTimeout = 50 * time.Millisecond

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(os.Stdout, ptmx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if time.Since(startTime) < controlSeqTimeout {
				continue
			}
			// Ctrl+Q (ASCII 17) detaches.
			if n == 1 && buf[0] == 17 {
				close(detachCh)
				cancel()
				return
			}
			if _, err := ptmx.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	cmdDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cmdDone <- cmd.Wait()
	}()

	select {
	case <-detachCh:
		return nil
	case err := <-cmdDone:
		if err != nil {
			// Exit code 0/1 is a normal tmux detach (Ctrl+B, D).
			if exitErr, ok := err.(*exec.ExitError); ok {
				if exitErr.ExitCode() == 0 || exitErr.ExitCode() == 1 {
					return nil
				}
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

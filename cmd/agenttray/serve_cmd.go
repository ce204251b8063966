package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agenttray/agenttray/internal/config"
	"github.com/agenttray/agenttray/internal/logging"
	"github.com/agenttray/agenttray/internal/manager"
	"github.com/agenttray/agenttray/internal/monitor"
	"github.com/agenttray/agenttray/internal/web"
)

// handleServe runs the monitor daemon: poll loop, transcript watcher, and
// (unless disabled) the HTTP control API.
func handleServe(configPath string, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen", "", "Listen address (overrides config)")
	readOnly := fs.Bool("read-only", false, "Disable all mutating endpoints and terminal input")
	token := fs.String("token", "", "Bearer token for API/WS access (overrides config)")
	noWeb := fs.Bool("no-web", false, "Run the monitor without the HTTP API")
	fs.Usage = func() {
		fmt.Println("Usage: agenttray serve [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  agenttray serve")
		fmt.Println("  agenttray serve --listen 127.0.0.1:9000 --token s3cret")
		fmt.Println("  agenttray serve --read-only")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fail("%v", err)
	}
	if fs.NArg() > 0 {
		fail("unexpected arguments: %v", fs.Args())
	}

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}
	defer logging.Shutdown()

	srvLog := logging.ForComponent(logging.CompSession)

	transcriptRoot := ""
	if a.cfg.TranscriptsEnabled() {
		transcriptRoot = monitor.DefaultTranscriptRoot()
	}

	mon := monitor.New(a.mgr, a.host, monitor.Options{
		Interval:          a.cfg.PollInterval(),
		CapturesPerSecond: a.cfg.Monitor.CapturesPerSecond,
		TranscriptRoot:    transcriptRoot,
		OnChange: func(sess *manager.Session) {
			srvLog.Info("session_state",
				slog.String("session", sess.Name),
				slog.String("state", string(sess.State)))
		},
	})
	mon.Start()
	defer mon.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *noWeb || !a.cfg.WebEnabled() {
		fmt.Println("Monitor running (no web API). Ctrl+C to stop.")
		<-ctx.Done()
		shutdownBridges(a)
		return
	}

	webCfg := web.Config{
		ListenAddr: a.cfg.Web.Listen,
		ReadOnly:   a.cfg.Web.ReadOnly || *readOnly,
		Token:      a.cfg.Web.Token,
	}
	if *listenAddr != "" {
		webCfg.ListenAddr = *listenAddr
	}
	if *token != "" {
		webCfg.Token = *token
	}

	server := web.NewServer(webCfg, a.mgr)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	fmt.Printf("agenttray v%s serving on http://%s\n", Version, server.Addr())
	if webCfg.ReadOnly {
		fmt.Println("Read-only mode: input disabled.")
	}

	select {
	case err := <-serveErr:
		if err != nil {
			dumpDebugState("web server failed")
			fail("web server: %v", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		srvLog.Warn("shutdown_error", slog.String("error", err.Error()))
	}
	shutdownBridges(a)
}

// shutdownBridges stops ttyd processes on daemon exit. Managed tmux sessions
// keep running; only the remote bridges are torn down.
func shutdownBridges(a *app) {
	if err := a.bridges.StopAll(); err != nil {
		logging.Logger().Warn("bridge_shutdown_error", slog.String("error", err.Error()))
	}
}

// dumpDebugState writes the in-memory log ring buffer next to the config so
// a crash leaves something to inspect.
func dumpDebugState(reason string) {
	dir, err := config.Dir()
	if err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-%d.log", time.Now().Unix()))
	if err := logging.DumpRingBuffer(path); err == nil {
		fmt.Fprintf(os.Stderr, "%s; debug log written to %s\n", reason, path)
	}
}

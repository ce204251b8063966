package logging

import (
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // registers profiler handlers on DefaultServeMux
	"time"
)

// startPprof serves the runtime profiler on a loopback-only listener, for
// chasing capture-loop CPU and goroutine leaks in a running daemon.
func startPprof() {
	srv := &http.Server{
		Addr:              "127.0.0.1:6060",
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		Logger().Info("pprof_listen", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger().Warn("pprof_unavailable", slog.String("error", err.Error()))
		}
	}()
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/agenttray/agenttray/internal/bridge"
	"github.com/agenttray/agenttray/internal/config"
	"github.com/agenttray/agenttray/internal/logging"
	"github.com/agenttray/agenttray/internal/manager"
	"github.com/agenttray/agenttray/internal/monitor"
	"github.com/agenttray/agenttray/internal/state"
	"github.com/agenttray/agenttray/internal/tmux"
)

// app bundles the wired-up components every subcommand needs.
type app struct {
	cfg     *config.Config
	host    *tmux.Server
	bridges *bridge.Manager
	mgr     *manager.Manager
}

// buildApp loads config, initializes logging, and wires the registry. The
// registry adopts already-running prefixed sessions during construction, so
// CLI commands see sessions created by the daemon or by hand.
func buildApp(configPath string) (*app, error) {
	if err := tmux.IsAvailable(); err != nil {
		return nil, err
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logDir, _ := config.Dir()
	logging.Init(logging.Config{
		LogDir:       logDir,
		Level:        cfg.Logs.Level,
		Format:       cfg.Logs.Format,
		MaxSizeMB:    cfg.Logs.MaxSizeMB,
		MaxBackups:   cfg.Logs.Backups,
		MaxAgeDays:   cfg.Logs.RetentionDays,
		Compress:     cfg.Logs.Compress == nil || *cfg.Logs.Compress,
		PprofEnabled: cfg.Logs.PprofEnabled,
	})

	host := tmux.NewServer()
	bridges := bridge.NewManager(bridge.Options{
		Command:  cfg.Bridge.Command,
		BasePort: cfg.Bridge.BasePort,
		Host:     cfg.Bridge.Host,
	})
	mgr := manager.New(host, bridges, manager.Options{
		Command:       cfg.Session.Command,
		Prefix:        cfg.Session.Prefix,
		RetainStopped: cfg.Session.RetainStopped,
		Markers:       markersFromConfig(cfg),
		StableAfter:   cfg.StableAfter(),
	})
	if cfg.TranscriptsEnabled() {
		mgr.SetDetector(monitor.NewTranscriptDetector(monitor.DefaultTranscriptRoot()))
	}

	return &app{cfg: cfg, host: host, bridges: bridges, mgr: mgr}, nil
}

func markersFromConfig(cfg *config.Config) state.Markers {
	return state.Markers{
		Idle:           cfg.Detection.IdleMarkers,
		Error:          cfg.Detection.ErrorMarkers,
		ChoicePrefixes: cfg.Detection.ChoicePrefixes,
		PromptKeywords: cfg.Detection.PromptKeywords,
	}
}

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which
// means "send my-session --json hello" silently ignores --json.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" terminates flag processing
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

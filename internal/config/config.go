package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the agenttray directory.
const FileName = "config.toml"

// Config is the user-facing configuration, read from ~/.agenttray/config.toml.
// Every field has a working default; an absent file is not an error.
type Config struct {
	// Session defines how agent sessions are created and named
	Session SessionSettings `toml:"session"`

	// Monitor defines the polling monitor behavior
	Monitor MonitorSettings `toml:"monitor"`

	// Detection overrides the built-in state detection markers
	Detection DetectionSettings `toml:"detection"`

	// Bridge defines ttyd remote bridge settings
	Bridge BridgeSettings `toml:"bridge"`

	// Web defines the HTTP dashboard API settings
	Web WebSettings `toml:"web"`

	// Logs defines debug log settings
	Logs LogSettings `toml:"logs"`
}

// SessionSettings controls session creation.
type SessionSettings struct {
	// Command is the fixed launch command started inside every new session.
	// Default: "claude --dangerously-skip-permissions"
	Command string `toml:"command"`

	// Prefix is prepended to the sanitized project name to form the tmux
	// session name. External tools rely on this being deterministic.
	// Default: "claude_"
	Prefix string `toml:"prefix"`

	// RetainStopped keeps sessions whose tmux session has vanished visible
	// as STOPPED entries instead of pruning them on the next listing.
	// Default: false (prune)
	RetainStopped bool `toml:"retain_stopped"`
}

// MonitorSettings controls the polling monitor.
type MonitorSettings struct {
	// PollIntervalMS is the monitor tick interval in milliseconds.
	// Default: 2000
	PollIntervalMS int `toml:"poll_interval_ms"`

	// StableAfterMS is how long a session's normalized output must stay
	// unchanged before it counts as stable (the IDLE precondition).
	// Default: 2000
	StableAfterMS int `toml:"stable_after_ms"`

	// CapturesPerSecond caps tmux capture-pane subprocess spawns across all
	// sessions. Default: 20
	CapturesPerSecond int `toml:"captures_per_second"`

	// Transcripts enables JSONL transcript detection as the primary state
	// source, with buffer classification as fallback. Default: true
	Transcripts *bool `toml:"transcripts"`
}

// DetectionSettings overrides classifier marker sets.
// Empty slices keep the built-in defaults.
type DetectionSettings struct {
	// IdleMarkers are suffixes of the last non-blank line that indicate a
	// ready prompt. Default: ["❯", "$", ">"]
	IdleMarkers []string `toml:"idle_markers"`

	// ErrorMarkers flag ERROR when found in the trailing lines.
	// Default: ["error", "failed", "exception", "traceback"]
	ErrorMarkers []string `toml:"error_markers"`

	// ChoicePrefixes indicate an interactive option list.
	// Default: ["1.", "2.", "3.", "4.", "●", "○", "- ["]
	ChoicePrefixes []string `toml:"choice_prefixes"`

	// PromptKeywords mark a trailing question line as WAITING_INPUT when the
	// line also ends with "?". Default: ["?"]
	PromptKeywords []string `toml:"prompt_keywords"`
}

// BridgeSettings controls ttyd remote bridges.
type BridgeSettings struct {
	// Command is the ttyd binary. Default: "ttyd"
	Command string `toml:"command"`

	// BasePort is the first port tried when allocating bridge ports.
	// Default: 7681
	BasePort int `toml:"base_port"`

	// Host overrides the advertised host address in bridge URLs.
	// Empty = auto-detect (tailscale ip -4, falling back to localhost).
	Host string `toml:"host"`
}

// WebSettings controls the HTTP dashboard API.
type WebSettings struct {
	// Enabled starts the web API with `agenttray serve`. Default: true
	Enabled *bool `toml:"enabled"`

	// Listen is the listen address. Default: "127.0.0.1:7685"
	Listen string `toml:"listen"`

	// Token, when set, is required as a Bearer token on every API request.
	Token string `toml:"token"`

	// ReadOnly disables all mutating endpoints and terminal input.
	ReadOnly bool `toml:"read_only"`
}

// LogSettings controls the debug log.
type LogSettings struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	// Default: "info"
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`

	// MaxSizeMB is the max size before rotation. Default: 10
	MaxSizeMB int `toml:"max_size_mb"`

	// Backups is the number of rotated files to keep. Default: 5
	Backups int `toml:"backups"`

	// RetentionDays is the days to keep rotated files. Default: 10
	RetentionDays int `toml:"retention_days"`

	// Compress enables gzip compression of rotated files. Default: true
	Compress *bool `toml:"compress"`

	// PprofEnabled starts a pprof server on localhost:6060. Default: false
	PprofEnabled bool `toml:"pprof_enabled"`
}

// Dir returns the base agenttray directory (~/.agenttray).
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agenttray"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config file and applies defaults for unset fields.
// A missing file yields the defaults without error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a config file from an explicit path (used by tests).
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Session.Command == "" {
		c.Session.Command = "claude --dangerously-skip-permissions"
	}
	if c.Session.Prefix == "" {
		c.Session.Prefix = "claude_"
	}

	if c.Monitor.PollIntervalMS <= 0 {
		c.Monitor.PollIntervalMS = 2000
	}
	if c.Monitor.StableAfterMS <= 0 {
		c.Monitor.StableAfterMS = 2000
	}
	if c.Monitor.CapturesPerSecond <= 0 {
		c.Monitor.CapturesPerSecond = 20
	}
	if c.Monitor.Transcripts == nil {
		c.Monitor.Transcripts = boolPtr(true)
	}

	if c.Bridge.Command == "" {
		c.Bridge.Command = "ttyd"
	}
	if c.Bridge.BasePort <= 0 {
		c.Bridge.BasePort = 7681
	}

	if c.Web.Enabled == nil {
		c.Web.Enabled = boolPtr(true)
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:7685"
	}

	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = 10
	}
	if c.Logs.Backups <= 0 {
		c.Logs.Backups = 5
	}
	if c.Logs.RetentionDays <= 0 {
		c.Logs.RetentionDays = 10
	}
	if c.Logs.Compress == nil {
		c.Logs.Compress = boolPtr(true)
	}
}

// PollInterval returns the monitor tick interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalMS) * time.Millisecond
}

// StableAfter returns the stability window as a duration.
func (c *Config) StableAfter() time.Duration {
	return time.Duration(c.Monitor.StableAfterMS) * time.Millisecond
}

// TranscriptsEnabled reports whether transcript detection is on.
func (c *Config) TranscriptsEnabled() bool {
	return c.Monitor.Transcripts == nil || *c.Monitor.Transcripts
}

// WebEnabled reports whether the web API should start with serve.
func (c *Config) WebEnabled() bool {
	return c.Web.Enabled == nil || *c.Web.Enabled
}

func boolPtr(b bool) *bool { return &b }

package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agenttray/agenttray/internal/config"
)

func newTestFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("json", false, "")
	fs.Bool("enter", false, "")
	fs.String("listen", "", "")
	return fs
}

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "flags already first",
			args: []string{"--json", "demo"},
			want: []string{"--json", "demo"},
		},
		{
			name: "bool flag after positional",
			args: []string{"demo", "--json"},
			want: []string{"--json", "demo"},
		},
		{
			name: "value flag takes next arg",
			args: []string{"demo", "--listen", "127.0.0.1:9000"},
			want: []string{"--listen", "127.0.0.1:9000", "demo"},
		},
		{
			name: "equals form stays intact",
			args: []string{"demo", "--listen=127.0.0.1:9000"},
			want: []string{"--listen=127.0.0.1:9000", "demo"},
		},
		{
			name: "double dash stops flag parsing",
			args: []string{"demo", "--", "--json"},
			want: []string{"demo", "--json"},
		},
		{
			name: "empty",
			args: nil,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(newTestFlagSet(), tt.args)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractConfigFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPath string
		wantRest []string
	}{
		{
			name:     "no config flag",
			args:     []string{"list", "--json"},
			wantPath: "",
			wantRest: []string{"list", "--json"},
		},
		{
			name:     "long flag before command",
			args:     []string{"--config", "/tmp/c.toml", "list"},
			wantPath: "/tmp/c.toml",
			wantRest: []string{"list"},
		},
		{
			name:     "short flag after command",
			args:     []string{"list", "-c", "/tmp/c.toml"},
			wantPath: "/tmp/c.toml",
			wantRest: []string{"list"},
		},
		{
			name:     "equals form",
			args:     []string{"--config=/tmp/c.toml", "serve"},
			wantPath: "/tmp/c.toml",
			wantRest: []string{"serve"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, rest := extractConfigFlag(tt.args)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestMarkersFromConfig(t *testing.T) {
	cfg := config.Default()
	m := markersFromConfig(cfg)

	// Defaults leave the override slices empty; the classifier fills in its
	// built-in sets for empty slices.
	assert.Empty(t, m.Idle)
	assert.Empty(t, m.Error)

	cfg.Detection.IdleMarkers = []string{">>>"}
	cfg.Detection.ErrorMarkers = []string{"panic:"}
	m = markersFromConfig(cfg)
	assert.Equal(t, []string{">>>"}, m.Idle)
	assert.Equal(t, []string{"panic:"}, m.Error)
}

package state

import "testing"

func TestClassifyPriorityOrder(t *testing.T) {
	c := NewClassifier(Markers{})

	tests := []struct {
		name     string
		snapshot Snapshot
		want     State
		wantRule string
	}{
		{
			name:     "dead session is stopped regardless of content",
			snapshot: Snapshot{Content: "❯", Alive: false, Stable: true},
			want:     StateStopped,
			wantRule: "stopped",
		},
		{
			name:     "error marker in tail",
			snapshot: Snapshot{Content: "building...\nError: connection refused\n", Alive: true},
			want:     StateError,
			wantRule: "error_marker",
		},
		{
			name: "error beats choice list when both present",
			snapshot: Snapshot{
				Content: "Traceback (most recent call last):\n1. Retry\n2. Abort\n",
				Alive:   true,
			},
			want:     StateError,
			wantRule: "error_marker",
		},
		{
			name:     "numbered choice list",
			snapshot: Snapshot{Content: "Pick an option:\n1. Create file\n2. Skip\n", Alive: true},
			want:     StateWaitingInput,
			wantRule: "choice_list",
		},
		{
			name:     "radio selector",
			snapshot: Snapshot{Content: "● Yes\n○ No\n", Alive: true},
			want:     StateWaitingInput,
			wantRule: "choice_list",
		},
		{
			name:     "trailing question",
			snapshot: Snapshot{Content: "Done editing.\nApply these changes?\n", Alive: true},
			want:     StateWaitingInput,
			wantRule: "question",
		},
		{
			name:     "stable ready prompt is idle",
			snapshot: Snapshot{Content: "task complete\n❯", Alive: true, Stable: true},
			want:     StateIdle,
			wantRule: "idle_prompt",
		},
		{
			name:     "ready prompt while still changing is working",
			snapshot: Snapshot{Content: "task complete\n❯", Alive: true, Stable: false},
			want:     StateWorking,
			wantRule: "",
		},
		{
			name:     "stable output without prompt is idle",
			snapshot: Snapshot{Content: "wrote 3 files\nall checks passed\n", Alive: true, Stable: true},
			want:     StateIdle,
			wantRule: "quiet",
		},
		{
			name:     "streaming output defaults to working",
			snapshot: Snapshot{Content: "compiling module 14 of 92\n", Alive: true},
			want:     StateWorking,
			wantRule: "",
		},
		{
			name:     "empty buffer is working even when stable",
			snapshot: Snapshot{Content: "", Alive: true, Stable: true},
			want:     StateWorking,
			wantRule: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := c.ClassifyRule(tt.snapshot)
			if got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
			if rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", rule, tt.wantRule)
			}
		})
	}
}

func TestClassifyIdempotentOnStableSnapshot(t *testing.T) {
	// The same unchanged snapshot, once confirmed stable, must classify as
	// idle both times, never flip back to working.
	c := NewClassifier(Markers{})
	snap := Snapshot{Content: "finished\n❯ ", Alive: true, Stable: true}

	first := c.Classify(snap)
	second := c.Classify(snap)
	if first != StateIdle || second != StateIdle {
		t.Errorf("expected idle/idle, got %v/%v", first, second)
	}
}

func TestClassifyStripsANSI(t *testing.T) {
	c := NewClassifier(Markers{})
	// Colored prompt: ESC[32m ❯ ESC[0m
	snap := Snapshot{Content: "done\n\x1b[32m❯\x1b[0m", Alive: true, Stable: true}
	if got := c.Classify(snap); got != StateIdle {
		t.Errorf("expected idle for colored prompt, got %v", got)
	}
}

func TestClassifyCaseInsensitiveErrors(t *testing.T) {
	c := NewClassifier(Markers{})
	for _, content := range []string{"FAILED to apply patch", "npm ERR! exception thrown"} {
		snap := Snapshot{Content: content, Alive: true}
		if got := c.Classify(snap); got != StateError {
			t.Errorf("Classify(%q) = %v, want error", content, got)
		}
	}
}

func TestClassifyCustomMarkers(t *testing.T) {
	c := NewClassifier(Markers{Idle: []string{"%"}})
	snap := Snapshot{Content: "host%", Alive: true, Stable: true}
	if got := c.Classify(snap); got != StateIdle {
		t.Errorf("expected idle with custom marker, got %v", got)
	}
}

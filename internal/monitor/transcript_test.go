package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttray/agenttray/internal/state"
)

func writeTranscript(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func userEntry(cwd string) string {
	return fmt.Sprintf(`{"type":"user","cwd":%q,"message":{"content":[{"type":"text","text":"do it"}]}}`, cwd)
}

const assistantText = `{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`
const assistantAsk = `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion"}]}}`
const assistantTask = `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Task"}]}}`

func TestClassifyTranscript(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		lines []string
		want  state.State
	}{
		{
			name:  "trailing user entry means working",
			lines: []string{userEntry("/tmp"), assistantText, userEntry("/tmp")},
			want:  state.StateWorking,
		},
		{
			name:  "assistant finished means idle",
			lines: []string{userEntry("/tmp"), assistantText},
			want:  state.StateIdle,
		},
		{
			name:  "assistant asked a question means waiting",
			lines: []string{userEntry("/tmp"), assistantAsk},
			want:  state.StateWaitingInput,
		},
		{
			name:  "assistant dispatched a subagent means working",
			lines: []string{userEntry("/tmp"), assistantTask},
			want:  state.StateWorking,
		},
		{
			name:  "empty transcript means idle",
			lines: []string{`{"type":"summary"}`},
			want:  state.StateIdle,
		},
		{
			name:  "malformed lines are skipped",
			lines: []string{"not json at all", userEntry("/tmp"), "{broken", assistantAsk},
			want:  state.StateWaitingInput,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTranscript(t, dir, fmt.Sprintf("t%d.jsonl", i), tt.lines...)
			got, err := classifyTranscript(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyTranscriptReadsOnlyTail(t *testing.T) {
	dir := t.TempDir()

	// Pad well past the tail window, then end with a question.
	lines := []string{userEntry("/tmp")}
	filler := fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":%q}]}}`,
		strings.Repeat("x", 1000))
	for i := 0; i < 100; i++ {
		lines = append(lines, filler)
	}
	lines = append(lines, assistantAsk)

	path := writeTranscript(t, dir, "big.jsonl", lines...)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(transcriptTailBytes))

	got, err := classifyTranscript(path)
	require.NoError(t, err)
	assert.Equal(t, state.StateWaitingInput, got)
}

func TestDetectMatchesByWorkingDirectory(t *testing.T) {
	root := t.TempDir()
	workDir := t.TempDir()
	otherDir := t.TempDir()

	projA := filepath.Join(root, "proj-a")
	projB := filepath.Join(root, "proj-b")
	require.NoError(t, os.Mkdir(projA, 0o755))
	require.NoError(t, os.Mkdir(projB, 0o755))

	writeTranscript(t, projA, "a.jsonl", userEntry(otherDir), assistantAsk)
	writeTranscript(t, projB, "b.jsonl", userEntry(workDir), assistantText)

	d := NewTranscriptDetector(root)
	st, ok := d.Detect("claude_demo", workDir)
	require.True(t, ok)
	assert.Equal(t, state.StateIdle, st)
}

func TestDetectNoTranscript(t *testing.T) {
	d := NewTranscriptDetector(t.TempDir())
	_, ok := d.Detect("claude_demo", t.TempDir())
	assert.False(t, ok)
}

func TestDetectCachesGrowingTranscript(t *testing.T) {
	root := t.TempDir()
	workDir := t.TempDir()
	proj := filepath.Join(root, "proj")
	require.NoError(t, os.Mkdir(proj, 0o755))
	path := writeTranscript(t, proj, "s.jsonl", userEntry(workDir), assistantText)

	d := NewTranscriptDetector(root)
	st, ok := d.Detect("claude_demo", workDir)
	require.True(t, ok)
	assert.Equal(t, state.StateIdle, st)

	// Append a question; cached path must be reused and reflect it.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(userEntry(workDir) + "\n" + assistantAsk + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, ok = d.Detect("claude_demo", workDir)
	require.True(t, ok)
	assert.Equal(t, state.StateWaitingInput, st)
}

func TestDetectPrefersMostRecentTranscript(t *testing.T) {
	root := t.TempDir()
	workDir := t.TempDir()
	proj := filepath.Join(root, "proj")
	require.NoError(t, os.Mkdir(proj, 0o755))

	old := writeTranscript(t, proj, "old.jsonl", userEntry(workDir), assistantText)
	older := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, older, older))

	writeTranscript(t, proj, "new.jsonl", userEntry(workDir), assistantAsk)

	d := NewTranscriptDetector(root)
	st, ok := d.Detect("claude_demo", workDir)
	require.True(t, ok)
	assert.Equal(t, state.StateWaitingInput, st)
}

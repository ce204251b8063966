package monitor

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agenttray/agenttray/internal/state"
)

// transcriptTailBytes bounds how much of a transcript is re-read per poll.
// Transcripts grow without bound; the last entries decide the state.
const transcriptTailBytes = 50_000

// TranscriptDetector derives session state from the agent's JSONL
// transcript files instead of the terminal buffer. The transcript is
// authoritative when present: a trailing user entry means the agent is
// working on it, a trailing assistant entry means it finished (or asked a
// question). Sessions without a transcript fall back to buffer
// classification.
//
// Implements manager.Detector.
type TranscriptDetector struct {
	// Root is the transcript directory (~/.claude/projects by default).
	root string

	mu    sync.Mutex
	cache map[string]*cachedTranscript // keyed by tmux session name
}

type cachedTranscript struct {
	path string
	size int64
}

// DefaultTranscriptRoot returns ~/.claude/projects.
func DefaultTranscriptRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// NewTranscriptDetector watches transcripts under root. An empty root uses
// the default location.
func NewTranscriptDetector(root string) *TranscriptDetector {
	if root == "" {
		root = DefaultTranscriptRoot()
	}
	return &TranscriptDetector{
		root:  root,
		cache: make(map[string]*cachedTranscript),
	}
}

// Root returns the watched transcript directory.
func (d *TranscriptDetector) Root() string { return d.root }

// Detect returns the transcript-derived state for a session, false when no
// transcript could be matched.
func (d *TranscriptDetector) Detect(tmuxName, workDir string) (state.State, bool) {
	path := d.findTranscript(tmuxName, workDir)
	if path == "" {
		return "", false
	}

	st, err := classifyTranscript(path)
	if err != nil {
		monLog.Debug("transcript_read_failed",
			slog.String("session", tmuxName),
			slog.String("error", err.Error()))
		return "", false
	}
	return st, true
}

// findTranscript locates the JSONL file for a session by matching the
// session's working directory against the cwd recorded in each
// transcript's first user entry, preferring the most recently modified
// file. A growing cached match is reused without rescanning.
func (d *TranscriptDetector) findTranscript(tmuxName, workDir string) string {
	d.mu.Lock()
	cached, ok := d.cache[tmuxName]
	d.mu.Unlock()

	if ok {
		if fi, err := os.Stat(cached.path); err == nil && fi.Size() >= cached.size {
			d.mu.Lock()
			cached.size = fi.Size()
			d.mu.Unlock()
			return cached.path
		}
	}

	if workDir == "" || d.root == "" {
		return ""
	}
	realCwd, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		realCwd = workDir
	}

	matches, err := filepath.Glob(filepath.Join(d.root, "*", "*.jsonl"))
	if err != nil {
		return ""
	}

	var bestPath string
	var bestMtime int64
	var bestSize int64
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtime := fi.ModTime().UnixNano()
		if mtime <= bestMtime {
			continue
		}
		if transcriptCwd(path) == realCwd {
			bestPath = path
			bestMtime = mtime
			bestSize = fi.Size()
		}
	}

	if bestPath != "" {
		d.mu.Lock()
		d.cache[tmuxName] = &cachedTranscript{path: bestPath, size: bestSize}
		d.mu.Unlock()
	}
	return bestPath
}

// Forget drops the cached transcript match for a session.
func (d *TranscriptDetector) Forget(tmuxName string) {
	d.mu.Lock()
	delete(d.cache, tmuxName)
	d.mu.Unlock()
}

// transcriptCwd reads the cwd from the first user entry of a transcript.
func transcriptCwd(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry struct {
			Type string `json:"type"`
			Cwd  string `json:"cwd"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Type == "user" {
			if entry.Cwd == "" {
				return ""
			}
			if real, err := filepath.EvalSymlinks(entry.Cwd); err == nil {
				return real
			}
			return entry.Cwd
		}
	}
	return ""
}

type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// classifyTranscript reads the transcript tail and maps the last
// user/assistant entry to a state:
//   - last entry is user: agent has a pending instruction, working
//   - last assistant entry used AskUserQuestion: waiting for input
//   - last assistant entry used Task: subagent running, working
//   - otherwise: assistant finished, idle
func classifyTranscript(path string) (state.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	if fi.Size() > transcriptTailBytes {
		if _, err := f.Seek(fi.Size()-transcriptTailBytes, io.SeekStart); err != nil {
			return "", err
		}
		// Skip the partial line at the seek point.
		r := bufio.NewReader(f)
		_, _ = r.ReadString('\n')
		return classifyEntries(r), nil
	}
	return classifyEntries(bufio.NewReader(f)), nil
}

func classifyEntries(r *bufio.Reader) state.State {
	var lastType string
	var lastContent []contentBlock

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry transcriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry.Type {
		case "user":
			lastType = "user"
			lastContent = nil
		case "assistant":
			lastType = "assistant"
			lastContent = entry.Message.Content
		}
	}

	switch lastType {
	case "user":
		return state.StateWorking
	case "assistant":
		for _, block := range lastContent {
			if block.Type == "tool_use" && block.Name == "AskUserQuestion" {
				return state.StateWaitingInput
			}
		}
		for _, block := range lastContent {
			if block.Type == "tool_use" && block.Name == "Task" {
				return state.StateWorking
			}
		}
		return state.StateIdle
	default:
		return state.StateIdle
	}
}

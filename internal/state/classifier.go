package state

import "strings"

// tailLines is how many trailing non-blank lines the classifier inspects.
// Anything above that is scrollback context, not current activity.
const tailLines = 8

// Markers are the text patterns the classifier matches against. Zero-value
// slices fall back to the built-in defaults via NewClassifier.
type Markers struct {
	// Idle are suffixes of the last non-blank line that indicate a ready
	// prompt ("❯", "$", ">").
	Idle []string

	// Error are substrings (matched case-insensitively in the tail) that
	// indicate a reported failure.
	Error []string

	// ChoicePrefixes are line prefixes of interactive option lists
	// ("1.", "●", "- [").
	ChoicePrefixes []string

	// PromptKeywords mark a question line; the line must also end with "?".
	PromptKeywords []string
}

// DefaultMarkers returns the built-in marker sets.
func DefaultMarkers() Markers {
	return Markers{
		Idle:           []string{"❯", "$", ">"},
		Error:          []string{"error", "failed", "exception", "traceback"},
		ChoicePrefixes: []string{"1.", "2.", "3.", "4.", "●", "○", "- ["},
		PromptKeywords: []string{"?"},
	}
}

// Snapshot is one observation of a session handed to the classifier.
type Snapshot struct {
	// Content is the visible buffer text (raw; the classifier strips ANSI).
	Content string

	// Alive is the multiplexer's liveness answer for the session.
	Alive bool

	// Stable reports that the normalized content has not changed for the
	// configured stability window (see Tracker).
	Stable bool
}

// Rule is one named predicate in the classifier's priority order.
type Rule struct {
	Name  string
	State State
	Match func(s Snapshot, tail []string) bool
}

// Classifier turns buffer snapshots into states by evaluating an ordered
// rule list. The order is the contract: stopped short-circuits everything,
// an error marker beats a choice list that happens to appear alongside it,
// and only a stable buffer ending in a ready prompt counts as idle. A
// still-changing buffer is working even when no rule matched.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from the given markers; empty marker
// slices use the defaults.
func NewClassifier(m Markers) *Classifier {
	def := DefaultMarkers()
	if len(m.Idle) == 0 {
		m.Idle = def.Idle
	}
	if len(m.Error) == 0 {
		m.Error = def.Error
	}
	if len(m.ChoicePrefixes) == 0 {
		m.ChoicePrefixes = def.ChoicePrefixes
	}
	if len(m.PromptKeywords) == 0 {
		m.PromptKeywords = def.PromptKeywords
	}

	return &Classifier{rules: []Rule{
		{
			Name:  "stopped",
			State: StateStopped,
			Match: func(s Snapshot, _ []string) bool { return !s.Alive },
		},
		{
			Name:  "error_marker",
			State: StateError,
			Match: func(_ Snapshot, tail []string) bool {
				for _, line := range tail {
					lower := strings.ToLower(line)
					for _, marker := range m.Error {
						if strings.Contains(lower, marker) {
							return true
						}
					}
				}
				return false
			},
		},
		{
			Name:  "choice_list",
			State: StateWaitingInput,
			Match: func(_ Snapshot, tail []string) bool {
				for _, line := range tail {
					for _, prefix := range m.ChoicePrefixes {
						if strings.HasPrefix(line, prefix) {
							return true
						}
					}
				}
				return false
			},
		},
		{
			Name:  "question",
			State: StateWaitingInput,
			Match: func(_ Snapshot, tail []string) bool {
				for _, line := range tail {
					if !strings.HasSuffix(line, "?") {
						continue
					}
					for _, kw := range m.PromptKeywords {
						if strings.Contains(line, kw) {
							return true
						}
					}
				}
				return false
			},
		},
		{
			Name:  "idle_prompt",
			State: StateIdle,
			Match: func(s Snapshot, tail []string) bool {
				if !s.Stable || len(tail) == 0 {
					return false
				}
				last := tail[len(tail)-1]
				for _, marker := range m.Idle {
					if strings.HasSuffix(last, marker) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:  "quiet",
			State: StateIdle,
			Match: func(s Snapshot, tail []string) bool {
				// A buffer that stopped changing with no stronger signal is
				// a finished agent, not a working one. An empty buffer is a
				// session still starting up, never idle.
				return s.Stable && len(tail) > 0
			},
		},
	}}
}

// Classify evaluates the rules in priority order and returns the first
// match, defaulting to working.
func (c *Classifier) Classify(s Snapshot) State {
	st, _ := c.ClassifyRule(s)
	return st
}

// ClassifyRule is Classify plus the name of the rule that fired ("" for the
// working default). Exposed for logging state transitions.
func (c *Classifier) ClassifyRule(s Snapshot) (State, string) {
	tail := tailOf(StripANSI(s.Content))
	for _, r := range c.rules {
		if r.Match(s, tail) {
			return r.State, r.Name
		}
	}
	return StateWorking, ""
}

// tailOf returns the last tailLines non-blank lines, trimmed, oldest first.
func tailOf(content string) []string {
	lines := strings.Split(content, "\n")
	tail := make([]string, 0, tailLines)
	for i := len(lines) - 1; i >= 0 && len(tail) < tailLines; i-- {
		line := strings.TrimSpace(strings.ReplaceAll(lines[i], "\u00a0", " "))
		if line == "" {
			continue
		}
		tail = append([]string{line}, tail...)
	}
	return tail
}

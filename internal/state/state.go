// Package state classifies terminal buffer snapshots into session states.
//
// There is no explicit "done" signal from the monitored agent process, so
// classification is inferred from surface text plus temporal diffing: an
// unchanged buffer across polls is the strongest idle signal, a changing
// buffer means working even when no marker matches.
package state

// State is the classification of a session at a point in time.
type State string

const (
	StateWorking      State = "working"       // agent actively processing
	StateWaitingInput State = "waiting_input" // blocked on a choice or confirmation
	StateIdle         State = "idle"          // finished, awaiting next instruction
	StateError        State = "error"         // failure marker in output
	StateStopped      State = "stopped"       // no underlying session exists
)

var stateIcons = map[State]string{
	StateIdle:         "🟡",
	StateWorking:      "🔵",
	StateWaitingInput: "🟠",
	StateError:        "🔴",
	StateStopped:      "⚫",
}

var stateLabels = map[State]string{
	StateIdle:         "ready",
	StateWorking:      "working",
	StateWaitingInput: "needs input",
	StateError:        "error",
	StateStopped:      "stopped",
}

// Icon returns the tray indicator glyph for the state.
func (s State) Icon() string {
	if icon, ok := stateIcons[s]; ok {
		return icon
	}
	return "?"
}

// Label returns a short human-readable description.
func (s State) Label() string {
	if label, ok := stateLabels[s]; ok {
		return label
	}
	return string(s)
}

// Alive reports whether the session's process is presumed running.
func (s State) Alive() bool {
	return s != StateStopped && s != StateError
}

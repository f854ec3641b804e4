// Package wrapper supervises pseudo-terminal-backed agent processes and
// tracks their lifecycle for remote input injection.
package wrapper

import (
	"regexp"
	"strings"
	"time"
)

// State is a wrapper session's lifecycle state. Transitions only move
// forward: starting → processing → waiting_input → ended, with
// waiting_input ↔ processing cycling as input is injected.
type State string

const (
	StateStarting     State = "starting"
	StateProcessing   State = "processing"
	StateWaitingInput State = "waiting_input"
	StateEnded        State = "ended"
)

// Session is a supervised pseudo-terminal process. ClaudeSessionID is
// late-bound: it stays empty until the spawned process's own session is
// observed in the event stream.
type Session struct {
	WrapperID       string    `json:"wrapperId"`
	PID             int       `json:"pid"`
	ClaudeSessionID string    `json:"claudeSessionId,omitempty"`
	State           State     `json:"state"`
	Cwd             string    `json:"cwd"`
	Args            []string  `json:"args,omitempty"`
	Cols            uint16    `json:"cols"`
	Rows            uint16    `json:"rows"`
	StartedAt       time.Time `json:"startedAt"`
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// inputWaitPhrases are natural-language markers that the agent is blocked
// on the user.
var inputWaitPhrases = []string{
	"waiting for input",
	"waiting for your input",
	"press enter",
	"(y/n)",
	"[y/n]",
}

// detectPrompt reports whether the tail of terminal output looks like an
// input prompt: a trailing '>', '?', or ':' after stripping ANSI
// sequences, or one of the known waiting phrases.
func detectPrompt(tail string) bool {
	cleaned := ansiEscape.ReplaceAllString(tail, "")
	trimmed := strings.TrimRight(cleaned, " \t\r\n")
	if trimmed == "" {
		return false
	}

	switch trimmed[len(trimmed)-1] {
	case '>', '?', ':':
		return true
	}

	lower := strings.ToLower(cleaned)
	for _, phrase := range inputWaitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last cap characters of output for prompt scanning.
type tailBuffer struct {
	cap int
	buf []byte
}

func newTailBuffer(cap int) *tailBuffer {
	if cap <= 0 {
		cap = 1000
	}
	return &tailBuffer{cap: cap}
}

func (t *tailBuffer) Append(p []byte) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func (t *tailBuffer) Reset() {
	t.buf = t.buf[:0]
}

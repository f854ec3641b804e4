// Package ipc implements the daemon's local socket endpoint and the
// client used by the broker and CLI. The protocol is newline-delimited
// JSON in both directions; incoming lines are classified by shape: an
// object carrying id + eventType is a monitor event, everything else is
// routed by its type field.
package ipc

import "encoding/json"

// Message type constants for the local socket protocol.
const (
	// Client → daemon.
	TypeWrapperRegister     = "wrapper_register"
	TypeWrapperStarted      = "wrapper_started"
	TypeWrapperEnded        = "wrapper_ended"
	TypeWrapperStateChanged = "wrapper_state_changed"
	TypeWrapperOutput       = "wrapper_output"
	TypeInjectInput         = "inject_input"
	TypeBrokerRegister      = "broker_register"

	// Daemon → client pushes.
	TypeEvent          = "event"
	TypeSessionUpdate  = "session_update"
	TypeSessions       = "sessions"
	TypeWrapperUpdate  = "wrapper_update"
	TypeHeartbeat      = "heartbeat"
	TypeDaemonStopping = "daemon_stopping"
	TypeResponse       = "response"
)

// probe is the minimal decode used to classify an incoming line.
type probe struct {
	ID        string `json:"id,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Request is a typed command sent over the socket, answered by a Response
// with the same id.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request.
type Response struct {
	Type  string          `json:"type"` // always "response"
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Push is a server-initiated notification.
type Push struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// WrapperRegister announces a wrapper process connection. Subsequent
// wrapper messages on the same connection refer to this wrapper id.
type WrapperRegister struct {
	Type      string `json:"type"`
	WrapperID string `json:"wrapperId"`
}

// WrapperReport carries wrapper lifecycle and output notifications
// (wrapper_started, wrapper_ended, wrapper_state_changed, wrapper_output).
type WrapperReport struct {
	Type            string `json:"type"`
	WrapperID       string `json:"wrapperId"`
	PID             int    `json:"pid,omitempty"`
	ClaudeSessionID string `json:"claudeSessionId,omitempty"`
	State           string `json:"state,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	Output          string `json:"output,omitempty"`
}

// InjectInput asks the daemon to write input to a wrapper's terminal. The
// target wrapper must currently be waiting for input.
type InjectInput struct {
	Type      string `json:"type"`
	WrapperID string `json:"wrapperId"`
	Input     string `json:"input"`
}

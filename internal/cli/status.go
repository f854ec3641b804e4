package cli

import "strings"

// Status indicators.
const (
	Bullet = "●"
	Circle = "○"
)

// SessionStatus renders a session lifecycle state with its conventional
// color: active green, completed gray, error red. Padding around the
// status is preserved so columns stay aligned.
func SessionStatus(status string) string {
	switch strings.TrimSpace(status) {
	case "active":
		return Styled(status, Green)
	case "completed":
		return Styled(status, Gray)
	case "error":
		return Styled(status, Red)
	default:
		return status
	}
}

// WrapperState renders a wrapper state colored by how much attention it
// needs: waiting_input is the one a user acts on.
func WrapperState(state string) string {
	switch strings.TrimSpace(state) {
	case "starting":
		return Styled(state, Cyan)
	case "processing":
		return Styled(state, Green)
	case "waiting_input":
		return Styled(state, Yellow)
	case "ended":
		return Styled(state, Gray)
	default:
		return state
	}
}

package broker

import (
	"encoding/json"

	"github.com/nkall/claudescope/internal/event"
)

// Client → broker request types.
const (
	ReqSubscribe        = "subscribe"
	ReqGetSessions      = "get_sessions"
	ReqGetEvents        = "get_events"
	ReqGetAllEvents     = "get_all_events"
	ReqGetEventDetail   = "get_event_detail"
	ReqHideSession      = "hide_session"
	ReqUnhideSession    = "unhide_session"
	ReqDeleteSession    = "delete_session"
	ReqHideAll          = "hide_all_sessions"
	ReqDeleteAll        = "delete_all_sessions"
	ReqSetParent        = "set_parent"
	ReqTogglePin        = "toggle_pin"
	ReqSetUserInitiated = "set_user_initiated"
	ReqRenameSession    = "rename_session"
	ReqSpawnWrapper     = "spawn_wrapper"
	ReqInjectInput      = "inject_input"
	ReqKillWrapper      = "kill_wrapper"
	ReqResizeWrapper    = "resize_wrapper"
	ReqListWrappers     = "list_wrappers"
)

// Broker → client push and response types.
const (
	MsgSessions        = "sessions"
	MsgSessionsUpdated = "sessions_updated"
	MsgSessionUpdate   = "session_update"
	MsgEvent           = "event"
	MsgEvents          = "events"
	MsgAllEvents       = "all_events"
	MsgEventDetail     = "event_detail"
	MsgWrapperUpdate   = "wrapper_update"
	MsgDaemonStatus    = "daemon_status"
	MsgOK              = "ok"
	MsgError           = "error"
)

// clientRequest is the superset decode of every client request. Unused
// fields stay zero; the type field selects which matter.
type clientRequest struct {
	Type            string          `json:"type"`
	ID              string          `json:"id,omitempty"`
	SessionIDs      []string        `json:"sessionIds,omitempty"`
	ShowHidden      bool            `json:"showHidden,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
	EventID         string          `json:"eventId,omitempty"`
	Before          int64           `json:"before,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	ParentSessionID string          `json:"parentSessionId,omitempty"`
	Value           bool            `json:"value,omitempty"`
	Label           string          `json:"label,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type sessionsMsg struct {
	Type     string               `json:"type"`
	ID       string               `json:"id,omitempty"`
	Sessions []*event.SessionMeta `json:"sessions"`
}

type sessionUpdateMsg struct {
	Type    string             `json:"type"`
	Session *event.SessionMeta `json:"session"`
}

type eventMsg struct {
	Type  string              `json:"type"`
	Event *event.MonitorEvent `json:"event"`
}

type eventsMsg struct {
	Type      string                `json:"type"`
	ID        string                `json:"id,omitempty"`
	SessionID string                `json:"sessionId,omitempty"`
	Events    []*event.MonitorEvent `json:"events"`
}

type eventDetailMsg struct {
	Type  string              `json:"type"`
	ID    string              `json:"id,omitempty"`
	Event *event.MonitorEvent `json:"event"`
}

type daemonStatusMsg struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

type okMsg struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type errorMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

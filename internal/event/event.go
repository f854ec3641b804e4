// Package event defines the monitor event model shared by the daemon,
// broker, and hook emitters.
package event

import (
	"encoding/json"
	"time"
)

// Type categorizes a monitor event. The set is closed: the hook emitter
// only produces these values, and the processor treats anything else as
// a plain message.
type Type string

const (
	TypeSessionStart      Type = "session_start"
	TypeSessionEnd        Type = "session_end"
	TypeToolCall          Type = "tool_call"
	TypeToolResult        Type = "tool_result"
	TypeToolError         Type = "tool_error"
	TypeSubagentStart     Type = "subagent_start"
	TypeSubagentStop      Type = "subagent_stop"
	TypeMessage           Type = "message"
	TypeNotification      Type = "notification"
	TypeError             Type = "error"
	TypeUserPrompt        Type = "user_prompt"
	TypePreCompact        Type = "pre_compact"
	TypePermissionRequest Type = "permission_request"
	TypeAgentComplete     Type = "agent_complete"
)

// HookType is the originating lifecycle signal of the upstream runtime.
type HookType string

const (
	HookSessionStart     HookType = "SessionStart"
	HookSessionEnd       HookType = "SessionEnd"
	HookPreToolUse       HookType = "PreToolUse"
	HookPostToolUse      HookType = "PostToolUse"
	HookSubagentStop     HookType = "SubagentStop"
	HookStop             HookType = "Stop"
	HookNotification     HookType = "Notification"
	HookUserPromptSubmit HookType = "UserPromptSubmit"
	HookPreCompact       HookType = "PreCompact"
	HookPermission       HookType = "PermissionRequest"
)

// MonitorEvent is an immutable fact emitted by the hook process or a
// wrapper. Created once, never mutated after processing; owned by the
// session it is ultimately attributed to.
type MonitorEvent struct {
	ID               string   `json:"id"`
	Timestamp        int64    `json:"timestamp"` // ms since epoch
	SessionID        string   `json:"sessionId"`
	ParentSessionID  string   `json:"parentSessionId,omitempty"`
	MachineID        string   `json:"machineId,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	EventType        Type     `json:"eventType"`
	HookType         HookType `json:"hookType,omitempty"`
	Data             Payload  `json:"data,omitempty"`
}

// Payload carries the per-variant event data. Tool input and output come
// from the upstream agent runtime and are passed through opaquely; the
// remaining fields are typed.
type Payload struct {
	ToolName     string          `json:"toolName,omitempty"`
	ToolInput    json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput   json.RawMessage `json:"toolOutput,omitempty"`
	SubagentType string          `json:"subagentType,omitempty"`
	Message      string          `json:"message,omitempty"`
	Error        string          `json:"error,omitempty"`
	TokenUsage   *TokenUsage     `json:"tokenUsage,omitempty"`

	// Extra holds pass-through fields whose structure is defined upstream.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// TokenUsage is a token count report. On ordinary events the counts are
// incremental; on terminal events the upstream runtime reports a fresh
// cumulative figure that supersedes any running total.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cacheRead,omitempty"`
	CacheCreation int64 `json:"cacheCreation,omitempty"`
}

// IsZero reports whether the usage carries no counts at all.
func (u *TokenUsage) IsZero() bool {
	return u == nil || (u.Input == 0 && u.Output == 0 && u.CacheRead == 0 && u.CacheCreation == 0)
}

// Terminal reports whether the event finalizes its session.
func (e *MonitorEvent) Terminal() bool {
	return e.EventType == TypeSessionEnd || e.EventType == TypeAgentComplete
}

// Time returns the event timestamp as a time.Time.
func (e *MonitorEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// TaskToolName is the tool invocation that spawns a sub-agent. A tool_call
// with this name creates a virtual session before the sub-agent's own
// events arrive.
const TaskToolName = "Task"

// IsTaskSpawn reports whether the event is a task-spawning tool call.
func (e *MonitorEvent) IsTaskSpawn() bool {
	return e.EventType == TypeToolCall && e.Data.ToolName == TaskToolName
}

// SessionStatus is the lifecycle state of a session aggregate.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// SessionTokenUsage accumulates token counts for a session.
type SessionTokenUsage struct {
	TotalInput         int64 `json:"totalInput"`
	TotalOutput        int64 `json:"totalOutput"`
	TotalCacheRead     int64 `json:"totalCacheRead"`
	TotalCacheCreation int64 `json:"totalCacheCreation"`
}

// Add folds an incremental usage report into the running totals.
func (s *SessionTokenUsage) Add(u *TokenUsage) {
	if u == nil {
		return
	}
	s.TotalInput += u.Input
	s.TotalOutput += u.Output
	s.TotalCacheRead += u.CacheRead
	s.TotalCacheCreation += u.CacheCreation
}

// Replace overwrites the totals with an authoritative cumulative report.
func (s *SessionTokenUsage) Replace(u *TokenUsage) {
	if u == nil {
		return
	}
	s.TotalInput = u.Input
	s.TotalOutput = u.Output
	s.TotalCacheRead = u.CacheRead
	s.TotalCacheCreation = u.CacheCreation
}

// SessionMeta is the mutable session aggregate. The daemon owns mutation;
// the broker mirrors it and applies user management commands through the
// store.
type SessionMeta struct {
	SessionID             string            `json:"sessionId"`
	ParentSessionID       string            `json:"parentSessionId,omitempty"`
	ChildSessionIDs       []string          `json:"childSessionIds,omitempty"`
	Status                SessionStatus     `json:"status"`
	StartTime             int64             `json:"startTime"`
	EndTime               int64             `json:"endTime,omitempty"`
	TokenUsage            SessionTokenUsage `json:"tokenUsage"`
	AgentType             string            `json:"agentType,omitempty"`
	WorkingDirectory      string            `json:"workingDirectory,omitempty"`
	MachineID             string            `json:"machineId,omitempty"`
	IsUserInitiated       bool              `json:"isUserInitiated"`
	IsPinned              bool              `json:"isPinned,omitempty"`
	Hidden                bool              `json:"hidden,omitempty"`
	Label                 string            `json:"label,omitempty"`
	ManualParentSessionID string            `json:"manualParentSessionId,omitempty"`
}

// AddChild appends a child session id, preserving order and uniqueness.
func (m *SessionMeta) AddChild(id string) {
	for _, c := range m.ChildSessionIDs {
		if c == id {
			return
		}
	}
	m.ChildSessionIDs = append(m.ChildSessionIDs, id)
}

// RemoveChild deletes a child session id if present.
func (m *SessionMeta) RemoveChild(id string) {
	for i, c := range m.ChildSessionIDs {
		if c == id {
			m.ChildSessionIDs = append(m.ChildSessionIDs[:i], m.ChildSessionIDs[i+1:]...)
			return
		}
	}
}

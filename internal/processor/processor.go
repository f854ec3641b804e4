// Package processor implements the event correlation engine: it assigns
// events to sessions, creates and closes sessions, links parent/child
// relationships, deduplicates, and accumulates token usage.
package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/logging"
	"github.com/nkall/claudescope/internal/state"
	"github.com/nkall/claudescope/internal/store"
)

// Notifier receives the outcome of each processed event. The session is
// the (possibly re-addressed) session the event was attributed to.
type Notifier func(e *event.MonitorEvent, meta *event.SessionMeta)

// Processor is the correlation engine. ProcessEvent is the single entry
// point, callable concurrently from the file watcher and the local socket;
// it is idempotent per event id.
type Processor struct {
	store        *store.Store
	checkpoint   *state.Manager
	window       time.Duration
	processedDir string
	matcher      DirMatcher
	notify       Notifier

	mu       sync.Mutex
	sessions map[string]*event.SessionMeta
	dedup    *dedupSet
}

// New creates a processor.
func New(st *store.Store, cp *state.Manager, cfg config.CorrelationConfig, processedDir string) *Processor {
	return &Processor{
		store:        st,
		checkpoint:   cp,
		window:       cfg.Window,
		processedDir: processedDir,
		matcher:      PermissiveMatcher{},
		sessions:     make(map[string]*event.SessionMeta),
		dedup:        newDedupSet(cfg.DedupCap, cfg.DedupTrim),
	}
}

// SetMatcher replaces the directory-matching strategy.
func (p *Processor) SetMatcher(m DirMatcher) {
	p.matcher = m
}

// SetNotifier registers the publish callback.
func (p *Processor) SetNotifier(n Notifier) {
	p.notify = n
}

// LoadSessions rehydrates the in-memory session map from persisted
// metadata. Called once at daemon startup.
func (p *Processor) LoadSessions() error {
	sessions, err := p.store.ListSessions("", 0)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, meta := range sessions {
		p.sessions[meta.SessionID] = meta
	}
	logging.Info("sessions rehydrated", "count", len(sessions))
	return nil
}

// Session returns the in-memory metadata for a session id, or nil.
func (p *Processor) Session(id string) *event.SessionMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta, ok := p.sessions[id]; ok {
		clone := *meta
		return &clone
	}
	return nil
}

// Sessions returns a snapshot of all in-memory session metadata.
func (p *Processor) Sessions() []*event.SessionMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.SessionMeta, 0, len(p.sessions))
	for _, meta := range p.sessions {
		clone := *meta
		out = append(out, &clone)
	}
	return out
}

// Forget drops a session from the in-memory map. Used when the broker
// deletes a session from the durable store.
func (p *Processor) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// ProcessEvent runs the correlation algorithm for one event. sourceFile is
// the raw drop-directory file the event came from, or empty for events
// received over the socket. Errors on an individual event are returned for
// logging but never abort subsequent processing.
func (p *Processor) ProcessEvent(e *event.MonitorEvent, sourceFile string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// An event can arrive by both the file and the socket path. Once its
	// id has been seen, only the file-move side effect remains.
	if p.dedup.Seen(e.ID) {
		p.moveToProcessed(sourceFile)
		return nil
	}

	p.applySubagentLifecycle(e)

	meta := p.upsertSession(e)
	p.applyStateUpdate(meta, e)

	if err := p.store.SaveSession(meta); err != nil {
		return fmt.Errorf("persist session %s: %w", meta.SessionID, err)
	}
	if err := p.store.AppendEvent(meta.SessionID, e); err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}

	p.checkpoint.AdvanceWatermark(e.Timestamp)
	p.moveToProcessed(sourceFile)

	if p.notify != nil {
		clone := *meta
		p.notify(e, &clone)
	}
	return nil
}

// applySubagentLifecycle handles the sub-agent branches in priority order:
// task-spawning tool calls, explicit start/stop signals, and finally
// re-addressing of ordinary events while a sub-agent is open.
func (p *Processor) applySubagentLifecycle(e *event.MonitorEvent) {
	switch {
	case e.IsTaskSpawn():
		p.spawnVirtualSession(e)

	case e.EventType == event.TypeSubagentStart:
		// The explicit signal supersedes the heuristic only when it names
		// its parent. Without a pointer the upsert path resolves the
		// parent through the pending-spawn window instead; an empty
		// pointer must never clobber a parent already established.
		if e.ParentSessionID != "" {
			p.createExplicitSubagent(e)
		}

	case e.EventType == event.TypeSubagentStop:
		p.closeSubagent(e)

	default:
		// While the reporting session has an open sub-agent, attribute
		// its ordinary events to the top-of-stack virtual session.
		if top, ok := p.checkpoint.TopSubagent(e.SessionID); ok {
			parent := e.SessionID
			e.SessionID = top.VirtualSessionID
			e.ParentSessionID = parent
		}
	}
}

func (p *Processor) spawnVirtualSession(e *event.MonitorEvent) {
	agentType := strings.ToLower(strings.TrimSpace(e.Data.SubagentType))
	virtualID := "subagent-" + uuid.NewString()[:8]

	meta := &event.SessionMeta{
		SessionID:        virtualID,
		ParentSessionID:  e.SessionID,
		Status:           event.StatusActive,
		StartTime:        e.Timestamp,
		AgentType:        agentType,
		WorkingDirectory: e.WorkingDirectory,
		MachineID:        e.MachineID,
	}
	p.sessions[virtualID] = meta
	if err := p.store.SaveSession(meta); err != nil {
		logging.Warn("failed to persist virtual session", "session_id", virtualID, "error", err)
	}

	// The spawn may be the parent's first observed event; make sure the
	// parent record exists before linking.
	parent := p.sessions[e.SessionID]
	if parent == nil {
		parent = &event.SessionMeta{
			SessionID:        e.SessionID,
			Status:           event.StatusActive,
			StartTime:        e.Timestamp,
			WorkingDirectory: e.WorkingDirectory,
			MachineID:        e.MachineID,
			IsUserInitiated:  true,
		}
		p.sessions[e.SessionID] = parent
	}
	parent.AddChild(virtualID)

	p.checkpoint.PushSubagent(e.SessionID, state.ActiveSubagent{
		VirtualSessionID: virtualID,
		AgentType:        agentType,
		StartedAt:        e.Timestamp,
	})

	// Some runtimes emit an explicit start later with no parent pointer;
	// the pending candidate lets that session find this parent by
	// directory within the correlation window.
	p.checkpoint.AddPendingSpawn(state.PendingSpawn{
		ParentSessionID:  e.SessionID,
		WorkingDirectory: e.WorkingDirectory,
		Timestamp:        e.Timestamp,
		AgentType:        agentType,
	})

	logging.Debug("virtual sub-agent session created",
		"virtual_id", virtualID,
		"parent_id", e.SessionID,
		"agent_type", agentType)
}

func (p *Processor) createExplicitSubagent(e *event.MonitorEvent) {
	meta, ok := p.sessions[e.SessionID]
	if !ok {
		meta = &event.SessionMeta{
			SessionID: e.SessionID,
			Status:    event.StatusActive,
			StartTime: e.Timestamp,
		}
		p.sessions[e.SessionID] = meta
	}
	meta.ParentSessionID = e.ParentSessionID
	meta.WorkingDirectory = e.WorkingDirectory
	meta.MachineID = e.MachineID
	if t := strings.ToLower(strings.TrimSpace(e.Data.SubagentType)); t != "" {
		meta.AgentType = t
	}
	meta.IsUserInitiated = e.ParentSessionID == ""

	if parent := p.sessions[e.ParentSessionID]; parent != nil {
		parent.AddChild(e.SessionID)
		if err := p.store.SaveSession(parent); err != nil {
			logging.Warn("failed to persist parent session", "session_id", parent.SessionID, "error", err)
		}
	}
}

func (p *Processor) closeSubagent(e *event.MonitorEvent) {
	sub, ok := p.popMatchingSubagent(e.SessionID, strings.ToLower(e.Data.SubagentType))
	if !ok {
		logging.Debug("subagent stop with empty stack", "session_id", e.SessionID)
		return
	}
	if meta := p.sessions[sub.VirtualSessionID]; meta != nil {
		meta.Status = event.StatusCompleted
		meta.EndTime = e.Timestamp
		if err := p.store.SaveSession(meta); err != nil {
			logging.Warn("failed to persist completed sub-agent", "session_id", meta.SessionID, "error", err)
		}
	}
}

// popMatchingSubagent pops the entry matching agentType, falling back to
// the top of the stack when no type is given or nothing matches.
func (p *Processor) popMatchingSubagent(parentID, agentType string) (state.ActiveSubagent, bool) {
	top, ok := p.checkpoint.TopSubagent(parentID)
	if !ok {
		return state.ActiveSubagent{}, false
	}
	if agentType == "" || top.AgentType == agentType {
		return p.checkpoint.PopSubagent(parentID)
	}
	// Mismatched type still pops the top: stacks are strictly nested, so a
	// stray stop for a deeper entry means the intermediate stop was lost.
	return p.checkpoint.PopSubagent(parentID)
}

// upsertSession finds or creates the session for the event's (possibly
// re-addressed) session id, resolving the parent by explicit pointer first
// and the pending-spawn heuristic second.
func (p *Processor) upsertSession(e *event.MonitorEvent) *event.SessionMeta {
	if meta, ok := p.sessions[e.SessionID]; ok {
		return meta
	}

	meta := &event.SessionMeta{
		SessionID:        e.SessionID,
		Status:           event.StatusActive,
		StartTime:        e.Timestamp,
		WorkingDirectory: e.WorkingDirectory,
		MachineID:        e.MachineID,
	}

	if e.ParentSessionID != "" {
		meta.ParentSessionID = e.ParentSessionID
	} else {
		spawn, ok := p.checkpoint.TakePendingSpawn(e.Timestamp, p.window, func(s state.PendingSpawn) bool {
			return s.ParentSessionID != e.SessionID &&
				p.matcher.Match(s.WorkingDirectory, e.WorkingDirectory)
		})
		if ok {
			meta.ParentSessionID = spawn.ParentSessionID
			meta.AgentType = spawn.AgentType
		}
	}
	meta.IsUserInitiated = meta.ParentSessionID == ""

	if meta.ParentSessionID != "" {
		if parent := p.sessions[meta.ParentSessionID]; parent != nil {
			parent.AddChild(meta.SessionID)
			if err := p.store.SaveSession(parent); err != nil {
				logging.Warn("failed to persist parent session", "session_id", parent.SessionID, "error", err)
			}
		}
	}

	p.sessions[e.SessionID] = meta
	return meta
}

func (p *Processor) applyStateUpdate(meta *event.SessionMeta, e *event.MonitorEvent) {
	switch {
	case e.Terminal():
		meta.Status = event.StatusCompleted
		meta.EndTime = e.Timestamp
		// Terminal events report a fresh cumulative figure that supersedes
		// any running total.
		if !e.Data.TokenUsage.IsZero() {
			meta.TokenUsage.Replace(e.Data.TokenUsage)
		}
	case e.EventType == event.TypeError || e.EventType == event.TypeToolError:
		meta.Status = event.StatusError
		meta.TokenUsage.Add(e.Data.TokenUsage)
	default:
		meta.TokenUsage.Add(e.Data.TokenUsage)
	}
}

// moveToProcessed relocates a consumed raw event file. Failures are logged
// and ignored: the dedup set and watermark make re-delivery harmless.
func (p *Processor) moveToProcessed(sourceFile string) {
	if sourceFile == "" || p.processedDir == "" {
		return
	}
	if err := os.MkdirAll(p.processedDir, 0755); err != nil {
		logging.Warn("failed to create processed dir", "error", err)
		return
	}
	dest := filepath.Join(p.processedDir, filepath.Base(sourceFile))
	if err := os.Rename(sourceFile, dest); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to move processed event file", "file", sourceFile, "error", err)
	}
}

// DedupSize reports the current dedup cache size. Exposed for status
// reporting.
func (p *Processor) DedupSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dedup.Len()
}

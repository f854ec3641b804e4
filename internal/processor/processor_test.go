package processor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/state"
	"github.com/nkall/claudescope/internal/store"
)

func setupTestProcessor(t *testing.T) (*Processor, *store.Store, string) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	cp := state.NewManager(filepath.Join(dir, "daemon-state.json"))
	processedDir := filepath.Join(dir, "processed")

	cfg := config.CorrelationConfig{
		Window:    30 * time.Second,
		DedupCap:  10000,
		DedupTrim: 5000,
	}
	return New(st, cp, cfg, processedDir), st, processedDir
}

func TestProcessEventLifecycle(t *testing.T) {
	p, st, _ := setupTestProcessor(t)

	toolCall := &event.MonitorEvent{
		ID:               "evt-1",
		Timestamp:        1000,
		SessionID:        "sess-a",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeToolCall,
		Data: event.Payload{
			ToolName:   "Read",
			TokenUsage: &event.TokenUsage{Input: 3, Output: 2},
		},
	}
	if err := p.ProcessEvent(toolCall, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	meta := p.Session("sess-a")
	if meta == nil {
		t.Fatal("session not created")
	}
	if meta.Status != event.StatusActive {
		t.Errorf("expected active, got %s", meta.Status)
	}
	if !meta.IsUserInitiated {
		t.Error("parentless session should be user initiated")
	}
	if meta.TokenUsage.TotalInput != 3 || meta.TokenUsage.TotalOutput != 2 {
		t.Errorf("unexpected usage: %+v", meta.TokenUsage)
	}

	// Terminal event: cumulative usage supersedes the running total.
	end := &event.MonitorEvent{
		ID:        "evt-2",
		Timestamp: 2000,
		SessionID: "sess-a",
		EventType: event.TypeSessionEnd,
		Data: event.Payload{
			TokenUsage: &event.TokenUsage{Input: 10, Output: 5},
		},
	}
	if err := p.ProcessEvent(end, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	meta = p.Session("sess-a")
	if meta.Status != event.StatusCompleted {
		t.Errorf("expected completed, got %s", meta.Status)
	}
	if meta.EndTime != 2000 {
		t.Errorf("expected endTime 2000, got %d", meta.EndTime)
	}
	if meta.TokenUsage.TotalInput != 10 || meta.TokenUsage.TotalOutput != 5 {
		t.Errorf("terminal usage should replace totals: %+v", meta.TokenUsage)
	}

	// Both events persisted, and metadata survives a reload.
	events, err := st.GetEvents("sess-a", store.EventQuery{})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(events))
	}
	stored, err := st.GetSession("sess-a")
	if err != nil || stored == nil {
		t.Fatalf("stored session missing: %v", err)
	}
	if stored.Status != event.StatusCompleted {
		t.Errorf("stored status %s", stored.Status)
	}
}

func TestProcessEventIdempotent(t *testing.T) {
	p, st, _ := setupTestProcessor(t)

	e := &event.MonitorEvent{
		ID:        "evt-dup",
		Timestamp: 1000,
		SessionID: "sess-a",
		EventType: event.TypeMessage,
		Data:      event.Payload{TokenUsage: &event.TokenUsage{Input: 1}},
	}

	for i := 0; i < 3; i++ {
		clone := *e
		if err := p.ProcessEvent(&clone, ""); err != nil {
			t.Fatalf("ProcessEvent failed: %v", err)
		}
	}

	events, _ := st.GetEvents("sess-a", store.EventQuery{})
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
	if usage := p.Session("sess-a").TokenUsage.TotalInput; usage != 1 {
		t.Errorf("duplicate deliveries inflated usage to %d", usage)
	}
}

func TestDuplicateFileStillMoved(t *testing.T) {
	p, _, processedDir := setupTestProcessor(t)

	dropDir := t.TempDir()
	writeDrop := func(name string) string {
		path := filepath.Join(dropDir, name)
		if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
			t.Fatalf("write drop file: %v", err)
		}
		return path
	}

	e := &event.MonitorEvent{ID: "evt-1", Timestamp: 1000, SessionID: "s", EventType: event.TypeMessage}
	first := writeDrop("1000-s-evt-1.json")
	if err := p.ProcessEvent(e, first); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	// Redelivery of the same id from a second file: skipped, but the file
	// is still cleaned up.
	second := writeDrop("1000-s-evt-1-copy.json")
	clone := *e
	if err := p.ProcessEvent(&clone, second); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Error("duplicate source file was not moved away")
	}
	if _, err := os.Stat(filepath.Join(processedDir, "1000-s-evt-1-copy.json")); err != nil {
		t.Errorf("duplicate file missing from processed dir: %v", err)
	}
}

func TestTaskSpawnCreatesVirtualSession(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	spawn := &event.MonitorEvent{
		ID:               "evt-1",
		Timestamp:        1000,
		SessionID:        "parent",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeToolCall,
		Data:             event.Payload{ToolName: event.TaskToolName, SubagentType: "Explorer"},
	}
	if err := p.ProcessEvent(spawn, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	parent := p.Session("parent")
	if parent == nil || len(parent.ChildSessionIDs) != 1 {
		t.Fatalf("expected 1 child on parent, got %+v", parent)
	}
	virtualID := parent.ChildSessionIDs[0]

	virtual := p.Session(virtualID)
	if virtual == nil {
		t.Fatal("virtual session not created")
	}
	if virtual.ParentSessionID != "parent" {
		t.Errorf("virtual parent = %q", virtual.ParentSessionID)
	}
	if virtual.AgentType != "explorer" {
		t.Errorf("agent type not normalized: %q", virtual.AgentType)
	}

	// Subsequent parent events are re-addressed to the open sub-agent.
	work := &event.MonitorEvent{
		ID:        "evt-2",
		Timestamp: 1100,
		SessionID: "parent",
		EventType: event.TypeToolCall,
		Data:      event.Payload{ToolName: "Bash", TokenUsage: &event.TokenUsage{Input: 7}},
	}
	if err := p.ProcessEvent(work, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if work.SessionID != virtualID || work.ParentSessionID != "parent" {
		t.Errorf("event not re-addressed: sessionId=%q parent=%q", work.SessionID, work.ParentSessionID)
	}
	if p.Session(virtualID).TokenUsage.TotalInput != 7 {
		t.Error("usage not attributed to virtual session")
	}

	// Stop closes the virtual session and ends re-addressing.
	stop := &event.MonitorEvent{
		ID:        "evt-3",
		Timestamp: 1200,
		SessionID: "parent",
		EventType: event.TypeSubagentStop,
		Data:      event.Payload{SubagentType: "explorer"},
	}
	if err := p.ProcessEvent(stop, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if got := p.Session(virtualID).Status; got != event.StatusCompleted {
		t.Errorf("virtual session status = %s", got)
	}

	after := &event.MonitorEvent{
		ID:        "evt-4",
		Timestamp: 1300,
		SessionID: "parent",
		EventType: event.TypeMessage,
	}
	if err := p.ProcessEvent(after, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if after.SessionID != "parent" {
		t.Errorf("event re-addressed after stop: %q", after.SessionID)
	}
}

func TestNestedSubagents(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	mkSpawn := func(id string, ts int64, agentType string) *event.MonitorEvent {
		return &event.MonitorEvent{
			ID: id, Timestamp: ts, SessionID: "parent",
			EventType: event.TypeToolCall,
			Data:      event.Payload{ToolName: event.TaskToolName, SubagentType: agentType},
		}
	}

	p.ProcessEvent(mkSpawn("e1", 1000, "outer"), "")
	p.ProcessEvent(mkSpawn("e2", 1100, "inner"), "")

	parent := p.Session("parent")
	if len(parent.ChildSessionIDs) != 2 {
		t.Fatalf("expected 2 children, got %d", len(parent.ChildSessionIDs))
	}
	innerID := parent.ChildSessionIDs[1]

	// Work goes to the innermost open sub-agent.
	work := &event.MonitorEvent{ID: "e3", Timestamp: 1200, SessionID: "parent", EventType: event.TypeMessage}
	p.ProcessEvent(work, "")
	if work.SessionID != innerID {
		t.Errorf("expected re-address to inner %q, got %q", innerID, work.SessionID)
	}

	// LIFO: the inner stop closes the inner session first.
	p.ProcessEvent(&event.MonitorEvent{
		ID: "e4", Timestamp: 1300, SessionID: "parent",
		EventType: event.TypeSubagentStop, Data: event.Payload{SubagentType: "inner"},
	}, "")
	if p.Session(innerID).Status != event.StatusCompleted {
		t.Error("inner session not completed")
	}

	outerID := parent.ChildSessionIDs[0]
	if p.Session(outerID).Status != event.StatusActive {
		t.Error("outer session closed prematurely")
	}
}

func TestPendingSpawnCorrelation(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	spawn := &event.MonitorEvent{
		ID:               "evt-1",
		Timestamp:        1000,
		SessionID:        "parent",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeToolCall,
		Data:             event.Payload{ToolName: event.TaskToolName, SubagentType: "coder"},
	}
	if err := p.ProcessEvent(spawn, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	// A new session starts shortly after, in a sibling worktree, with no
	// parent pointer. The pending candidate links it.
	start := &event.MonitorEvent{
		ID:               "evt-2",
		Timestamp:        5000,
		SessionID:        "child-real",
		WorkingDirectory: "/home/u/proj-worktree-2",
		EventType:        event.TypeSessionStart,
	}
	if err := p.ProcessEvent(start, ""); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	child := p.Session("child-real")
	if child.ParentSessionID != "parent" {
		t.Errorf("expected heuristic parent link, got %q", child.ParentSessionID)
	}
	if child.IsUserInitiated {
		t.Error("correlated child marked user initiated")
	}
	if child.AgentType != "coder" {
		t.Errorf("agent type not carried over: %q", child.AgentType)
	}
}

func TestPendingSpawnExpires(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-1", Timestamp: 1000, SessionID: "parent",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeToolCall,
		Data:             event.Payload{ToolName: event.TaskToolName},
	}, "")

	// Outside the 30s window: no link.
	late := &event.MonitorEvent{
		ID: "evt-2", Timestamp: 1000 + 31_000, SessionID: "late-child",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeSessionStart,
	}
	p.ProcessEvent(late, "")

	child := p.Session("late-child")
	if child.ParentSessionID != "" {
		t.Errorf("expired spawn still matched: %q", child.ParentSessionID)
	}
	if !child.IsUserInitiated {
		t.Error("unlinked session should be user initiated")
	}
}

func TestExplicitParentBeatsHeuristic(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-1", Timestamp: 1000, SessionID: "parent-a",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeToolCall,
		Data:             event.Payload{ToolName: event.TaskToolName},
	}, "")

	start := &event.MonitorEvent{
		ID: "evt-2", Timestamp: 1100, SessionID: "child",
		ParentSessionID:  "parent-b",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeSessionStart,
	}
	p.ProcessEvent(start, "")

	if got := p.Session("child").ParentSessionID; got != "parent-b" {
		t.Errorf("explicit parent overridden: %q", got)
	}
}

func TestSubagentStartWithoutParentUsesHeuristic(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-1", Timestamp: 1000, SessionID: "parent",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeToolCall,
		Data:             event.Payload{ToolName: event.TaskToolName, SubagentType: "Explorer"},
	}, "")

	// Some runtimes emit the explicit start without a parent pointer; the
	// pending spawn from the Task call must still link it.
	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-2", Timestamp: 2000, SessionID: "real-sub",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeSubagentStart,
	}, "")

	sub := p.Session("real-sub")
	if sub.ParentSessionID != "parent" {
		t.Fatalf("pending spawn unconsumed: parent %q", sub.ParentSessionID)
	}
	if sub.IsUserInitiated {
		t.Error("correlated sub-agent marked user initiated")
	}
	if sub.AgentType != "explorer" {
		t.Errorf("agent type not carried over: %q", sub.AgentType)
	}
	if parent := p.Session("parent"); !containsID(parent.ChildSessionIDs, "real-sub") {
		t.Errorf("parent not linked to sub-agent: %v", parent.ChildSessionIDs)
	}

	// A repeated start with no pointer must not clobber the link.
	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-3", Timestamp: 3000, SessionID: "real-sub",
		WorkingDirectory: "/home/u/proj",
		EventType:        event.TypeSubagentStart,
	}, "")
	if got := p.Session("real-sub").ParentSessionID; got != "parent" {
		t.Errorf("empty parent pointer clobbered the link: %q", got)
	}
}

func containsID(ids []string, id string) bool {
	for _, c := range ids {
		if c == id {
			return true
		}
	}
	return false
}

func TestErrorStatus(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-1", Timestamp: 1000, SessionID: "s", EventType: event.TypeMessage,
	}, "")
	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-2", Timestamp: 1100, SessionID: "s", EventType: event.TypeToolError,
		Data: event.Payload{Error: "command not found"},
	}, "")

	if got := p.Session("s").Status; got != event.StatusError {
		t.Errorf("expected error status, got %s", got)
	}
}

func TestNotifierReceivesOutcome(t *testing.T) {
	p, _, _ := setupTestProcessor(t)

	var gotEvent *event.MonitorEvent
	var gotMeta *event.SessionMeta
	p.SetNotifier(func(e *event.MonitorEvent, meta *event.SessionMeta) {
		gotEvent = e
		gotMeta = meta
	})

	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-1", Timestamp: 1000, SessionID: "s", EventType: event.TypeMessage,
	}, "")

	if gotEvent == nil || gotEvent.ID != "evt-1" {
		t.Fatal("notifier not invoked with the event")
	}
	if gotMeta == nil || gotMeta.SessionID != "s" {
		t.Fatal("notifier not invoked with the session")
	}
}

func TestLoadSessionsRehydrates(t *testing.T) {
	p, st, _ := setupTestProcessor(t)

	p.ProcessEvent(&event.MonitorEvent{
		ID: "evt-1", Timestamp: 1000, SessionID: "s", EventType: event.TypeMessage,
	}, "")

	cp := state.NewManager(filepath.Join(t.TempDir(), "cp.json"))
	fresh := New(st, cp, config.CorrelationConfig{Window: 30 * time.Second}, "")
	if err := fresh.LoadSessions(); err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	if fresh.Session("s") == nil {
		t.Error("persisted session not rehydrated")
	}
}

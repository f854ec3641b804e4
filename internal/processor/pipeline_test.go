package processor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/state"
	"github.com/nkall/claudescope/internal/store"
	"github.com/nkall/claudescope/internal/watch"
)

// Covers the file path end to end: events dropped in the queue directory
// are picked up by the watcher, folded into session state, journaled, and
// moved to the processed directory.
func TestFileQueuePipeline(t *testing.T) {
	dir := t.TempDir()
	eventDir := filepath.Join(dir, "events")
	processedDir := filepath.Join(dir, "processed")
	if err := os.MkdirAll(eventDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	st, err := store.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	cp := state.NewManager(filepath.Join(dir, "daemon-state.json"))
	p := New(st, cp, config.CorrelationConfig{
		Window:    30 * time.Second,
		DedupCap:  10000,
		DedupTrim: 5000,
	}, processedDir)

	events := []*event.MonitorEvent{
		{
			ID:               "evt-1",
			Timestamp:        1000,
			SessionID:        "sess-a",
			WorkingDirectory: "/home/u/proj",
			EventType:        event.TypeToolCall,
			Data:             event.Payload{ToolName: "Read"},
		},
		{
			ID:        "evt-2",
			Timestamp: 1001,
			SessionID: "sess-a",
			EventType: event.TypeSessionEnd,
			Data:      event.Payload{TokenUsage: &event.TokenUsage{Input: 10, Output: 5}},
		},
	}
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		path := filepath.Join(eventDir, event.FileName(e))
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	w := watch.New(eventDir, cp.Watermark, func(e *event.MonitorEvent, path string) {
		if err := p.ProcessEvent(e, path); err != nil {
			t.Errorf("ProcessEvent failed: %v", err)
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("watcher start failed: %v", err)
	}
	defer w.Stop()

	meta := p.Session("sess-a")
	if meta == nil {
		t.Fatal("session not built from queue files")
	}
	if meta.Status != event.StatusCompleted {
		t.Errorf("expected completed, got %s", meta.Status)
	}
	if meta.TokenUsage.TotalInput != 10 || meta.TokenUsage.TotalOutput != 5 {
		t.Errorf("unexpected usage: %+v", meta.TokenUsage)
	}
	if cp.Watermark() != 1001 {
		t.Errorf("watermark = %d, want 1001", cp.Watermark())
	}

	// Consumed queue files are moved, not copied.
	left, err := os.ReadDir(eventDir)
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d files left in the queue", len(left))
	}
	moved, err := os.ReadDir(processedDir)
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(moved) != 2 {
		t.Errorf("%d files in processed dir, want 2", len(moved))
	}

	// Journal and metadata are on disk for the broker to serve.
	stored, err := st.GetSession("sess-a")
	if err != nil || stored == nil {
		t.Fatalf("session not persisted: %v", err)
	}
	journal, err := st.GetEvents("sess-a", store.EventQuery{})
	if err != nil || len(journal) != 2 {
		t.Fatalf("journal incomplete: %d events, %v", len(journal), err)
	}
}

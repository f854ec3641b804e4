package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkall/claudescope/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	events []*event.MonitorEvent
}

func (r *recorder) handle(e *event.MonitorEvent, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []*event.MonitorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.MonitorEvent, len(r.events))
	copy(out, r.events)
	return out
}

func writeEventFile(t *testing.T, dir string, e *event.MonitorEvent) {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	path := filepath.Join(dir, event.FileName(e))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write event file: %v", err)
	}
}

func TestInitialScanDeliversInOrder(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}

	// Written out of order; the sweep sorts by name, which is timestamp
	// order by construction.
	for _, ts := range []int64{3000, 1000, 2000} {
		writeEventFile(t, dir, &event.MonitorEvent{
			ID:        fmt.Sprintf("evt-%d", ts),
			Timestamp: ts,
			SessionID: "s",
			EventType: event.TypeMessage,
		})
	}

	w := New(dir, func() int64 { return 0 }, rec.handle)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 events from initial scan, got %d", len(got))
	}
	for i, want := range []int64{1000, 2000, 3000} {
		if got[i].Timestamp != want {
			t.Errorf("event %d: timestamp %d, want %d", i, got[i].Timestamp, want)
		}
	}
}

func TestWatermarkSkipsOldFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}

	for _, ts := range []int64{1000, 2000, 3000} {
		writeEventFile(t, dir, &event.MonitorEvent{
			ID:        fmt.Sprintf("evt-%d", ts),
			Timestamp: ts,
			SessionID: "s",
			EventType: event.TypeMessage,
		})
	}

	w := New(dir, func() int64 { return 2000 }, rec.handle)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Strictly-below files are skipped; the boundary file is redelivered
	// and left to the dedup set.
	got := rec.snapshot()
	if len(got) != 2 || got[0].Timestamp != 2000 || got[1].Timestamp != 3000 {
		t.Fatalf("expected the events at and above the watermark, got %+v", got)
	}
}

func TestAdvancingWatermarkDoesNotDropFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}

	// The supplier tracks the live checkpoint, which moves forward as each
	// event is processed. Two files sharing a timestamp must both arrive.
	var watermark atomic.Int64
	handle := func(e *event.MonitorEvent, path string) {
		rec.handle(e, path)
		watermark.Store(e.Timestamp)
	}

	for _, id := range []string{"sess-a", "sess-b"} {
		writeEventFile(t, dir, &event.MonitorEvent{
			ID:        "evt-" + id,
			Timestamp: 1000,
			SessionID: id,
			EventType: event.TypeMessage,
		})
	}

	w := New(dir, watermark.Load, handle)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("expected both same-timestamp events, got %d", len(got))
	}
}

func TestMalformedFileSkippedOnce(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}

	if err := os.WriteFile(filepath.Join(dir, "1000-s-bad.json"), []byte("{broken"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	writeEventFile(t, dir, &event.MonitorEvent{
		ID: "evt-ok", Timestamp: 2000, SessionID: "s", EventType: event.TypeMessage,
	})

	w := New(dir, func() int64 { return 0 }, rec.handle)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	got := rec.snapshot()
	if len(got) != 1 || got[0].ID != "evt-ok" {
		t.Fatalf("expected only the valid event, got %+v", got)
	}

	// A second sweep must not redeliver the broken file.
	w.sweep()
	if len(rec.snapshot()) != 1 {
		t.Error("sweep redelivered a file already handled")
	}
}

func TestNotifyPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}

	w := New(dir, func() int64 { return 0 }, rec.handle)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeEventFile(t, dir, &event.MonitorEvent{
		ID: "evt-live", Timestamp: 1000, SessionID: "s", EventType: event.TypeMessage,
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event not delivered within deadline, got %d", len(rec.snapshot()))
}

func TestDeliveredSetForgetsMovedFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}

	e := &event.MonitorEvent{ID: "evt-1", Timestamp: 1000, SessionID: "s", EventType: event.TypeMessage}
	writeEventFile(t, dir, e)

	w := New(dir, func() int64 { return 0 }, rec.handle)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Consumer moves the file away; the delivered set should shrink on the
	// next sweep rather than grow without bound.
	os.Remove(filepath.Join(dir, event.FileName(e)))
	w.sweep()

	w.mu.Lock()
	size := len(w.delivered)
	w.mu.Unlock()
	if size != 0 {
		t.Errorf("delivered set retained %d entries for absent files", size)
	}
}

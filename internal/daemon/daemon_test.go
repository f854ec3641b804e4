package daemon

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/ipc"
)

func setupTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Daemon.Socket = filepath.Join(base, "daemon.sock")
	cfg.Daemon.DataDir = filepath.Join(base, "data")
	cfg.Daemon.EventDir = filepath.Join(base, "events", "pending")
	cfg.Daemon.ProcessedDir = filepath.Join(base, "events", "processed")
	cfg.Daemon.CheckpointFile = filepath.Join(base, "daemon-state.json")
	cfg.Daemon.WrapperRegistry = filepath.Join(base, "wrappers.json")

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestInjectInputValidatesExternalWrapperState(t *testing.T) {
	d := setupTestDaemon(t)

	inject := ipc.InjectInput{Type: ipc.TypeInjectInput, WrapperID: "ext-1", Input: "y\n"}

	// Nothing reported yet: the wrapper is unknown.
	if err := d.onInjectInput(inject); err == nil || !strings.Contains(err.Error(), "unknown wrapper") {
		t.Fatalf("expected unknown-wrapper rejection, got %v", err)
	}

	// A started wrapper that is still processing must not receive input.
	d.onWrapperReport(ipc.WrapperReport{
		Type: ipc.TypeWrapperStarted, WrapperID: "ext-1", State: "processing",
	})
	if err := d.onInjectInput(inject); err == nil || !strings.Contains(err.Error(), "not waiting for input") {
		t.Fatalf("expected state rejection, got %v", err)
	}

	// Once the wrapper reports waiting_input, validation passes and the
	// injection proceeds to delivery (which fails here only because no
	// wrapper connection is registered on the socket).
	d.onWrapperReport(ipc.WrapperReport{
		Type: ipc.TypeWrapperStateChanged, WrapperID: "ext-1", State: "waiting_input",
	})
	if err := d.onInjectInput(inject); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("expected delivery attempt, got %v", err)
	}

	// An ended wrapper is forgotten.
	d.onWrapperReport(ipc.WrapperReport{
		Type: ipc.TypeWrapperEnded, WrapperID: "ext-1",
	})
	if err := d.onInjectInput(inject); err == nil || !strings.Contains(err.Error(), "unknown wrapper") {
		t.Fatalf("expected unknown-wrapper rejection after end, got %v", err)
	}
}

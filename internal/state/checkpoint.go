// Package state persists the daemon processing checkpoint.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nkall/claudescope/internal/logging"
)

// PendingSpawn is an ephemeral sub-agent spawn candidate, used to link a
// future session that arrives without an explicit parent pointer.
type PendingSpawn struct {
	ParentSessionID  string `json:"parentSessionId"`
	WorkingDirectory string `json:"workingDirectory"`
	Timestamp        int64  `json:"timestamp"`
	AgentType        string `json:"agentType,omitempty"`
}

// ActiveSubagent is an in-flight virtual sub-session awaiting its stop
// signal. Entries form a per-parent stack.
type ActiveSubagent struct {
	VirtualSessionID string `json:"virtualSessionId"`
	AgentType        string `json:"agentType,omitempty"`
	StartedAt        int64  `json:"startedAt"`
}

// Checkpoint is the daemon's durable processing state. The watermark is an
// optimization only: at-least-once delivery is assumed and idempotent
// processing absorbs duplicates.
type Checkpoint struct {
	LastProcessedTimestamp int64                       `json:"lastProcessedTimestamp"`
	PendingSubagentSpawns  []PendingSpawn              `json:"pendingSubagentSpawns"`
	ActiveSubagentStacks   map[string][]ActiveSubagent `json:"activeSubagentStacks"`
}

// Manager owns the checkpoint file and its periodic snapshot loop.
type Manager struct {
	path string

	mu         sync.Mutex
	checkpoint Checkpoint

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a checkpoint manager for the given file path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		checkpoint: Checkpoint{
			ActiveSubagentStacks: make(map[string][]ActiveSubagent),
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Load reads the checkpoint from disk. A missing file is not an error:
// the daemon starts from a zero watermark.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.ActiveSubagentStacks == nil {
		cp.ActiveSubagentStacks = make(map[string][]ActiveSubagent)
	}

	m.mu.Lock()
	m.checkpoint = cp
	m.mu.Unlock()
	return nil
}

// Save writes the checkpoint to disk atomically.
func (m *Manager) Save() error {
	m.mu.Lock()
	data, err := json.MarshalIndent(&m.checkpoint, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// StartPeriodicSave begins background snapshots at the given interval.
func (m *Manager) StartPeriodicSave(interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				if err := m.Save(); err != nil {
					logging.Warn("periodic checkpoint save failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the snapshot loop and performs one final synchronous save.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
	return m.Save()
}

// Watermark returns the last processed timestamp.
func (m *Manager) Watermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint.LastProcessedTimestamp
}

// AdvanceWatermark raises the watermark to ts if it is newer.
func (m *Manager) AdvanceWatermark(ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts > m.checkpoint.LastProcessedTimestamp {
		m.checkpoint.LastProcessedTimestamp = ts
	}
}

// AddPendingSpawn registers a sub-agent spawn candidate.
func (m *Manager) AddPendingSpawn(p PendingSpawn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint.PendingSubagentSpawns = append(m.checkpoint.PendingSubagentSpawns, p)
}

// TakePendingSpawn finds and consumes the first candidate within the
// window for which match returns true. Expired candidates encountered
// along the way are dropped.
func (m *Manager) TakePendingSpawn(now int64, window time.Duration, match func(PendingSpawn) bool) (PendingSpawn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowMs := window.Milliseconds()
	kept := m.checkpoint.PendingSubagentSpawns[:0]
	var found PendingSpawn
	var ok bool
	for _, p := range m.checkpoint.PendingSubagentSpawns {
		if now-p.Timestamp > windowMs {
			continue // expired
		}
		if !ok && match(p) {
			found = p
			ok = true
			continue
		}
		kept = append(kept, p)
	}
	m.checkpoint.PendingSubagentSpawns = kept
	return found, ok
}

// PushSubagent pushes a virtual sub-session onto a parent's stack.
func (m *Manager) PushSubagent(parentID string, sub ActiveSubagent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint.ActiveSubagentStacks[parentID] = append(m.checkpoint.ActiveSubagentStacks[parentID], sub)
}

// PopSubagent pops the top of a parent's stack.
func (m *Manager) PopSubagent(parentID string) (ActiveSubagent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := m.checkpoint.ActiveSubagentStacks[parentID]
	if len(stack) == 0 {
		return ActiveSubagent{}, false
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(m.checkpoint.ActiveSubagentStacks, parentID)
	} else {
		m.checkpoint.ActiveSubagentStacks[parentID] = stack
	}
	return top, true
}

// TopSubagent peeks at the top of a parent's stack without popping.
func (m *Manager) TopSubagent(parentID string) (ActiveSubagent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := m.checkpoint.ActiveSubagentStacks[parentID]
	if len(stack) == 0 {
		return ActiveSubagent{}, false
	}
	return stack[len(stack)-1], true
}

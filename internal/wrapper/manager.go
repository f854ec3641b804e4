package wrapper

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/logging"
)

// EventFunc receives wrapper lifecycle notifications: "started", "ended",
// "state_changed", and "output". For output events the chunk is passed
// alongside the session snapshot.
type EventFunc func(kind string, s Session, output string)

const (
	EventStarted      = "started"
	EventEnded        = "ended"
	EventStateChanged = "state_changed"
	EventOutput       = "output"
)

type managed struct {
	session Session
	proc    procHandle
	tail    *tailBuffer
}

// Manager spawns and supervises PTY-wrapped agent processes. All state
// transitions funnel through one mutex; the registry file is rewritten
// after every mutation.
type Manager struct {
	cfg      config.WrapperConfig
	registry *registry
	spawn    spawnFunc
	emit     EventFunc

	mu       sync.Mutex
	sessions map[string]*managed
}

// NewManager creates a manager persisting to registryPath. emit may be
// nil when no listener cares about lifecycle notifications.
func NewManager(cfg config.WrapperConfig, registryPath string, emit EventFunc) *Manager {
	if emit == nil {
		emit = func(string, Session, string) {}
	}
	return &Manager{
		cfg:      cfg,
		registry: newRegistry(registryPath),
		spawn:    spawnPTY,
		emit:     emit,
		sessions: make(map[string]*managed),
	}
}

// Initialize loads the persisted registry and discards every entry found
// there. PTY file descriptors do not survive a daemon restart, so even a
// wrapper whose process is still alive cannot be re-attached; it is
// logged and dropped.
func (m *Manager) Initialize() error {
	persisted, err := m.registry.Load()
	if err != nil {
		return err
	}

	for _, s := range persisted {
		if processAlive(s.PID) {
			logging.Warn("orphaned wrapper process still running, cannot re-attach",
				"wrapper_id", s.WrapperID, "pid", s.PID)
		} else {
			logging.Info("discarding dead wrapper from registry",
				"wrapper_id", s.WrapperID, "pid", s.PID)
		}
	}

	return m.registry.Save(nil)
}

// Spawn starts a new wrapped agent process in cwd with the given terminal
// dimensions and returns its session snapshot.
func (m *Manager) Spawn(cwd string, args []string, cols, rows uint16) (Session, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	proc, err := m.spawn(m.cfg.Command, args, cwd, cols, rows)
	if err != nil {
		return Session{}, fmt.Errorf("spawn wrapper: %w", err)
	}

	id := uuid.NewString()[:8]
	mg := &managed{
		session: Session{
			WrapperID: id,
			PID:       proc.PID(),
			State:     StateStarting,
			Cwd:       cwd,
			Args:      args,
			Cols:      cols,
			Rows:      rows,
			StartedAt: time.Now(),
		},
		proc: proc,
		tail: newTailBuffer(m.cfg.ScanWindow),
	}

	m.mu.Lock()
	m.sessions[id] = mg
	snapshot := mg.session
	m.persistLocked()
	m.mu.Unlock()

	logging.Info("wrapper spawned", "wrapper_id", id, "pid", snapshot.PID, "cwd", cwd)
	m.emit(EventStarted, snapshot, "")

	go m.monitor(mg)
	go m.settle(id)
	return snapshot, nil
}

// WriteInput writes input to a wrapper's terminal. Only a wrapper in
// waiting_input accepts injection; the state then flips back to
// processing.
func (m *Manager) WriteInput(wrapperID, input string) error {
	m.mu.Lock()
	mg, ok := m.sessions[wrapperID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown wrapper: %s", wrapperID)
	}
	if mg.session.State != StateWaitingInput {
		state := mg.session.State
		m.mu.Unlock()
		return fmt.Errorf("wrapper %s not waiting for input (state %s)", wrapperID, state)
	}
	proc := mg.proc
	m.mu.Unlock()

	if _, err := proc.Write([]byte(input)); err != nil {
		return fmt.Errorf("write to wrapper %s: %w", wrapperID, err)
	}

	m.transition(wrapperID, StateProcessing)
	return nil
}

// Resize changes a wrapper's terminal dimensions. Returns false for
// unknown ids.
func (m *Manager) Resize(wrapperID string, cols, rows uint16) bool {
	m.mu.Lock()
	mg, ok := m.sessions[wrapperID]
	if ok {
		mg.session.Cols = cols
		mg.session.Rows = rows
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := mg.proc.Resize(cols, rows); err != nil {
		logging.Warn("wrapper resize failed", "wrapper_id", wrapperID, "error", err)
	}
	return true
}

// Kill terminates a wrapper process. Returns false for unknown ids; the
// ended transition happens when the process actually exits.
func (m *Manager) Kill(wrapperID string) bool {
	m.mu.Lock()
	mg, ok := m.sessions[wrapperID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := mg.proc.Kill(); err != nil {
		logging.Warn("wrapper kill failed", "wrapper_id", wrapperID, "error", err)
	}
	return true
}

// MarkWaitingInput transitions a wrapper to waiting_input. Used when a
// hook event (rather than output scanning) signals that the agent is
// blocked on the user.
func (m *Manager) MarkWaitingInput(wrapperID string) bool {
	return m.transition(wrapperID, StateWaitingInput)
}

// AssociateSession binds an observed session id to a wrapper.
func (m *Manager) AssociateSession(wrapperID, sessionID string) bool {
	m.mu.Lock()
	mg, ok := m.sessions[wrapperID]
	if ok && mg.session.ClaudeSessionID != sessionID {
		mg.session.ClaudeSessionID = sessionID
		m.persistLocked()
	}
	m.mu.Unlock()
	return ok
}

// FindBySession returns the wrapper bound to a session id.
func (m *Manager) FindBySession(sessionID string) (Session, bool) {
	if sessionID == "" {
		return Session{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mg := range m.sessions {
		if mg.session.ClaudeSessionID == sessionID {
			return mg.session, true
		}
	}
	return Session{}, false
}

// FindByCwd returns an unbound wrapper whose working directory matches.
// Fallback association path for events that arrive before the session id
// is known.
func (m *Manager) FindByCwd(cwd string) (Session, bool) {
	if cwd == "" {
		return Session{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mg := range m.sessions {
		if mg.session.ClaudeSessionID == "" && mg.session.Cwd == cwd {
			return mg.session, true
		}
	}
	return Session{}, false
}

// Get returns a wrapper session snapshot.
func (m *Manager) Get(wrapperID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.sessions[wrapperID]
	if !ok {
		return Session{}, false
	}
	return mg.session, true
}

// List returns snapshots of all live wrapper sessions.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, mg := range m.sessions {
		out = append(out, mg.session)
	}
	return out
}

// Shutdown terminates all wrapper processes. Called on daemon exit; the
// PTY masters die with the daemon anyway, this just makes it orderly.
func (m *Manager) Shutdown() {
	for _, s := range m.List() {
		m.Kill(s.WrapperID)
	}
}

// monitor consumes process output, scanning for input prompts, until the
// process exits.
func (m *Manager) monitor(mg *managed) {
	for {
		select {
		case chunk, ok := <-mg.proc.Output():
			if !ok {
				m.waitEnded(mg)
				return
			}
			m.handleOutput(mg, chunk)
		case <-mg.proc.Done():
			m.waitEnded(mg)
			return
		}
	}
}

func (m *Manager) handleOutput(mg *managed, chunk []byte) {
	m.mu.Lock()
	mg.tail.Append(chunk)
	state := mg.session.State

	// Output means the process is doing something: starting settles to
	// processing as soon as anything is printed.
	if state == StateStarting {
		mg.session.State = StateProcessing
		state = StateProcessing
		m.persistLocked()
		snapshot := mg.session
		m.mu.Unlock()
		m.emit(EventStateChanged, snapshot, "")
		m.mu.Lock()
	}

	promptSeen := false
	if state == StateProcessing && detectPrompt(mg.tail.String()) {
		mg.session.State = StateWaitingInput
		mg.tail.Reset()
		m.persistLocked()
		promptSeen = true
	}
	snapshot := mg.session
	m.mu.Unlock()

	m.emit(EventOutput, snapshot, string(chunk))
	if promptSeen {
		logging.Debug("wrapper prompt detected", "wrapper_id", snapshot.WrapperID)
		m.emit(EventStateChanged, snapshot, "")
	}
}

// settle flips starting → processing after the settle delay even if the
// process produced no output.
func (m *Manager) settle(wrapperID string) {
	time.Sleep(m.cfg.SettleDelay)
	m.mu.Lock()
	mg, ok := m.sessions[wrapperID]
	if !ok || mg.session.State != StateStarting {
		m.mu.Unlock()
		return
	}
	mg.session.State = StateProcessing
	m.persistLocked()
	snapshot := mg.session
	m.mu.Unlock()
	m.emit(EventStateChanged, snapshot, "")
}

func (m *Manager) waitEnded(mg *managed) {
	<-mg.proc.Done()

	m.mu.Lock()
	mg.session.State = StateEnded
	snapshot := mg.session
	delete(m.sessions, snapshot.WrapperID)
	m.persistLocked()
	m.mu.Unlock()

	logging.Info("wrapper ended", "wrapper_id", snapshot.WrapperID, "pid", snapshot.PID)
	m.emit(EventEnded, snapshot, "")
}

// transition moves a wrapper to a new state, persisting and notifying on
// change. Returns false for unknown ids.
func (m *Manager) transition(wrapperID string, next State) bool {
	m.mu.Lock()
	mg, ok := m.sessions[wrapperID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if mg.session.State == next || mg.session.State == StateEnded {
		m.mu.Unlock()
		return true
	}
	mg.session.State = next
	if next == StateProcessing {
		mg.tail.Reset()
	}
	m.persistLocked()
	snapshot := mg.session
	m.mu.Unlock()

	m.emit(EventStateChanged, snapshot, "")
	return true
}

// persistLocked rewrites the registry. Callers hold m.mu. Persistence
// failures are logged, never fatal: the registry is advisory state.
func (m *Manager) persistLocked() {
	sessions := make([]Session, 0, len(m.sessions))
	for _, mg := range m.sessions {
		sessions = append(sessions, mg.session)
	}
	if err := m.registry.Save(sessions); err != nil {
		logging.Warn("wrapper registry save failed", "error", err)
	}
}

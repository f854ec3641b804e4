// Package daemon implements the claudescoped background service: it
// consumes raw monitor events from the drop directory and the local
// socket, correlates them into sessions, supervises PTY wrappers, and
// pushes updates to connected UI brokers.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/ipc"
	"github.com/nkall/claudescope/internal/logging"
	"github.com/nkall/claudescope/internal/processor"
	"github.com/nkall/claudescope/internal/state"
	"github.com/nkall/claudescope/internal/store"
	"github.com/nkall/claudescope/internal/watch"
	"github.com/nkall/claudescope/internal/wrapper"
)

// ShutdownTimeout is how long to wait for graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// heartbeatInterval paces the liveness push to UI clients.
const heartbeatInterval = 30 * time.Second

// Daemon is the main claudescoped service.
type Daemon struct {
	config     *config.Config
	store      *store.Store
	checkpoint *state.Manager
	processor  *processor.Processor
	watcher    *watch.Watcher
	server     *ipc.Server
	wrappers   *wrapper.Manager

	startedAt time.Time

	// State reported by externally launched wrappers over the socket,
	// keyed by wrapper id. Input injection is validated against it the
	// same way the manager validates its own wrappers.
	remoteMu       sync.Mutex
	remoteWrappers map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New creates a daemon instance.
func New(cfg *config.Config) (*Daemon, error) {
	st, err := store.New(cfg.Daemon.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cp := state.NewManager(cfg.Daemon.CheckpointFile)
	proc := processor.New(st, cp, cfg.Correlation, cfg.Daemon.ProcessedDir)

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:         cfg,
		store:          st,
		checkpoint:     cp,
		processor:      proc,
		remoteWrappers: make(map[string]string),
		startedAt:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}

	d.wrappers = wrapper.NewManager(cfg.Wrapper, cfg.Daemon.WrapperRegistry, d.onWrapperEvent)
	d.server = ipc.NewServer(cfg.Daemon.Socket, ipc.Hooks{
		OnEvent:         d.onSocketEvent,
		OnWrapperReport: d.onWrapperReport,
		OnInjectInput:   d.onInjectInput,
		OnUIRegister:    d.onUIRegister,
	})
	// The watcher samples the watermark once when it starts, after the
	// checkpoint has loaded; it must not chase the live value.
	d.watcher = watch.New(cfg.Daemon.EventDir, cp.Watermark, d.onFileEvent)

	proc.SetNotifier(d.onProcessed)
	d.registerHandlers()
	return d, nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	if err := d.checkpoint.Load(); err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if err := d.processor.LoadSessions(); err != nil {
		return err
	}
	if err := d.wrappers.Initialize(); err != nil {
		logging.Warn("wrapper registry initialization failed", "error", err)
	}

	if err := d.server.Start(); err != nil {
		return err
	}
	logging.Info("socket endpoint listening", "socket", d.config.Daemon.Socket)

	if err := d.watcher.Start(); err != nil {
		d.server.Stop()
		return fmt.Errorf("start event watcher: %w", err)
	}
	logging.Info("watching event drop directory",
		"dir", d.config.Daemon.EventDir,
		"watermark", d.checkpoint.Watermark())

	d.checkpoint.StartPeriodicSave(d.config.Daemon.CheckpointInterval)

	d.wg.Add(1)
	go d.safeLoop("heartbeat-loop", d.heartbeatLoop)

	sigCh := make(chan os.Signal, 2) // buffer for the force-exit second signal
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return d.signalLoop(sigCh)
}

// signalLoop handles OS signals for graceful shutdown.
func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	sig := <-sigCh
	logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

	shutdownDone := make(chan struct{})
	go func() {
		d.gracefulShutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logging.Info("graceful shutdown complete")
		return nil

	case sig2 := <-sigCh:
		logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
		d.forceShutdown()
		return fmt.Errorf("forced shutdown by signal: %s", sig2.String())

	case <-time.After(ShutdownTimeout):
		logging.Warn("graceful shutdown timed out, forcing")
		d.forceShutdown()
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// gracefulShutdown drains in order: stop ingesting, announce to clients,
// stop wrappers, snapshot the checkpoint.
func (d *Daemon) gracefulShutdown() {
	d.shutdownOnce.Do(func() {
		d.watcher.Stop()
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logging.Warn("background loops did not stop in time")
		}

		d.server.Stop()
		d.wrappers.Shutdown()

		if err := d.checkpoint.Stop(); err != nil {
			logging.Error("final checkpoint save failed", "error", err)
		}

		logging.Flush(2 * time.Second)
	})
}

// forceShutdown skips draining. A final checkpoint save is still
// attempted; losing it only costs reprocessing already-deduplicated
// events.
func (d *Daemon) forceShutdown() {
	d.cancel()
	d.server.Stop()
	d.wrappers.Shutdown()
	d.checkpoint.Save()
	logging.Flush(500 * time.Millisecond)
}

// safeLoop wraps a loop function with panic recovery. A panicking loop
// logs to Sentry and triggers daemon shutdown rather than dying silently.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", name)
			d.cancel()
		}
	}()
	fn()
}

func (d *Daemon) heartbeatLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.server.BroadcastUI(ipc.Push{
				Type: ipc.TypeHeartbeat,
				Payload: map[string]any{
					"timestamp":     time.Now().UnixMilli(),
					"uptimeSeconds": int64(time.Since(d.startedAt).Seconds()),
					"sessions":      len(d.processor.Sessions()),
					"wrappers":      len(d.wrappers.List()),
				},
			})
		}
	}
}

// onFileEvent handles events delivered by the drop-directory watcher.
func (d *Daemon) onFileEvent(e *event.MonitorEvent, path string) {
	if err := d.processor.ProcessEvent(e, path); err != nil {
		logging.Error("event processing failed", "event_id", e.ID, "file", path, "error", err)
	}
}

// onSocketEvent handles events arriving over the local socket. The dedup
// set absorbs the overlap with the file path for doubly-delivered events.
func (d *Daemon) onSocketEvent(e *event.MonitorEvent) {
	if e.ID == "" || e.SessionID == "" {
		logging.Warn("dropping socket event without id or session id")
		return
	}
	if err := d.processor.ProcessEvent(e, ""); err != nil {
		logging.Error("event processing failed", "event_id", e.ID, "error", err)
	}
}

// onProcessed publishes each processed event and its session to UI
// clients, and feeds the wrapper state machine.
func (d *Daemon) onProcessed(e *event.MonitorEvent, meta *event.SessionMeta) {
	d.server.BroadcastUI(ipc.Push{Type: ipc.TypeSessionUpdate, Payload: meta})
	d.server.BroadcastUI(ipc.Push{Type: ipc.TypeEvent, Payload: e})
	d.applyWrapperHooks(e)
}

// applyWrapperHooks associates sessions with spawned wrappers and flips
// them to waiting_input when the agent's hooks signal a stop or a
// notification that needs the user.
func (d *Daemon) applyWrapperHooks(e *event.MonitorEvent) {
	// Re-addressed events carry the reporting session in the parent
	// field; that is the session the wrapper process actually runs.
	sessionID := e.SessionID
	if e.ParentSessionID != "" {
		if _, ok := d.wrappers.FindBySession(e.ParentSessionID); ok {
			sessionID = e.ParentSessionID
		}
	}

	w, ok := d.wrappers.FindBySession(sessionID)
	if !ok {
		w, ok = d.wrappers.FindByCwd(e.WorkingDirectory)
		if !ok {
			return
		}
		d.wrappers.AssociateSession(w.WrapperID, sessionID)
		logging.Debug("wrapper associated with session",
			"wrapper_id", w.WrapperID, "session_id", sessionID)
	}

	switch {
	case e.HookType == event.HookStop,
		e.HookType == event.HookNotification,
		e.EventType == event.TypePermissionRequest:
		d.wrappers.MarkWaitingInput(w.WrapperID)
	}
}

// onWrapperEvent fans wrapper lifecycle changes out to UI clients.
func (d *Daemon) onWrapperEvent(kind string, s wrapper.Session, output string) {
	payload := map[string]any{
		"kind":    kind,
		"wrapper": s,
	}
	if output != "" {
		payload["output"] = output
	}
	d.server.BroadcastUI(ipc.Push{Type: ipc.TypeWrapperUpdate, Payload: payload})
}

// onWrapperReport handles reports from externally launched wrapper
// processes that connected over the socket, recording the state they
// announce so injection can be validated against it.
func (d *Daemon) onWrapperReport(r ipc.WrapperReport) {
	logging.Debug("wrapper report", "type", r.Type, "wrapper_id", r.WrapperID, "state", r.State)

	if r.WrapperID != "" {
		d.remoteMu.Lock()
		switch r.Type {
		case ipc.TypeWrapperStarted:
			st := r.State
			if st == "" {
				st = string(wrapper.StateStarting)
			}
			d.remoteWrappers[r.WrapperID] = st
		case ipc.TypeWrapperStateChanged:
			d.remoteWrappers[r.WrapperID] = r.State
		case ipc.TypeWrapperEnded:
			delete(d.remoteWrappers, r.WrapperID)
		}
		d.remoteMu.Unlock()
	}

	d.server.BroadcastUI(ipc.Push{Type: ipc.TypeWrapperUpdate, Payload: r})
}

// onInjectInput routes input to a daemon-managed wrapper, falling back to
// a socket-registered external wrapper. Either way the target must be
// waiting for input.
func (d *Daemon) onInjectInput(r ipc.InjectInput) error {
	if _, ok := d.wrappers.Get(r.WrapperID); ok {
		return d.wrappers.WriteInput(r.WrapperID, r.Input)
	}

	d.remoteMu.Lock()
	st, known := d.remoteWrappers[r.WrapperID]
	d.remoteMu.Unlock()
	if !known {
		return fmt.Errorf("unknown wrapper: %s", r.WrapperID)
	}
	if st != string(wrapper.StateWaitingInput) {
		return fmt.Errorf("wrapper %s not waiting for input (state %s)", r.WrapperID, st)
	}
	return d.server.SendToWrapper(r.WrapperID, r)
}

// onUIRegister seeds a newly registered broker with the full session list.
func (d *Daemon) onUIRegister(c *ipc.Conn) {
	if err := c.Send(ipc.Push{Type: ipc.TypeSessions, Payload: d.processor.Sessions()}); err != nil {
		logging.Debug("seeding ui client failed", "error", err)
	}
	logging.Info("ui client registered", "clients", d.server.UIClientCount())
}

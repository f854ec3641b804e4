package broker

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/ipc"
	"github.com/nkall/claudescope/internal/logging"
	"github.com/nkall/claudescope/internal/store"
)

// dialFunc connects to the daemon socket. Swapped in tests to exercise
// the reconnect loop without a real daemon.
type dialFunc func(socketPath string) (*ipc.Client, error)

// Broker mirrors session state from the daemon and fans it out to UI
// clients over TCP and WebSocket. It survives daemon restarts by
// reconnecting with backoff, and keeps serving cached and stored data
// while the daemon is down.
type Broker struct {
	cfg        config.BrokerConfig
	socketPath string
	store      *store.Store
	cache      *sessionCache
	hub        *hub
	dial       dialFunc

	mu       sync.Mutex
	daemon   *ipc.Client
	listener net.Listener
	httpSrv  *http.Server

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a broker backed by the store at dataDir.
func New(cfg config.BrokerConfig, socketPath, dataDir string) (*Broker, error) {
	st, err := store.New(dataDir)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:        cfg,
		socketPath: socketPath,
		store:      st,
		cache:      newSessionCache(),
		dial:       ipc.Dial,
		done:       make(chan struct{}),
	}
	b.hub = newHub(b.handleRequest)
	return b, nil
}

// Start begins listening for UI clients and connecting to the daemon.
func (b *Broker) Start() error {
	// Seed the cache from disk so clients get data even while the daemon
	// is down; the daemon's sessions push replaces it on connect.
	if metas, err := b.store.ListSessions("", 0); err == nil {
		b.cache.Replace(metas)
	} else {
		logging.Warn("seeding session cache from store failed", "error", err)
	}

	listener, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return err
	}
	b.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.hub.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	b.httpSrv = &http.Server{Addr: b.cfg.HTTPAddr, Handler: mux}

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		b.acceptLoop()
	}()
	go func() {
		defer b.wg.Done()
		if err := b.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("broker http server failed", "error", err)
		}
	}()
	go func() {
		defer b.wg.Done()
		b.mirrorLoop()
	}()

	logging.Info("broker listening", "tcp", b.cfg.ListenAddr, "http", b.cfg.HTTPAddr)
	return nil
}

// Stop shuts down listeners, the daemon connection, and all clients.
func (b *Broker) Stop() {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	daemon := b.daemon
	b.mu.Unlock()
	if daemon != nil {
		daemon.Close()
	}
	if b.listener != nil {
		b.listener.Close()
	}
	if b.httpSrv != nil {
		b.httpSrv.Close()
	}
	b.hub.closeAll()
	b.wg.Wait()
}

func (b *Broker) stopping() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Broker) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if b.stopping() {
				return
			}
			continue
		}
		go b.hub.serveTCP(conn)
	}
}

// mirrorLoop maintains the daemon connection. Backoff starts fast and
// slows down after repeated failures; the stop guard is checked before
// every dial so shutdown never races a reconnect.
func (b *Broker) mirrorLoop() {
	attempts := 0
	for {
		if b.stopping() {
			return
		}

		client, err := b.dial(b.socketPath)
		if err != nil {
			delay := b.cfg.ReconnectFast
			if attempts >= b.cfg.FastRetryAttempts {
				delay = b.cfg.ReconnectSlow
			}
			attempts++
			if attempts == b.cfg.FastRetryAttempts {
				logging.Warn("daemon unreachable, slowing reconnect attempts",
					"attempts", attempts, "interval", b.cfg.ReconnectSlow)
			}
			select {
			case <-time.After(delay):
			case <-b.done:
				return
			}
			continue
		}

		attempts = 0
		logging.Info("connected to daemon", "socket", b.socketPath)

		b.mu.Lock()
		b.daemon = client
		b.mu.Unlock()

		if err := client.Send(ipc.Push{Type: ipc.TypeBrokerRegister}); err != nil {
			logging.Warn("broker registration failed", "error", err)
		}
		b.hub.broadcast(daemonStatusMsg{Type: MsgDaemonStatus, Connected: true}, nil)

		b.consumePushes(client)

		b.mu.Lock()
		b.daemon = nil
		b.mu.Unlock()
		client.Close()

		if !b.stopping() {
			logging.Warn("daemon connection lost, reconnecting")
			b.hub.broadcast(daemonStatusMsg{Type: MsgDaemonStatus, Connected: false}, nil)
		}
	}
}

// consumePushes applies daemon pushes to the cache and fans them out.
// Returns when the connection drops.
func (b *Broker) consumePushes(client *ipc.Client) {
	for push := range client.Pushes() {
		var frame struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(push.Raw, &frame); err != nil {
			logging.Warn("malformed daemon push", "type", push.Type, "error", err)
			continue
		}

		switch push.Type {
		case ipc.TypeSessions:
			var metas []*event.SessionMeta
			if err := json.Unmarshal(frame.Payload, &metas); err != nil {
				logging.Warn("malformed sessions push", "error", err)
				continue
			}
			b.cache.Replace(metas)
			b.broadcastSessions(MsgSessions)

		case ipc.TypeSessionUpdate:
			var meta event.SessionMeta
			if err := json.Unmarshal(frame.Payload, &meta); err != nil {
				logging.Warn("malformed session_update push", "error", err)
				continue
			}
			b.cache.Put(&meta)
			b.hub.broadcastSessionUpdate(&meta)

		case ipc.TypeEvent:
			var e event.MonitorEvent
			if err := json.Unmarshal(frame.Payload, &e); err != nil {
				logging.Warn("malformed event push", "error", err)
				continue
			}
			b.hub.broadcastEvent(&e)

		case ipc.TypeWrapperUpdate:
			b.hub.broadcast(okMsg{Type: MsgWrapperUpdate, Data: frame.Payload}, nil)

		case ipc.TypeHeartbeat:
			// Liveness only.

		case ipc.TypeDaemonStopping:
			logging.Info("daemon announced shutdown")
		}
	}
}

// broadcastSessions sends each client the session list filtered by its
// hidden-session preference.
func (b *Broker) broadcastSessions(msgType string) {
	b.hub.broadcastPerClient(func(c *client) any {
		return sessionsMsg{Type: msgType, Sessions: b.cache.List(c.wantsHidden())}
	})
}

// daemonClient returns the live daemon connection, or nil when down.
func (b *Broker) daemonClient() *ipc.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.daemon
}

package broker

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/logging"
)

// frameConn abstracts a client transport. TCP clients speak ND-JSON;
// WebSocket clients get one JSON object per text message.
type frameConn interface {
	WriteFrame(data []byte) error
	Close() error
}

type tcpFrameConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (t *tcpFrameConn) WriteFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(append(data, '\n'))
	return err
}

func (t *tcpFrameConn) Close() error { return t.conn.Close() }

type wsFrameConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsFrameConn) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsFrameConn) Close() error { return w.conn.Close() }

// client is one connected UI with its subscription preferences. An empty
// subs set means subscribed to everything.
type client struct {
	conn       frameConn
	mu         sync.Mutex
	subs       map[string]struct{}
	showHidden bool
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Warn("marshal client message failed", "error", err)
		return
	}
	if err := c.conn.WriteFrame(data); err != nil {
		logging.Debug("client write failed", "error", err)
	}
}

func (c *client) setSubscription(sessionIDs []string, showHidden bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sessionIDs) == 0 {
		c.subs = nil
	} else {
		c.subs = make(map[string]struct{}, len(sessionIDs))
		for _, id := range sessionIDs {
			c.subs[id] = struct{}{}
		}
	}
	c.showHidden = showHidden
}

func (c *client) wants(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return true
	}
	_, ok := c.subs[sessionID]
	return ok
}

func (c *client) wantsHidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showHidden
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local-only service, dashboards connect from file:// and localhost
	// origins alike.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub tracks connected clients and fans pushes out to them.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	handle  func(c *client, line []byte)
}

func newHub(handle func(c *client, line []byte)) *hub {
	return &hub{
		clients: make(map[*client]struct{}),
		handle:  handle,
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
}

// broadcast sends v to every client passing the filter. A nil filter
// means all clients.
func (h *hub) broadcast(v any, filter func(*client) bool) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if filter == nil || filter(c) {
			c.send(v)
		}
	}
}

// broadcastPerClient builds a message per client, skipping clients for
// which build returns nil. Used where the payload depends on client
// preferences.
func (h *hub) broadcastPerClient(build func(c *client) any) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if v := build(c); v != nil {
			c.send(v)
		}
	}
}

// broadcastEvent routes a monitor event to clients subscribed to its
// session.
func (h *hub) broadcastEvent(e *event.MonitorEvent) {
	h.broadcast(eventMsg{Type: MsgEvent, Event: e}, func(c *client) bool {
		return c.wants(e.SessionID)
	})
}

// broadcastSessionUpdate routes a session metadata change to subscribed
// clients, respecting their hidden-session preference.
func (h *hub) broadcastSessionUpdate(meta *event.SessionMeta) {
	h.broadcast(sessionUpdateMsg{Type: MsgSessionUpdate, Session: meta}, func(c *client) bool {
		if meta.Hidden && !c.wantsHidden() {
			return false
		}
		return c.wants(meta.SessionID)
	})
}

// serveTCP reads ND-JSON requests from one TCP client until disconnect.
func (h *hub) serveTCP(conn net.Conn) {
	c := &client{conn: &tcpFrameConn{conn: conn}}
	h.add(c)
	defer h.remove(c)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		h.handle(c, line)
	}
}

// serveWS upgrades an HTTP request and reads JSON requests until
// disconnect.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: &wsFrameConn{conn: ws}}
	h.add(c)
	defer h.remove(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		h.handle(c, data)
	}
}

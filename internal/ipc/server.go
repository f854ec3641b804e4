package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/logging"
)

// closeTimeout bounds how long Stop waits for the listener to close. A
// stuck client must never block daemon termination: after the timeout the
// socket file is unlinked and shutdown proceeds regardless.
const closeTimeout = 3 * time.Second

// HandlerFunc handles a typed command and returns its response payload.
type HandlerFunc func(params json.RawMessage) (any, error)

// Hooks are the daemon-side callbacks the server routes into. Any nil
// hook causes the corresponding message kind to be rejected.
type Hooks struct {
	// OnEvent receives monitor events arriving over the socket (the
	// instant-processing path, in parallel with file-based delivery).
	OnEvent func(e *event.MonitorEvent)
	// OnWrapperReport receives wrapper lifecycle/output notifications.
	OnWrapperReport func(r WrapperReport)
	// OnInjectInput validates and forwards input to a wrapper.
	OnInjectInput func(r InjectInput) error
	// OnUIRegister is called when a broker/UI connection registers.
	OnUIRegister func(c *Conn)
}

// Conn is a connected socket client with serialized writes.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex
}

// Send writes one ND-JSON frame. Write errors are returned for logging;
// the read loop notices the broken connection and removes the client.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// Server is the daemon's local socket endpoint. It accepts emitters
// (hook scripts, wrapper processes), the UI-facing broker, and wrapper
// registrations, demultiplexing by message shape.
type Server struct {
	socketPath string
	hooks      Hooks
	listener   net.Listener

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	clients  map[*Conn]struct{}
	ui       map[*Conn]struct{}
	wrappers map[string]*Conn // wrapperId → registered connection

	done chan struct{}
}

// NewServer creates a server bound to socketPath.
func NewServer(socketPath string, hooks Hooks) *Server {
	return &Server{
		socketPath: socketPath,
		hooks:      hooks,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[*Conn]struct{}),
		ui:         make(map[*Conn]struct{}),
		wrappers:   make(map[string]*Conn),
		done:       make(chan struct{}),
	}
}

// Handle registers a typed command handler.
func (s *Server) Handle(msgType string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = handler
}

// Start begins listening for connections.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	s.listener = listener
	os.Chmod(s.socketPath, 0700)

	go s.acceptLoop()
	return nil
}

// Stop sends a final notification to all clients, force-closes them, and
// closes the listener, bounded by closeTimeout.
func (s *Server) Stop() {
	close(s.done)

	s.BroadcastUI(Push{Type: TypeDaemonStopping})

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		closed := make(chan struct{})
		go func() {
			s.listener.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(closeTimeout):
			logging.Warn("listener close timed out, unlinking socket anyway")
		}
	}
	os.Remove(s.socketPath)
}

// BroadcastUI sends a push to all registered UI connections.
func (s *Server) BroadcastUI(v any) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.ui))
	for c := range s.ui {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(v); err != nil {
			logging.Debug("ui broadcast write failed", "error", err)
		}
	}
}

// SendToWrapper delivers a frame to a registered wrapper connection.
func (s *Server) SendToWrapper(wrapperID string, v any) error {
	s.mu.RLock()
	c, ok := s.wrappers[wrapperID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wrapper not connected: %s", wrapperID)
	}
	return c.Send(v)
}

// UIClientCount returns the number of registered UI connections.
func (s *Server) UIClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ui)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		c := &Conn{conn: conn}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(c)
	}
}

// serveConn reads frames until the client disconnects. Disconnection is
// non-fatal: the connection is removed from whichever registries it
// joined.
func (s *Server) serveConn(c *Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		delete(s.ui, c)
		for id, wc := range s.wrappers {
			if wc == c {
				delete(s.wrappers, id)
			}
		}
		s.mu.Unlock()
		c.conn.Close()
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.route(c, line)
	}
}

func (s *Server) route(c *Conn, line []byte) {
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		logging.Warn("unparseable socket message", "error", err)
		return
	}

	// Shape check first: id + eventType means a monitor event.
	if p.Type == "" && p.ID != "" && p.EventType != "" {
		var e event.MonitorEvent
		if err := json.Unmarshal(line, &e); err != nil {
			logging.Warn("malformed monitor event on socket", "error", err)
			return
		}
		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(&e)
		}
		return
	}

	switch p.Type {
	case TypeBrokerRegister:
		s.mu.Lock()
		s.ui[c] = struct{}{}
		s.mu.Unlock()
		if s.hooks.OnUIRegister != nil {
			s.hooks.OnUIRegister(c)
		}

	case TypeWrapperRegister:
		var reg WrapperRegister
		if err := json.Unmarshal(line, &reg); err != nil || reg.WrapperID == "" {
			logging.Warn("invalid wrapper_register message", "error", err)
			return
		}
		s.mu.Lock()
		s.wrappers[reg.WrapperID] = c
		s.mu.Unlock()
		logging.Debug("wrapper client registered", "wrapper_id", reg.WrapperID)

	case TypeWrapperStarted, TypeWrapperEnded, TypeWrapperStateChanged, TypeWrapperOutput:
		var r WrapperReport
		if err := json.Unmarshal(line, &r); err != nil {
			logging.Warn("invalid wrapper report", "error", err)
			return
		}
		if s.hooks.OnWrapperReport != nil {
			s.hooks.OnWrapperReport(r)
		}

	case TypeInjectInput:
		// Wrapper processes send the fields inline; Call-style clients
		// nest them under params.
		var req Request
		var r InjectInput
		if err := json.Unmarshal(line, &req); err == nil && len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &r); err != nil {
				logging.Warn("invalid inject_input params", "error", err)
				return
			}
		} else if err := json.Unmarshal(line, &r); err != nil {
			logging.Warn("invalid inject_input message", "error", err)
			return
		}
		if s.hooks.OnInjectInput != nil {
			if err := s.hooks.OnInjectInput(r); err != nil {
				logging.Warn("input injection rejected", "wrapper_id", r.WrapperID, "error", err)
				c.Send(Response{Type: TypeResponse, ID: p.ID, Error: err.Error()})
			} else if p.ID != "" {
				c.Send(Response{Type: TypeResponse, ID: p.ID})
			}
		}

	default:
		s.handleRequest(c, line, p.Type)
	}
}

func (s *Server) handleRequest(c *Conn, line []byte, msgType string) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		c.Send(Response{Type: TypeResponse, Error: "invalid request: " + err.Error()})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[msgType]
	s.mu.RUnlock()
	if !ok {
		c.Send(Response{Type: TypeResponse, ID: req.ID, Error: "unknown message type: " + msgType})
		return
	}

	data, err := handler(req.Params)
	if err != nil {
		c.Send(Response{Type: TypeResponse, ID: req.ID, Error: err.Error()})
		return
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		c.Send(Response{Type: TypeResponse, ID: req.ID, Error: err.Error()})
		return
	}
	c.Send(Response{Type: TypeResponse, ID: req.ID, Data: encoded})
}

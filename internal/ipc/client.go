package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrClosed is returned by Call after the client has disconnected.
var ErrClosed = errors.New("ipc client closed")

// PushMessage is a server-initiated frame delivered to the Pushes channel.
type PushMessage struct {
	Type string
	Raw  json.RawMessage
}

// Client connects to the daemon's local socket. Used by the broker, the
// CLI, and wrapper processes.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	pending   map[string]chan *Response
	pushes    chan PushMessage
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *Response),
		pushes:  make(chan PushMessage, 256),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)

	go c.readLoop()
	return c, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

// Connected reports whether the connection is still up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Pushes returns the channel of server-initiated messages.
func (c *Client) Pushes() <-chan PushMessage {
	return c.pushes
}

// Send writes one frame without waiting for a response. Used for event
// emission and wrapper notifications.
func (c *Client) Send(v any) error {
	if !c.connected.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// Call sends a typed request and waits for the matching response.
func (c *Client) Call(msgType string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrClosed
	}

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		paramsJSON = data
	}

	id := uuid.NewString()
	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(Request{Type: msgType, ID: id, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

// CallInto performs Call and decodes the response data into out.
func (c *Client) CallInto(msgType string, params, out any) error {
	data, err := c.Call(msgType, params)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		var p probe
		if err := json.Unmarshal(line, &p); err != nil {
			continue
		}

		if p.Type == TypeResponse {
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			if resp.ID == "" {
				continue // unsolicited error, e.g. rejected injection
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			c.mu.Unlock()
			if ok {
				ch <- &resp
			}
			continue
		}

		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		select {
		case c.pushes <- PushMessage{Type: p.Type, Raw: raw}:
		default:
			// Slow consumer: drop rather than block the read loop.
		}
	}

	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	close(c.pushes)
}

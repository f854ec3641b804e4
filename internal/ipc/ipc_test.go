package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nkall/claudescope/internal/event"
)

func setupTestServer(t *testing.T, hooks Hooks) (*Server, string) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "d.sock")
	s := NewServer(socketPath, hooks)
	if err := s.Start(); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, socketPath
}

func TestCallRoundTrip(t *testing.T) {
	s, socketPath := setupTestServer(t, Hooks{})
	s.Handle("echo", func(params json.RawMessage) (any, error) {
		var req struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return map[string]string{"value": req.Value}, nil
	})
	s.Handle("fail", func(params json.RawMessage) (any, error) {
		return nil, errors.New("deliberate failure")
	})

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	t.Run("Success", func(t *testing.T) {
		var resp struct {
			Value string `json:"value"`
		}
		if err := c.CallInto("echo", map[string]string{"value": "hi"}, &resp); err != nil {
			t.Fatalf("call failed: %v", err)
		}
		if resp.Value != "hi" {
			t.Errorf("echo returned %q", resp.Value)
		}
	})

	t.Run("HandlerError", func(t *testing.T) {
		if _, err := c.Call("fail", nil); err == nil || err.Error() != "deliberate failure" {
			t.Errorf("expected handler error, got %v", err)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		if _, err := c.Call("no_such_method", nil); err == nil {
			t.Error("expected unknown-type error")
		}
	})
}

func TestMonitorEventShapeRouting(t *testing.T) {
	received := make(chan *event.MonitorEvent, 1)
	_, socketPath := setupTestServer(t, Hooks{
		OnEvent: func(e *event.MonitorEvent) { received <- e },
	})

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	// Monitor events have no type field; they are recognized by carrying
	// both an id and an eventType.
	err = c.Send(&event.MonitorEvent{
		ID:        "evt-1",
		Timestamp: 1000,
		SessionID: "s",
		EventType: event.TypeToolCall,
		Data:      event.Payload{ToolName: "Read"},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != "evt-1" || e.Data.ToolName != "Read" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the hook")
	}
}

func TestUIRegisterAndBroadcast(t *testing.T) {
	registered := make(chan struct{}, 1)
	s, socketPath := setupTestServer(t, Hooks{
		OnUIRegister: func(c *Conn) { registered <- struct{}{} },
	})

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	if err := c.Send(Push{Type: TypeBrokerRegister}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("registration hook never fired")
	}
	if s.UIClientCount() != 1 {
		t.Errorf("ui client count = %d", s.UIClientCount())
	}

	s.BroadcastUI(Push{Type: TypeHeartbeat, Payload: map[string]int64{"timestamp": 42}})

	select {
	case push := <-c.Pushes():
		if push.Type != TypeHeartbeat {
			t.Errorf("push type = %q", push.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}
}

func TestInjectInputRouting(t *testing.T) {
	var mu sync.Mutex
	var got InjectInput
	_, socketPath := setupTestServer(t, Hooks{
		OnInjectInput: func(r InjectInput) error {
			mu.Lock()
			defer mu.Unlock()
			got = r
			if r.WrapperID == "missing" {
				return fmt.Errorf("unknown wrapper: %s", r.WrapperID)
			}
			return nil
		},
	})

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	t.Run("Accepted", func(t *testing.T) {
		_, err := c.Call(TypeInjectInput, InjectInput{
			Type: TypeInjectInput, WrapperID: "a1b2c3d4", Input: "y\n",
		})
		if err != nil {
			t.Fatalf("inject call failed: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if got.WrapperID != "a1b2c3d4" || got.Input != "y\n" {
			t.Errorf("hook saw %+v", got)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		_, err := c.Call(TypeInjectInput, InjectInput{
			Type: TypeInjectInput, WrapperID: "missing", Input: "x",
		})
		if err == nil {
			t.Error("expected rejection for unknown wrapper")
		}
	})
}

func TestWrapperReportRouting(t *testing.T) {
	received := make(chan WrapperReport, 1)
	_, socketPath := setupTestServer(t, Hooks{
		OnWrapperReport: func(r WrapperReport) { received <- r },
	})

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	err = c.Send(WrapperReport{
		Type:      TypeWrapperStateChanged,
		WrapperID: "a1b2c3d4",
		State:     "waiting_input",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case r := <-received:
		if r.WrapperID != "a1b2c3d4" || r.State != "waiting_input" {
			t.Errorf("unexpected report: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("report never reached the hook")
	}
}

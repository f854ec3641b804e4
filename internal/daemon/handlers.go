package daemon

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nkall/claudescope/internal/ipc"
	"github.com/nkall/claudescope/internal/store"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", d.handlePing)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("get_sessions", d.handleGetSessions)
	d.server.Handle("get_session", d.handleGetSession)
	d.server.Handle("get_events", d.handleGetEvents)
	d.server.Handle("get_all_events", d.handleGetAllEvents)
	d.server.Handle("get_event_detail", d.handleGetEventDetail)
	d.server.Handle("delete_session", d.handleDeleteSession)
	d.server.Handle("spawn_wrapper", d.handleSpawnWrapper)
	d.server.Handle("list_wrappers", d.handleListWrappers)
	d.server.Handle("kill_wrapper", d.handleKillWrapper)
	d.server.Handle("resize_wrapper", d.handleResizeWrapper)
}

func (d *Daemon) handlePing(_ json.RawMessage) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

func (d *Daemon) handleStatus(_ json.RawMessage) (any, error) {
	return map[string]any{
		"uptimeSeconds": int64(time.Since(d.startedAt).Seconds()),
		"sessions":      len(d.processor.Sessions()),
		"wrappers":      len(d.wrappers.List()),
		"uiClients":     d.server.UIClientCount(),
		"watermark":     d.checkpoint.Watermark(),
		"dedupSize":     d.processor.DedupSize(),
	}, nil
}

func (d *Daemon) handleGetSessions(params json.RawMessage) (any, error) {
	var req struct {
		Status     string `json:"status"`
		Limit      int    `json:"limit"`
		ShowHidden bool   `json:"showHidden"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
	}

	sessions := d.processor.Sessions()
	filtered := sessions[:0]
	for _, m := range sessions {
		if req.Status != "" && string(m.Status) != req.Status {
			continue
		}
		if m.Hidden && !req.ShowHidden {
			continue
		}
		filtered = append(filtered, m)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartTime > filtered[j].StartTime
	})
	if req.Limit > 0 && len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}
	return filtered, nil
}

func (d *Daemon) handleGetSession(params json.RawMessage) (any, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	meta := d.processor.Session(req.SessionID)
	if meta == nil {
		return nil, fmt.Errorf("session not found: %s", req.SessionID)
	}
	return meta, nil
}

func (d *Daemon) handleGetEvents(params json.RawMessage) (any, error) {
	var req struct {
		SessionID string `json:"sessionId"`
		Before    int64  `json:"before"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("sessionId required")
	}
	return d.store.GetEvents(req.SessionID, store.EventQuery{Before: req.Before, Limit: req.Limit})
}

func (d *Daemon) handleGetAllEvents(params json.RawMessage) (any, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	return d.store.GetAllRecentEvents(req.Limit)
}

func (d *Daemon) handleGetEventDetail(params json.RawMessage) (any, error) {
	var req struct {
		SessionID string `json:"sessionId"`
		EventID   string `json:"eventId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	e, err := d.store.GetEvent(req.SessionID, req.EventID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("event not found: %s", req.EventID)
	}
	return e, nil
}

func (d *Daemon) handleDeleteSession(params json.RawMessage) (any, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := d.store.DeleteSession(req.SessionID); err != nil {
		return nil, err
	}
	d.processor.Forget(req.SessionID)
	d.server.BroadcastUI(ipc.Push{Type: ipc.TypeSessions, Payload: d.processor.Sessions()})
	return map[string]bool{"success": true}, nil
}

func (d *Daemon) handleSpawnWrapper(params json.RawMessage) (any, error) {
	var req struct {
		Cwd  string   `json:"cwd"`
		Args []string `json:"args"`
		Cols uint16   `json:"cols"`
		Rows uint16   `json:"rows"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if req.Cwd == "" {
		return nil, fmt.Errorf("cwd required")
	}
	return d.wrappers.Spawn(req.Cwd, req.Args, req.Cols, req.Rows)
}

func (d *Daemon) handleListWrappers(_ json.RawMessage) (any, error) {
	return d.wrappers.List(), nil
}

func (d *Daemon) handleKillWrapper(params json.RawMessage) (any, error) {
	var req struct {
		WrapperID string `json:"wrapperId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if !d.wrappers.Kill(req.WrapperID) {
		return nil, fmt.Errorf("unknown wrapper: %s", req.WrapperID)
	}
	return map[string]bool{"success": true}, nil
}

func (d *Daemon) handleResizeWrapper(params json.RawMessage) (any, error) {
	var req struct {
		WrapperID string `json:"wrapperId"`
		Cols      uint16 `json:"cols"`
		Rows      uint16 `json:"rows"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if !d.wrappers.Resize(req.WrapperID, req.Cols, req.Rows) {
		return nil, fmt.Errorf("unknown wrapper: %s", req.WrapperID)
	}
	return map[string]bool{"success": true}, nil
}

package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/logging"
	"github.com/nkall/claudescope/internal/store"
)

const defaultEventLimit = 100

var errDaemonDown = errors.New("daemon unavailable")

// handleRequest dispatches one client request frame.
func (b *Broker) handleRequest(c *client, line []byte) {
	var req clientRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.send(errorMsg{Type: MsgError, Error: "invalid request: " + err.Error()})
		return
	}

	var err error
	switch req.Type {
	case ReqSubscribe:
		c.setSubscription(req.SessionIDs, req.ShowHidden)
		c.send(sessionsMsg{Type: MsgSessions, ID: req.ID, Sessions: b.cache.List(req.ShowHidden)})

	case ReqGetSessions:
		c.send(sessionsMsg{Type: MsgSessions, ID: req.ID, Sessions: b.cache.List(req.ShowHidden || c.wantsHidden())})

	case ReqGetEvents:
		err = b.handleGetEvents(c, req)

	case ReqGetAllEvents:
		err = b.handleGetAllEvents(c, req)

	case ReqGetEventDetail:
		err = b.handleGetEventDetail(c, req)

	case ReqHideSession:
		err = b.setHidden(c, req, true)

	case ReqUnhideSession:
		err = b.setHidden(c, req, false)

	case ReqDeleteSession:
		err = b.deleteSession(c, req)

	case ReqHideAll:
		err = b.hideAll(c, req)

	case ReqDeleteAll:
		err = b.deleteAll(c, req)

	case ReqSetParent:
		err = b.mutate(c, req, func(m *event.SessionMeta) {
			m.ManualParentSessionID = req.ParentSessionID
		})

	case ReqTogglePin:
		err = b.mutate(c, req, func(m *event.SessionMeta) {
			m.IsPinned = !m.IsPinned
		})

	case ReqSetUserInitiated:
		err = b.mutate(c, req, func(m *event.SessionMeta) {
			m.IsUserInitiated = req.Value
		})

	case ReqRenameSession:
		err = b.mutate(c, req, func(m *event.SessionMeta) {
			m.Label = req.Label
		})

	case ReqSpawnWrapper, ReqInjectInput, ReqKillWrapper, ReqResizeWrapper, ReqListWrappers:
		err = b.forwardToDaemon(c, req, line)

	default:
		err = fmt.Errorf("unknown request type: %s", req.Type)
	}

	if err != nil {
		logging.Debug("client request failed", "type", req.Type, "error", err)
		c.send(errorMsg{Type: MsgError, ID: req.ID, Error: err.Error()})
	}
}

func (b *Broker) handleGetEvents(c *client, req clientRequest) error {
	if req.SessionID == "" {
		return errors.New("sessionId required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	events, err := b.store.GetEvents(req.SessionID, store.EventQuery{Before: req.Before, Limit: limit})
	if err != nil {
		return err
	}
	if events == nil {
		events = []*event.MonitorEvent{}
	}
	c.send(eventsMsg{Type: MsgEvents, ID: req.ID, SessionID: req.SessionID, Events: events})
	return nil
}

func (b *Broker) handleGetAllEvents(c *client, req clientRequest) error {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	events, err := b.store.GetAllRecentEvents(limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*event.MonitorEvent{}
	}
	c.send(eventsMsg{Type: MsgAllEvents, ID: req.ID, Events: events})
	return nil
}

func (b *Broker) handleGetEventDetail(c *client, req clientRequest) error {
	if req.SessionID == "" || req.EventID == "" {
		return errors.New("sessionId and eventId required")
	}
	e, err := b.store.GetEvent(req.SessionID, req.EventID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("event not found: %s", req.EventID)
	}
	c.send(eventDetailMsg{Type: MsgEventDetail, ID: req.ID, Event: e})
	return nil
}

// mutate applies a metadata change to the cache and store, then notifies
// all clients. Sessions present on disk but not cached are loaded first.
func (b *Broker) mutate(c *client, req clientRequest, fn func(*event.SessionMeta)) error {
	if req.SessionID == "" {
		return errors.New("sessionId required")
	}

	meta, ok := b.cache.Mutate(req.SessionID, fn)
	if !ok {
		stored, err := b.store.GetSession(req.SessionID)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("session not found: %s", req.SessionID)
		}
		fn(stored)
		b.cache.Put(stored)
		meta = stored
	}

	if err := b.store.SaveSession(meta); err != nil {
		return err
	}

	c.send(okMsg{Type: MsgOK, ID: req.ID})
	b.hub.broadcastSessionUpdate(meta)
	b.broadcastSessions(MsgSessionsUpdated)
	return nil
}

func (b *Broker) setHidden(c *client, req clientRequest, hidden bool) error {
	return b.mutate(c, req, func(m *event.SessionMeta) {
		m.Hidden = hidden
	})
}

// deleteSession routes deletes through the daemon when it is up: the
// daemon owns the store and the in-memory session map, and a local-only
// delete would be resurrected by its next save for that session. With the
// daemon down the broker deletes from the shared store directly.
func (b *Broker) deleteSession(c *client, req clientRequest) error {
	if req.SessionID == "" {
		return errors.New("sessionId required")
	}

	if daemon := b.daemonClient(); daemon != nil {
		if _, err := daemon.Call(ReqDeleteSession, map[string]string{"sessionId": req.SessionID}); err != nil {
			return err
		}
	} else if err := b.store.DeleteSession(req.SessionID); err != nil {
		return err
	}
	b.cache.Delete(req.SessionID)

	c.send(okMsg{Type: MsgOK, ID: req.ID})
	b.broadcastSessions(MsgSessionsUpdated)
	return nil
}

func (b *Broker) hideAll(c *client, req clientRequest) error {
	for _, id := range b.cache.All() {
		meta, ok := b.cache.Mutate(id, func(m *event.SessionMeta) { m.Hidden = true })
		if !ok {
			continue
		}
		if err := b.store.SaveSession(meta); err != nil {
			logging.Warn("persisting hidden flag failed", "session_id", id, "error", err)
		}
	}

	c.send(okMsg{Type: MsgOK, ID: req.ID})
	b.broadcastSessions(MsgSessionsUpdated)
	return nil
}

func (b *Broker) deleteAll(c *client, req clientRequest) error {
	if daemon := b.daemonClient(); daemon != nil {
		for _, id := range b.cache.All() {
			if _, err := daemon.Call(ReqDeleteSession, map[string]string{"sessionId": id}); err != nil {
				logging.Warn("forwarded delete failed", "session_id", id, "error", err)
			}
		}
	} else if err := b.store.DeleteAllSessions(); err != nil {
		return err
	}
	b.cache.Replace(nil)

	c.send(okMsg{Type: MsgOK, ID: req.ID})
	b.broadcastSessions(MsgSessionsUpdated)
	return nil
}

// forwardToDaemon proxies wrapper operations over the daemon socket.
// Clients may nest arguments under params or inline them in the frame;
// the original frame is forwarded when params is absent.
func (b *Broker) forwardToDaemon(c *client, req clientRequest, line []byte) error {
	daemon := b.daemonClient()
	if daemon == nil {
		return errDaemonDown
	}

	params := req.Params
	if params == nil {
		params = append(json.RawMessage(nil), line...)
	}

	data, err := daemon.Call(req.Type, params)
	if err != nil {
		return err
	}
	c.send(okMsg{Type: MsgOK, ID: req.ID, Data: data})
	return nil
}

// Package store implements the file-backed session persistence layer.
//
// On-disk layout, one directory per session:
//
//	<dataDir>/sessions/<sessionId>/meta.json
//	<dataDir>/sessions/<sessionId>/events.jsonl
//
// Both files are external contracts: meta.json is rewritten wholesale on
// every mutation, events.jsonl is append-only newline-delimited JSON.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/logging"
)

// perSessionRecentCap bounds how many trailing events are read from each
// session file when answering all-recent queries.
const perSessionRecentCap = 200

// Store provides file-based persistence for sessions and their events.
type Store struct {
	sessionsDir string
}

// New creates a store rooted at dataDir.
func New(dataDir string) (*Store, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{sessionsDir: sessionsDir}, nil
}

// SessionsDir returns the root sessions directory.
func (s *Store) SessionsDir() string {
	return s.sessionsDir
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID)
}

func (s *Store) metaPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "meta.json")
}

func (s *Store) eventsPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "events.jsonl")
}

// SaveSession writes session metadata, creating the session directory if
// needed. The file is replaced atomically so readers never observe a
// partial write.
func (s *Store) SaveSession(meta *event.SessionMeta) error {
	dir := s.sessionDir(meta.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, ".meta.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	return os.Rename(tmp, s.metaPath(meta.SessionID))
}

// GetSession loads session metadata. Returns (nil, nil) when the session
// does not exist.
func (s *Store) GetSession(sessionID string) (*event.SessionMeta, error) {
	data, err := os.ReadFile(s.metaPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta event.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode session meta %s: %w", sessionID, err)
	}
	return &meta, nil
}

// ListSessions returns session metadata sorted by start time descending.
// status filters when non-empty; limit caps the result when positive.
func (s *Store) ListSessions(status event.SessionStatus, limit int) ([]*event.SessionMeta, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, err
	}

	var sessions []*event.SessionMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.GetSession(entry.Name())
		if err != nil || meta == nil {
			if err != nil {
				logging.Warn("skipping unreadable session meta", "session_id", entry.Name(), "error", err)
			}
			continue
		}
		if status != "" && meta.Status != status {
			continue
		}
		sessions = append(sessions, meta)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime > sessions[j].StartTime
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// AppendEvent appends an event to the session's log.
func (s *Store) AppendEvent(sessionID string, e *event.MonitorEvent) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.eventsPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// EventQuery filters GetEvents results. Before/After are millisecond
// timestamps; zero disables the bound. Limit caps results when positive.
type EventQuery struct {
	Before int64
	After  int64
	Limit  int
}

// GetEvents returns a session's events sorted ascending by timestamp.
// When the filtered result exceeds Limit, the most recent entries are
// kept: trimming removes from the front, not the back.
func (s *Store) GetEvents(sessionID string, q EventQuery) ([]*event.MonitorEvent, error) {
	events, err := s.readEvents(sessionID, 0)
	if err != nil {
		return nil, err
	}

	filtered := events[:0]
	for _, e := range events {
		if q.Before > 0 && e.Timestamp >= q.Before {
			continue
		}
		if q.After > 0 && e.Timestamp <= q.After {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp < filtered[j].Timestamp
	})
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[len(filtered)-q.Limit:]
	}
	return filtered, nil
}

// GetAllRecentEvents unions the per-session event logs (reading at most
// perSessionRecentCap trailing events from each), sorts descending by
// timestamp, and returns the top limit entries.
func (s *Store) GetAllRecentEvents(limit int) ([]*event.MonitorEvent, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, err
	}

	var all []*event.MonitorEvent
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		events, err := s.readEvents(entry.Name(), perSessionRecentCap)
		if err != nil {
			logging.Warn("skipping unreadable event log", "session_id", entry.Name(), "error", err)
			continue
		}
		all = append(all, events...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp > all[j].Timestamp
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetEvent returns a single event by id, scanning the session's log.
func (s *Store) GetEvent(sessionID, eventID string) (*event.MonitorEvent, error) {
	events, err := s.readEvents(sessionID, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.ID == eventID {
			return e, nil
		}
	}
	return nil, nil
}

// readEvents loads a session's event log. tailCap > 0 keeps only the last
// tailCap entries. Malformed lines are skipped, not fatal.
func (s *Store) readEvents(sessionID string, tailCap int) ([]*event.MonitorEvent, error) {
	f, err := os.Open(s.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []*event.MonitorEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e event.MonitorEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			logging.Warn("skipping malformed event line", "session_id", sessionID, "error", err)
			continue
		}
		events = append(events, &e)
		if tailCap > 0 && len(events) > tailCap {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}

// DeleteSession removes the session's entire directory.
func (s *Store) DeleteSession(sessionID string) error {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return os.RemoveAll(dir)
}

// DeleteAllSessions removes every session directory. Individual removal
// failures are logged and skipped so one bad directory doesn't abort the
// operation.
func (s *Store) DeleteAllSessions() error {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.sessionsDir, entry.Name())); err != nil {
			logging.Warn("failed to remove session dir", "session_id", entry.Name(), "error", err)
		}
	}
	return nil
}

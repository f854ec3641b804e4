package event

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Raw event files are named {timestamp}-{sessionId}-{eventId}.json and
// written atomically by the hook emitter. Only the leading timestamp is
// trusted from the name (session ids may themselves contain dashes); the
// JSON body is the authoritative record.

// FileName builds the canonical drop-directory name for an event.
func FileName(e *MonitorEvent) string {
	return fmt.Sprintf("%d-%s-%s.json", e.Timestamp, e.SessionID, e.ID)
}

// ParseFileTimestamp extracts the leading millisecond timestamp from a raw
// event file name. Returns false for names that don't follow the
// convention.
func ParseFileTimestamp(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	head, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(head, 10, 64)
	if err != nil || ts < 0 {
		return 0, false
	}
	return ts, true
}

// ReadFile loads and decodes a raw event file.
func ReadFile(path string) (*MonitorEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e MonitorEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event file %s: %w", path, err)
	}
	if e.ID == "" || e.SessionID == "" {
		return nil, fmt.Errorf("event file %s missing id or sessionId", path)
	}
	return &e, nil
}

package processor

import (
	"fmt"
	"testing"
)

func TestDedupSeen(t *testing.T) {
	d := newDedupSet(100, 50)

	if d.Seen("a") {
		t.Error("first sighting reported as seen")
	}
	if !d.Seen("a") {
		t.Error("second sighting not reported as seen")
	}
}

func TestDedupTrimOnOverflow(t *testing.T) {
	d := newDedupSet(10000, 5000)

	for i := 0; i < 10001; i++ {
		d.Seen(fmt.Sprintf("evt-%d", i))
	}

	// Crossing the cap drops the oldest half and keeps the newest 5000,
	// plus the id that triggered the trim.
	if d.Len() != 5001 {
		t.Fatalf("expected 5001 ids after trim, got %d", d.Len())
	}
	if d.Seen("evt-0") != false {
		t.Error("oldest id survived the trim")
	}
	if !d.Seen("evt-10000") {
		t.Error("newest id was trimmed")
	}
}

func TestDedupDefaults(t *testing.T) {
	d := newDedupSet(0, 0)
	if d.cap != 10000 || d.trim != 5000 {
		t.Errorf("unexpected defaults: cap=%d trim=%d", d.cap, d.trim)
	}
}

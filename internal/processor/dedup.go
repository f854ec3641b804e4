package processor

// dedupSet is a bounded set of processed event ids. On overflow it keeps
// the most recent trim entries. This is an approximation of an LRU, not an
// exact one: duplicates only arise within seconds of each other, so recency
// by insertion order is enough.
type dedupSet struct {
	cap  int
	trim int

	ids   map[string]struct{}
	order []string
}

func newDedupSet(cap, trim int) *dedupSet {
	if cap <= 0 {
		cap = 10000
	}
	if trim <= 0 || trim > cap {
		trim = cap / 2
	}
	return &dedupSet{
		cap:  cap,
		trim: trim,
		ids:  make(map[string]struct{}, cap),
	}
}

// Seen reports whether id was already marked, marking it if not.
func (d *dedupSet) Seen(id string) bool {
	if _, ok := d.ids[id]; ok {
		return true
	}
	if len(d.order) >= d.cap {
		cut := len(d.order) - d.trim
		for _, old := range d.order[:cut] {
			delete(d.ids, old)
		}
		d.order = append(d.order[:0], d.order[cut:]...)
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	return false
}

// Len returns the current number of tracked ids.
func (d *dedupSet) Len() int {
	return len(d.ids)
}

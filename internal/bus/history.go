package bus

import (
	"slices"
	"time"
)

// Query filters History. Zero fields do not filter.
type Query struct {
	Topics []string
	Since  time.Time
	// Limit keeps only the most recent matches.
	Limit int
}

// History returns delivered events matching q, oldest first.
func (b *Bus) History(q Query) []Event {
	b.mu.Lock()
	all := b.history.snapshot()
	b.mu.Unlock()

	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if len(q.Topics) > 0 && !slices.Contains(q.Topics, ev.Topic) {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, ev)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring struct {
	buf  []Event
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]Event, n)}
}

func (r *ring) add(ev Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// snapshot copies the contents oldest first.
func (r *ring) snapshot() []Event {
	out := make([]Event, 0, r.len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	return append(out, r.buf[:r.next]...)
}

package intake

import (
	"fmt"
	"sync"
	"time"

	"mailburst/internal/types"
)

// Deduper tracks recently seen events so that provider redeliveries (at-least-
// once queue semantics, webhook retries) do not double-apply counter events.
// Identity is (message_id, event type, provider timestamp): a genuine second
// open carries a new timestamp and passes through.
//
// The window is bounded; when full, the oldest entries are evicted in insert
// order. False negatives after eviction are acceptable -- an extra open count
// is cheaper than unbounded memory.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

// NewDeduper returns a Deduper holding at most limit entries.
func NewDeduper(limit int) *Deduper {
	if limit <= 0 {
		limit = 4096
	}
	return &Deduper{
		seen:  make(map[string]struct{}, limit),
		limit: limit,
	}
}

// Seen records the event and reports whether it was already present.
func (d *Deduper) Seen(ev types.DeliveryEvent) bool {
	key := dedupeKey(ev.MessageID, ev.Type, ev.Timestamp)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}

	if len(d.order) >= d.limit {
		evictN := d.limit / 4
		if evictN < 1 {
			evictN = 1
		}
		for _, old := range d.order[:evictN] {
			delete(d.seen, old)
		}
		d.order = d.order[evictN:]
	}

	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}

func dedupeKey(messageID string, kind types.EventType, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%d", messageID, kind, ts.UnixNano())
}

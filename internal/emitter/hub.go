package emitter

import (
	"log/slog"
	"sync"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Hub fans notifications out to in-process subscribers. Slow subscribers
// lose messages rather than stalling the control loop.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Notification
	nextID  uint64
	recent  []Notification
	keep    int
	dropped uint64
}

// NewHub keeps the last keep notifications for late subscribers
func NewHub(keep int) *Hub {
	if keep < 0 {
		keep = 0
	}
	return &Hub{
		subs: make(map[uint64]chan Notification),
		keep: keep,
	}
}

// Report delivers to every subscriber without blocking
func (h *Hub) Report(code types.Code, item types.Item, text string) {
	n := NewNotification(code, item, text)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.keep > 0 {
		h.recent = append(h.recent, n)
		if len(h.recent) > h.keep {
			h.recent = h.recent[len(h.recent)-h.keep:]
		}
	}

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.dropped++
			slog.Debug("event subscriber full, dropping notification", "subscriber", id, "code", code.String())
		}
	}
}

// Subscribe returns a channel of notifications and a function that
// unsubscribes and closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns the retained notifications, oldest first
func (h *Hub) Recent() []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Notification, len(h.recent))
	copy(out, h.recent)
	return out
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

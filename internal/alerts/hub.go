// Package alerts fans health alerts out to stream subscribers.
package alerts

import (
	"sync"
	"sync/atomic"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// Hub delivers every published alert to every live subscriber. Publish never blocks: a
// subscriber whose buffer is full misses the alert and the drop is counted.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan models.Alert
	closed bool

	dropped atomic.Uint64
	onDrop  func()
}

// NewHub returns an empty hub. onDrop, when set, is called once per dropped delivery.
func NewHub(onDrop func()) *Hub {
	return &Hub{subs: make(map[uint64]chan models.Alert), onDrop: onDrop}
}

// Subscribe registers a subscriber with the given buffer size. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan models.Alert, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.Alert, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Publish delivers the alert to every subscriber without blocking.
func (h *Hub) Publish(alert models.Alert) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- alert:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of dropped deliveries.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

package events

import "sync"

// hub is the listener bookkeeping shared by ChannelEvent and CallbackEvent.
// L is the listener type, T the notified value.
type hub[L any, T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]L
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

func newHub[L any, T any](replay bool) hub[L, T] {
	return hub[L, T]{
		listeners: make(map[uint64]L),
		replay:    replay,
	}
}

// add registers l and reports the value that should be replayed to it, if any
func (h *hub[L, T]) add(l L) (uint64, T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = l
	return id, h.last, h.replay && h.hasLast
}

func (h *hub[L, T]) remove(id uint64) {
	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()
}

// publish records value and returns a snapshot of listeners to deliver to outside the lock
func (h *hub[L, T]) publish(value T) []L {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replay {
		h.last = value
		h.hasLast = true
	}
	snapshot := make([]L, 0, len(h.listeners))
	for _, l := range h.listeners {
		snapshot = append(snapshot, l)
	}
	return snapshot
}

// Last returns the most recently notified value when the event replays on listen
func (h *hub[L, T]) Last() (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.hasLast
}

// ListenerCount returns the current number of registered listeners
func (h *hub[L, T]) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

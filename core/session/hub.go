package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/davidahmann/portero/core/schema/v1/access"
)

const defaultSubscriberBuffer = 32

// Hub fans engine events out to subscribers. A subscriber that falls behind
// loses events rather than stalling a call.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan access.Event]string
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan access.Event]string{}}
}

// Subscribe returns a channel of events for callID, or for every call when
// callID is empty.
func (h *Hub) Subscribe(callID string, buffer int) chan access.Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan access.Event, buffer)
	h.mu.Lock()
	h.subs[ch] = callID
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan access.Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Emit(_ context.Context, event access.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, callID := range h.subs {
		if callID != "" && callID != event.CallID {
			continue
		}
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

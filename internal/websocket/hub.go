package websocket

import (
	"context"
	"sync"
)

// Hub is the central pub/sub broker for session event delivery. It
// maintains the registry of subscriber channels per session and routes
// published messages to every subscriber of that session.
//
// # Design: single-writer event loop
//
// All mutations to the subscriber registry (subscribe, unsubscribe) are
// serialised through a single goroutine — the Run loop — via channels,
// and Run takes the write lock for each one. Publish reads the registry
// from other goroutines: it holds a read-lock for the shortest possible
// time to copy the target set, then sends outside the lock to avoid
// blocking the event loop while waiting on a slow subscriber.
type Hub struct {
	// subscribers maps session id to the set of channels currently
	// subscribed to that session's event stream.
	subscribers map[string]map[chan Message]struct{}

	// mu protects subscribers: Publish and SubscriberCount read it under
	// the read lock from outside the Run goroutine, and Run holds the
	// write lock while it applies a subscribe or unsubscribe.
	mu sync.RWMutex

	subscribeCh   chan subscription
	unsubscribeCh chan subscription

	stopped chan struct{}
}

type subscription struct {
	sessionID string
	ch        chan Message
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		subscribers:   make(map[string]map[chan Message]struct{}),
		subscribeCh:   make(chan subscription, 16),
		unsubscribeCh: make(chan subscription, 16),
		stopped:       make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled (via server graceful
// shutdown), closing every subscriber channel so readers unblock.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.subscribeCh:
			h.mu.Lock()
			if h.subscribers[sub.sessionID] == nil {
				h.subscribers[sub.sessionID] = make(map[chan Message]struct{})
			}
			h.subscribers[sub.sessionID][sub.ch] = struct{}{}
			h.mu.Unlock()

		case sub := <-h.unsubscribeCh:
			h.mu.Lock()
			if set, ok := h.subscribers[sub.sessionID]; ok {
				if _, ok := set[sub.ch]; ok {
					delete(set, sub.ch)
					close(sub.ch)
					if len(set) == 0 {
						delete(h.subscribers, sub.sessionID)
					}
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.subscribers {
				for ch := range set {
					close(ch)
				}
			}
			h.subscribers = make(map[string]map[chan Message]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every subscriber of sessionID. Safe to call from any
// goroutine. A subscriber whose channel is full is dropped to prevent
// backpressure from a slow consumer blocking delivery to everyone else —
// the dropped subscriber's next cursor-resumed reconnect replays what it
// missed.
func (h *Hub) Publish(sessionID string, msg Message) {
	h.mu.RLock()
	set := h.subscribers[sessionID]
	channels := make([]chan Message, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	for _, ch := range channels {
		select {
		case ch <- msg:
		default:
			h.unsubscribeCh <- subscription{sessionID: sessionID, ch: ch}
		}
	}
}

// Subscribe registers a new buffered channel for sessionID and returns it
// along with a cancel function that unregisters it. Callers (the WS
// handler, the SSE handler) range over the channel until it is closed by
// cancel or by hub shutdown.
func (h *Hub) Subscribe(sessionID string) (ch chan Message, cancel func()) {
	ch = make(chan Message, 32)
	h.subscribeCh <- subscription{sessionID: sessionID, ch: ch}
	cancelled := false
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			cancelled = true
			h.unsubscribeCh <- subscription{sessionID: sessionID, ch: ch}
		})
	}
	_ = cancelled
	return ch, cancel
}

// SubscriberCount returns the number of currently connected subscribers
// across all sessions. Intended for metrics and health endpoints.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.subscribers {
		total += len(set)
	}
	return total
}

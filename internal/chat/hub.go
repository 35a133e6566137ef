package chat

import (
	"sync"

	"agenthub/internal/logging"
	"agenthub/internal/metrics"
)

// Subscriber is the hub's view of a connection session. Deliver must not
// block; it reports false when the frame could not be accepted.
type Subscriber interface {
	SessionID() string
	Deliver(payload []byte) bool
}

// Broadcaster fans events out to every session viewing a conversation. The
// in-process Hub is the default; RedisBroadcaster implements the same
// contract across gateway nodes. Publishing to a conversation nobody is
// viewing is a no-op, never an error.
type Broadcaster interface {
	Join(conversationID uint, s Subscriber)
	Leave(conversationID uint, s Subscriber)
	Publish(conversationID uint, ev *Event)
	Close() error
}

// Hub is the in-process broadcaster. Group membership is the only state
// mutated by multiple connections concurrently, so it sits behind a single
// lock; delivery itself is non-blocking per subscriber.
type Hub struct {
	mu     sync.RWMutex
	groups map[uint]map[Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[uint]map[Subscriber]struct{})}
}

// Join adds a session to a conversation group.
func (h *Hub) Join(conversationID uint, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[conversationID]
	if !ok {
		group = make(map[Subscriber]struct{})
		h.groups[conversationID] = group
	}
	group[s] = struct{}{}
}

// Leave removes a session from a conversation group.
func (h *Hub) Leave(conversationID uint, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[conversationID]
	if !ok {
		return
	}
	delete(group, s)
	if len(group) == 0 {
		delete(h.groups, conversationID)
	}
}

// Publish delivers an event to every session in the group. A slow subscriber
// loses the frame rather than stalling the producer or its peers.
func (h *Hub) Publish(conversationID uint, ev *Event) {
	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.groups[conversationID] {
		if ev.ExcludeSession != "" && s.SessionID() == ev.ExcludeSession {
			continue
		}
		if !s.Deliver(ev.Payload) {
			metrics.FramesDropped.Inc()
			logging.S().Warnw("dropped frame for slow subscriber",
				"conversation_id", conversationID,
				"session_id", s.SessionID(),
				"frame_type", ev.Type,
			)
		}
	}
}

// GroupSize reports the number of sessions viewing a conversation.
func (h *Hub) GroupSize(conversationID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[conversationID])
}

// Close implements Broadcaster; the in-process hub has nothing to release.
func (h *Hub) Close() error {
	return nil
}

// Package eventbus implements the subscribe/broadcast hub shared by the
// market-data fan-out and the position-event stream: a registry of
// predicate-filtered subscribers, each with a bounded queue, disconnected
// outright once they fall behind rather than silently losing messages.
package eventbus

import (
	"errors"
	"sync"
)

// Event is anything broadcastable. The hub never inspects payloads; it
// only applies the subscriber's predicate.
type Event interface{}

// Predicate decides whether a subscriber wants a given event.
type Predicate func(Event) bool

// DisconnectReason explains why a subscriber's stream was closed.
type DisconnectReason string

const (
	ReasonUnsubscribed  DisconnectReason = "UNSUBSCRIBED"
	ReasonSlowConsumer  DisconnectReason = "SLOW_CONSUMER"
	ReasonHubClosed     DisconnectReason = "HUB_CLOSED"
)

// ErrClosed is returned by Broadcast/Subscribe once the hub has been shut down.
var ErrClosed = errors.New("eventbus: hub closed")

const (
	defaultQueueSize = 500

	// jitter is the slack factor in property 5: a subscriber is
	// disconnected once it has forced eviction on disconnectThreshold =
	// queueSize*jitter consecutive broadcasts after its queue first fills,
	// i.e. within queueSize*(1+jitter) broadcasts overall — a count, never
	// a wall-clock window, so it holds regardless of tick rate.
	jitter = 0.1
)

type subscriber struct {
	id        uint64
	predicate Predicate
	queue     chan Event
	closed    chan DisconnectReason

	mu             sync.Mutex
	overflowStreak int
	unsub          func()
}

// Handle identifies a live subscription.
type Handle uint64

// Hub is a broadcast registry. All methods are safe for concurrent use by
// many producers and many subscribers.
type Hub struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	closed    bool
	queueSize int
}

// New builds a Hub whose subscriber queues hold queueSize events; 0 falls
// back to the spec default of 500.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers a predicate and returns a handle plus the event
// stream. When Unsubscribe is called, the hub disconnects the subscriber
// for slowness, or the hub is closed, the DisconnectReason channel
// receives the reason and is then closed; the event channel itself is
// never closed, and events already queued stay readable.
func (h *Hub) Subscribe(pred Predicate) (Handle, <-chan Event, <-chan DisconnectReason, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, nil, nil, ErrClosed
	}

	h.nextID++
	id := h.nextID
	sub := &subscriber{
		id:        id,
		predicate: pred,
		queue:     make(chan Event, h.queueSize),
		closed:    make(chan DisconnectReason, 1),
	}
	sub.unsub = func() { h.Unsubscribe(Handle(id)) }
	h.subs[id] = sub
	return Handle(id), sub.queue, sub.closed, nil
}

// Unsubscribe removes a subscriber. Idempotent.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	sub, ok := h.subs[uint64(handle)]
	if ok {
		delete(h.subs, uint64(handle))
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.disconnect(sub, ReasonUnsubscribed)
}

func (h *Hub) disconnect(sub *subscriber, reason DisconnectReason) {
	select {
	case sub.closed <- reason:
	default:
	}
	close(sub.closed)
}

// Broadcast delivers event to every currently matching subscriber,
// at-most-once each. Non-blocking: a subscriber whose queue is full is
// either tolerated (brief burst) or disconnected (sustained overflow),
// never silently dropped-from-the-middle.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	matching := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.predicate == nil || sub.predicate(event) {
			matching = append(matching, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range matching {
		h.deliver(sub, event)
	}
}

func (h *Hub) deliver(sub *subscriber, event Event) {
	select {
	case sub.queue <- event:
		// Caught up: a direct send succeeded, so any overflow streak ends.
		sub.mu.Lock()
		sub.overflowStreak = 0
		sub.mu.Unlock()
		return
	default:
	}

	// Queue is full: keep the newest event flowing by evicting the oldest
	// queued one, and count this broadcast against the slow-consumer
	// budget. Disconnect once that count crosses the jittered threshold,
	// never on a single momentary full queue.
	h.dropOldestAndSend(sub, event)

	sub.mu.Lock()
	sub.overflowStreak++
	streak := sub.overflowStreak
	sub.mu.Unlock()

	threshold := int(float64(cap(sub.queue)) * jitter)
	if threshold < 1 {
		threshold = 1
	}
	if streak < threshold {
		return
	}

	h.mu.Lock()
	_, stillRegistered := h.subs[sub.id]
	if stillRegistered {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()

	if stillRegistered {
		h.disconnect(sub, ReasonSlowConsumer)
	}
}

// dropOldestAndSend evicts the oldest queued event, if any, to make room
// for the newest one. Best-effort under concurrent consumption: if the
// consumer drains a slot first, the send just succeeds directly.
func (h *Hub) dropOldestAndSend(sub *subscriber, event Event) {
	select {
	case <-sub.queue:
	default:
	}
	select {
	case sub.queue <- event:
	default:
	}
}

// Close disconnects every subscriber and rejects further Subscribe calls.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[uint64]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		h.disconnect(sub, ReasonHubClosed)
	}
}

// SubscriberCount reports the current registry size, for metrics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

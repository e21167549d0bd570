package designflow

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// Subscription is one subscriber's connection to a session's event stream.
// Delivery is best-effort and at-most-once: events emitted while the
// subscriber's buffer is full or while it is disconnected are dropped.
type Subscription struct {
	id        string
	sessionID string
	events    chan Event
	closeOnce sync.Once
	done      chan struct{}
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscription is closed or pruned.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// SessionID returns the session this subscription is attached to.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Close disconnects the subscriber. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// BroadcasterOptions configures a Broadcaster.
type BroadcasterOptions struct {
	// BufferSize is the per-subscriber event buffer. Defaults to 16.
	BufferSize int

	// ProbeInterval is how often dead subscriptions are pruned. Defaults to
	// 30s.
	ProbeInterval time.Duration

	Logger *slog.Logger
}

// Broadcaster fans out session events to subscribers. Events for one session
// preserve emission order per subscriber; there is no cross-session ordering
// guarantee and no replay of missed events.
type Broadcaster struct {
	bufferSize    int
	probeInterval time.Duration
	logger        *slog.Logger

	mutex         sync.Mutex
	subscriptions map[string]map[string]*Subscription
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewBroadcaster creates a broadcaster and starts its liveness probe.
func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Broadcaster{
		bufferSize:    opts.BufferSize,
		probeInterval: opts.ProbeInterval,
		logger:        opts.Logger,
		subscriptions: map[string]map[string]*Subscription{},
		stop:          make(chan struct{}),
	}
	go b.probeLoop()
	return b
}

// Subscribe attaches a new subscriber to a session's event stream.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	id, err := typeid.WithPrefix("sub")
	if err != nil {
		panic(err)
	}
	sub := &Subscription{
		id:        id.String(),
		sessionID: sessionID,
		events:    make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.subscriptions[sessionID] == nil {
		b.subscriptions[sessionID] = map[string]*Subscription{}
	}
	b.subscriptions[sessionID][sub.id] = sub
	return sub
}

// Unsubscribe disconnects a subscription and removes it immediately.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	sub.Close()

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	subs := b.subscriptions[sub.sessionID]
	if subs == nil {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.subscriptions, sub.sessionID)
	}
	close(sub.events)
}

// Broadcast delivers an event to every currently-connected subscriber for the
// session. Subscribers whose buffers are full miss the event.
func (b *Broadcaster) Broadcast(sessionID string, event Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, sub := range b.subscriptions[sessionID] {
		b.deliverLocked(sub, event)
	}
}

func (b *Broadcaster) deliverLocked(sub *Subscription, event Event) {
	if sub.closed() {
		return
	}
	select {
	case sub.events <- event:
	default:
		b.logger.Debug("subscriber buffer full, dropping event",
			"session_id", sub.sessionID,
			"subscription_id", sub.id,
			"kind", event.Kind)
	}
}

// send delivers an event to a single subscription, used for the initial-state
// event on (re)connect.
func (b *Broadcaster) send(sub *Subscription, event Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.deliverLocked(sub, event)
}

// SubscriberCount returns the number of connected subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.subscriptions[sessionID])
}

// probeLoop periodically prunes subscriptions whose consumers disconnected.
func (b *Broadcaster) probeLoop() {
	ticker := time.NewTicker(b.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.prune()
		}
	}
}

func (b *Broadcaster) prune() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.closed() {
				b.removeLocked(sub)
			}
		}
	}
}

// Close stops the liveness probe and disconnects all subscribers.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})

	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.Close()
			b.removeLocked(sub)
		}
	}
}

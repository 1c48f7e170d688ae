package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies what record an envelope carries.
type EventKind string

const (
	EventRun       EventKind = "run"
	EventEntry     EventKind = "entry"
	EventTool      EventKind = "tool"
	EventSkill     EventKind = "skill"
	EventAssertion EventKind = "assertion"
	EventChain     EventKind = "chain"
	// EventKeepalive carries no payload. The hub emits it on an interval
	// so consumers can treat a silent stream as a dead one.
	EventKeepalive EventKind = "keepalive"
)

// Envelope is one event on the stream.
type Envelope struct {
	Kind        EventKind `json:"kind"`
	ExecutionID string    `json:"execution_id,omitempty"`
	// Payload is the record the event announces: a record.TranscriptEntry,
	// record.ToolInvocation, and so on, matching Kind.
	Payload any `json:"payload,omitempty"`
	// LatestInBatch marks the final envelope of a burst published
	// together, so consumers can defer rendering until the burst ends.
	LatestInBatch bool `json:"latest_in_batch,omitempty"`
}

// Filter selects which envelopes a subscription receives. Zero-valued
// fields match everything. Keepalive envelopes always pass.
type Filter struct {
	ExecutionID string
	Kinds       []EventKind
}

func (f Filter) matches(env Envelope) bool {
	if env.Kind == EventKeepalive {
		return true
	}
	if f.ExecutionID != "" && env.ExecutionID != f.ExecutionID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if env.Kind == k {
			return true
		}
	}
	return false
}

// subscriberBufferSize is the per-subscriber channel buffer. Must absorb a
// full publish burst without drops. If a subscriber's channel is full, the
// envelope is dropped and the subscriber is marked for resync.
const subscriberBufferSize = 256

// defaultKeepaliveInterval is the time between keepalive envelopes. A
// consumer should consider the stream dead if nothing arrives within 2x
// this interval.
const defaultKeepaliveInterval = 30 * time.Second

// defaultKeepaliveDeadline is how long a subscriber may stay stalled (its
// buffer full, every envelope dropped) before the hub disconnects it.
const defaultKeepaliveDeadline = 90 * time.Second

// Subscription is one consumer's view of the hub.
type Subscription struct {
	hub     *Hub
	filter  Filter
	channel chan Envelope
	resync  atomic.Bool
	done    chan struct{}
	once    sync.Once

	// stalledAt is the time of the first dropped envelope since the last
	// successful delivery; zero while the consumer keeps up. Guarded by
	// the hub mutex.
	stalledAt time.Time
}

// Events returns the channel envelopes arrive on. The channel is closed
// when the subscription or the hub closes.
func (s *Subscription) Events() <-chan Envelope {
	return s.channel
}

// NeedsResync reports and clears the overflow flag. When true, envelopes
// were dropped since the last check and anything buffered is stale; the
// consumer should drain, re-fetch a snapshot, and resume.
func (s *Subscription) NeedsResync() bool {
	return s.resync.CompareAndSwap(true, false)
}

// Close detaches the subscription from the hub. Safe to call more than
// once and safe concurrently with Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// Hub is the in-process event fanout. A single Hub serves one engine
// instance; every recording surface publishes into it.
type Hub struct {
	logger            *slog.Logger
	keepaliveDeadline time.Duration

	mu     sync.Mutex
	subs   []*Subscription
	closed bool

	stopKeepalive chan struct{}
	stopOnce      sync.Once
}

// Option configures a Hub.
type Option func(*hubConfig)

type hubConfig struct {
	keepaliveInterval time.Duration
	keepaliveDeadline time.Duration
}

// WithKeepaliveInterval overrides the keepalive cadence. Zero disables
// keepalives entirely, and with them the stalled-subscriber disconnect.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *hubConfig) {
		c.keepaliveInterval = d
	}
}

// WithKeepaliveDeadline overrides how long a subscriber may stay stalled
// before the hub disconnects it. Zero disables the disconnect.
func WithKeepaliveDeadline(d time.Duration) Option {
	return func(c *hubConfig) {
		c.keepaliveDeadline = d
	}
}

// NewHub creates a hub and starts its keepalive ticker.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	cfg := hubConfig{
		keepaliveInterval: defaultKeepaliveInterval,
		keepaliveDeadline: defaultKeepaliveDeadline,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Hub{
		logger:            logger,
		keepaliveDeadline: cfg.keepaliveDeadline,
		stopKeepalive:     make(chan struct{}),
	}
	if cfg.keepaliveInterval > 0 {
		go h.keepaliveLoop(cfg.keepaliveInterval)
	}
	return h
}

// Subscribe registers a consumer. Envelopes published after this call that
// match the filter are delivered in publish order.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		hub:     h,
		filter:  filter,
		channel: make(chan Envelope, subscriberBufferSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.channel)
		return sub
	}
	h.subs = append(h.subs, sub)
	return sub
}

// Publish fans an envelope out to all matching subscribers. Sends are
// non-blocking: a full subscriber channel drops the envelope and sets the
// subscriber's resync flag instead of stalling the publisher. A subscriber
// that stays full past the keepalive deadline is disconnected by the
// keepalive loop.
func (h *Hub) Publish(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for _, sub := range h.subs {
		// A closing subscriber is skipped here; Subscription.Close owns
		// its removal and channel shutdown.
		select {
		case <-sub.done:
			continue
		default:
		}

		if !sub.filter.matches(env) {
			continue
		}

		select {
		case sub.channel <- env:
			sub.stalledAt = time.Time{}
		default:
			if sub.stalledAt.IsZero() {
				sub.stalledAt = time.Now()
			}
			if !sub.resync.Swap(true) {
				h.logger.Warn("subscriber overflow, marked for resync",
					"execution_id", env.ExecutionID,
					"kind", env.Kind)
			}
		}
	}
}

// Close stops the keepalive ticker and closes every subscriber channel.
// Publishing to a closed hub is a no-op.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stopKeepalive)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		close(sub.channel)
	}
	h.subs = nil
}

func (h *Hub) remove(target *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for i, sub := range h.subs {
		if sub == target {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			close(sub.channel)
			return
		}
	}
}

func (h *Hub) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopKeepalive:
			return
		case <-ticker.C:
			h.Publish(Envelope{Kind: EventKeepalive})
			if h.keepaliveDeadline > 0 {
				h.disconnectStalled()
			}
		}
	}
}

// disconnectStalled drops every subscriber that has been stalled past the
// keepalive deadline. A stalled subscriber's buffer is full, so even
// keepalives are not reaching it; the consumer is treated as dead and its
// channel closed.
func (h *Hub) disconnectStalled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	cutoff := time.Now().Add(-h.keepaliveDeadline)
	kept := h.subs[:0]
	for _, sub := range h.subs {
		if !sub.stalledAt.IsZero() && sub.stalledAt.Before(cutoff) {
			h.logger.Warn("subscriber missed keepalive deadline, disconnecting",
				"stalled_for", time.Since(sub.stalledAt))
			close(sub.channel)
			continue
		}
		kept = append(kept, sub)
	}
	h.subs = kept
}

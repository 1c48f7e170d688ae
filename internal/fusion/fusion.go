// Package fusion merges a point-in-time snapshot of a transcript with the
// live event stream into one deduplicated, ordered view. A client owns one
// subscription and runs a state machine: Connecting fetches the snapshot,
// Live applies streamed entries not already seen, Reconnecting retries
// with exponential backoff after the stream drops, and Offline is the
// terminal give-up state a caller leaves only through Retry.
//
// Ordering for display never trusts arrival order: the view sorts by
// timestamp, then instance, then per-instance sequence number.
package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/stream"
)

// State is the client's position in the subscription lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	// StateOffline is terminal until Retry: the backoff budget ran out.
	StateOffline State = "offline"
	StateClosed  State = "closed"
)

// SnapshotSource fetches the full ordered entry list for an execution.
type SnapshotSource interface {
	Snapshot(ctx context.Context, executionID string) ([]record.TranscriptEntry, error)
}

// StreamSource opens live event subscriptions. *stream.Hub satisfies it.
type StreamSource interface {
	Subscribe(filter stream.Filter) *stream.Subscription
}

const (
	defaultInitialBackoff    = 500 * time.Millisecond
	defaultMaxBackoff        = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultKeepaliveDeadline = 90 * time.Second
)

// Client fuses snapshot and stream for one execution.
type Client struct {
	executionID string
	snapshots   SnapshotSource
	streams     StreamSource
	logger      *slog.Logger

	initialBackoff    time.Duration
	maxBackoff        time.Duration
	maxAttempts       int
	keepaliveDeadline time.Duration

	onEntry func(record.TranscriptEntry)
	onState func(State)

	mu      sync.Mutex
	state   State
	seen    map[string]struct{}
	entries []record.TranscriptEntry
	sub     *stream.Subscription

	closed    chan struct{}
	closeOnce sync.Once
	retry     chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithMaxAttempts overrides how many consecutive reconnect attempts are
// made before the client goes Offline.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithKeepaliveDeadline overrides how long the stream may stay silent
// before it is treated as dead. Zero disables staleness detection.
func WithKeepaliveDeadline(d time.Duration) Option {
	return func(c *Client) {
		c.keepaliveDeadline = d
	}
}

// WithOnEntry registers a callback invoked once per newly applied entry.
// No callback fires after Close.
func WithOnEntry(fn func(record.TranscriptEntry)) Option {
	return func(c *Client) {
		c.onEntry = fn
	}
}

// WithOnStateChange registers a callback invoked on every state
// transition.
func WithOnStateChange(fn func(State)) Option {
	return func(c *Client) {
		c.onState = fn
	}
}

// NewClient creates a fusion client for one execution. Call Start to begin.
func NewClient(executionID string, snapshots SnapshotSource, streams StreamSource, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		executionID:       executionID,
		snapshots:         snapshots,
		streams:           streams,
		logger:            logger,
		initialBackoff:    defaultInitialBackoff,
		maxBackoff:        defaultMaxBackoff,
		maxAttempts:       defaultMaxAttempts,
		keepaliveDeadline: defaultKeepaliveDeadline,
		state:             StateConnecting,
		seen:              make(map[string]struct{}),
		closed:            make(chan struct{}),
		retry:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the state machine until Close or ctx cancellation. It returns
// after the initial snapshot attempt has resolved, so a caller observing
// StateLive can trust the view is populated.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		// The run loop owns recovery from here.
		c.logger.Warn("initial connect failed, entering reconnect",
			"execution_id", c.executionID,
			"error", err)
		c.setState(StateReconnecting)
	}

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View returns the fused entries in display order: timestamp, then
// instance, then sequence.
func (c *Client) View() []record.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.TranscriptEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Retry leaves the Offline state and begins a fresh connection cycle.
// It is a no-op in any other state.
func (c *Client) Retry() {
	c.mu.Lock()
	offline := c.state == StateOffline
	c.mu.Unlock()
	if !offline {
		return
	}
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

// Close stops the state machine, releases the subscription, and stops all
// timers. No callbacks fire after Close returns. Safe to call more than
// once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateClosed
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.mu.Unlock()
}

// connect fetches a snapshot and opens the subscription, entering Live.
// The subscription is opened before the snapshot so entries written
// between the two are caught by the stream and deduplicated.
func (c *Client) connect(ctx context.Context) error {
	sub := c.streams.Subscribe(stream.Filter{
		ExecutionID: c.executionID,
		Kinds:       []stream.EventKind{stream.EventEntry},
	})

	snapshot, err := c.snapshots.Snapshot(ctx, c.executionID)
	if err != nil {
		sub.Close()
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
	}
	c.sub = sub
	for _, e := range snapshot {
		c.applyLocked(e)
	}
	c.mu.Unlock()

	c.setState(StateLive)
	return nil
}

// run consumes the live stream, reconnecting on drop and going Offline
// when the attempt budget runs out.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		state := c.state
		sub := c.sub
		c.mu.Unlock()

		switch state {
		case StateLive:
			if !c.consume(ctx, sub) {
				return
			}
		case StateReconnecting:
			if !c.reconnect(ctx) {
				return
			}
		case StateOffline:
			select {
			case <-c.retry:
				c.setState(StateReconnecting)
			case <-c.closed:
				return
			case <-ctx.Done():
				return
			}
		default:
			return
		}
	}
}

// consume drains the subscription until it drops or goes silent past the
// keepalive deadline. Returns false when the client should stop entirely.
func (c *Client) consume(ctx context.Context, sub *stream.Subscription) bool {
	if sub == nil {
		c.setState(StateReconnecting)
		return true
	}

	var stale <-chan time.Time
	var staleTimer *time.Timer
	resetStale := func() {
		if c.keepaliveDeadline <= 0 {
			return
		}
		if staleTimer == nil {
			staleTimer = time.NewTimer(c.keepaliveDeadline)
		} else {
			if !staleTimer.Stop() {
				select {
				case <-staleTimer.C:
				default:
				}
			}
			staleTimer.Reset(c.keepaliveDeadline)
		}
		stale = staleTimer.C
	}
	resetStale()
	defer func() {
		if staleTimer != nil {
			staleTimer.Stop()
		}
	}()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				// Stream dropped under us.
				c.setState(StateReconnecting)
				return true
			}
			resetStale()
			if sub.NeedsResync() {
				// Envelopes were lost; anything buffered is stale. Refetch
				// the snapshot and merge, which dedups what was not lost.
				if err := c.resync(ctx); err != nil {
					c.logger.Warn("resync failed",
						"execution_id", c.executionID,
						"error", err)
					c.setState(StateReconnecting)
					return true
				}
			}
			c.handle(env)
		case <-stale:
			c.logger.Warn("stream silent past keepalive deadline",
				"execution_id", c.executionID,
				"deadline", c.keepaliveDeadline)
			sub.Close()
			c.setState(StateReconnecting)
			return true
		case <-c.closed:
			sub.Close()
			return false
		case <-ctx.Done():
			sub.Close()
			return false
		}
	}
}

// reconnect retries connect with exponential backoff until success or the
// attempt budget is spent. Returns false when the client should stop.
func (c *Client) reconnect(ctx context.Context) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-c.closed:
			return false
		case <-ctx.Done():
			return false
		}

		err := c.connect(ctx)
		if err == nil {
			return true
		}
		c.logger.Warn("reconnect attempt failed",
			"execution_id", c.executionID,
			"attempt", attempt,
			"error", err)
		if attempt >= c.maxAttempts {
			c.setState(StateOffline)
			return true
		}
	}
}

// resync re-fetches the snapshot and merges it into the view. Re-seeing a
// known identity is a no-op, so the merge is idempotent.
func (c *Client) resync(ctx context.Context) error {
	snapshot, err := c.snapshots.Snapshot(ctx, c.executionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range snapshot {
		c.applyLocked(e)
	}
	return nil
}

func (c *Client) handle(env stream.Envelope) {
	if env.Kind != stream.EventEntry {
		return
	}
	entry, ok := env.Payload.(record.TranscriptEntry)
	if !ok {
		c.logger.Warn("entry envelope with unexpected payload",
			"execution_id", c.executionID,
			"payload_type", fmt.Sprintf("%T", env.Payload))
		return
	}

	c.mu.Lock()
	c.applyLocked(entry)
	c.mu.Unlock()
}

// applyLocked inserts an entry if unseen, keeping display order. Caller
// holds c.mu.
func (c *Client) applyLocked(e record.TranscriptEntry) {
	if _, dup := c.seen[e.ID]; dup {
		return
	}
	c.seen[e.ID] = struct{}{}

	at := sort.Search(len(c.entries), func(i int) bool {
		return entryAfter(c.entries[i], e)
	})
	c.entries = append(c.entries, record.TranscriptEntry{})
	copy(c.entries[at+1:], c.entries[at:])
	c.entries[at] = e

	if c.onEntry != nil && c.state != StateClosed {
		c.onEntry(e)
	}
}

// entryAfter reports whether a sorts after b in display order.
func entryAfter(a, b record.TranscriptEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.InstanceID != b.InstanceID {
		return a.InstanceID > b.InstanceID
	}
	return a.Seq > b.Seq
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	if c.state == next || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = next
	notify := c.onState
	c.mu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}
	if notify != nil {
		notify(next)
	}
}

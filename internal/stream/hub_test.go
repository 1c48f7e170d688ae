package stream

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()

	// Keepalives disabled; tests drive the hub synchronously.
	h := NewHub(testLogger(), WithKeepaliveInterval(0))
	t.Cleanup(h.Close)
	return h
}

func TestHub_DeliversInPublishOrder(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe(Filter{})

	for i := 0; i < 5; i++ {
		h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1", Payload: i})
	}

	for want := 0; want < 5; want++ {
		select {
		case env := <-sub.Events():
			assert.Equal(t, want, env.Payload)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d", want)
		}
	}
}

func TestHub_FilterByExecution(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe(Filter{ExecutionID: "run1"})

	h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run2", Payload: "other"})
	h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1", Payload: "mine"})

	select {
	case env := <-sub.Events():
		assert.Equal(t, "mine", env.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered envelope")
	}
	assert.Empty(t, sub.Events())
}

func TestHub_FilterByKind(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe(Filter{Kinds: []EventKind{EventAssertion, EventChain}})

	h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1"})
	h.Publish(Envelope{Kind: EventAssertion, ExecutionID: "run1"})
	h.Publish(Envelope{Kind: EventTool, ExecutionID: "run1"})
	h.Publish(Envelope{Kind: EventChain, ExecutionID: "run1"})

	var kinds []EventKind
	for len(kinds) < 2 {
		select {
		case env := <-sub.Events():
			kinds = append(kinds, env.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for filtered envelopes")
		}
	}
	assert.Equal(t, []EventKind{EventAssertion, EventChain}, kinds)
	assert.Empty(t, sub.Events())
}

func TestHub_SlowSubscriberMarkedForResync(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe(Filter{})

	// Never drained: overflow the buffer.
	for i := 0; i < subscriberBufferSize+10; i++ {
		h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1", Payload: i})
	}

	assert.True(t, sub.NeedsResync(), "overflowed subscriber should need resync")
	// The flag clears on read.
	assert.False(t, sub.NeedsResync())

	// A fast subscriber is unaffected.
	assert.Len(t, sub.Events(), subscriberBufferSize)
}

func TestHub_SubscriptionCloseStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe(Filter{})
	sub.Close()

	h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1"})

	_, open := <-sub.Events()
	assert.False(t, open, "channel should be closed after Close")

	// Second close is safe.
	sub.Close()
}

func TestHub_CloseClosesAllSubscribers(t *testing.T) {
	h := NewHub(testLogger(), WithKeepaliveInterval(0))
	sub1 := h.Subscribe(Filter{})
	sub2 := h.Subscribe(Filter{})

	h.Close()

	_, open1 := <-sub1.Events()
	_, open2 := <-sub2.Events()
	assert.False(t, open1)
	assert.False(t, open2)

	// Publishing after close is a no-op, not a panic.
	h.Publish(Envelope{Kind: EventEntry})

	// Subscribing after close yields an already-closed subscription.
	sub3 := h.Subscribe(Filter{})
	_, open3 := <-sub3.Events()
	assert.False(t, open3)
}

func TestHub_KeepalivePassesAnyFilter(t *testing.T) {
	h := NewHub(testLogger(), WithKeepaliveInterval(10*time.Millisecond))
	defer h.Close()

	sub := h.Subscribe(Filter{ExecutionID: "run1", Kinds: []EventKind{EventAssertion}})

	select {
	case env := <-sub.Events():
		require.Equal(t, EventKeepalive, env.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for keepalive")
	}
}

func TestHub_LatestInBatchPreserved(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe(Filter{})

	h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1"})
	h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1", LatestInBatch: true})

	first := <-sub.Events()
	last := <-sub.Events()
	assert.False(t, first.LatestInBatch)
	assert.True(t, last.LatestInBatch)
}

func TestHub_StalledSubscriberDisconnected(t *testing.T) {
	h := NewHub(testLogger(),
		WithKeepaliveInterval(5*time.Millisecond),
		WithKeepaliveDeadline(20*time.Millisecond))
	defer h.Close()

	stalled := h.Subscribe(Filter{})
	live := h.Subscribe(Filter{})
	go func() {
		for range live.Events() {
		}
	}()

	// Overflow the stalled subscriber; it is never drained, so even
	// keepalives stop reaching it.
	for i := 0; i < subscriberBufferSize+1; i++ {
		h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1"})
	}

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.subs) == 1
	}, time.Second, 5*time.Millisecond, "stalled subscriber dropped, live one kept")

	// The dropped subscriber's channel closes once its backlog is read.
	drained := 0
	for range stalled.Events() {
		drained++
	}
	assert.Equal(t, subscriberBufferSize, drained)
}

func TestHub_RecoveredSubscriberNotDisconnected(t *testing.T) {
	h := NewHub(testLogger(),
		WithKeepaliveInterval(5*time.Millisecond),
		WithKeepaliveDeadline(50*time.Millisecond))
	defer h.Close()

	sub := h.Subscribe(Filter{})
	for i := 0; i < subscriberBufferSize+1; i++ {
		h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1"})
	}
	assert.True(t, sub.NeedsResync())

	// Drain before the deadline; the next delivery clears the stall.
	for len(sub.Events()) > 0 {
		<-sub.Events()
	}
	h.Publish(Envelope{Kind: EventEntry, ExecutionID: "run1"})

	time.Sleep(100 * time.Millisecond)
	h.mu.Lock()
	count := len(h.subs)
	h.mu.Unlock()
	assert.Equal(t, 1, count, "a recovered subscriber stays connected")

	select {
	case _, open := <-sub.Events():
		assert.True(t, open)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope after recovery")
	}
}

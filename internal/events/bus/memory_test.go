package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assigner/assigner/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func collect(t *testing.T, b *MemoryEventBus, subject string) chan *Event {
	t.Helper()
	ch := make(chan *Event, 16)
	_, err := b.Subscribe(subject, func(_ context.Context, ev *Event) error {
		ch <- ev
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitEvent(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesExactSubscriber(t *testing.T) {
	b := newTestBus(t)
	ch := collect(t, b, "work_item.completed")

	require.NoError(t, b.Publish(context.Background(), "work_item.completed",
		NewEvent("work_item.completed", "test", map[string]any{"work_item_id": "w1"})))

	ev := waitEvent(t, ch)
	assert.Equal(t, "work_item.completed", ev.Type)
	assert.Equal(t, "w1", ev.Data["work_item_id"])
	assert.NotEmpty(t, ev.ID)
}

func TestWildcardSubscriptions(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	multi := collect(t, b, "work_item.>")
	single := collect(t, b, "session.*")

	require.NoError(t, b.Publish(ctx, "work_item.completed", NewEvent("work_item.completed", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.observed", NewEvent("session.observed", "test", nil)))

	assert.Equal(t, "work_item.completed", waitEvent(t, multi).Type)
	assert.Equal(t, "session.observed", waitEvent(t, single).Type)

	// * does not cross token boundaries; > does.
	require.NoError(t, b.Publish(ctx, "session.observed.detail", NewEvent("session.observed.detail", "test", nil)))
	require.NoError(t, b.Publish(ctx, "work_item.retry.scheduled", NewEvent("work_item.retry.scheduled", "test", nil)))

	assert.Equal(t, "work_item.retry.scheduled", waitEvent(t, multi).Type)
	select {
	case ev := <-single:
		t.Fatalf("single-token wildcard matched %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueGroupDeliversToOneSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	total := make(chan struct{}, 16)
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := b.QueueSubscribe("session.observed", "supervisor", func(_ context.Context, _ *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			total <- struct{}{}
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "session.observed", NewEvent("session.observed", "test", nil)))
	}

	for i := 0; i < 4; i++ {
		select {
		case <-total:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 4 deliveries arrived", i)
		}
	}

	// Round-robin: each event to exactly one group member, split evenly.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch := make(chan *Event, 4)
	sub, err := b.Subscribe("work_item.queued", func(_ context.Context, ev *Event) error {
		ch <- ev
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "work_item.queued", NewEvent("work_item.queued", "test", nil)))
	select {
	case <-ch:
		t.Fatal("unsubscribed handler still received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	sub, err := b.Subscribe("work_item.queued", func(_ context.Context, _ *Event) error { return nil })
	require.NoError(t, err)
	assert.True(t, b.IsConnected())

	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.Error(t, b.Publish(context.Background(), "work_item.queued", NewEvent("work_item.queued", "test", nil)))
	_, err = b.Subscribe("work_item.queued", func(_ context.Context, _ *Event) error { return nil })
	assert.Error(t, err)
}

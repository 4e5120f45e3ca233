package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/db"
	"github.com/assigner/assigner/internal/drift"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/mux"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/router"
)

type fixture struct {
	queue    *queue.Store
	registry *registry.Store
	mock     *mux.Mock
	drift    *drift.Controller
	bus      bus.EventBus
	disp     *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	return newFixtureWithBreaker(t, cfg, drift.Config{})
}

func newFixtureWithBreaker(t *testing.T, cfg Config, breaker drift.Config) *fixture {
	t.Helper()
	pool, err := db.Open(db.Options{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "dispatch.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	q, err := queue.NewStore(pool)
	require.NoError(t, err)
	reg, err := registry.NewStore(pool)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	mock := mux.NewMock()
	driftCtl := drift.NewController(reg, eventBus, breaker, logger.Default())
	input := make(chan router.Assignment)
	d := New(q, reg, mock, driftCtl, eventBus, input, cfg, logger.Default())

	return &fixture{queue: q, registry: reg, mock: mock, drift: driftCtl, bus: eventBus, disp: d}
}

// assignedItem enqueues and claims an item for the session.
func (f *fixture) assignedItem(t *testing.T, session, payload string) *queue.WorkItem {
	t.Helper()
	ctx := context.Background()
	_, err := f.registry.Upsert(ctx, session, registry.ProviderClaude, "", "")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: payload, Priority: 5})
	require.NoError(t, err)
	item, err := f.queue.ClaimNextFor(ctx, queue.Selector{SessionName: session})
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func TestDeliverSendsAndBinds(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := f.assignedItem(t, "alice", "fix the flaky test")

	f.disp.Deliver(ctx, router.Assignment{Item: item, SessionName: "alice"})

	assert.Equal(t, []string{"fix the flaky test"}, f.mock.Sent("alice"))
	assert.Equal(t, 1, f.mock.Submits("alice"))

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusInProgress, got.Status)

	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, item.ID, sess.CurrentWorkID)
}

func TestDeliverRetriesThenRequeues(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2, BaseBackoff: time.Millisecond})
	ctx := context.Background()
	item := f.assignedItem(t, "alice", "doomed")
	f.mock.FailSends = errors.New("pane is dead")

	retried := make(chan *bus.Event, 1)
	_, err := f.bus.Subscribe(events.WorkItemRetried, func(_ context.Context, ev *bus.Event) error {
		retried <- ev
		return nil
	})
	require.NoError(t, err)

	f.disp.Deliver(ctx, router.Assignment{Item: item, SessionName: "alice"})

	// Delivery failure is retryable: the item returns to pending for another
	// session and the target stays unbound.
	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "pane is dead")

	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sess.CurrentWorkID)

	// The requeue announces itself so the router reroutes immediately
	// instead of waiting for the safety tick.
	select {
	case ev := <-retried:
		assert.Equal(t, item.ID, ev.Data["work_item_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a retried event for the requeued item")
	}
}

func TestDeliverSkipsCancelledItem(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := f.assignedItem(t, "alice", "cancelled before delivery")

	// A cancel between claim and delivery wins the race.
	_, err := f.queue.Cancel(ctx, item.ID)
	require.NoError(t, err)

	f.disp.Deliver(ctx, router.Assignment{Item: item, SessionName: "alice"})

	assert.Empty(t, f.mock.Sent("alice"))
	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, got.Status)
}

func TestDeliverReleasesOnBindConflict(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := f.assignedItem(t, "alice", "late")
	require.NoError(t, f.registry.Bind(ctx, "alice", "other-work"))

	f.disp.Deliver(ctx, router.Assignment{Item: item, SessionName: "alice"})

	// The bind lost: the item goes back to pending and the session keeps its
	// original binding.
	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)

	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "other-work", sess.CurrentWorkID)
}

func TestSkippedDeliveryReturnsHalfOpenSlot(t *testing.T) {
	f := newFixtureWithBreaker(t, Config{}, drift.Config{FailureThreshold: 1, OpenCooldown: time.Millisecond})
	ctx := context.Background()
	item := f.assignedItem(t, "alice", "trial balloon")

	// One failure trips the breaker open at threshold 1.
	f.drift.OnFailure(ctx, "alice")
	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, registry.CircuitOpen, sess.CircuitState)

	time.Sleep(5 * time.Millisecond)

	// Past the cooldown the breaker admits a single trial delivery.
	sess, err = f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, f.drift.Routable(ctx, sess))

	// The admitted delivery never happens: a cancel wins the race and the
	// dispatcher takes the skip path.
	_, err = f.queue.Cancel(ctx, item.ID)
	require.NoError(t, err)
	f.disp.Deliver(ctx, router.Assignment{Item: item, SessionName: "alice"})
	assert.Empty(t, f.mock.Sent("alice"))

	// The trial slot came back with the skip; the session must still be
	// routable rather than wedged half-open forever.
	sess, err = f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, f.drift.Routable(ctx, sess))
}

func TestBindConflictReturnsHalfOpenSlot(t *testing.T) {
	f := newFixtureWithBreaker(t, Config{}, drift.Config{FailureThreshold: 1, OpenCooldown: time.Millisecond})
	ctx := context.Background()
	item := f.assignedItem(t, "alice", "late")

	f.drift.OnFailure(ctx, "alice")
	time.Sleep(5 * time.Millisecond)
	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, f.drift.Routable(ctx, sess))

	// The session picked up other work before the payload landed.
	require.NoError(t, f.registry.Bind(ctx, "alice", "other-work"))
	f.disp.Deliver(ctx, router.Assignment{Item: item, SessionName: "alice"})

	sess, err = f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, f.drift.Routable(ctx, sess))
}

func TestWorkerPoolConsumesChannel(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	ctx := context.Background()

	itemA := f.assignedItem(t, "alice", "a")
	itemB := f.assignedItem(t, "bob", "b")

	input := make(chan router.Assignment, 2)
	f.disp.input = input
	f.disp.Start(ctx)
	defer f.disp.Stop()

	input <- router.Assignment{Item: itemA, SessionName: "alice"}
	input <- router.Assignment{Item: itemB, SessionName: "bob"}

	require.Eventually(t, func() bool {
		a, errA := f.queue.Get(ctx, itemA.ID)
		b, errB := f.queue.Get(ctx, itemB.ID)
		return errA == nil && errB == nil &&
			a.Status == queue.StatusInProgress && b.Status == queue.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)
}

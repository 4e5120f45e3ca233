package supervisor

import (
	"context"
	"os"
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
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

const testRulesTree = `
version: "1.0"
sla_targets:
  default:
    target_minutes: 30
  quick:
    target_minutes: 1
`

type fixture struct {
	pool     *db.Pool
	queue    *queue.Store
	registry *registry.Store
	sup      *Supervisor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	pool, err := db.Open(db.Options{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "supervisor.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	q, err := queue.NewStore(pool)
	require.NoError(t, err)
	reg, err := registry.NewStore(pool)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "base"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base", "sla_rules.yaml"), []byte(testRulesTree), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base", "routing_rules.yaml"), []byte("version: \"1.0\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base", "queries.yaml"), []byte("version: \"1.0\"\n"), 0o644))
	svc, err := rules.NewService(dir, "", logger.Default())
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	driftCtl := drift.NewController(reg, eventBus, drift.Config{}, logger.Default())
	sup := New(q, reg, svc, driftCtl, eventBus, cfg, logger.Default())

	return &fixture{pool: pool, queue: q, registry: reg, sup: sup}
}

// inProgressItem drives an item to in_progress bound to the session.
func (f *fixture) inProgressItem(t *testing.T, session string, req queue.EnqueueRequest) *queue.WorkItem {
	t.Helper()
	ctx := context.Background()
	if req.Payload == "" {
		req.Payload = "work"
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	_, err := f.registry.Upsert(ctx, session, registry.ProviderClaude, "", "")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, req)
	require.NoError(t, err)
	item, err := f.queue.ClaimNextFor(ctx, queue.Selector{SessionName: session})
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, f.registry.Bind(ctx, session, item.ID))
	require.NoError(t, f.queue.MarkDelivered(ctx, item.ID, session))
	return item
}

func observation(session, status string, extra map[string]any) *bus.Event {
	data := map[string]any{"session": session, "status": status}
	for k, v := range extra {
		data[k] = v
	}
	return bus.NewEvent(events.SessionObserved, "probe", data)
}

func TestCompletionAfterIdleStreakWithEvidence(t *testing.T) {
	f := newFixture(t, Config{IdleConfirmations: 2, Quiescence: time.Hour})
	ctx := context.Background()
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{})

	// One idle probe is not enough.
	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "idle", map[string]any{"completion": true})))
	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusInProgress, got.Status)

	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "idle", nil)))
	got, err = f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)

	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sess.CurrentWorkID)
	assert.Equal(t, 1, sess.TotalCompleted)
}

func TestBusyProbeResetsIdleStreak(t *testing.T) {
	f := newFixture(t, Config{IdleConfirmations: 2, Quiescence: time.Hour})
	ctx := context.Background()
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{})

	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "idle", map[string]any{"completion": true})))
	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "busy", nil)))
	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "idle", nil)))

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusInProgress, got.Status, "the busy probe restarts the idle count")
}

func TestCompletionViaQuiescenceWithoutEvidence(t *testing.T) {
	f := newFixture(t, Config{IdleConfirmations: 2, Quiescence: 10 * time.Millisecond})
	ctx := context.Background()
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{})

	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "idle", nil)))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "idle", nil)))

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
}

func TestFirstBusyProbeRecordsProgress(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{})

	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "busy", nil)))
	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "busy", nil)))

	evs, err := f.queue.Events(ctx, item.ID)
	require.NoError(t, err)
	progress := 0
	for _, ev := range evs {
		if ev.Action == queue.ActionObservedProgress {
			progress++
		}
	}
	assert.Equal(t, 1, progress, "progress is recorded once per binding")
}

func TestFailureEvidenceFailsItem(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{MaxRetries: 1})

	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "idle", map[string]any{
		"failure_pattern": `(?i)^error:`,
		"failure_fatal":   false,
	})))

	// Retryable failure with budget left returns the item to pending.
	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sess.CurrentWorkID)
	assert.Equal(t, 1, sess.TotalFailed)
}

func TestFatalFailureEvidenceIsTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{MaxRetries: 3})

	require.NoError(t, f.sup.handleObservation(ctx, observation("alice", "busy", map[string]any{
		"failure_pattern": "fatal error",
		"failure_fatal":   true,
	})))

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
}

func TestObservationForUnboundSessionIsIgnored(t *testing.T) {
	f := newFixture(t, Config{IdleConfirmations: 1, Quiescence: 0})
	ctx := context.Background()

	_, err := f.registry.Upsert(ctx, "idle-one", registry.ProviderClaude, "", "")
	require.NoError(t, err)
	require.NoError(t, f.sup.handleObservation(ctx, observation("idle-one", "idle", map[string]any{"completion": true})))
}

func TestCheckTimeoutsExpiresOverdueItems(t *testing.T) {
	f := newFixture(t, Config{CriticalMultiplier: 2})
	ctx := context.Background()

	overdue := f.inProgressItem(t, "alice", queue.EnqueueRequest{TaskType: "quick"})
	fresh := f.inProgressItem(t, "bob", queue.EnqueueRequest{})

	// Backdate the assignment past quick's 1min target x2 multiplier.
	_, err := f.pool.Writer().Exec(
		f.pool.Writer().Rebind(`UPDATE work_items SET assigned_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-10*time.Minute), overdue.ID)
	require.NoError(t, err)

	f.sup.CheckTimeouts(ctx)

	got, err := f.queue.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status, "first timeout consumes a retry")
	assert.Equal(t, 1, got.RetryCount)

	evs, err := f.queue.Events(ctx, overdue.ID)
	require.NoError(t, err)
	sawTimeout := false
	for _, ev := range evs {
		if ev.Action == queue.ActionTimedOut {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)

	sess, err := f.registry.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sess.CurrentWorkID)

	still, err := f.queue.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusInProgress, still.Status)
}

func TestCheckTimeoutsRescuesUndeliveredAssignedItem(t *testing.T) {
	f := newFixture(t, Config{CriticalMultiplier: 2})
	ctx := context.Background()

	// Claimed but never delivered: the item sits assigned with no session
	// bound. The sweep still has to pick it up, anchoring on creation when
	// the assignment timestamp is missing.
	_, err := f.registry.Upsert(ctx, "alice", registry.ProviderClaude, "", "")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "stuck", Priority: 5, TaskType: "quick"})
	require.NoError(t, err)
	item, err := f.queue.ClaimNextFor(ctx, queue.Selector{SessionName: "alice"})
	require.NoError(t, err)
	require.NotNil(t, item)

	_, err = f.pool.Writer().Exec(
		f.pool.Writer().Rebind(`UPDATE work_items SET assigned_at = NULL, created_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-10*time.Minute), item.ID)
	require.NoError(t, err)

	f.sup.CheckTimeouts(ctx)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status, "the stuck assignment is requeued, not skipped")
	assert.Equal(t, 1, got.RetryCount)
}

func TestTimeoutHonorsItemOverride(t *testing.T) {
	f := newFixture(t, Config{CriticalMultiplier: 2})
	ctx := context.Background()

	// 90 minute override beats the 30min default SLA x2.
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{TimeoutMinutes: 90})
	_, err := f.pool.Writer().Exec(
		f.pool.Writer().Rebind(`UPDATE work_items SET assigned_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-70*time.Minute), item.ID)
	require.NoError(t, err)

	f.sup.CheckTimeouts(ctx)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusInProgress, got.Status)
}

func TestOfflineSessionExpiresBoundItem(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := f.inProgressItem(t, "alice", queue.EnqueueRequest{})

	// Budget already spent: the expiry is terminal instead of a requeue.
	_, err := f.pool.Writer().Exec(
		f.pool.Writer().Rebind(`UPDATE work_items SET retry_count = max_retries WHERE id = ?`), item.ID)
	require.NoError(t, err)

	event := bus.NewEvent(events.SessionOffline, "probe", map[string]any{
		"session": "alice",
		"work_id": item.ID,
	})
	require.NoError(t, f.sup.handleOffline(ctx, event))

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExpired, got.Status)
}

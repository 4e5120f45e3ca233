package drift

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/db"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/registry"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *registry.Store, bus.EventBus) {
	t.Helper()
	pool, err := db.Open(db.Options{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "drift.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := registry.NewStore(pool)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	return NewController(store, eventBus, cfg, logger.Default()), store, eventBus
}

func registerSession(t *testing.T, store *registry.Store, name string) {
	t.Helper()
	_, err := store.Upsert(context.Background(), name, registry.ProviderClaude, "", "")
	require.NoError(t, err)
}

func TestRecordOutcomeAppliesEMA(t *testing.T) {
	ctrl, store, _ := newTestController(t, Config{EMAAlpha: 0.9, BaselineSamples: 1})
	ctx := context.Background()
	registerSession(t, store, "alice")
	require.NoError(t, store.UpdateStability(ctx, "alice", 0.5))

	// First sample settles the baseline, so drift distance is zero and the
	// score moves toward 1: 0.9*0.5 + 0.1*1.0.
	ctrl.RecordOutcome(ctx, "alice", true, []string{"output"})

	sess, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, sess.StabilityScore, 1e-9)
	assert.Equal(t, 1, sess.TotalCompleted)
}

func TestBaselineSettlesAfterConfiguredSamples(t *testing.T) {
	ctrl, store, _ := newTestController(t, Config{BaselineSamples: 3})
	ctx := context.Background()
	registerSession(t, store, "alice")

	for i := 0; i < 2; i++ {
		ctrl.RecordOutcome(ctx, "alice", true, []string{"normal behavior output"})
		sess, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, sess.Baseline, "baseline must not settle before the sample budget")
	}

	ctrl.RecordOutcome(ctx, "alice", true, []string{"normal behavior output"})
	sess, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Baseline)
}

func TestConsecutiveFailuresOpenCircuit(t *testing.T) {
	ctrl, store, _ := newTestController(t, Config{FailureThreshold: 3})
	ctx := context.Background()
	registerSession(t, store, "alice")

	for i := 0; i < 2; i++ {
		ctrl.OnFailure(ctx, "alice")
		sess, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, registry.CircuitClosed, sess.CircuitState)
	}

	ctrl.OnFailure(ctx, "alice")
	sess, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, registry.CircuitOpen, sess.CircuitState)
	require.NotNil(t, sess.CircuitOpenAt)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	ctrl, store, _ := newTestController(t, Config{FailureThreshold: 2})
	ctx := context.Background()
	registerSession(t, store, "alice")

	ctrl.OnFailure(ctx, "alice")
	ctrl.OnSuccess(ctx, "alice")
	ctrl.OnFailure(ctx, "alice")

	// The streak reset means two non-consecutive failures never trip.
	sess, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, registry.CircuitClosed, sess.CircuitState)
}

func TestOpenCircuitBlocksUntilCooldown(t *testing.T) {
	ctrl, store, _ := newTestController(t, Config{FailureThreshold: 1, OpenCooldown: 50 * time.Millisecond})
	ctx := context.Background()
	registerSession(t, store, "alice")

	ctrl.OnFailure(ctx, "alice")
	sess, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ctrl.Routable(ctx, sess), "open circuit inside the cooldown must block")

	time.Sleep(60 * time.Millisecond)
	sess, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ctrl.Routable(ctx, sess), "cooldown expiry admits one half-open probe")

	// The circuit is now half_open and the probe slot is taken.
	sess, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, registry.CircuitHalfOpen, sess.CircuitState)
	assert.False(t, ctrl.Routable(ctx, sess), "half_open admits exactly one in-flight item")
}

func TestAbortFreesHalfOpenSlot(t *testing.T) {
	ctrl, store, _ := newTestController(t, Config{FailureThreshold: 1, OpenCooldown: time.Millisecond})
	ctx := context.Background()
	registerSession(t, store, "alice")

	ctrl.OnFailure(ctx, "alice")
	time.Sleep(5 * time.Millisecond)

	sess, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ctrl.Routable(ctx, sess))

	// An admission abandoned without an outcome must free the slot, or the
	// session stays unroutable until something else reports on it.
	sess, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ctrl.Routable(ctx, sess))
	ctrl.Abort("alice")
	assert.True(t, ctrl.Routable(ctx, sess))

	// Abort keeps the circuit half_open; it only returns the slot.
	sess, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, registry.CircuitHalfOpen, sess.CircuitState)
}

func TestHalfOpenOutcomeDecidesCircuit(t *testing.T) {
	ctx := context.Background()

	t.Run("success closes", func(t *testing.T) {
		ctrl, store, _ := newTestController(t, Config{FailureThreshold: 1, OpenCooldown: time.Millisecond})
		registerSession(t, store, "alice")
		ctrl.OnFailure(ctx, "alice")
		time.Sleep(5 * time.Millisecond)

		sess, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ctrl.Routable(ctx, sess))

		ctrl.OnSuccess(ctx, "alice")
		sess, err = store.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, registry.CircuitClosed, sess.CircuitState)
	})

	t.Run("failure reopens", func(t *testing.T) {
		ctrl, store, _ := newTestController(t, Config{FailureThreshold: 5, OpenCooldown: time.Millisecond})
		registerSession(t, store, "bob")
		require.NoError(t, store.SetCircuit(ctx, "bob", registry.CircuitOpen))
		time.Sleep(5 * time.Millisecond)

		sess, err := store.Get(ctx, "bob")
		require.NoError(t, err)
		require.True(t, ctrl.Routable(ctx, sess))

		// One failure reopens immediately, ignoring the threshold.
		ctrl.OnFailure(ctx, "bob")
		sess, err = store.Get(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, registry.CircuitOpen, sess.CircuitState)
	})
}

func TestConsolidationMarkerEveryNInteractions(t *testing.T) {
	ctrl, store, eventBus := newTestController(t, Config{ConsolidateEach: 2, BaselineSamples: 1})
	ctx := context.Background()
	registerSession(t, store, "alice")

	markers := make(chan *bus.Event, 4)
	_, err := eventBus.Subscribe(events.SessionConsolidation, func(_ context.Context, ev *bus.Event) error {
		markers <- ev
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ctrl.RecordOutcome(ctx, "alice", true, []string{"output"})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 2 {
		select {
		case ev := <-markers:
			assert.Equal(t, "alice", ev.Data["session"])
			received++
		case <-deadline:
			t.Fatalf("expected 2 consolidation markers, got %d", received)
		}
	}
}

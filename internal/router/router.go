// Package router decides which work item goes to which session, subject to
// every policy constraint, and hands claimed pairs to the dispatcher.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/drift"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

// pendingScanLimit bounds how many pending items one tick considers.
const pendingScanLimit = 200

// Assignment is one claimed (item, session) pair bound for delivery.
type Assignment struct {
	Item        *queue.WorkItem
	SessionName string
}

// Router runs the routing algorithm on a safety tick and on queue/registry
// change notifications.
type Router struct {
	queue    *queue.Store
	registry *registry.Store
	rules    *rules.Service
	drift    *drift.Controller
	bus      bus.EventBus
	dispatch chan Assignment
	tick     time.Duration
	logger   *logger.Logger

	stopCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup
	subs   []bus.Subscription
}

// New creates a router feeding the given dispatch channel.
func New(q *queue.Store, reg *registry.Store, svc *rules.Service, driftCtl *drift.Controller, eventBus bus.EventBus, dispatch chan Assignment, tick time.Duration, log *logger.Logger) *Router {
	if tick <= 0 {
		tick = 2 * time.Second
	}
	return &Router{
		queue:    q,
		registry: reg,
		rules:    svc,
		drift:    driftCtl,
		bus:      eventBus,
		dispatch: dispatch,
		tick:     tick,
		logger:   log.WithFields(zap.String("component", "router")),
		stopCh:   make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start subscribes to change notifications and launches the tick loop.
func (r *Router) Start(ctx context.Context) error {
	wake := func(_ context.Context, _ *bus.Event) error {
		select {
		case r.wakeCh <- struct{}{}:
		default:
		}
		return nil
	}
	for _, subject := range []string{events.WorkItemQueued, events.WorkItemRetried, events.SessionStateChanged, events.RulesReloaded} {
		sub, err := r.bus.Subscribe(subject, wake)
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			case <-r.wakeCh:
				r.Tick(ctx)
			}
		}
	}()
	return nil
}

// Stop unsubscribes and terminates the loop.
func (r *Router) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	close(r.stopCh)
	r.wg.Wait()
}

// Tick runs one routing pass. Exported so tests can drive routing
// synchronously. The pass is deterministic given identical snapshots of
// configuration, queue, and registry.
func (r *Router) Tick(ctx context.Context) {
	snap := r.rules.Snapshot()

	candidates, err := r.candidateSessions(ctx, snap)
	if err != nil {
		r.logger.Error("Failed to list sessions", zap.Error(err))
		return
	}
	if len(candidates) == 0 {
		return
	}

	// Selection order across items: priority DESC, created_at ASC, id ASC.
	// The store applies the ordering before the limit, so a backlog larger
	// than one scan still surfaces its highest-priority oldest items first.
	pending, err := r.queue.List(ctx, queue.Filter{Status: queue.StatusPending, Limit: pendingScanLimit, ClaimOrder: true})
	if err != nil {
		r.logger.Error("Failed to list pending items", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	taken := make(map[string]bool)
	for _, item := range pending {
		// Backpressure: when the dispatcher is full, drop the rest of the
		// tick before claiming. Routing stays work-conserving because the
		// next tick reselects. The router goroutine is the only sender, so
		// the length check cannot race another producer.
		if len(r.dispatch) >= cap(r.dispatch) {
			return
		}

		sess := r.pickSession(ctx, snap, item, candidates, taken)
		if sess == nil {
			r.applyFallback(snap, item)
			continue
		}

		claimed, err := r.queue.ClaimNextFor(ctx, queue.Selector{
			SessionName: sess.Name,
			Provider:    string(sess.Provider),
			TaskTypes:   []string{item.TaskType},
		})
		if err != nil {
			r.logger.Error("Claim failed", zap.String("work_item_id", item.ID), zap.Error(err))
			r.drift.Abort(sess.Name)
			continue
		}
		if claimed == nil {
			// Someone else took the item between listing and claiming.
			// Return the breaker admission so the session stays routable.
			r.drift.Abort(sess.Name)
			continue
		}

		taken[sess.Name] = true
		r.publishSelected(ctx, claimed.ID, sess.Name)
		r.dispatch <- Assignment{Item: claimed, SessionName: sess.Name}
		r.logger.Info("Routed work item",
			zap.String("work_item_id", claimed.ID),
			zap.String("session", sess.Name),
			zap.Int("priority", claimed.Priority))
	}
}

func (r *Router) publishSelected(ctx context.Context, itemID, session string) {
	data := map[string]any{"work_item_id": itemID, "session": session}
	if err := r.bus.Publish(ctx, events.WorkItemSelected, bus.NewEvent(events.WorkItemSelected, "router", data)); err != nil {
		r.logger.Warn("Failed to publish selection event", zap.Error(err))
	}
}

// candidateSessions builds the routable session set: idle or waiting_input,
// not protected, not excluded, above the stability floor. Circuit state is
// checked at selection time because half-open admission has a side effect.
func (r *Router) candidateSessions(ctx context.Context, snap *rules.Snapshot) ([]*registry.Session, error) {
	sessions, err := r.registry.List(ctx, registry.Filter{})
	if err != nil {
		return nil, err
	}

	var candidates []*registry.Session
	for _, sess := range sessions {
		if sess.Status != registry.StatusIdle && sess.Status != registry.StatusWaitingInput {
			continue
		}
		if sess.Protected || snap.IsExcluded(sess.Name) {
			continue
		}
		if sess.CurrentWorkID != "" {
			continue
		}
		if sess.StabilityScore < r.drift.StabilityFloor() {
			continue
		}
		candidates = append(candidates, sess)
	}
	return candidates, nil
}

// pickSession returns the best eligible session for the item, or nil.
func (r *Router) pickSession(ctx context.Context, snap *rules.Snapshot, item *queue.WorkItem, candidates []*registry.Session, taken map[string]bool) *registry.Session {
	var eligible []*registry.Session
	ranks := make(map[string]int)

	rule, hasRule := snap.RuleFor(item.TaskType)
	for _, sess := range candidates {
		if taken[sess.Name] {
			continue
		}
		// No self-assignment: an item sourced from a session never routes
		// back to it.
		if item.Source != "" && item.Source == sess.Name {
			continue
		}

		switch {
		case item.TargetSession != "":
			// A hard session hint dominates everything else.
			if sess.Name != item.TargetSession {
				continue
			}
		case item.TargetProvider != "":
			if string(sess.Provider) != item.TargetProvider {
				continue
			}
		case hasRule && len(rule.PreferredSessions) > 0:
			rank := indexOf(rule.PreferredSessions, sess.Name)
			if rank < 0 && !r.permitsFallback(snap) {
				continue
			}
			if rank >= 0 {
				ranks[sess.Name] = rank
			} else {
				ranks[sess.Name] = len(rule.PreferredSessions)
			}
		}
		eligible = append(eligible, sess)
	}
	if len(eligible) == 0 {
		return nil
	}

	// Preference rank, then stability, then failure ratio, then name.
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		ra, rb := rankOf(ranks, a.Name), rankOf(ranks, b.Name)
		if ra != rb {
			return ra < rb
		}
		if a.StabilityScore != b.StabilityScore {
			return a.StabilityScore > b.StabilityScore
		}
		fa, fb := failRatio(a), failRatio(b)
		if fa != fb {
			return fa < fb
		}
		return a.Name < b.Name
	})

	for _, sess := range eligible {
		if r.drift.Routable(ctx, sess) {
			return sess
		}
	}
	return nil
}

// permitsFallback reports whether a fallback rule widens routing beyond the
// preferred list when no preferred session is available.
func (r *Router) permitsFallback(snap *rules.Snapshot) bool {
	for _, rule := range snap.FallbackRules {
		if rule.Action == "widen" || rule.Action == "any_session" {
			return true
		}
	}
	return false
}

// applyFallback handles an unroutable item. Parking with backoff is the
// default: the item simply stays pending for a later tick.
func (r *Router) applyFallback(snap *rules.Snapshot, item *queue.WorkItem) {
	for _, rule := range snap.FallbackRules {
		if rule.Action == "park" {
			r.logger.Debug("Parked work item",
				zap.String("work_item_id", item.ID),
				zap.String("condition", rule.Condition))
			return
		}
	}
}

func indexOf(list []string, name string) int {
	for i, entry := range list {
		if entry == name {
			return i
		}
	}
	return -1
}

func rankOf(ranks map[string]int, name string) int {
	if rank, ok := ranks[name]; ok {
		return rank
	}
	return 1 << 20
}

func failRatio(sess *registry.Session) float64 {
	total := sess.TotalCompleted + sess.TotalFailed
	if total == 0 {
		return 0
	}
	return float64(sess.TotalFailed) / float64(total)
}

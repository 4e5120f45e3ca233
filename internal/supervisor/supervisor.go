// Package supervisor turns session observations and timeouts into queue
// state transitions: completion, failure, expiry, and disappearance.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/drift"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/probe"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

// Config controls completion and timeout detection.
type Config struct {
	IdleConfirmations  int           // consecutive idle probes before completion
	Quiescence         time.Duration // silence window without contrary signal
	CriticalMultiplier int           // over the SLA target for the effective timeout
	CheckInterval      time.Duration // timeout sweep period
}

func (c *Config) applyDefaults() {
	if c.IdleConfirmations <= 0 {
		c.IdleConfirmations = 3
	}
	if c.Quiescence <= 0 {
		c.Quiescence = 15 * time.Second
	}
	if c.CriticalMultiplier <= 0 {
		c.CriticalMultiplier = 2
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
}

// itemTrack is the per-bound-item observation state.
type itemTrack struct {
	idleStreak     int
	lastBusy       time.Time
	firstSeen      time.Time
	completionSeen bool
	progressMarked bool
}

// Supervisor consumes probe observations and drives bound items to terminal
// or retry states.
type Supervisor struct {
	queue    *queue.Store
	registry *registry.Store
	rules    *rules.Service
	drift    *drift.Controller
	bus      bus.EventBus
	cfg      Config
	logger   *logger.Logger

	mu    sync.Mutex
	items map[string]*itemTrack // keyed by work item id

	subs   []bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a supervisor.
func New(q *queue.Store, reg *registry.Store, svc *rules.Service, driftCtl *drift.Controller, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		queue:    q,
		registry: reg,
		rules:    svc,
		drift:    driftCtl,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		items:    make(map[string]*itemTrack),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to probe events and launches the timeout sweep.
func (s *Supervisor) Start(ctx context.Context) error {
	// Queue group: exactly one supervisor instance handles each observation.
	sub, err := s.bus.QueueSubscribe(events.SessionObserved, "supervisor", s.handleObservation)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	offlineSub, err := s.bus.QueueSubscribe(events.SessionOffline, "supervisor", s.handleOffline)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, offlineSub)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckTimeouts(ctx)
			}
		}
	}()
	return nil
}

// Stop unsubscribes and terminates the sweep loop.
func (s *Supervisor) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()
}

// handleObservation processes one probe result for a session.
func (s *Supervisor) handleObservation(ctx context.Context, event *bus.Event) error {
	session, _ := event.Data["session"].(string)
	status, _ := event.Data["status"].(string)
	completion, _ := event.Data["completion"].(bool)
	failurePattern, _ := event.Data["failure_pattern"].(string)
	failureFatal, _ := event.Data["failure_fatal"].(bool)

	sess, err := s.registry.Get(ctx, session)
	if err != nil {
		return nil
	}
	workID := sess.CurrentWorkID
	if workID == "" {
		return nil
	}

	item, err := s.queue.Get(ctx, workID)
	if err != nil || item.Status != queue.StatusInProgress {
		return nil
	}

	s.mu.Lock()
	track, ok := s.items[workID]
	if !ok {
		track = &itemTrack{firstSeen: time.Now().UTC()}
		s.items[workID] = track
	}
	s.mu.Unlock()

	log := s.logger.WithWorkItem(workID).WithSession(session)

	// Failure evidence dominates: the capture shows the agent erring.
	if failurePattern != "" {
		log.Warn("Failure evidence observed",
			zap.String("pattern", failurePattern),
			zap.Bool("fatal", failureFatal))
		s.finalize(ctx, item, sess, false, fmt.Sprintf("output matched failure pattern %q", failurePattern), failureFatal)
		return nil
	}

	switch registry.SessionStatus(status) {
	case registry.StatusBusy:
		s.mu.Lock()
		track.idleStreak = 0
		track.lastBusy = time.Now().UTC()
		progressMarked := track.progressMarked
		track.progressMarked = true
		s.mu.Unlock()
		if !progressMarked {
			if err := s.queue.MarkProgress(ctx, workID, session); err != nil {
				log.Warn("Failed to record progress", zap.Error(err))
			}
			s.publish(ctx, events.WorkItemObservedProgress, workID, session, nil)
		}
	case registry.StatusIdle, registry.StatusWaitingInput:
		s.mu.Lock()
		track.idleStreak++
		if completion {
			track.completionSeen = true
		}
		streak := track.idleStreak
		evidence := track.completionSeen
		quiet := s.quiescent(track)
		s.mu.Unlock()

		// Completion: C consecutive idle probes plus either explicit
		// completion evidence or a full quiescence window with no
		// contrary signal.
		if streak >= s.cfg.IdleConfirmations && (evidence || quiet) {
			log.Info("Completion detected",
				zap.Int("idle_streak", streak),
				zap.Bool("evidence", evidence))
			s.complete(ctx, item, sess)
		}
	}
	return nil
}

func (s *Supervisor) quiescent(track *itemTrack) bool {
	anchor := track.lastBusy
	if anchor.IsZero() {
		anchor = track.firstSeen
	}
	return time.Since(anchor) >= s.cfg.Quiescence
}

// handleOffline expires the work bound to a session that disappeared.
func (s *Supervisor) handleOffline(ctx context.Context, event *bus.Event) error {
	workID, _ := event.Data["work_id"].(string)
	session, _ := event.Data["session"].(string)
	if workID == "" {
		return nil
	}

	s.logger.WithWorkItem(workID).WithSession(session).Warn("Bound session disappeared, expiring item")
	status, err := s.queue.Expire(ctx, workID, "session went offline")
	if err != nil {
		s.logger.Error("Failed to expire item for offline session", zap.Error(err))
		return nil
	}
	s.drift.Abort(session)
	s.forget(workID)
	subject := events.WorkItemTimedOut
	if status == queue.StatusPending {
		subject = events.WorkItemRetried
	}
	s.publish(ctx, subject, workID, session, map[string]any{"reason": "session offline"})
	return nil
}

// CheckTimeouts expires items past their effective timeout. Exported so
// tests and the startup sequence can run a sweep synchronously.
func (s *Supervisor) CheckTimeouts(ctx context.Context) {
	active, err := s.queue.ListActive(ctx)
	if err != nil {
		s.logger.Error("Failed to list active items", zap.Error(err))
		return
	}

	snap := s.rules.Snapshot()
	now := time.Now().UTC()
	for _, item := range active {
		// A row claimed before delivery was recorded may lack a timestamp;
		// anchor on creation so the item still gets rescued rather than
		// sitting assigned forever.
		anchor := item.CreatedAt
		if item.AssignedAt != nil {
			anchor = *item.AssignedAt
		}
		timeout := s.effectiveTimeout(snap, item)
		if now.Sub(anchor) <= timeout {
			continue
		}

		log := s.logger.WithWorkItem(item.ID).WithSession(item.AssignedSession)
		log.Warn("Effective timeout exceeded", zap.Duration("timeout", timeout))

		status, err := s.queue.Expire(ctx, item.ID, fmt.Sprintf("timed out after %s", timeout))
		if err != nil {
			log.Error("Failed to expire item", zap.Error(err))
			continue
		}
		if item.AssignedSession != "" {
			if err := s.registry.Release(ctx, item.AssignedSession); err != nil {
				log.Error("Failed to release session", zap.Error(err))
			}
			s.publish(ctx, events.SessionReleased, item.ID, item.AssignedSession, nil)
			s.drift.OnFailure(ctx, item.AssignedSession)
		}
		s.forget(item.ID)
		subject := events.WorkItemTimedOut
		if status == queue.StatusPending {
			subject = events.WorkItemRetried
		}
		s.publish(ctx, subject, item.ID, item.AssignedSession, nil)
	}
}

// effectiveTimeout resolves the per-item deadline: the item's override, else
// the SLA target for its task type times the critical multiplier.
func (s *Supervisor) effectiveTimeout(snap *rules.Snapshot, item *queue.WorkItem) time.Duration {
	if item.TimeoutMinutes > 0 {
		return time.Duration(item.TimeoutMinutes) * time.Minute
	}
	if target, ok := snap.SlaFor(item.TaskType); ok {
		return time.Duration(target.TargetMinutes*s.cfg.CriticalMultiplier) * time.Minute
	}
	return 30 * time.Minute
}

// complete finalizes a successful item.
func (s *Supervisor) complete(ctx context.Context, item *queue.WorkItem, sess *registry.Session) {
	if err := s.queue.MarkCompleted(ctx, item.ID, lastLines(sess.LastOutput)); err != nil {
		s.logger.WithWorkItem(item.ID).Error("Failed to mark completed", zap.Error(err))
		return
	}
	if err := s.registry.Release(ctx, sess.Name); err != nil {
		s.logger.WithSession(sess.Name).Error("Failed to release session", zap.Error(err))
	}
	s.publish(ctx, events.SessionReleased, item.ID, sess.Name, nil)
	s.drift.RecordOutcome(ctx, sess.Name, true, probe.Render(sess.LastOutput, 0))
	s.forget(item.ID)
	s.publish(ctx, events.WorkItemCompleted, item.ID, sess.Name, nil)
}

// finalize records a failure outcome, retryable unless fatal.
func (s *Supervisor) finalize(ctx context.Context, item *queue.WorkItem, sess *registry.Session, success bool, reason string, fatal bool) {
	status, err := s.queue.MarkFailed(ctx, item.ID, reason, fatal)
	if err != nil {
		s.logger.WithWorkItem(item.ID).Error("Failed to mark failed", zap.Error(err))
		return
	}
	if err := s.registry.Release(ctx, sess.Name); err != nil {
		s.logger.WithSession(sess.Name).Error("Failed to release session", zap.Error(err))
	}
	s.publish(ctx, events.SessionReleased, item.ID, sess.Name, nil)
	s.drift.RecordOutcome(ctx, sess.Name, success, probe.Render(sess.LastOutput, 0))
	s.forget(item.ID)
	subject := events.WorkItemFailed
	if status == queue.StatusPending {
		subject = events.WorkItemRetried
	}
	s.publish(ctx, subject, item.ID, sess.Name, map[string]any{"error": reason, "fatal": fatal})
}

func (s *Supervisor) forget(workID string) {
	s.mu.Lock()
	delete(s.items, workID)
	s.mu.Unlock()
}

func (s *Supervisor) publish(ctx context.Context, subject, itemID, session string, extra map[string]any) {
	data := map[string]any{
		"work_item_id": itemID,
		"session":      session,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "supervisor", data)); err != nil {
		s.logger.Warn("Failed to publish supervisor event", zap.String("subject", subject), zap.Error(err))
	}
}

// lastLines bounds the response excerpt recorded on completion.
func lastLines(output string) string {
	const maxResponse = 2048
	if len(output) <= maxResponse {
		return output
	}
	return output[len(output)-maxResponse:]
}

// Package dispatcher delivers claimed work items to their sessions'
// terminals and records the handoff.
package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/drift"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/mux"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/router"
	"github.com/assigner/assigner/internal/tracing"
)

// Config controls delivery behavior.
type Config struct {
	Workers     int
	MaxAttempts int           // delivery attempts per item
	BaseBackoff time.Duration // first retry delay; grows exponentially with jitter
}

// Dispatcher consumes claimed assignments from a bounded channel with a
// fixed worker pool.
type Dispatcher struct {
	queue    *queue.Store
	registry *registry.Store
	mux      mux.Multiplexer
	drift    *drift.Controller
	bus      bus.EventBus
	input    chan router.Assignment
	cfg      Config
	logger   *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher reading from input.
func New(q *queue.Store, reg *registry.Store, m mux.Multiplexer, driftCtl *drift.Controller, eventBus bus.EventBus, input chan router.Assignment, cfg Config, log *logger.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		queue:    q,
		registry: reg,
		mux:      m,
		drift:    driftCtl,
		bus:      eventBus,
		input:    input,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case assignment, ok := <-d.input:
					if !ok {
						return nil
					}
					d.Deliver(ctx, assignment)
				}
			}
		})
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = g.Wait()
	}()
}

// Stop cancels the workers and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Deliver writes the payload into the session's terminal under a bounded
// retry loop. Success transitions the item to in_progress and binds the
// session; exhausting the attempts requeues the item and counts against the
// session's circuit breaker.
func (d *Dispatcher) Deliver(ctx context.Context, assignment router.Assignment) {
	ctx, span := tracing.Tracer("assigner-dispatcher").Start(ctx, "dispatcher.Deliver")
	defer span.End()

	item := assignment.Item
	session := assignment.SessionName
	log := d.logger.WithWorkItem(item.ID).WithSession(session)

	// The item must still be ours. A cancel racing the claim wins here and
	// the delivery aborts as a no-op. The admission granted at selection time
	// has to be returned on every path that never reaches an outcome, or a
	// half-open session would hold its probe slot forever.
	current, err := d.queue.Get(ctx, item.ID)
	if err != nil || current.Status != queue.StatusAssigned {
		log.Info("Skipping delivery, item no longer assigned")
		d.drift.Abort(session)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = d.send(ctx, session, item.Payload)
		if lastErr == nil {
			break
		}
		log.Warn("Delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < d.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				d.drift.Abort(session)
				return
			case <-time.After(backoff(d.cfg.BaseBackoff, attempt)):
			}
		}
	}

	if lastErr != nil {
		// Requeue for another session and feed the breaker.
		d.requeue(ctx, item.ID, session, "delivery failed: "+lastErr.Error(), log)
		d.drift.OnFailure(ctx, session)
		return
	}

	if err := d.registry.Bind(ctx, session, item.ID); err != nil {
		log.Error("Failed to bind session", zap.Error(err))
		d.requeue(ctx, item.ID, session, "bind failed: "+err.Error(), log)
		d.drift.Abort(session)
		return
	}
	d.publish(ctx, events.SessionBound, item.ID, session, nil)
	if err := d.queue.MarkDelivered(ctx, item.ID, session); err != nil {
		log.Error("Failed to mark delivered", zap.Error(err))
		_ = d.registry.Release(ctx, session)
		d.publish(ctx, events.SessionReleased, item.ID, session, nil)
		d.drift.Abort(session)
		return
	}

	log.Info("Delivered work item")
	d.publish(ctx, events.WorkItemDelivered, item.ID, session, nil)
}

// requeue records a delivery-stage failure and publishes the resulting
// transition: retried when the item went back to pending, failed when it
// went terminal.
func (d *Dispatcher) requeue(ctx context.Context, itemID, session, reason string, log *logger.Logger) {
	status, err := d.queue.MarkFailed(ctx, itemID, reason, false)
	if err != nil {
		log.Error("Failed to record delivery failure", zap.Error(err))
		return
	}
	subject := events.WorkItemFailed
	if status == queue.StatusPending {
		subject = events.WorkItemRetried
	}
	d.publish(ctx, subject, itemID, session, map[string]any{"error": reason, "stage": "delivery"})
}

// send types the payload and submits it.
func (d *Dispatcher) send(ctx context.Context, session, payload string) error {
	if err := d.mux.SendText(ctx, session, payload); err != nil {
		return err
	}
	return d.mux.SendSubmit(ctx, session)
}

func (d *Dispatcher) publish(ctx context.Context, subject, itemID, session string, extra map[string]any) {
	data := map[string]any{
		"work_item_id": itemID,
		"session":      session,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := d.bus.Publish(ctx, subject, bus.NewEvent(subject, "dispatcher", data)); err != nil {
		d.logger.Warn("Failed to publish dispatch event", zap.String("subject", subject), zap.Error(err))
	}
}

// backoff returns the exponential delay for the given attempt with up to
// 25% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

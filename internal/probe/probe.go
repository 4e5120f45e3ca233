package probe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/mux"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

// Config controls the probe loop.
type Config struct {
	Interval     time.Duration // scan period
	CaptureLines int           // last N lines captured per window
	OfflineGrace time.Duration // window absence tolerated before offline
}

// Probe periodically enumerates multiplexer windows, captures their output,
// classifies it, and writes the result into the registry.
type Probe struct {
	mux      mux.Multiplexer
	registry *registry.Store
	rules    *rules.Service
	bus      bus.EventBus
	cfg      Config
	logger   *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastSeen    map[string]time.Time
	lastStatus  map[string]registry.SessionStatus
	lastCapture map[string]time.Time

	classifierMu   sync.Mutex
	classifier     *Classifier
	classifierSnap *rules.Snapshot
}

// New creates a probe. Start begins the loop.
func New(m mux.Multiplexer, reg *registry.Store, svc *rules.Service, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = 120
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = 30 * time.Second
	}
	return &Probe{
		mux:         m,
		registry:    reg,
		rules:       svc,
		bus:         eventBus,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "probe")),
		stopCh:      make(chan struct{}),
		lastSeen:    make(map[string]time.Time),
		lastStatus:  make(map[string]registry.SessionStatus),
		lastCapture: make(map[string]time.Time),
	}
}

// Start launches the probe loop.
func (p *Probe) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.Tick(ctx)
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to finish.
func (p *Probe) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Tick runs one full scan cycle. Exported so tests and the startup sequence
// can drive the probe synchronously.
func (p *Probe) Tick(ctx context.Context) {
	windows, err := p.mux.ListWindows(ctx)
	if err != nil {
		p.logger.Warn("Failed to list windows", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	present := make(map[string]bool, len(windows))
	for _, w := range windows {
		present[w.Name] = true
		p.probeWindow(ctx, w.Name, now)
	}

	p.sweepAbsent(ctx, present, now)
}

func (p *Probe) probeWindow(ctx context.Context, name string, now time.Time) {
	p.mu.Lock()
	_, known := p.lastSeen[name]
	last := p.lastCapture[name]
	p.lastSeen[name] = now
	p.mu.Unlock()

	// Per-window rate limit: never capture faster than the probe interval,
	// even when ticks overlap after a slow multiplexer call.
	if now.Sub(last) < p.cfg.Interval {
		return
	}
	p.mu.Lock()
	p.lastCapture[name] = now
	p.mu.Unlock()

	raw, err := p.mux.CaptureOutput(ctx, name, p.cfg.CaptureLines)
	if err != nil {
		p.logger.Warn("Capture failed", zap.String("window", name), zap.Error(err))
		return
	}

	lines := Render(raw, p.cfg.CaptureLines)
	result := p.currentClassifier().Classify(lines)

	if !known {
		if _, err := p.registry.Upsert(ctx, name, result.Provider, "", ""); err != nil {
			p.logger.Error("Failed to register session", zap.String("window", name), zap.Error(err))
			return
		}
		p.publish(ctx, events.SessionDiscovered, name, result, nil)
	}

	err = p.registry.UpdateObservedState(ctx, name, registry.Observation{
		Status:         result.Status,
		Provider:       result.Provider,
		LastActivity:   now,
		CapturedOutput: raw,
	})
	if err != nil {
		p.logger.Error("Failed to update session state", zap.String("window", name), zap.Error(err))
		return
	}

	p.mu.Lock()
	prev := p.lastStatus[name]
	p.lastStatus[name] = result.Status
	p.mu.Unlock()

	p.publish(ctx, events.SessionObserved, name, result, nil)
	if prev != result.Status {
		p.publish(ctx, events.SessionStateChanged, name, result, map[string]any{"previous": string(prev)})
	}
}

// sweepAbsent marks sessions offline once their window has been gone longer
// than the grace period, releasing any bound work id to the caller via the
// offline event.
func (p *Probe) sweepAbsent(ctx context.Context, present map[string]bool, now time.Time) {
	p.mu.Lock()
	var absent []string
	for name, seen := range p.lastSeen {
		if !present[name] && now.Sub(seen) > p.cfg.OfflineGrace {
			absent = append(absent, name)
		}
	}
	p.mu.Unlock()

	for _, name := range absent {
		workID, err := p.registry.MarkOffline(ctx, name)
		if err != nil {
			p.logger.Error("Failed to mark session offline", zap.String("session", name), zap.Error(err))
			continue
		}
		p.mu.Lock()
		delete(p.lastSeen, name)
		delete(p.lastStatus, name)
		delete(p.lastCapture, name)
		p.mu.Unlock()

		p.logger.Info("Session offline", zap.String("session", name), zap.String("work_id", workID))
		event := bus.NewEvent(events.SessionOffline, "probe", map[string]any{
			"session": name,
			"work_id": workID,
		})
		if err := p.bus.Publish(ctx, events.SessionOffline, event); err != nil {
			p.logger.Warn("Failed to publish offline event", zap.Error(err))
		}
	}
}

func (p *Probe) publish(ctx context.Context, subject, session string, result Classification, extra map[string]any) {
	data := map[string]any{
		"session":    session,
		"status":     string(result.Status),
		"provider":   string(result.Provider),
		"completion": result.Completion,
	}
	if result.Failure != nil {
		data["failure_pattern"] = result.Failure.Pattern
		data["failure_fatal"] = result.Failure.Fatal
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(subject, "probe", data)); err != nil {
		p.logger.Warn("Failed to publish probe event", zap.String("subject", subject), zap.Error(err))
	}
}

// currentClassifier returns the classifier compiled from the current rules
// snapshot, recompiling only when the snapshot changed.
func (p *Probe) currentClassifier() *Classifier {
	snap := p.rules.Snapshot()

	p.classifierMu.Lock()
	defer p.classifierMu.Unlock()
	if p.classifier != nil && p.classifierSnap == snap {
		return p.classifier
	}

	classifier, err := NewClassifier(snap.Patterns)
	if err != nil {
		// Snapshot validation compiles these same patterns, so this is
		// unreachable in practice; keep the previous table if it happens.
		p.logger.Error("Failed to compile pattern table", zap.Error(err))
		if p.classifier != nil {
			return p.classifier
		}
		classifier, _ = NewClassifier(rules.PatternTable{})
	}
	p.classifier = classifier
	p.classifierSnap = snap
	return p.classifier
}

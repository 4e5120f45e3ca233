package drift

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/registry"
)

// Config controls scoring and breaker behavior.
type Config struct {
	EMAAlpha         float64       // weight of the previous score (default 0.9)
	StabilityFloor   float64       // scores below this exclude the session
	BaselineSamples  int           // interactions averaged into the baseline
	FailureThreshold int           // consecutive failures before the circuit opens
	OpenCooldown     time.Duration // open duration before a half-open probe
	ConsolidateEach  int           // interactions between consolidation markers
}

func (c *Config) applyDefaults() {
	if c.EMAAlpha <= 0 || c.EMAAlpha >= 1 {
		c.EMAAlpha = 0.9
	}
	if c.StabilityFloor <= 0 {
		c.StabilityFloor = 0.5
	}
	if c.BaselineSamples <= 0 {
		c.BaselineSamples = 5
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenCooldown <= 0 {
		c.OpenCooldown = 60 * time.Second
	}
	if c.ConsolidateEach <= 0 {
		c.ConsolidateEach = 50
	}
}

// sessionState is the in-memory accumulator per session. Durable facts
// (score, counters, baseline, circuit state) live in the registry; this
// holds only what a restart may cheaply relearn.
type sessionState struct {
	consecutiveFailures int
	interactions        int
	baselineSum         Fingerprint
	baselineCount       int
	halfOpenInFlight    bool
}

// Controller turns the outcome stream into stability scores and circuit
// transitions.
type Controller struct {
	registry *registry.Store
	bus      bus.EventBus
	cfg      Config
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewController creates a drift controller.
func NewController(reg *registry.Store, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		registry: reg,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "drift")),
		sessions: make(map[string]*sessionState),
	}
}

// StabilityFloor returns the configured routing floor.
func (c *Controller) StabilityFloor() float64 {
	return c.cfg.StabilityFloor
}

func (c *Controller) state(name string) *sessionState {
	if s, ok := c.sessions[name]; ok {
		return s
	}
	s := &sessionState{}
	c.sessions[name] = s
	return s
}

// RecordOutcome folds one terminal outcome into the session's score,
// counters, baseline, and breaker. captureLines is the rendered output at
// the time of the outcome; it feeds the drift sample.
func (c *Controller) RecordOutcome(ctx context.Context, name string, success bool, captureLines []string) {
	sess, err := c.registry.Get(ctx, name)
	if err != nil {
		c.logger.Warn("Outcome for unknown session", zap.String("session", name), zap.Error(err))
		return
	}

	sample := NewFingerprint(captureLines)
	distance := c.updateBaseline(ctx, name, sess, sample)

	// s ← α·s + (1−α)·(1 − drift_distance)
	newScore := c.cfg.EMAAlpha*sess.StabilityScore + (1-c.cfg.EMAAlpha)*(1-distance)
	if err := c.registry.RecordOutcome(ctx, name, success, newScore); err != nil {
		c.logger.Error("Failed to record outcome", zap.String("session", name), zap.Error(err))
		return
	}

	if newScore < c.cfg.StabilityFloor {
		c.publish(ctx, events.SessionDriftWarning, map[string]any{
			"session": name,
			"score":   newScore,
		})
	}

	c.mu.Lock()
	state := c.state(name)
	state.interactions++
	interactions := state.interactions
	c.mu.Unlock()

	if interactions%c.cfg.ConsolidateEach == 0 {
		c.publish(ctx, events.SessionConsolidation, map[string]any{
			"session":      name,
			"interactions": interactions,
		})
	}

	if success {
		c.OnSuccess(ctx, name)
	} else {
		c.OnFailure(ctx, name)
	}
}

// updateBaseline folds the sample into the baseline while it is still
// forming and returns the drift distance against the settled baseline
// (zero while forming).
func (c *Controller) updateBaseline(ctx context.Context, name string, sess *registry.Session, sample Fingerprint) float64 {
	baseline := DecodeFingerprint(sess.Baseline)

	c.mu.Lock()
	state := c.state(name)
	forming := baseline.IsZero() || state.baselineCount > 0
	if forming && state.baselineCount < c.cfg.BaselineSamples {
		state.baselineSum = state.baselineSum.Add(sample)
		state.baselineCount++
		if state.baselineCount == c.cfg.BaselineSamples {
			baseline = state.baselineSum.normalize()
			state.baselineCount = 0
			state.baselineSum = Fingerprint{}
			c.mu.Unlock()
			if err := c.registry.SetBaseline(ctx, name, baseline.Encode()); err != nil {
				c.logger.Error("Failed to store baseline", zap.String("session", name), zap.Error(err))
			}
			return 0
		}
		c.mu.Unlock()
		return 0
	}
	c.mu.Unlock()

	return baseline.Distance(sample)
}

// OnFailure counts a failure toward the breaker; F consecutive failures trip
// the circuit open. A failure during half_open reopens immediately.
func (c *Controller) OnFailure(ctx context.Context, name string) {
	sess, err := c.registry.Get(ctx, name)
	if err != nil {
		return
	}

	c.mu.Lock()
	state := c.state(name)
	state.consecutiveFailures++
	state.halfOpenInFlight = false
	failures := state.consecutiveFailures
	c.mu.Unlock()

	switch sess.CircuitState {
	case registry.CircuitHalfOpen:
		c.setCircuit(ctx, name, registry.CircuitOpen)
	case registry.CircuitClosed:
		if failures >= c.cfg.FailureThreshold {
			c.setCircuit(ctx, name, registry.CircuitOpen)
		}
	}
}

// OnSuccess resets the failure streak; a half_open success closes the
// circuit.
func (c *Controller) OnSuccess(ctx context.Context, name string) {
	sess, err := c.registry.Get(ctx, name)
	if err != nil {
		return
	}

	c.mu.Lock()
	state := c.state(name)
	state.consecutiveFailures = 0
	state.halfOpenInFlight = false
	c.mu.Unlock()

	if sess.CircuitState != registry.CircuitClosed {
		c.setCircuit(ctx, name, registry.CircuitClosed)
	}
}

// Routable decides whether the breaker permits routing to the session,
// flipping open → half_open after the cooldown. In half_open at most one
// in-flight probe is allowed; the caller must pair a true result with an
// eventual OnSuccess or OnFailure.
func (c *Controller) Routable(ctx context.Context, sess *registry.Session) bool {
	switch sess.CircuitState {
	case registry.CircuitClosed:
		return true
	case registry.CircuitOpen:
		if sess.CircuitOpenAt == nil || time.Since(*sess.CircuitOpenAt) < c.cfg.OpenCooldown {
			return false
		}
		c.setCircuit(ctx, sess.Name, registry.CircuitHalfOpen)
		fallthrough
	case registry.CircuitHalfOpen:
		c.mu.Lock()
		defer c.mu.Unlock()
		state := c.state(sess.Name)
		if state.halfOpenInFlight {
			return false
		}
		state.halfOpenInFlight = true
		return true
	}
	return false
}

// Abort releases an admission granted by Routable without recording an
// outcome. Callers that admit a session and then never attempt delivery
// (cancel races, bind conflicts, shutdown) must call this, or a half-open
// session keeps its single probe slot forever.
func (c *Controller) Abort(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(name).halfOpenInFlight = false
}

func (c *Controller) setCircuit(ctx context.Context, name string, state registry.CircuitState) {
	if err := c.registry.SetCircuit(ctx, name, state); err != nil {
		c.logger.Error("Failed to set circuit state", zap.String("session", name), zap.Error(err))
		return
	}
	c.logger.Info("Circuit state changed",
		zap.String("session", name),
		zap.String("state", string(state)))
	c.publish(ctx, events.SessionCircuitChanged, map[string]any{
		"session": name,
		"state":   string(state),
	})
}

func (c *Controller) publish(ctx context.Context, subject string, data map[string]any) {
	if err := c.bus.Publish(ctx, subject, bus.NewEvent(subject, "drift", data)); err != nil {
		c.logger.Warn("Failed to publish drift event", zap.String("subject", subject), zap.Error(err))
	}
}

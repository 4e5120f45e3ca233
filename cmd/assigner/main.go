// Command assigner runs the agent assignment daemon: the durable work queue,
// the session probe, the routing engine, the dispatcher, the lifecycle
// supervisor, and the telemetry API, in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/config"
	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/db"
	"github.com/assigner/assigner/internal/dispatcher"
	"github.com/assigner/assigner/internal/drift"
	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/mux"
	"github.com/assigner/assigner/internal/probe"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/router"
	"github.com/assigner/assigner/internal/rules"
	"github.com/assigner/assigner/internal/supervisor"
	"github.com/assigner/assigner/internal/telemetry"
	"github.com/assigner/assigner/internal/tracing"
)

// dispatchDepth bounds the router-to-dispatcher handoff channel.
const dispatchDepth = 64

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	tmuxSession := flag.String("tmux-session", os.Getenv("ASSIGNER_TMUX_SESSION"), "tmux session to scan (empty scans all)")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		// Startup refuses malformed configuration, naming the offender.
		fmt.Fprintf(os.Stderr, "assigner: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "assigner: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, *tmuxSession, log); err != nil {
		log.Fatal("Assigner failed", zap.Error(err))
	}
}

func run(cfg *config.Config, tmuxSession string, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("Starting assigner",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("rules_dir", cfg.Rules.Dir))

	// Event bus: NATS when configured, otherwise in-process.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsBus
		log.Info("Using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	pool, err := db.Open(db.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = pool.Close() }()

	queueStore, err := queue.NewStore(pool)
	if err != nil {
		return fmt.Errorf("failed to initialize queue store: %w", err)
	}
	registryStore, err := registry.NewStore(pool)
	if err != nil {
		return fmt.Errorf("failed to initialize session registry: %w", err)
	}

	rulesService, err := rules.NewService(cfg.Rules.Dir, cfg.Rules.Environment, log)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	defer rulesService.Stop()
	rulesService.Watch(func(snap *rules.Snapshot) {
		event := bus.NewEvent(events.RulesReloaded, "rules", map[string]any{"version": snap.Version})
		if err := eventBus.Publish(ctx, events.RulesReloaded, event); err != nil {
			log.Warn("Failed to publish reload event", zap.Error(err))
		}
	})
	if cfg.Rules.AutoReload {
		if err := rulesService.StartAutoReload(); err != nil {
			log.Warn("File watching unavailable, reload is manual only", zap.Error(err))
		}
	}

	multiplexer := mux.NewTmux(tmuxSession, cfg.Probe.CommandDeadline())

	sessionProbe := probe.New(multiplexer, registryStore, rulesService, eventBus, probe.Config{
		Interval:     cfg.Probe.ProbeInterval(),
		CaptureLines: cfg.Probe.CaptureLines,
		OfflineGrace: cfg.Probe.OfflineGraceDuration(),
	}, log)

	// One synchronous scan before routing starts, then sweep orphaned
	// assignments whose session did not survive the restart.
	sessionProbe.Tick(ctx)
	online, err := onlineSessions(ctx, registryStore)
	if err != nil {
		return fmt.Errorf("failed to list sessions for startup sweep: %w", err)
	}
	swept, err := queueStore.Sweep(ctx, online)
	if err != nil {
		return fmt.Errorf("startup sweep failed: %w", err)
	}
	if swept > 0 {
		log.Info("Requeued orphaned work items", zap.Int("count", swept))
	}

	driftController := drift.NewController(registryStore, eventBus, drift.Config{
		EMAAlpha:         cfg.Drift.EMAAlpha,
		StabilityFloor:   cfg.Drift.StabilityFloor,
		BaselineSamples:  cfg.Drift.BaselineSamples,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenCooldown:     cfg.Circuit.OpenDuration(),
		ConsolidateEach:  cfg.Drift.ConsolidateEach,
	}, log)

	dispatch := make(chan router.Assignment, dispatchDepth)

	routingEngine := router.New(queueStore, registryStore, rulesService, driftController, eventBus, dispatch, cfg.Router.Tick(), log)
	deliveryPool := dispatcher.New(queueStore, registryStore, multiplexer, driftController, eventBus, dispatch, dispatcher.Config{
		Workers:     cfg.Dispatcher.Workers,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
	}, log)
	lifecycle := supervisor.New(queueStore, registryStore, rulesService, driftController, eventBus, supervisor.Config{
		IdleConfirmations:  cfg.Supervisor.IdleConfirmations,
		Quiescence:         cfg.Supervisor.Quiescence(),
		CriticalMultiplier: cfg.Supervisor.TimeoutMultiplier,
	}, log)

	apiServer := telemetry.NewServer(queueStore, registryStore, rulesService, pool.Reader(), eventBus, telemetry.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, log)

	deliveryPool.Start(ctx)
	if err := lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	if err := routingEngine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	sessionProbe.Start(ctx)
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry API: %w", err)
	}

	log.Info("Assigner started", zap.Int("port", cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	// Stop the intake surfaces first, then the pipeline front to back so
	// in-flight work drains before the stores close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn("Telemetry API shutdown failed", zap.Error(err))
	}
	routingEngine.Stop()
	deliveryPool.Stop()
	lifecycle.Stop()
	sessionProbe.Stop()
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown failed", zap.Error(err))
	}

	log.Info("Assigner stopped")
	return nil
}

// onlineSessions returns the set of session names currently observed online.
func onlineSessions(ctx context.Context, reg *registry.Store) (map[string]bool, error) {
	sessions, err := reg.List(ctx, registry.Filter{})
	if err != nil {
		return nil, err
	}
	online := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.Status != registry.StatusOffline {
			online[sess.Name] = true
		}
	}
	return online, nil
}

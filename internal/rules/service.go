package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/logger"
)

// debounceWindow coalesces bursts of filesystem events (editors write files
// several times per save) into one reload.
const debounceWindow = 500 * time.Millisecond

// Service owns the policy data lifecycle: initial load, explicit reload,
// reload-on-change, and change notification.
type Service struct {
	dir string
	env string

	snapshot  atomic.Pointer[Snapshot]
	mu        sync.Mutex
	callbacks []func(*Snapshot)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	logger  *logger.Logger
}

// NewService loads the initial snapshot from dir. A failed initial load is
// fatal: the process has no previous snapshot to fall back to.
func NewService(dir, env string, log *logger.Logger) (*Service, error) {
	s := &Service{
		dir:    dir,
		env:    env,
		stopCh: make(chan struct{}),
		logger: log,
	}
	snap, err := load(dir, env)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(snap)
	return s, nil
}

// Snapshot returns the current immutable snapshot. Callers hold the value
// they fetched; it is never mutated after publication.
func (s *Service) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Reload parses and validates all layers. On any error the previous snapshot
// remains authoritative and the error is returned; on success the new
// snapshot is swapped in atomically and watchers are notified.
func (s *Service) Reload() error {
	snap, err := load(s.dir, s.env)
	if err != nil {
		return err
	}
	s.snapshot.Store(snap)

	s.mu.Lock()
	callbacks := make([]func(*Snapshot), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(snap)
	}

	s.logger.Info("Policy data reloaded",
		zap.String("version", snap.Version),
		zap.Int("routing_rules", len(snap.RoutingRules)),
		zap.Int("queries", len(snap.Queries)))
	return nil
}

// Watch registers a callback invoked with each successfully reloaded snapshot.
func (s *Service) Watch(cb func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// StartAutoReload watches the config directory tree and reloads on change.
// Reload failures keep the previous snapshot and are logged, not fatal.
func (s *Service) StartAutoReload() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	s.watcher = watcher

	for _, sub := range []string{"base", "environments", "local"} {
		dir := filepath.Join(s.dir, sub)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *Service) watchLoop() {
	defer s.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Config watcher error", zap.Error(err))
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("Auto-reload rejected, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}

// Stop stops the auto-reload watcher, if running.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.wg.Wait()
}

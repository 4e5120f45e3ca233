package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// MarkDelivered transitions assigned → in_progress after the payload reached
// the session's terminal.
func (s *Store) MarkDelivered(ctx context.Context, id, sessionName string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE work_items SET status = 'in_progress', assigned_at = ?, assigned_session = ?
		WHERE id = ? AND status = 'assigned'
	`), now, sessionName, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.stateError(ctx, tx, id, StatusAssigned)
	}

	if err := s.appendEvent(ctx, tx, id, sessionName, ActionDelivered, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkProgress records an observed_progress event for an in-progress item.
// The item's status is unchanged.
func (s *Store) MarkProgress(ctx context.Context, id, sessionName string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendEvent(ctx, tx, id, sessionName, ActionObservedProgress, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkCompleted transitions in_progress → completed. Idempotent when the item
// is already completed.
func (s *Store) MarkCompleted(ctx context.Context, id, response string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if item.Status == StatusCompleted {
		return nil
	}
	if item.Status != StatusInProgress {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, item.Status)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE work_items SET status = 'completed', completed_at = ? WHERE id = ?
	`), now, id); err != nil {
		return err
	}

	details := map[string]any{}
	if response != "" {
		details["response"] = truncate(response, 4096)
	}
	if err := s.appendEvent(ctx, tx, id, item.AssignedSession, ActionCompleted, details); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFailed records a failure. Retryable failures with budget left return the
// item to pending with retry_count incremented; otherwise the item becomes
// terminal failed. Idempotent when the item is already terminal. Returns the
// resulting status so callers can tell a requeue from a terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, fatal bool) (Status, error) {
	return s.fail(ctx, id, errMsg, fatal, ActionFailed)
}

// Expire handles a timeout on an assigned or in_progress item. It is failure
// for retry accounting but distinguished in the audit log and last_error.
// Returns the resulting status.
func (s *Store) Expire(ctx context.Context, id, reason string) (Status, error) {
	return s.fail(ctx, id, reason, false, ActionTimedOut)
}

func (s *Store) fail(ctx context.Context, id, errMsg string, fatal bool, kind Action) (Status, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if item.Status.IsTerminal() {
		return item.Status, nil
	}
	if item.Status != StatusAssigned && item.Status != StatusInProgress {
		return "", fmt.Errorf("%w: %s is %s", ErrInvalidState, id, item.Status)
	}

	details := map[string]any{"error": truncate(errMsg, 2048)}
	if kind == ActionTimedOut {
		if err := s.appendEvent(ctx, tx, id, item.AssignedSession, ActionTimedOut, details); err != nil {
			return "", err
		}
	}

	retryable := !fatal && item.RetryCount < item.MaxRetries
	if retryable {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE work_items
			SET status = 'pending', retry_count = retry_count + 1,
			    assigned_session = '', assigned_at = NULL, last_error = ?
			WHERE id = ?
		`), truncate(errMsg, 2048), id); err != nil {
			return "", err
		}
		details["retry_count"] = item.RetryCount + 1
		if err := s.appendEvent(ctx, tx, id, item.AssignedSession, ActionRetried, details); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return StatusPending, nil
	}

	terminal := StatusFailed
	if kind == ActionTimedOut {
		terminal = StatusExpired
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE work_items SET status = ?, completed_at = ?, last_error = ? WHERE id = ?
	`), string(terminal), now, truncate(errMsg, 2048), id); err != nil {
		return "", err
	}
	if kind != ActionTimedOut {
		if err := s.appendEvent(ctx, tx, id, item.AssignedSession, ActionFailed, details); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return terminal, nil
}

// Cancel cancels a pending or assigned item. Cancelling an in_progress item
// is advisory: a cancelled event is recorded but the item keeps running until
// the supervisor observes a terminal outcome. Returns the resulting status.
func (s *Store) Cancel(ctx context.Context, id string) (Status, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return "", err
	}

	switch item.Status {
	case StatusPending, StatusAssigned:
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE work_items SET status = 'cancelled', completed_at = ? WHERE id = ? AND status = ?
		`), time.Now().UTC(), id, string(item.Status)); err != nil {
			return "", err
		}
		if err := s.appendEvent(ctx, tx, id, item.AssignedSession, ActionCancelled, nil); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return StatusCancelled, nil
	case StatusInProgress:
		if err := s.appendEvent(ctx, tx, id, item.AssignedSession, ActionCancelled, map[string]any{"advisory": true}); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return StatusInProgress, nil
	default:
		return item.Status, fmt.Errorf("%w: %s", ErrTerminalState, id)
	}
}

// Retry clones a terminal failed or expired item into a fresh pending item.
// Terminal records are immutable, so operator retries create a new identity
// linked to the original through the audit log.
func (s *Store) Retry(ctx context.Context, id string) (*WorkItem, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	orig, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != StatusFailed && orig.Status != StatusExpired {
		return nil, fmt.Errorf("%w: %s is %s, not failed or expired", ErrInvalidState, id, orig.Status)
	}

	clone := &WorkItem{
		ID:             uuid.New().String(),
		Payload:        orig.Payload,
		Source:         orig.Source,
		Priority:       orig.Priority,
		Status:         StatusPending,
		TargetSession:  orig.TargetSession,
		TargetProvider: orig.TargetProvider,
		TaskType:       orig.TaskType,
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     orig.MaxRetries,
		TimeoutMinutes: orig.TimeoutMinutes,
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO work_items (id, payload, source, priority, status, target_session, target_provider, task_type, created_at, retry_count, max_retries, timeout_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`), clone.ID, clone.Payload, clone.Source, clone.Priority, string(clone.Status), clone.TargetSession, clone.TargetProvider, clone.TaskType, clone.CreatedAt, clone.MaxRetries, clone.TimeoutMinutes); err != nil {
		return nil, err
	}

	if err := s.appendEvent(ctx, tx, id, "", ActionReassigned, map[string]any{"retried_as": clone.ID}); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, clone.ID, "", ActionQueued, map[string]any{"retry_of": id}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return clone, nil
}

// Archive flips the archived flag on a terminal item, the only mutation a
// terminal item admits.
func (s *Store) Archive(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !item.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s, not terminal", ErrInvalidState, id, item.Status)
	}
	if item.Archived {
		return nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE work_items SET archived = 1, archived_at = ? WHERE id = ?
	`), time.Now().UTC(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// Sweep returns any assigned or in_progress item bound to a session not in
// the online set back to pending. Run at startup before the loops begin.
func (s *Store) Sweep(ctx context.Context, onlineSessions map[string]bool) (int, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, item := range active {
		if item.AssignedSession != "" && onlineSessions[item.AssignedSession] {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return swept, err
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE work_items
			SET status = 'pending', assigned_session = '', assigned_at = NULL
			WHERE id = ? AND status IN ('assigned', 'in_progress')
		`), item.ID)
		if err != nil {
			_ = tx.Rollback()
			return swept, err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			_ = tx.Rollback()
			continue
		}
		if err := s.appendEvent(ctx, tx, item.ID, item.AssignedSession, ActionReassigned, map[string]any{"reason": "session offline at startup"}); err != nil {
			_ = tx.Rollback()
			return swept, err
		}
		if err := tx.Commit(); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// getForUpdate reads an item inside the caller's write transaction.
func (s *Store) getForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*WorkItem, error) {
	item := &WorkItem{}
	err := tx.GetContext(ctx, item, tx.Rebind(`
		SELECT `+workItemColumns+` FROM work_items WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// stateError distinguishes not-found from wrong-state after a zero-row CAS.
func (s *Store) stateError(ctx context.Context, tx *sqlx.Tx, id string, want Status) error {
	item, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidState, id, item.Status, want)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/assigner/assigner/internal/db"
	"github.com/assigner/assigner/internal/tracing"
)

// Store provides durable work-item storage over the shared pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewStore creates a Store over the shared pool and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return s, nil
}

// initSchema creates the queue tables if they don't exist
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		target_session TEXT NOT NULL DEFAULT '',
		target_provider TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL DEFAULT 'default',
		assigned_session TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		assigned_at TIMESTAMP,
		completed_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		timeout_minutes INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		archived_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_work_items_type_status ON work_items(task_type, status);
	CREATE INDEX IF NOT EXISTS idx_work_items_archived ON work_items(archived);

	CREATE TABLE IF NOT EXISTS assignment_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		work_item_id TEXT NOT NULL,
		session_name TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (work_item_id) REFERENCES work_items(id)
	);

	CREATE INDEX IF NOT EXISTS idx_assignment_events_item ON assignment_events(work_item_id, created_at);
	`)
	return err
}

// appendEvent writes one audit row inside the caller's transaction. Events
// are append-only; nothing in the store updates or deletes them.
func (s *Store) appendEvent(ctx context.Context, tx *sqlx.Tx, itemID, session string, action Action, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil || details == nil {
		raw = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO assignment_events (work_item_id, session_name, action, created_at, details)
		VALUES (?, ?, ?, ?, ?)
	`), itemID, session, string(action), time.Now().UTC(), string(raw))
	return err
}

// Enqueue inserts a new pending work item and its queued event.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*WorkItem, error) {
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return nil, ErrInvalidPriority
	}
	if req.TaskType == "" {
		req.TaskType = "default"
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = DefaultMaxRetries
	}

	item := &WorkItem{
		ID:             uuid.New().String(),
		Payload:        req.Payload,
		Source:         req.Source,
		Priority:       req.Priority,
		Status:         StatusPending,
		TargetSession:  req.TargetSession,
		TargetProvider: req.TargetProvider,
		TaskType:       req.TaskType,
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     req.MaxRetries,
		TimeoutMinutes: req.TimeoutMinutes,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO work_items (id, payload, source, priority, status, target_session, target_provider, task_type, created_at, retry_count, max_retries, timeout_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`), item.ID, item.Payload, item.Source, item.Priority, string(item.Status), item.TargetSession, item.TargetProvider, item.TaskType, item.CreatedAt, item.MaxRetries, item.TimeoutMinutes)
	if err != nil {
		return nil, err
	}

	if err := s.appendEvent(ctx, tx, item.ID, "", ActionQueued, map[string]any{
		"priority":  item.Priority,
		"task_type": item.TaskType,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

// ClaimNextFor atomically selects the best pending item matching the selector
// and transitions it to assigned for sel.SessionName. Returns nil when no
// pending item matches. Concurrent callers never claim the same item: the
// transition is a compare-and-swap on (id, status).
func (s *Store) ClaimNextFor(ctx context.Context, sel Selector) (*WorkItem, error) {
	ctx, span := tracing.Tracer("assigner-queue").Start(ctx, "queue.ClaimNextFor")
	defer span.End()

	// Losing the CAS means another caller took the candidate; rescan for the
	// next one a bounded number of times before giving up for this tick.
	for attempt := 0; attempt < 3; attempt++ {
		item, err := s.claimOnce(ctx, sel)
		if err == ErrClaimConflict {
			continue
		}
		return item, err
	}
	return nil, nil
}

func (s *Store) claimOnce(ctx context.Context, sel Selector) (*WorkItem, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT ` + workItemColumns + `
		FROM work_items
		WHERE status = 'pending' AND archived = 0
		  AND (target_session = '' OR target_session = ?)
		  AND (source = '' OR source != ?)`
	args := []any{sel.SessionName, sel.SessionName}

	if sel.Provider != "" {
		query += ` AND (target_provider = '' OR target_provider = ?)`
		args = append(args, sel.Provider)
	}
	if len(sel.TaskTypes) > 0 {
		in, inArgs, err := sqlx.In(` AND task_type IN (?)`, sel.TaskTypes)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`

	item := &WorkItem{}
	err = tx.GetContext(ctx, item, tx.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE work_items SET status = 'assigned', assigned_session = ?, assigned_at = ?
		WHERE id = ? AND status = 'pending'
	`), sel.SessionName, now, item.ID)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrClaimConflict
	}

	if err := s.appendEvent(ctx, tx, item.ID, sel.SessionName, ActionSelected, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	item.Status = StatusAssigned
	item.AssignedSession = sel.SessionName
	item.AssignedAt = &now
	return item, nil
}

const workItemColumns = `id, payload, source, priority, status, target_session, target_provider, task_type, assigned_session, created_at, assigned_at, completed_at, retry_count, max_retries, timeout_minutes, last_error, archived, archived_at`

// Get retrieves a work item by ID.
func (s *Store) Get(ctx context.Context, id string) (*WorkItem, error) {
	item := &WorkItem{}
	err := s.ro.GetContext(ctx, item, s.ro.Rebind(`
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

// List returns work items matching the filter, newest first. With ClaimOrder
// set it instead orders the way claims do (priority DESC, created_at ASC), so
// a limited scan over a deep backlog sees the items a claim would pick and
// old low-priority items cannot starve behind newer arrivals.
func (s *Store) List(ctx context.Context, filter Filter) ([]*WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	args := []any{}

	if !filter.IncludeArchived {
		query += ` AND archived = 0`
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, filter.TaskType)
	}
	if filter.AssignedSession != "" {
		query += ` AND assigned_session = ?`
		args = append(args, filter.AssignedSession)
	}
	if filter.ClaimOrder {
		query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	items := []*WorkItem{}
	if err := s.ro.SelectContext(ctx, &items, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return items, nil
}

// ListActive returns all items currently assigned or in progress. The
// supervisor walks this set on every probe cycle.
func (s *Store) ListActive(ctx context.Context) ([]*WorkItem, error) {
	items := []*WorkItem{}
	err := s.ro.SelectContext(ctx, &items, s.ro.Rebind(`
		SELECT `+workItemColumns+` FROM work_items
		WHERE status IN ('assigned', 'in_progress') AND archived = 0
		ORDER BY created_at ASC
	`))
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Events returns the assignment history of one work item in append order.
func (s *Store) Events(ctx context.Context, itemID string) ([]*AssignmentEvent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, work_item_id, session_name, action, created_at, details
		FROM assignment_events WHERE work_item_id = ?
		ORDER BY created_at ASC, id ASC
	`), itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := []*AssignmentEvent{}
	for rows.Next() {
		ev := &AssignmentEvent{}
		var details string
		if err := rows.Scan(&ev.ID, &ev.WorkItemID, &ev.SessionName, &ev.Action, &ev.CreatedAt, &details); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(details), &ev.Details)
		events = append(events, ev)
	}
	return events, rows.Err()
}

package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/assigner/assigner/internal/db"
)

// maxStoredOutput bounds the captured output kept per session row.
const maxStoredOutput = 16 * 1024

// Store provides durable session storage over the shared pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewStore creates a Store over the shared pool and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'unknown',
		provider TEXT NOT NULL DEFAULT 'unknown',
		specialty TEXT NOT NULL DEFAULT '',
		last_activity TIMESTAMP,
		current_work_id TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		last_output TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		stability_score REAL NOT NULL DEFAULT 1.0,
		circuit_state TEXT NOT NULL DEFAULT 'closed',
		circuit_open_at TIMESTAMP,
		total_completed INTEGER NOT NULL DEFAULT 0,
		total_failed INTEGER NOT NULL DEFAULT 0,
		baseline TEXT NOT NULL DEFAULT '',
		protected INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, last_activity);
	`)
	return err
}

const sessionColumns = `name, status, provider, specialty, last_activity, current_work_id, working_dir, last_output, updated_at, stability_score, circuit_state, circuit_open_at, total_completed, total_failed, baseline, protected`

// Upsert registers a session by name, preserving learned metrics if the row
// already exists. A session that disappears and reappears keeps its identity,
// stability score, and outcome counters.
func (s *Store) Upsert(ctx context.Context, name string, provider Provider, specialty, workingDir string) (*Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (name, status, provider, specialty, working_dir, updated_at)
		VALUES (?, 'unknown', ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			provider = CASE WHEN excluded.provider != 'unknown' THEN excluded.provider ELSE sessions.provider END,
			specialty = CASE WHEN excluded.specialty != '' THEN excluded.specialty ELSE sessions.specialty END,
			working_dir = CASE WHEN excluded.working_dir != '' THEN excluded.working_dir ELSE sessions.working_dir END,
			updated_at = excluded.updated_at
	`), name, string(provider), specialty, workingDir, now)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, name)
}

// UpdateObservedState records a probe observation. The probe is the only
// writer of status, last_activity, and captured output.
func (s *Store) UpdateObservedState(ctx context.Context, name string, obs Observation) error {
	output := obs.CapturedOutput
	if len(output) > maxStoredOutput {
		output = output[len(output)-maxStoredOutput:]
	}
	query := `
		UPDATE sessions
		SET status = ?, last_activity = ?, last_output = ?, updated_at = ?`
	args := []any{string(obs.Status), obs.LastActivity, output, time.Now().UTC()}
	if obs.Provider != "" && obs.Provider != ProviderUnknown {
		query += `, provider = ?`
		args = append(args, string(obs.Provider))
	}
	query += ` WHERE name = ?`
	args = append(args, name)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Bind attaches a work item to a session. The bind is a compare-and-swap on
// current_work_id being empty: at most one non-terminal item per session.
func (s *Store) Bind(ctx context.Context, name, workID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET current_work_id = ?, status = 'busy', updated_at = ?
		WHERE name = ? AND current_work_id = '' AND protected = 0
	`), workID, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		sess, getErr := s.Get(ctx, name)
		if getErr != nil {
			return getErr
		}
		if sess.Protected {
			return ErrProtected
		}
		if sess.CurrentWorkID != "" && sess.CurrentWorkID != workID {
			return fmt.Errorf("%w: %s holds %s", ErrAlreadyBound, name, sess.CurrentWorkID)
		}
		// Re-binding the same work id is a no-op.
	}
	return nil
}

// Release clears the session's bound work. Idempotent: releasing an unbound
// session is a no-op.
func (s *Store) Release(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET current_work_id = '', updated_at = ? WHERE name = ?
	`), time.Now().UTC(), name)
	return err
}

// RecordOutcome updates the outcome counters and the stability score in a
// single statement, so the counters can never lag the score.
func (s *Store) RecordOutcome(ctx context.Context, name string, success bool, newScore float64) error {
	completed, failed := 0, 1
	if success {
		completed, failed = 1, 0
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions
		SET total_completed = total_completed + ?,
		    total_failed = total_failed + ?,
		    stability_score = ?,
		    updated_at = ?
		WHERE name = ?
	`), completed, failed, clamp01(newScore), time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStability writes a new stability score without touching counters
// (used for drift samples outside an outcome).
func (s *Store) UpdateStability(ctx context.Context, name string, score float64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET stability_score = ?, updated_at = ? WHERE name = ?
	`), clamp01(score), time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCircuit writes the breaker state. Opening stamps circuit_open_at so the
// cooldown can be computed; closing clears it.
func (s *Store) SetCircuit(ctx context.Context, name string, state CircuitState) error {
	var openAt *time.Time
	if state == CircuitOpen {
		now := time.Now().UTC()
		openAt = &now
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET circuit_state = ?, circuit_open_at = ?, updated_at = ? WHERE name = ?
	`), string(state), openAt, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBaseline stores the drift baseline fingerprint.
func (s *Store) SetBaseline(ctx context.Context, name, baseline string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET baseline = ?, updated_at = ? WHERE name = ?
	`), baseline, time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProtected flips the protection flag. Protected sessions are excluded
// from routing.
func (s *Store) SetProtected(ctx context.Context, name string, protected bool) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET protected = ?, updated_at = ? WHERE name = ?
	`), boolToInt(protected), time.Now().UTC(), name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOffline transitions a session to offline and returns the work id that
// was bound to it, if any, so the caller can requeue it.
func (s *Store) MarkOffline(ctx context.Context, name string) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var workID string
	err = tx.GetContext(ctx, &workID, tx.Rebind(`SELECT current_work_id FROM sessions WHERE name = ?`), name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET status = 'offline', current_work_id = '', updated_at = ? WHERE name = ?
	`), time.Now().UTC(), name); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return workID, nil
}

// Get retrieves a session by name.
func (s *Store) Get(ctx context.Context, name string) (*Session, error) {
	sess := &Session{}
	err := s.ro.GetContext(ctx, sess, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE name = ?
	`), name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns sessions matching the filter, ordered by name for stable output.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(filter.Provider))
	}
	if filter.Bound != nil {
		if *filter.Bound {
			query += ` AND current_work_id != ''`
		} else {
			query += ` AND current_work_id = ''`
		}
	}
	query += ` ORDER BY name ASC`

	sessions := []*Session{}
	if err := s.ro.SelectContext(ctx, &sessions, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

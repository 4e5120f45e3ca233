// Package queue provides the durable priority queue of work items.
package queue

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Action is the kind of an assignment event.
type Action string

const (
	ActionQueued           Action = "queued"
	ActionSelected         Action = "selected"
	ActionDelivered        Action = "delivered"
	ActionObservedProgress Action = "observed_progress"
	ActionCompleted        Action = "completed"
	ActionFailed           Action = "failed"
	ActionTimedOut         Action = "timed_out"
	ActionRetried          Action = "retried"
	ActionCancelled        Action = "cancelled"
	ActionReassigned       Action = "reassigned"
)

const (
	MinPriority = 0
	MaxPriority = 10

	DefaultMaxRetries = 3
)

// Sentinel errors returned by store operations. The CLI and HTTP API map
// these onto exit codes and error bodies.
var (
	ErrNotFound        = errors.New("work item not found")
	ErrInvalidPriority = errors.New("priority must be between 0 and 10")
	ErrTerminalState   = errors.New("work item is in a terminal state")
	ErrInvalidState    = errors.New("work item is not in the required state")
	ErrClaimConflict   = errors.New("work item was claimed by another caller")
)

// WorkItem is one queued unit of work carrying an opaque payload.
type WorkItem struct {
	ID              string     `db:"id" json:"id"`
	Payload         string     `db:"payload" json:"payload"`
	Source          string     `db:"source" json:"source"`
	Priority        int        `db:"priority" json:"priority"`
	Status          Status     `db:"status" json:"status"`
	TargetSession   string     `db:"target_session" json:"target_session,omitempty"`
	TargetProvider  string     `db:"target_provider" json:"target_provider,omitempty"`
	TaskType        string     `db:"task_type" json:"task_type"`
	AssignedSession string     `db:"assigned_session" json:"assigned_session,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	AssignedAt      *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	MaxRetries      int        `db:"max_retries" json:"max_retries"`
	TimeoutMinutes  int        `db:"timeout_minutes" json:"timeout_minutes"`
	LastError       string     `db:"last_error" json:"last_error,omitempty"`
	Archived        bool       `db:"archived" json:"archived"`
	ArchivedAt      *time.Time `db:"archived_at" json:"archived_at,omitempty"`
}

// AssignmentEvent is one row of the append-only audit log for a work item.
type AssignmentEvent struct {
	ID          int64          `db:"id" json:"id"`
	WorkItemID  string         `db:"work_item_id" json:"work_item_id"`
	SessionName string         `db:"session_name" json:"session_name,omitempty"`
	Action      Action         `db:"action" json:"action"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	Details     map[string]any `db:"-" json:"details,omitempty"`
}

// EnqueueRequest carries the caller-supplied fields of a new work item.
type EnqueueRequest struct {
	Payload        string
	Source         string
	Priority       int
	TaskType       string
	TargetSession  string
	TargetProvider string
	MaxRetries     int // 0 means DefaultMaxRetries
	TimeoutMinutes int // 0 means resolve from the SLA table at supervision time
}

// Selector is the predicate the routing engine hands to ClaimNextFor. Zero
// fields impose no constraint. SessionName identifies the claiming session:
// it is matched against hard target hints and recorded on the selected event,
// and items whose source equals it are skipped.
type Selector struct {
	SessionName string
	Provider    string
	TaskTypes   []string
}

// Filter narrows List results.
type Filter struct {
	Status          Status
	TaskType        string
	AssignedSession string
	IncludeArchived bool
	ClaimOrder      bool // order like claims do instead of newest first
	Limit           int
	Offset          int
}

// Stats is the per-status breakdown of the queue, produced by a single
// grouped query.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	ByTaskType map[string]int `json:"by_task_type"`
}

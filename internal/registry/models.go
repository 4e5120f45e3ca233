// Package registry provides the durable inventory of known sessions.
package registry

import (
	"errors"
	"time"
)

// SessionStatus is the last-observed state of a session.
type SessionStatus string

const (
	StatusIdle         SessionStatus = "idle"
	StatusBusy         SessionStatus = "busy"
	StatusWaitingInput SessionStatus = "waiting_input"
	StatusUnknown      SessionStatus = "unknown"
	StatusOffline      SessionStatus = "offline"
)

// Provider is the kind of agent backing a session. The set is closed;
// anything unrecognized maps to ProviderUnknown.
type Provider string

const (
	ProviderClaude  Provider = "claude"
	ProviderCodex   Provider = "codex"
	ProviderOllama  Provider = "ollama"
	ProviderComet   Provider = "comet"
	ProviderGemini  Provider = "gemini"
	ProviderGrok    Provider = "grok"
	ProviderUnknown Provider = "unknown"
)

// CircuitState is the per-session breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrAlreadyBound = errors.New("session already has bound work")
	ErrProtected    = errors.New("session is protected")
)

// Session is one long-lived interactive agent instance, identified by its
// multiplexer window name.
type Session struct {
	Name           string        `db:"name" json:"name"`
	Status         SessionStatus `db:"status" json:"status"`
	Provider       Provider      `db:"provider" json:"provider"`
	Specialty      string        `db:"specialty" json:"specialty,omitempty"`
	LastActivity   *time.Time    `db:"last_activity" json:"last_activity,omitempty"`
	CurrentWorkID  string        `db:"current_work_id" json:"current_work_id,omitempty"`
	WorkingDir     string        `db:"working_dir" json:"working_dir,omitempty"`
	LastOutput     string        `db:"last_output" json:"-"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
	StabilityScore float64       `db:"stability_score" json:"stability_score"`
	CircuitState   CircuitState  `db:"circuit_state" json:"circuit_state"`
	CircuitOpenAt  *time.Time    `db:"circuit_open_at" json:"circuit_open_at,omitempty"`
	TotalCompleted int           `db:"total_completed" json:"total_completed"`
	TotalFailed    int           `db:"total_failed" json:"total_failed"`
	Baseline       string        `db:"baseline" json:"-"`
	Protected      bool          `db:"protected" json:"protected"`
}

// Filter narrows List results.
type Filter struct {
	Status   SessionStatus
	Provider Provider
	Bound    *bool // filter on whether current_work_id is set
}

// Observation carries one probe result for a session.
type Observation struct {
	Status         SessionStatus
	Provider       Provider
	LastActivity   time.Time
	CapturedOutput string
}

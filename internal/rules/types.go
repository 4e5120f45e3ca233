// Package rules loads, validates, and publishes the externalized policy data:
// routing rules, SLA targets, query templates, and probe patterns. Files are
// layered (base, environment overlay, local overrides) and published as
// immutable snapshots swapped atomically on reload.
package rules

import "errors"

// ErrInvalidConfiguration is returned when any layer fails to parse or
// violates the schema. The previous snapshot stays authoritative.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// RoutingRule describes how work items of one task type are routed.
type RoutingRule struct {
	TaskType          string   `yaml:"-" json:"task_type"`
	RequiresEnv       bool     `yaml:"requires_env" json:"requires_env"`
	PreferredSessions []string `yaml:"preferred_sessions" json:"preferred_sessions"`
	PortRange         []int    `yaml:"port_range" json:"port_range,omitempty"`
	AutoCreateEnv     bool     `yaml:"auto_create_env" json:"auto_create_env"`
	MergeViaPR        bool     `yaml:"merge_via_pr" json:"merge_via_pr"`
	Priority          int      `yaml:"priority" json:"priority"`
	TimeoutMinutes    int      `yaml:"timeout_minutes" json:"timeout_minutes"`
}

// SlaTarget is the per-task-type latency target.
type SlaTarget struct {
	TargetMinutes   int `yaml:"target_minutes" json:"target_minutes"`
	WarningPercent  int `yaml:"warning_percent" json:"warning_percent"`
	CriticalPercent int `yaml:"critical_percent" json:"critical_percent"`
}

// EscalationRule is advisory metadata surfaced through telemetry.
type EscalationRule struct {
	Condition string `yaml:"condition" json:"condition"`
	Action    string `yaml:"action" json:"action"`
}

// FallbackRule tells the router what to do when no eligible pair exists.
type FallbackRule struct {
	Condition string `yaml:"condition" json:"condition"`
	Action    string `yaml:"action" json:"action"`
	Seconds   int    `yaml:"seconds" json:"seconds,omitempty"`
}

// QueryParam describes one parameter of a named query.
type QueryParam struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"` // string, int, float, bool
	Required bool   `yaml:"required" json:"required"`
	Default  any    `yaml:"default" json:"default,omitempty"`
}

// QueryTemplate is a named, parameterized read-only query exposed by the
// telemetry API. Never consumed by routing.
type QueryTemplate struct {
	Name        string       `yaml:"-" json:"name"`
	Description string       `yaml:"description" json:"description"`
	SQL         string       `yaml:"sql" json:"-"`
	Params      []QueryParam `yaml:"params" json:"params"`
	CacheTTL    int          `yaml:"cache_ttl" json:"cache_ttl"`
}

// FailurePattern is a failure-evidence pattern; Fatal skips the retry budget.
type FailurePattern struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Fatal   bool   `yaml:"fatal" json:"fatal"`
}

// PatternTable drives the probe's output classification. An empty table falls
// back to built-in defaults in the probe package.
type PatternTable struct {
	Idle         []string          `yaml:"idle" json:"idle"`
	Busy         []string          `yaml:"busy" json:"busy"`
	WaitingInput []string          `yaml:"waiting_input" json:"waiting_input"`
	Providers    map[string]string `yaml:"providers" json:"providers"`
	Completion   []string          `yaml:"completion" json:"completion"`
	Failure      []FailurePattern  `yaml:"failure" json:"failure"`
	RecencyLines int               `yaml:"recency_lines" json:"recency_lines"`
}

// Snapshot is one immutable publication of the full policy data set. Readers
// hold the pointer they fetched; reload swaps in a fresh value and never
// mutates a published snapshot.
type Snapshot struct {
	Version            string
	SlaTargets         map[string]SlaTarget
	EscalationRules    []EscalationRule
	RoutingRules       map[string]RoutingRule
	ExcludedSessions   []string
	SupportedProviders []string
	FallbackRules      []FallbackRule
	Queries            map[string]QueryTemplate
	Patterns           PatternTable
}

// RuleFor resolves the routing rule for a task type, falling back to the
// "default" rule when the type is unknown.
func (s *Snapshot) RuleFor(taskType string) (RoutingRule, bool) {
	if r, ok := s.RoutingRules[taskType]; ok {
		return r, true
	}
	r, ok := s.RoutingRules["default"]
	return r, ok
}

// SlaFor resolves the SLA target for a task type with a "default" fallback.
func (s *Snapshot) SlaFor(taskType string) (SlaTarget, bool) {
	if t, ok := s.SlaTargets[taskType]; ok {
		return t, true
	}
	t, ok := s.SlaTargets["default"]
	return t, ok
}

// IsExcluded reports whether the session name is on the global exclusion list.
func (s *Snapshot) IsExcluded(name string) bool {
	for _, excluded := range s.ExcludedSessions {
		if excluded == name {
			return true
		}
	}
	return false
}

// Package events defines the subjects published on the assigner event bus.
package events

// Event types for work items. These mirror the assignment-event kinds recorded
// in the store, so a bus consumer and the event log agree on vocabulary.
const (
	WorkItemQueued           = "work_item.queued"
	WorkItemSelected         = "work_item.selected"
	WorkItemDelivered        = "work_item.delivered"
	WorkItemObservedProgress = "work_item.observed_progress"
	WorkItemCompleted        = "work_item.completed"
	WorkItemFailed           = "work_item.failed"
	WorkItemTimedOut         = "work_item.timed_out"
	WorkItemRetried          = "work_item.retried"
	WorkItemCancelled        = "work_item.cancelled"
	WorkItemReassigned       = "work_item.reassigned"
)

// Event types for sessions.
const (
	SessionDiscovered     = "session.discovered"
	SessionObserved       = "session.observed"
	SessionStateChanged   = "session.state_changed"
	SessionBound          = "session.bound"
	SessionReleased       = "session.released"
	SessionOffline        = "session.offline"
	SessionCircuitChanged = "session.circuit_changed"
	SessionDriftWarning   = "session.drift_warning"
	SessionConsolidation  = "session.consolidation_due"
)

// Event types for policy data.
const (
	RulesReloaded = "rules.reloaded"
)

// Wildcard subjects for subscribing to whole families.
const (
	AllWorkItemEvents = "work_item.>"
	AllSessionEvents  = "session.>"
)

// Package events provides event types and utilities for the Grove event system.
package events

// Event types for run lifecycle
const (
	RunStarted   = "run.started"   // Engine acknowledged the run
	RunDelta     = "run.delta"     // Delta ingested; seq and size, no text
	RunAction    = "run.action"    // Tool/command action transition
	RunCompleted = "run.completed" // Terminal completion, ok or failed
	RunCancelled = "run.cancelled" // Cancellation requested
	RunRetried   = "run.retried"   // Transient failure, second attempt started
)

// Event types for sessions
const (
	SessionCreated      = "session.created"
	SessionMetaUpdated  = "session.meta_updated"
	CompactionScheduled = "compaction.scheduled" // Pending-compaction marker written
)

// Event types for the scheduler
const (
	QueueDepthChanged = "queue.depth_changed"
	RunSlotGranted    = "run.slot_granted"
)

// BuildRunEventSubject creates a run event subject for a specific run.
func BuildRunEventSubject(eventType, runID string) string {
	return eventType + "." + runID
}

// BuildRunWildcardSubject creates a wildcard subscription for one run event
// type across all runs.
func BuildRunWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildSessionSubject creates a session event subject. Session keys contain
// dots in none of their segments, so the key is safe as a single token.
func BuildSessionSubject(eventType, sessionKey string) string {
	return eventType + "." + sessionKey
}

// BuildSessionWildcardSubject creates a wildcard subscription for one
// session event type across all sessions.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

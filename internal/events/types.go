package events

// Event types emitted by the safety core.
const (
	ApprovalRequested = "approval_requested"
	ApprovalResolved  = "approval_resolved"

	ActionRecorded   = "action_recorded"
	ActionUndone     = "action_undone"
	ActionUndoFailed = "action_undo_failed"

	ProcessStarted   = "process_started"
	ProcessExited    = "process_exited"
	ProcessRecovered = "process_recovered"
	ProcessStale     = "process_stale"

	CapabilityDenied = "capability_denied"
)

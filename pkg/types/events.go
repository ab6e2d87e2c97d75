package types

import "time"

// Event is the audit envelope emitted by the approval gate, undo engine and
// exec registry. Stores index the convenience fields; everything else goes
// into Fields.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	PID       int       `json:"pid,omitempty"`

	// Common convenience fields for indexing/search.
	Path    string `json:"path,omitempty"`
	Command string `json:"command,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	RunID    string
	ActionID string
	Types    []string
	Since    *time.Time
	Until    *time.Time

	PathLike string
	TextLike string

	Limit  int
	Offset int
	Asc    bool
}

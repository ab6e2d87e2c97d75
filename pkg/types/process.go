package types

type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
)

// ProcessSession is the serializable view of one spawned process. Field
// names follow the persisted exec registry state file.
type ProcessSession struct {
	ID               string        `json:"id"`
	Command          string        `json:"command"`
	PID              int           `json:"pid"`
	StartedAtMs      int64         `json:"startedAt"`
	Cwd              string        `json:"cwd,omitempty"`
	IsPTY            bool          `json:"isPty,omitempty"`
	Aggregated       string        `json:"aggregated,omitempty"`
	Tail             string        `json:"tail,omitempty"`
	TotalOutputChars int64         `json:"totalOutputChars"`
	MaxOutputChars   int           `json:"maxOutputChars"`
	Exited           bool          `json:"exited"`
	ExitCode         *int          `json:"exitCode,omitempty"`
	ExitSignal       string        `json:"exitSignal,omitempty"`
	Backgrounded     bool          `json:"backgrounded,omitempty"`
	Truncated        bool          `json:"truncated,omitempty"`
	StartTimeTicks   uint64        `json:"startTimeTicks,omitempty"`
	Status           ProcessStatus `json:"status,omitempty"`
	EndedAtMs        int64         `json:"endedAt,omitempty"`
	Recovered        bool          `json:"recovered,omitempty"`
}

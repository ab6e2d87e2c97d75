package types

// ExecApprovalRequest is the command an approver is asked to allow.
type ExecApprovalRequest struct {
	Command      string `json:"command"`
	Cwd          string `json:"cwd,omitempty"`
	Host         string `json:"host,omitempty"`
	Security     string `json:"security,omitempty"`
	Ask          string `json:"ask,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	SessionKey   string `json:"session_key,omitempty"`
}

type ApprovalRecord struct {
	ID          string              `json:"id"`
	Request     ExecApprovalRequest `json:"request"`
	CreatedAtMs int64               `json:"created_at_ms"`
	ExpiresAtMs int64               `json:"expires_at_ms"`
}

type ApprovalDecision string

const (
	DecisionAllowOnce   ApprovalDecision = "allow-once"
	DecisionAllowAlways ApprovalDecision = "allow-always"
	DecisionDeny        ApprovalDecision = "deny"
)

func (d ApprovalDecision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
		return true
	default:
		return false
	}
}

func (d ApprovalDecision) Allowed() bool {
	return d == DecisionAllowOnce || d == DecisionAllowAlways
}

// ApprovalOutcome is what a waiter receives: the decision plus why it was made.
type ApprovalOutcome struct {
	Decision ApprovalDecision `json:"decision"`
	Reason   string           `json:"reason,omitempty"`
	TimedOut bool             `json:"timed_out,omitempty"`
}

package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ActionCategory string

const (
	CategoryRead    ActionCategory = "read"
	CategoryMutate  ActionCategory = "mutate"
	CategoryExec    ActionCategory = "exec"
	CategoryNetwork ActionCategory = "network"
	CategorySystem  ActionCategory = "system"
)

// Valid reports whether c is one of the known categories.
func (c ActionCategory) Valid() bool {
	switch c {
	case CategoryRead, CategoryMutate, CategoryExec, CategoryNetwork, CategorySystem:
		return true
	default:
		return false
	}
}

type ApprovalState string

const (
	ApprovalStatePending      ApprovalState = "pending"
	ApprovalStateApproved     ApprovalState = "approved"
	ApprovalStateRejected     ApprovalState = "rejected"
	ApprovalStateAutoApproved ApprovalState = "auto-approved"
)

// ActionRecord is one executed tool invocation as kept in the action journal.
type ActionRecord struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	RunID       string         `json:"run_id,omitempty"`
	ToolName    string         `json:"tool_name"`
	Category    ActionCategory `json:"category"`
	Args        map[string]any `json:"args,omitempty"`
	Approval    ApprovalState  `json:"approval"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Undoable    bool           `json:"undoable"`
	UndoData    UndoData       `json:"-"`
	UndoneAt    *time.Time     `json:"undone_at,omitempty"`
}

var ErrInvalidUndoData = errors.New("invalid undo data")

// Validate checks that an undoable record carries well-formed undo data.
func (r *ActionRecord) Validate() error {
	if r.ID == "" {
		return errors.New("action id is empty")
	}
	if r.ToolName == "" {
		return errors.New("action tool name is empty")
	}
	if r.Category != "" && !r.Category.Valid() {
		return fmt.Errorf("invalid action category %q", r.Category)
	}
	if !r.Undoable {
		return nil
	}
	if r.UndoData == nil {
		return fmt.Errorf("%w: undoable action %s has no undo data", ErrInvalidUndoData, r.ID)
	}
	if err := r.UndoData.validate(); err != nil {
		return fmt.Errorf("%w: action %s: %v", ErrInvalidUndoData, r.ID, err)
	}
	return nil
}

type actionRecordJSON struct {
	actionRecordAlias
	UndoData json.RawMessage `json:"undo_data,omitempty"`
}

type actionRecordAlias ActionRecord

func (r ActionRecord) MarshalJSON() ([]byte, error) {
	out := actionRecordJSON{actionRecordAlias: actionRecordAlias(r)}
	if r.UndoData != nil {
		b, err := MarshalUndoData(r.UndoData)
		if err != nil {
			return nil, err
		}
		out.UndoData = b
	}
	return json.Marshal(out)
}

func (r *ActionRecord) UnmarshalJSON(b []byte) error {
	var in actionRecordJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = ActionRecord(in.actionRecordAlias)
	r.UndoData = nil
	if len(in.UndoData) > 0 && string(in.UndoData) != "null" {
		u, err := UnmarshalUndoData(in.UndoData)
		if err != nil {
			return err
		}
		r.UndoData = u
	}
	return nil
}

// UndoResult is produced per undone action. It is never persisted.
type UndoResult struct {
	ActionID string `json:"action_id"`
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// UndoData is the reversal payload attached to an undoable action.
// The set of implementations is closed: only FileUndo and ExecUndo satisfy it.
type UndoData interface {
	UndoType() string
	validate() error
}

const (
	UndoTypeFile = "file"
	UndoTypeExec = "exec"
)

// FileUndo restores a file to its state before a mutation. A nil
// PreviousContent with PreviousExisted=false means the file did not exist
// and undo deletes it.
type FileUndo struct {
	Path            string  `json:"path"`
	PreviousContent *string `json:"previous_content"`
	PreviousExisted bool    `json:"previous_existed"`
}

func (*FileUndo) UndoType() string { return UndoTypeFile }

func (f *FileUndo) validate() error {
	if f.Path == "" {
		return errors.New("file undo: empty path")
	}
	if f.PreviousExisted != (f.PreviousContent != nil) {
		return errors.New("file undo: previous_existed does not match previous_content")
	}
	return nil
}

// ExecUndo describes how to reverse a command, if at all.
type ExecUndo struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd,omitempty"`
	ReverseCommand string `json:"reverse_command,omitempty"`
	CanReverse     bool   `json:"can_reverse"`
}

func (*ExecUndo) UndoType() string { return UndoTypeExec }

func (e *ExecUndo) validate() error {
	if e.Command == "" {
		return errors.New("exec undo: empty command")
	}
	return nil
}

type undoEnvelope struct {
	Type string `json:"type"`
}

// MarshalUndoData encodes u with a "type" discriminator.
func MarshalUndoData(u UndoData) ([]byte, error) {
	switch v := u.(type) {
	case *FileUndo:
		return json.Marshal(struct {
			Type string `json:"type"`
			*FileUndo
		}{UndoTypeFile, v})
	case *ExecUndo:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ExecUndo
		}{UndoTypeExec, v})
	default:
		return nil, fmt.Errorf("marshal undo data: unsupported type %T", u)
	}
}

// UnmarshalUndoData decodes an envelope written by MarshalUndoData.
func UnmarshalUndoData(b []byte) (UndoData, error) {
	var env undoEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal undo data: %w", err)
	}
	switch env.Type {
	case UndoTypeFile:
		var f FileUndo
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("unmarshal file undo: %w", err)
		}
		return &f, nil
	case UndoTypeExec:
		var e ExecUndo
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("unmarshal exec undo: %w", err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unmarshal undo data: unknown type %q", env.Type)
	}
}

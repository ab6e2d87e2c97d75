package undo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agentsh/actiond/pkg/types"
)

// MaxCaptureBytes bounds the size of a file backup held in the journal.
const MaxCaptureBytes = 8 << 20

var ErrCaptureTooLarge = errors.New("file too large to back up")

// CaptureFile snapshots path before it is mutated. A missing file yields a
// backup whose undo deletes whatever is created at path later.
func CaptureFile(path string) (*types.FileUndo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return &types.FileUndo{Path: abs}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", abs, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("capture %s: is a directory", abs)
	}
	if info.Size() > MaxCaptureBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCaptureTooLarge, abs, info.Size())
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", abs, err)
	}
	content := string(b)
	return &types.FileUndo{Path: abs, PreviousContent: &content, PreviousExisted: true}, nil
}

// CaptureExec describes how to reverse command. An empty reverse marks the
// command as irreversible.
func CaptureExec(command, cwd, reverse string) *types.ExecUndo {
	return &types.ExecUndo{
		Command:        command,
		Cwd:            cwd,
		ReverseCommand: reverse,
		CanReverse:     reverse != "",
	}
}

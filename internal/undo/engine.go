// Package undo reverses journaled actions, always most recent first.
package undo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentsh/actiond/internal/events"
	"github.com/agentsh/actiond/internal/trash"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrActionNotFound      = errors.New("action not found")
	ErrActionNotUndoable   = errors.New("action not undoable")
	ErrActionHadNoEffect   = errors.New("nothing to undo: action failed")
	ErrUnsupportedUndoType = errors.New("unsupported undo type")
)

// Journal is the slice of the action journal the engine reads and marks.
type Journal interface {
	GetByID(id string) (types.ActionRecord, bool)
	UndoableActions(runID string) []types.ActionRecord
	MarkUndone(ctx context.Context, id string) error
}

type Emitter interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	Publish(ev types.Event)
}

type Observer interface {
	ObserveUndo(success bool)
}

type Options struct {
	Journal Journal
	// Trash, when set, receives files that undo would delete.
	Trash    *trash.Bin
	Runner   ReverseRunner
	Emitter  Emitter
	Observer Observer
	Logger   *slog.Logger
}

// Engine is not safe for overlapping undos of the same action id; callers
// serialize per id.
type Engine struct {
	journal  Journal
	trash    *trash.Bin
	runner   ReverseRunner
	emit     Emitter
	observer Observer
	logger   *slog.Logger
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = &ShellRunner{}
	}
	return &Engine{
		journal:  opts.Journal,
		trash:    opts.Trash,
		runner:   opts.Runner,
		emit:     opts.Emitter,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// UndoAction reverses one action. Failures are reported in the result.
func (e *Engine) UndoAction(ctx context.Context, id string) types.UndoResult {
	rec, ok := e.journal.GetByID(id)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrActionNotFound, id)
		e.observe(types.ActionRecord{ID: id}, err)
		return types.UndoResult{ActionID: id, Error: err.Error()}
	}
	return e.undoRecord(ctx, rec)
}

// UndoLastN undoes the n most recent undoable actions of the run, newest
// first. Every selected action is attempted regardless of earlier failures.
func (e *Engine) UndoLastN(ctx context.Context, n int, runID string) []types.UndoResult {
	recs := e.journal.UndoableActions(runID)
	if n <= 0 || len(recs) == 0 {
		return []types.UndoResult{}
	}
	if n > len(recs) {
		n = len(recs)
	}
	recs = recs[len(recs)-n:]
	out := make([]types.UndoResult, 0, n)
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, e.undoRecord(ctx, recs[i]))
	}
	return out
}

func (e *Engine) UndoAll(ctx context.Context, runID string) []types.UndoResult {
	return e.UndoLastN(ctx, len(e.journal.UndoableActions(runID)), runID)
}

func (e *Engine) ListUndoable(runID string) []types.ActionRecord {
	return e.journal.UndoableActions(runID)
}

// UndoFiles applies file backups that were never journaled, last one
// first. An empty list succeeds without touching anything.
func (e *Engine) UndoFiles(ctx context.Context, backups []types.FileUndo) []types.UndoResult {
	ctx = context.WithoutCancel(ctx)
	out := make([]types.UndoResult, 0, len(backups))
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		res := types.UndoResult{ActionID: b.Path, ToolName: "file_restore", Success: true}
		if err := e.undoFile(ctx, types.ActionRecord{}, &b); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

// undoRecord ignores cancellation of ctx; a dispatched reversal runs to
// completion or failure.
func (e *Engine) undoRecord(ctx context.Context, rec types.ActionRecord) types.UndoResult {
	ctx = context.WithoutCancel(ctx)
	res := types.UndoResult{ActionID: rec.ID, ToolName: rec.ToolName}
	err := e.apply(ctx, rec)
	if err == nil {
		if merr := e.journal.MarkUndone(ctx, rec.ID); merr != nil {
			e.logger.Warn("mark undone failed", "action_id", rec.ID, "error", merr)
		}
		res.Success = true
	} else {
		res.Error = err.Error()
	}
	e.observe(rec, err)
	return res
}

func (e *Engine) apply(ctx context.Context, rec types.ActionRecord) error {
	// A failed action changed nothing, whatever its undo flag says.
	if rec.Error != "" {
		return fmt.Errorf("%w: %s", ErrActionHadNoEffect, rec.Error)
	}
	if !rec.Undoable || rec.UndoData == nil {
		return fmt.Errorf("%w: %s", ErrActionNotUndoable, rec.ID)
	}
	if rec.UndoneAt != nil {
		return fmt.Errorf("%w: %s already undone", ErrActionNotUndoable, rec.ID)
	}
	switch u := rec.UndoData.(type) {
	case *types.FileUndo:
		return e.undoFile(ctx, rec, u)
	case *types.ExecUndo:
		return e.undoExec(ctx, u)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedUndoType, rec.UndoData.UndoType())
	}
}

func (e *Engine) undoFile(_ context.Context, rec types.ActionRecord, u *types.FileUndo) error {
	if u.PreviousExisted {
		if u.PreviousContent == nil {
			return fmt.Errorf("%w: %s has no captured content", ErrActionNotUndoable, u.Path)
		}
		return restoreFile(u.Path, *u.PreviousContent)
	}
	if e.trash != nil {
		_, err := e.trash.Divert(u.Path, trash.Origin{RunID: rec.RunID, ActionID: rec.ID})
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("divert %s: %w", u.Path, err)
	}
	if err := os.Remove(u.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", u.Path, err)
	}
	return nil
}

func (e *Engine) undoExec(ctx context.Context, u *types.ExecUndo) error {
	if !u.CanReverse || u.ReverseCommand == "" {
		return fmt.Errorf("%w: command %q cannot be reversed", ErrUnsupportedUndoType, u.Command)
	}
	if err := e.runner.RunReverse(ctx, u.ReverseCommand, u.Cwd); err != nil {
		return fmt.Errorf("reverse %q: %w", u.ReverseCommand, err)
	}
	return nil
}

// restoreFile writes content back, keeping the current mode if the file
// still exists.
func restoreFile(path, content string) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("recreate parent of %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".undo-*")
	if err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("restore %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("restore %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}

func (e *Engine) observe(rec types.ActionRecord, err error) {
	if e.observer != nil {
		e.observer.ObserveUndo(err == nil)
	}
	if err != nil {
		e.logger.Info("undo failed", "action_id", rec.ID, "tool", rec.ToolName, "error", err)
	}
	if e.emit == nil {
		return
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      events.ActionUndone,
		RunID:     rec.RunID,
		ActionID:  rec.ID,
		Fields:    map[string]any{"tool_name": rec.ToolName},
	}
	if err != nil {
		ev.Type = events.ActionUndoFailed
		ev.Fields["error"] = err.Error()
	}
	switch u := rec.UndoData.(type) {
	case *types.FileUndo:
		ev.Path = u.Path
		ev.Fields["previous_existed"] = u.PreviousExisted
	case *types.ExecUndo:
		ev.Command = u.Command
		ev.Fields["reverse_command"] = u.ReverseCommand
	}
	if aerr := e.emit.AppendEvent(context.Background(), ev); aerr != nil {
		e.logger.Warn("undo event append failed", "action_id", rec.ID, "error", aerr)
	}
	e.emit.Publish(ev)
}

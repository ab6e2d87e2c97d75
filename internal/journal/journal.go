// Package journal is the append-only log of executed tool actions that the
// undo engine walks backwards.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsh/actiond/internal/events"
	"github.com/agentsh/actiond/internal/store"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrActionNotFound  = errors.New("action not found")
	ErrDuplicateAction = errors.New("duplicate action id")
	ErrAlreadyComplete = errors.New("action already completed")
	ErrAlreadyUndone   = errors.New("action already undone")
)

type Emitter interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	Publish(ev types.Event)
}

type Observer interface {
	IncActionRecorded()
}

type Options struct {
	// Sink receives every change write-through. Its failures are logged;
	// the in-memory journal stays authoritative.
	Sink     store.ActionStore
	Emitter  Emitter
	Observer Observer
	Logger   *slog.Logger
}

// Completion is the outcome a tool reports once its side effect ran.
type Completion struct {
	Result   string
	Err      error
	UndoData types.UndoData
}

type Journal struct {
	mu      sync.RWMutex
	records []*types.ActionRecord
	byID    map[string]*types.ActionRecord
	nextSeq int64

	sink     store.ActionStore
	emit     Emitter
	observer Observer
	logger   *slog.Logger
}

func New(opts Options) *Journal {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Journal{
		byID:     make(map[string]*types.ActionRecord),
		nextSeq:  1,
		sink:     opts.Sink,
		emit:     opts.Emitter,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// Load replaces the in-memory log with the sink's contents. It must run
// before the first Append.
func (j *Journal) Load(ctx context.Context) (int, error) {
	if j.sink == nil {
		return 0, nil
	}
	recs, err := j.sink.LoadActions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = j.records[:0]
	j.byID = make(map[string]*types.ActionRecord, len(recs))
	j.nextSeq = 1
	for i := range recs {
		rec := recs[i]
		if _, dup := j.byID[rec.ID]; dup {
			j.logger.Warn("skipping duplicate journal record", "action_id", rec.ID)
			continue
		}
		j.records = append(j.records, &rec)
		j.byID[rec.ID] = &rec
		if rec.Seq >= j.nextSeq {
			j.nextSeq = rec.Seq + 1
		}
	}
	return len(j.records), nil
}

// Append adds rec to the end of the log, assigning its sequence number and
// filling in a missing id or start time. A record that already carries
// CompletedAt is final on arrival.
func (j *Journal) Append(ctx context.Context, rec types.ActionRecord) (types.ActionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.UndoneAt = nil

	j.mu.Lock()
	if _, exists := j.byID[rec.ID]; exists {
		j.mu.Unlock()
		return types.ActionRecord{}, fmt.Errorf("%w: %s", ErrDuplicateAction, rec.ID)
	}
	rec.Seq = j.nextSeq
	if err := rec.Validate(); err != nil {
		j.mu.Unlock()
		return types.ActionRecord{}, err
	}
	j.nextSeq++
	stored := rec
	j.records = append(j.records, &stored)
	j.byID[rec.ID] = &stored
	j.mu.Unlock()

	j.save(ctx, rec)
	if rec.CompletedAt != nil {
		j.recorded(rec)
	}
	return rec, nil
}

// Complete finalizes a record appended before its tool ran. The action is
// undoable only if the tool succeeded and reported undo data.
func (j *Journal) Complete(ctx context.Context, id string, c Completion) (types.ActionRecord, error) {
	j.mu.Lock()
	cur, ok := j.byID[id]
	if !ok {
		j.mu.Unlock()
		return types.ActionRecord{}, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if cur.CompletedAt != nil {
		j.mu.Unlock()
		return types.ActionRecord{}, fmt.Errorf("%w: %s", ErrAlreadyComplete, id)
	}
	next := *cur
	now := time.Now().UTC()
	dur := now.Sub(next.StartedAt).Milliseconds()
	next.CompletedAt = &now
	next.DurationMs = &dur
	next.Result = c.Result
	next.Error = ""
	if c.Err != nil {
		next.Error = c.Err.Error()
	}
	next.UndoData = c.UndoData
	next.Undoable = c.Err == nil && c.UndoData != nil
	if err := next.Validate(); err != nil {
		j.mu.Unlock()
		return types.ActionRecord{}, err
	}
	*cur = next
	j.mu.Unlock()

	j.save(ctx, next)
	j.recorded(next)
	return next, nil
}

func (j *Journal) GetByID(id string) (types.ActionRecord, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.byID[id]
	if !ok {
		return types.ActionRecord{}, false
	}
	return *rec, true
}

// UndoableActions returns the actions that can still be reversed, oldest
// first. An empty runID spans every run. Actions already undone are left
// out so a repeated bulk undo does not apply a reversal twice.
func (j *Journal) UndoableActions(runID string) []types.ActionRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []types.ActionRecord
	for _, rec := range j.records {
		if !rec.Undoable || rec.UndoneAt != nil {
			continue
		}
		if runID != "" && rec.RunID != runID {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// List returns every action of the run (or of all runs), oldest first.
func (j *Journal) List(runID string) []types.ActionRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]types.ActionRecord, 0, len(j.records))
	for _, rec := range j.records {
		if runID == "" || rec.RunID == runID {
			out = append(out, *rec)
		}
	}
	return out
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

func (j *Journal) MarkUndone(ctx context.Context, id string) error {
	j.mu.Lock()
	rec, ok := j.byID[id]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if rec.UndoneAt != nil {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyUndone, id)
	}
	now := time.Now().UTC()
	rec.UndoneAt = &now
	snap := *rec
	j.mu.Unlock()

	j.save(ctx, snap)
	return nil
}

func (j *Journal) save(ctx context.Context, rec types.ActionRecord) {
	if j.sink == nil {
		return
	}
	if err := j.sink.SaveAction(ctx, rec); err != nil {
		j.logger.Warn("journal sink write failed", "action_id", rec.ID, "error", err)
	}
}

func (j *Journal) recorded(rec types.ActionRecord) {
	if j.observer != nil {
		j.observer.IncActionRecorded()
	}
	if j.emit == nil {
		return
	}
	fields := map[string]any{
		"seq":       rec.Seq,
		"tool_name": rec.ToolName,
		"category":  string(rec.Category),
		"undoable":  rec.Undoable,
		"approval":  string(rec.Approval),
	}
	if rec.DurationMs != nil {
		fields["duration_ms"] = *rec.DurationMs
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      events.ActionRecorded,
		RunID:     rec.RunID,
		ActionID:  rec.ID,
		Fields:    fields,
	}
	if f, ok := rec.UndoData.(*types.FileUndo); ok {
		ev.Path = f.Path
	}
	if x, ok := rec.UndoData.(*types.ExecUndo); ok {
		ev.Command = x.Command
	}
	if err := j.emit.AppendEvent(context.Background(), ev); err != nil {
		j.logger.Warn("action event append failed", "action_id", rec.ID, "error", err)
	}
	j.emit.Publish(ev)
}

// Package sqlite persists audit events and journal records in a single
// modernc.org/sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	_ "modernc.org/sqlite"
)

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 5000
)

var schema = []string{
	`PRAGMA journal_mode=WAL;`,
	`CREATE TABLE IF NOT EXISTS events (
		id        TEXT PRIMARY KEY,
		at_ns     INTEGER NOT NULL,
		run_id    TEXT,
		action_id TEXT,
		kind      TEXT NOT NULL,
		pid       INTEGER,
		path      TEXT,
		command   TEXT,
		body      TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS events_by_run ON events(run_id, at_ns);`,
	`CREATE INDEX IF NOT EXISTS events_by_action ON events(action_id, at_ns);`,
	`CREATE INDEX IF NOT EXISTS events_by_kind ON events(kind, at_ns);`,
	`CREATE TABLE IF NOT EXISTS actions (
		id         TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		run_id     TEXT,
		tool       TEXT NOT NULL,
		category   TEXT NOT NULL,
		undoable   INTEGER NOT NULL,
		started_ns INTEGER NOT NULL,
		undone_ns  INTEGER,
		body       TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS actions_by_run ON actions(run_id, seq);`,
}

// Store keeps audit events and journal records in one database file.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps journal upserts ordered.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return errors.New("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(id, at_ns, run_id, action_id, kind, pid, path, command, body)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.Timestamp.UnixNano(),
		orNull(ev.RunID), orNull(ev.ActionID), ev.Type, orNull(ev.PID),
		orNull(ev.Path), orNull(ev.Command), string(body),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// eventFilter renders q as a WHERE clause and its arguments.
func eventFilter(q types.EventQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if q.RunID != "" {
		add("run_id = ?", q.RunID)
	}
	if q.ActionID != "" {
		add("action_id = ?", q.ActionID)
	}
	if len(q.Types) > 0 {
		conds = append(conds, "kind IN (?"+strings.Repeat(",?", len(q.Types)-1)+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if q.Since != nil {
		add("at_ns >= ?", q.Since.UnixNano())
	}
	if q.Until != nil {
		add("at_ns <= ?", q.Until.UnixNano())
	}
	if q.PathLike != "" {
		add("path LIKE ?", q.PathLike)
	}
	if q.TextLike != "" {
		add("body LIKE ?", q.TextLike)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	where, args := eventFilter(q)
	dir := "DESC"
	if q.Asc {
		dir = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}
	args = append(args, limit, max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM events"+where+" ORDER BY at_ns "+dir+" LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanJSON[types.Event](rows)
}

// PruneEvents deletes events older than before and reports how many went.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// SaveAction upserts rec by id.
func (s *Store) SaveAction(ctx context.Context, rec types.ActionRecord) error {
	if rec.ID == "" {
		return errors.New("action missing id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", rec.ID, err)
	}
	var undoneNs any
	if rec.UndoneAt != nil {
		undoneNs = rec.UndoneAt.UnixNano()
	}
	undoable := 0
	if rec.Undoable {
		undoable = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions(id, seq, run_id, tool, category, undoable, started_ns, undone_ns, body)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   undoable = excluded.undoable,
		   undone_ns = excluded.undone_ns,
		   body = excluded.body`,
		rec.ID, rec.Seq, orNull(rec.RunID), rec.ToolName, string(rec.Category),
		undoable, rec.StartedAt.UnixNano(), undoneNs, string(body),
	)
	if err != nil {
		return fmt.Errorf("save action %s: %w", rec.ID, err)
	}
	return nil
}

// LoadActions returns every stored record in sequence order.
func (s *Store) LoadActions(ctx context.Context) ([]types.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM actions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	return scanJSON[types.ActionRecord](rows)
}

func scanJSON[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func orNull[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

// Package execreg tracks every external process the daemon spawns, running
// and finished, and keeps a state file so a restart can tell which of them
// are still alive.
package execreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrNotRecovered    = errors.New("exec registry: recovery has not run")
	ErrSessionExists   = errors.New("exec registry: session already registered")
	ErrSessionNotFound = errors.New("exec registry: session not found")
	ErrRegistryClosed  = errors.New("exec registry: closed")
)

type Emitter interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	Publish(ev types.Event)
}

// PersistObserver is told the outcome of every state file write.
type PersistObserver interface {
	ObservePersist(err error)
}

type Config struct {
	StatePath      string
	MaxFinished    int
	MaxOutputChars int
	// PersistDebounce coalesces bursts of mutations into one write.
	PersistDebounce time.Duration
	// RetryInterval schedules another attempt after a failed write even if
	// nothing else changes.
	RetryInterval time.Duration
	// ReapInterval polls recovered sessions, which have no process handle,
	// for exit. Zero disables polling.
	ReapInterval time.Duration
	// SkipRecovery admits sessions without a prior Recover call.
	SkipRecovery bool

	Logger   *slog.Logger
	Emitter  Emitter
	Observer PersistObserver
}

// SessionStart describes a process that has just been started.
type SessionStart struct {
	ID             string
	Command        string
	PID            int
	Cwd            string
	IsPTY          bool
	Backgrounded   bool
	StartTimeTicks uint64
}

// Session is the live record of one process. Output is appended through
// Write; everything else changes only through the Registry.
type Session struct {
	mu   sync.Mutex
	meta types.ProcessSession
	out  *OutputBuffer
	done chan struct{}
}

func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

func (s *Session) ID() string { return s.meta.ID }

// Done is closed once the session moves to the finished set.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) snapshot() types.ProcessSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.meta
	ps.Aggregated = s.out.Aggregated()
	ps.Tail = s.out.Tail()
	ps.TotalOutputChars = s.out.Total()
	ps.MaxOutputChars = s.out.Max()
	ps.Truncated = s.out.Truncated()
	return ps
}

type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	running   map[string]*Session
	finished  map[string]*Session
	recovered bool
	closed    bool

	persist *persister
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) *Registry {
	if cfg.MaxFinished <= 0 {
		cfg.MaxFinished = 200
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = DefaultMaxOutputChars
	}
	if cfg.PersistDebounce <= 0 {
		cfg.PersistDebounce = 250 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		cfg:       cfg,
		logger:    cfg.Logger,
		running:   make(map[string]*Session),
		finished:  make(map[string]*Session),
		recovered: cfg.SkipRecovery,
		stop:      make(chan struct{}),
	}
	if cfg.StatePath != "" {
		r.persist = newPersister(cfg.StatePath, cfg.PersistDebounce, cfg.RetryInterval, r.snapshotState, cfg.Observer, cfg.Logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.persist.run(r.stop)
		}()
	}
	if cfg.ReapInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.reapLoop()
		}()
	}
	return r
}

// NewSession builds a running session. It is not tracked until AddSession.
func (r *Registry) NewSession(start SessionStart) *Session {
	id := start.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		meta: types.ProcessSession{
			ID:             id,
			Command:        start.Command,
			PID:            start.PID,
			StartedAtMs:    time.Now().UnixMilli(),
			Cwd:            start.Cwd,
			IsPTY:          start.IsPTY,
			Backgrounded:   start.Backgrounded,
			StartTimeTicks: start.StartTimeTicks,
			Status:         types.ProcessStatusRunning,
		},
		out:  NewOutputBuffer(r.cfg.MaxOutputChars),
		done: make(chan struct{}),
	}
}

// AddSession admits a running session. Recovery must have run first, since
// it decides which persisted sessions are still running.
func (r *Registry) AddSession(s *Session) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrRegistryClosed
	case !r.recovered:
		r.mu.Unlock()
		return ErrNotRecovered
	}
	id := s.meta.ID
	if _, ok := r.running[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if _, ok := r.finished[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.running[id] = s
	r.mu.Unlock()

	r.schedulePersist()
	r.emit("process_started", s.snapshot())
	return nil
}

// MarkExited moves a running session to the finished set. A nil exitCode
// with no signal counts as a clean exit.
func (r *Registry) MarkExited(id string, exitCode *int, exitSignal string) (types.ProcessSession, error) {
	return r.finish(id, exitCode, exitSignal, exitStatus(exitCode, exitSignal))
}

func (r *Registry) finish(id string, exitCode *int, exitSignal string, status types.ProcessStatus) (types.ProcessSession, error) {
	r.mu.Lock()
	s, ok := r.running[id]
	if !ok {
		r.mu.Unlock()
		return types.ProcessSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.running, id)

	s.mu.Lock()
	s.meta.Exited = true
	s.meta.ExitCode = exitCode
	s.meta.ExitSignal = exitSignal
	s.meta.EndedAtMs = time.Now().UnixMilli()
	s.meta.Status = status
	s.mu.Unlock()

	r.finished[id] = s
	r.pruneFinishedLocked()
	r.mu.Unlock()

	close(s.done)
	snap := s.snapshot()
	r.schedulePersist()
	r.emit("process_exited", snap)
	return snap, nil
}

func exitStatus(exitCode *int, exitSignal string) types.ProcessStatus {
	if exitSignal == "" && (exitCode == nil || *exitCode == 0) {
		return types.ProcessStatusCompleted
	}
	return types.ProcessStatusFailed
}

func (r *Registry) pruneFinishedLocked() {
	over := len(r.finished) - r.cfg.MaxFinished
	if over <= 0 {
		return
	}
	all := make([]*Session, 0, len(r.finished))
	for _, s := range r.finished {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return endedAt(all[i]) < endedAt(all[j]) })
	for _, s := range all[:over] {
		delete(r.finished, s.meta.ID)
	}
}

func endedAt(s *Session) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.EndedAtMs != 0 {
		return s.meta.EndedAtMs
	}
	return s.meta.StartedAtMs
}

func (r *Registry) GetSession(id string) (types.ProcessSession, bool) {
	r.mu.RLock()
	s, ok := r.running[id]
	r.mu.RUnlock()
	if !ok {
		return types.ProcessSession{}, false
	}
	return s.snapshot(), true
}

func (r *Registry) GetFinishedSession(id string) (types.ProcessSession, bool) {
	r.mu.RLock()
	s, ok := r.finished[id]
	r.mu.RUnlock()
	if !ok {
		return types.ProcessSession{}, false
	}
	return s.snapshot(), true
}

// Lookup returns the live handle of a running or finished session.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.running[id]; ok {
		return s, true
	}
	s, ok := r.finished[id]
	return s, ok
}

func (r *Registry) ListRunningSessions() []types.ProcessSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotAll(r.running)
}

func (r *Registry) ListFinishedSessions() []types.ProcessSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshotAll(r.finished)
}

func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}

// snapshotAll returns sessions ordered by start time.
func snapshotAll(m map[string]*Session) []types.ProcessSession {
	out := make([]types.ProcessSession, 0, len(m))
	for _, s := range m {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAtMs != out[j].StartedAtMs {
			return out[i].StartedAtMs < out[j].StartedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) snapshotState() stateFile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return stateFile{
		Version:   stateVersion,
		Running:   snapshotAll(r.running),
		Finished:  snapshotAll(r.finished),
		SavedAtMs: time.Now().UnixMilli(),
	}
}

func (r *Registry) schedulePersist() {
	if r.persist != nil {
		r.persist.signal()
	}
}

// PersistStats reports state file write outcomes.
func (r *Registry) PersistStats() PersistStats {
	if r.persist == nil {
		return PersistStats{}
	}
	return r.persist.stats()
}

// Flush writes the state file now.
func (r *Registry) Flush() error {
	if r.persist == nil {
		return nil
	}
	return r.persist.writeNow()
}

// Close stops background work and writes the final state.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
	return r.Flush()
}

// reapLoop finishes recovered sessions whose process has gone away. Their
// exit status was never observed, so they end as failed.
func (r *Registry) reapLoop() {
	t := time.NewTicker(r.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
		}
		for _, ps := range r.ListRunningSessions() {
			if ps.Recovered && !processAlive(ps.PID, ps.StartTimeTicks) {
				if _, err := r.finish(ps.ID, nil, "", types.ProcessStatusFailed); err == nil {
					r.logger.Info("recovered process exited", "session_id", ps.ID, "pid", ps.PID)
				}
			}
		}
	}
}

func (r *Registry) emit(evType string, ps types.ProcessSession) {
	if r.cfg.Emitter == nil {
		return
	}
	fields := map[string]any{
		"session_id": ps.ID,
		"status":     string(ps.Status),
		"recovered":  ps.Recovered,
	}
	if ps.ExitCode != nil {
		fields["exit_code"] = *ps.ExitCode
	}
	if ps.ExitSignal != "" {
		fields["exit_signal"] = ps.ExitSignal
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      evType,
		PID:       ps.PID,
		Command:   ps.Command,
		Fields:    fields,
	}
	if err := r.cfg.Emitter.AppendEvent(context.Background(), ev); err != nil {
		r.logger.Warn("process event append failed", "type", evType, "session_id", ps.ID, "error", err)
	}
	r.cfg.Emitter.Publish(ev)
}

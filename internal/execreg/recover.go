package execreg

import (
	"context"
	"time"

	"github.com/agentsh/actiond/pkg/types"
)

type RecoveryStats struct {
	RunningRecovered    int `json:"runningRecovered"`
	FinishedRecovered   int `json:"finishedRecovered"`
	StaleRunningDropped int `json:"staleRunningDropped"`
}

// Recover replaces the in-memory state with the persisted one. Finished
// sessions come back as they were. A persisted running session stays
// running only if its process is still alive; otherwise it is finished as
// failed. A corrupt state file is logged and treated as empty.
func (r *Registry) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats
	var st stateFile
	if r.cfg.StatePath != "" {
		var err error
		st, err = readStateFile(r.cfg.StatePath)
		if err != nil {
			r.logger.Warn("exec registry state unreadable; starting empty", "path", r.cfg.StatePath, "error", err)
			st = stateFile{}
		}
		if st.Version > stateVersion {
			r.logger.Info("exec registry state from newer version", "version", st.Version)
		}
	}

	running := make(map[string]*Session)
	finished := make(map[string]*Session)
	var recoveredRunning, stale []types.ProcessSession
	now := time.Now().UnixMilli()

	for _, ps := range st.Finished {
		if ps.ID == "" {
			continue
		}
		if ps.Status == "" || ps.Status == types.ProcessStatusRunning {
			ps.Status = exitStatus(ps.ExitCode, ps.ExitSignal)
		}
		ps.Exited = true
		ps.Recovered = true
		finished[ps.ID] = r.restoreSession(ps, true)
		stats.FinishedRecovered++
	}

	for _, ps := range st.Running {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if ps.ID == "" {
			continue
		}
		ps.Recovered = true
		if processAlive(ps.PID, ps.StartTimeTicks) {
			ps.Status = types.ProcessStatusRunning
			running[ps.ID] = r.restoreSession(ps, false)
			recoveredRunning = append(recoveredRunning, ps)
			stats.RunningRecovered++
			continue
		}
		ps.Exited = true
		ps.Status = types.ProcessStatusFailed
		if ps.EndedAtMs == 0 {
			ps.EndedAtMs = now
		}
		finished[ps.ID] = r.restoreSession(ps, true)
		stale = append(stale, ps)
		stats.StaleRunningDropped++
	}

	r.mu.Lock()
	r.running = running
	r.finished = finished
	r.pruneFinishedLocked()
	r.recovered = true
	r.mu.Unlock()

	r.schedulePersist()
	for _, ps := range recoveredRunning {
		r.emit("process_recovered", ps)
	}
	for _, ps := range stale {
		r.emit("process_stale", ps)
	}
	r.logger.Info("exec registry recovered",
		"running_recovered", stats.RunningRecovered,
		"finished_recovered", stats.FinishedRecovered,
		"stale_running_dropped", stats.StaleRunningDropped)
	return stats, nil
}

func (r *Registry) restoreSession(ps types.ProcessSession, finished bool) *Session {
	maxChars := ps.MaxOutputChars
	if maxChars <= 0 {
		maxChars = r.cfg.MaxOutputChars
	}
	out := NewOutputBuffer(maxChars)
	out.restore(ps.Aggregated, ps.Tail, ps.TotalOutputChars, ps.Truncated)
	meta := ps
	meta.Aggregated, meta.Tail = "", ""
	s := &Session{meta: meta, out: out, done: make(chan struct{})}
	if finished {
		close(s.done)
	}
	return s
}

package execreg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentsh/actiond/pkg/types"
)

const stateVersion = 1

type stateFile struct {
	Version   int                    `json:"version"`
	Running   []types.ProcessSession `json:"running"`
	Finished  []types.ProcessSession `json:"finished"`
	SavedAtMs int64                  `json:"savedAtMs"`
}

type PersistStats struct {
	Writes       int64     `json:"writes"`
	Failures     int64     `json:"failures"`
	ConsecFailed int64     `json:"consecutive_failures"`
	LastWrite    time.Time `json:"last_write,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// persister owns every write of the state file. Mutations only signal it;
// a failed write is logged, counted and retried later, never returned to
// the mutating caller.
type persister struct {
	path     string
	debounce time.Duration
	retry    time.Duration
	snapshot func() stateFile
	obs      PersistObserver
	logger   *slog.Logger

	wake chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	st      PersistStats
}

func newPersister(path string, debounce, retry time.Duration, snapshot func() stateFile, obs PersistObserver, logger *slog.Logger) *persister {
	return &persister{
		path:     path,
		debounce: debounce,
		retry:    retry,
		snapshot: snapshot,
		obs:      obs,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

func (p *persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run(stop <-chan struct{}) {
	var retryC <-chan time.Time
	for {
		select {
		case <-stop:
			return
		case <-p.wake:
		case <-retryC:
		}
		// Let a burst of mutations settle into one write.
		select {
		case <-stop:
			return
		case <-time.After(p.debounce):
		}
		// Drain a signal that arrived during the debounce; this write covers it.
		select {
		case <-p.wake:
		default:
		}
		if err := p.writeNow(); err != nil {
			retryC = time.After(p.retry)
		} else {
			retryC = nil
		}
	}
}

func (p *persister) writeNow() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	err := writeStateFile(p.path, p.snapshot())
	p.mu.Lock()
	if err != nil {
		p.st.Failures++
		p.st.ConsecFailed++
		p.st.LastError = err.Error()
	} else {
		p.st.Writes++
		p.st.ConsecFailed = 0
		p.st.LastWrite = time.Now()
		p.st.LastError = ""
	}
	consec := p.st.ConsecFailed
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("exec registry persist failed", "path", p.path, "consecutive_failures", consec, "error", err)
	}
	if p.obs != nil {
		p.obs.ObservePersist(err)
	}
	return err
}

func (p *persister) stats() PersistStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

// writeStateFile replaces path atomically: a reader sees the old file or
// the new one, never a partial write.
func writeStateFile(path string, st stateFile) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".execreg-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// readStateFile returns an empty state for a missing file. Unknown fields
// are ignored and missing ones stay zero, so newer and older daemons can
// read each other's files.
func readStateFile(path string) (stateFile, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return stateFile{Version: stateVersion}, nil
	}
	if err != nil {
		return stateFile{}, fmt.Errorf("read state: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(b, &st); err != nil {
		return stateFile{}, fmt.Errorf("parse state: %w", err)
	}
	return st, nil
}

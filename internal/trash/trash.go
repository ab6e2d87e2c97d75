// Package trash keeps files the undo engine would otherwise delete. Each
// diverted file gets a payload copy and a JSON manifest so it can be
// listed, restored to its original path, or purged later.
package trash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound     = errors.New("trash entry not found")
	ErrDestinationExists = errors.New("restore destination exists")
	ErrHashMismatch      = errors.New("restored content hash mismatch")
)

const (
	payloadDir  = "payload"
	manifestDir = "manifest"
)

// Xattr is one extended attribute captured at divert time.
type Xattr struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Entry is the manifest of one diverted file.
type Entry struct {
	Token        string      `json:"token"`
	OriginalPath string      `json:"original_path"`
	Size         int64       `json:"size"`
	SHA256       string      `json:"sha256,omitempty"`
	Mode         os.FileMode `json:"mode"`
	UID          int         `json:"uid"`
	GID          int         `json:"gid"`
	Xattrs       []Xattr     `json:"xattrs,omitempty"`
	ModTime      time.Time   `json:"mtime"`
	RunID        string      `json:"run_id,omitempty"`
	ActionID     string      `json:"action_id,omitempty"`
	DivertedAt   time.Time   `json:"diverted_at"`
}

type Config struct {
	Dir string
	// Files at or under this size are hashed and verified on restore.
	// Zero disables hashing.
	HashLimitBytes int64
	PreserveXattrs bool
	Logger         *slog.Logger
}

// Origin tags a diverted file with the action that removed it.
type Origin struct {
	RunID    string
	ActionID string
}

type PurgeOptions struct {
	TTL        time.Duration
	QuotaBytes int64
	RunID      string
	DryRun     bool
	Now        time.Time
}

type PurgeResult struct {
	Removed        []Entry `json:"removed"`
	BytesReclaimed int64   `json:"bytes_reclaimed"`
}

// Bin is a trash directory. Operations on one Bin are serialized.
type Bin struct {
	mu     sync.Mutex
	dir    string
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Bin, error) {
	if cfg.Dir == "" {
		return nil, errors.New("trash dir required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, sub := range []string{payloadDir, manifestDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create trash dir: %w", err)
		}
	}
	return &Bin{dir: cfg.Dir, cfg: cfg, logger: cfg.Logger}, nil
}

func (b *Bin) Dir() string { return b.dir }

// Divert moves path into the bin. A missing path returns an error wrapping
// fs.ErrNotExist; directories are refused.
func (b *Bin) Divert(path string, origin Origin) (*Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("divert %s: is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Token:        uuid.NewString(),
		OriginalPath: abs,
		Size:         info.Size(),
		Mode:         info.Mode(),
		ModTime:      info.ModTime(),
		RunID:        origin.RunID,
		ActionID:     origin.ActionID,
		DivertedAt:   time.Now().UTC(),
	}
	if info.Mode().IsRegular() && b.cfg.HashLimitBytes > 0 && info.Size() <= b.cfg.HashLimitBytes {
		if sum, err := sha256File(path); err == nil {
			e.SHA256 = sum
		}
	}
	captureOwnership(path, info, e, b.cfg.PreserveXattrs)

	b.mu.Lock()
	defer b.mu.Unlock()

	dst := b.payloadPath(e.Token)
	if err := os.Rename(path, dst); err != nil {
		// cross-device: copy then remove
		if err := copyFile(path, dst, info); err != nil {
			return nil, fmt.Errorf("divert %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			_ = os.Remove(dst)
			return nil, fmt.Errorf("divert %s: remove source: %w", path, err)
		}
	}
	if err := b.writeManifest(e); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	b.logger.Debug("file diverted to trash", "path", abs, "token", e.Token, "action_id", origin.ActionID)
	return e, nil
}

// List returns every entry, oldest first.
func (b *Bin) List() ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listLocked()
}

func (b *Bin) listLocked() ([]Entry, error) {
	files, err := os.ReadDir(filepath.Join(b.dir, manifestDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		e, err := b.readManifest(strings.TrimSuffix(f.Name(), ".json"))
		if err != nil {
			b.logger.Warn("skipping unreadable trash manifest", "file", f.Name(), "error", err)
			continue
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DivertedAt.Before(entries[j].DivertedAt)
	})
	return entries, nil
}

// Restore moves the entry's payload back to dest, or to its original path
// when dest is empty. Unless force is set an existing destination is left
// alone and ErrDestinationExists is returned.
func (b *Bin) Restore(token, dest string, force bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.readManifest(token)
	if err != nil {
		return "", err
	}
	target := dest
	if target == "" {
		target = e.OriginalPath
	}
	if _, err := os.Lstat(target); err == nil && !force {
		return "", fmt.Errorf("%w: %s", ErrDestinationExists, target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}

	src := b.payloadPath(token)
	if e.SHA256 != "" {
		sum, err := sha256File(src)
		if err != nil {
			return "", fmt.Errorf("hash payload: %w", err)
		}
		if sum != e.SHA256 {
			return "", fmt.Errorf("%w: token %s", ErrHashMismatch, token)
		}
	}
	if err := os.Rename(src, target); err != nil {
		info, serr := os.Lstat(src)
		if serr != nil {
			return "", serr
		}
		if err := copyFile(src, target, info); err != nil {
			return "", fmt.Errorf("restore %s: %w", token, err)
		}
		_ = os.Remove(src)
	}
	restoreOwnership(target, e)
	_ = os.Chtimes(target, e.ModTime, e.ModTime)
	_ = os.Remove(b.manifestPath(token))
	return target, nil
}

// Purge drops entries older than TTL, then the oldest entries until the
// remainder fits QuotaBytes. RunID narrows both passes to one run. With
// neither TTL nor quota set, every entry of RunID is dropped.
func (b *Bin) Purge(opts PurgeOptions) (PurgeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	entries, err := b.listLocked()
	if err != nil {
		return PurgeResult{}, err
	}

	var res PurgeResult
	drop := func(e Entry) error {
		if !opts.DryRun {
			_ = os.Remove(b.manifestPath(e.Token))
			if err := os.Remove(b.payloadPath(e.Token)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		res.Removed = append(res.Removed, e)
		res.BytesReclaimed += e.Size
		return nil
	}

	var kept []Entry
	for _, e := range entries {
		if opts.RunID != "" && e.RunID != opts.RunID {
			continue
		}
		expired := opts.TTL > 0 && e.DivertedAt.Add(opts.TTL).Before(now)
		all := opts.RunID != "" && opts.TTL == 0 && opts.QuotaBytes == 0
		if expired || all {
			if err := drop(e); err != nil {
				return res, err
			}
			continue
		}
		kept = append(kept, e)
	}

	if opts.QuotaBytes > 0 {
		var total int64
		for _, e := range kept {
			total += e.Size
		}
		for len(kept) > 0 && total > opts.QuotaBytes {
			if err := drop(kept[0]); err != nil {
				return res, err
			}
			total -= kept[0].Size
			kept = kept[1:]
		}
	}
	return res, nil
}

func (b *Bin) payloadPath(token string) string {
	return filepath.Join(b.dir, payloadDir, token)
}

func (b *Bin) manifestPath(token string) string {
	return filepath.Join(b.dir, manifestDir, token+".json")
}

func (b *Bin) writeManifest(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.manifestPath(e.Token), data, 0o600)
}

func (b *Bin) readManifest(token string) (*Entry, error) {
	if token == "" || strings.ContainsAny(token, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, token)
	}
	data, err := os.ReadFile(b.manifestPath(token))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, token)
		}
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", token, err)
	}
	return &e, nil
}

func copyFile(src, dst string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package capabilities is the grant ledger consulted before any tool runs.
// A capability is a string "domain.verb:selector" granted to a scope,
// usually a run id.
package capabilities

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

var ErrAuthorizationDenied = errors.New("authorization denied")

// DeniedError is returned by Authorize when no grant in the scope matches.
type DeniedError struct {
	Scope     string
	Requested string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied by policy: scope %q lacks capability %q", e.Scope, e.Requested)
}

func (e *DeniedError) Unwrap() error { return ErrAuthorizationDenied }

type grant struct {
	pattern string
	// nil for exact-match patterns
	wildcard glob.Glob
}

func (g grant) matches(requested string) bool {
	if g.pattern == requested {
		return true
	}
	return g.wildcard != nil && g.wildcard.Match(requested)
}

// Store holds the grants of every scope. Scopes never share grants.
type Store struct {
	mu     sync.RWMutex
	scopes map[string]map[string]grant
}

func NewStore() *Store {
	return &Store{scopes: make(map[string]map[string]grant)}
}

// Grant adds pattern to the scope. Granting the same pattern twice is a no-op.
func (s *Store) Grant(scope, pattern string) error {
	if pattern == "" {
		return fmt.Errorf("grant %q: empty pattern", scope)
	}
	g, err := compileGrant(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.scopes[scope]
	if !ok {
		set = make(map[string]grant)
		s.scopes[scope] = set
	}
	if _, exists := set[pattern]; !exists {
		set[pattern] = g
	}
	return nil
}

// Revoke removes the exact pattern string from the scope.
func (s *Store) Revoke(scope, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.scopes[scope]
	if !ok {
		return
	}
	delete(set, pattern)
	if len(set) == 0 {
		delete(s.scopes, scope)
	}
}

func (s *Store) Check(scope, requested string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(scope, requested)
}

func (s *Store) checkLocked(scope, requested string) bool {
	for _, g := range s.scopes[scope] {
		if g.matches(requested) {
			return true
		}
	}
	return false
}

// CheckResult partitions a batch of requested capabilities.
type CheckResult struct {
	Granted []string `json:"granted"`
	Denied  []string `json:"denied"`
}

// CheckAll checks every requested capability against one consistent view of
// the scope, preserving input order in both partitions.
func (s *Store) CheckAll(scope string, requested []string) CheckResult {
	res := CheckResult{Granted: []string{}, Denied: []string{}}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range requested {
		if s.checkLocked(scope, r) {
			res.Granted = append(res.Granted, r)
		} else {
			res.Denied = append(res.Denied, r)
		}
	}
	return res
}

// Authorize is Check that reports a denial as a *DeniedError.
func (s *Store) Authorize(scope, requested string) error {
	if s.Check(scope, requested) {
		return nil
	}
	return &DeniedError{Scope: scope, Requested: requested}
}

// ListGrants returns the scope's patterns sorted for stable output.
func (s *Store) ListGrants(scope string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.scopes[scope]))
	for p := range s.scopes[scope] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Clear(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope)
}

// Scopes lists every scope holding at least one grant.
func (s *Store) Scopes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.scopes))
	for sc := range s.scopes {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// replaceScope swaps the scope's whole grant set in one step.
func (s *Store) replaceScope(scope string, patterns []string) error {
	set := make(map[string]grant, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := compileGrant(p)
		if err != nil {
			return err
		}
		set[p] = g
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(set) == 0 {
		delete(s.scopes, scope)
		return nil
	}
	s.scopes[scope] = set
	return nil
}

// compileGrant prepares the wildcard forms "domain.verb:*" and
// "domain.verb:<prefix>**". Both reduce to a prefix match on everything
// before the trailing wildcard; the prefix itself is matched literally.
func compileGrant(pattern string) (grant, error) {
	g := grant{pattern: pattern}
	var prefix string
	switch {
	case strings.HasSuffix(pattern, ":*"):
		prefix = strings.TrimSuffix(pattern, "*")
	case strings.HasSuffix(pattern, "**") && strings.Contains(strings.TrimSuffix(pattern, "**"), ":"):
		prefix = strings.TrimSuffix(pattern, "**")
	default:
		return g, nil
	}
	w, err := glob.Compile(glob.QuoteMeta(prefix) + "**")
	if err != nil {
		return g, fmt.Errorf("compile capability pattern %q: %w", pattern, err)
	}
	g.wildcard = w
	return g, nil
}

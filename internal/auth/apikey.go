// Package auth authenticates API callers by key and maps each key to a
// role. Agents invoke tools; only approvers and admins resolve approvals.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Role string

const (
	RoleAgent    Role = "agent"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

func (r Role) valid() bool {
	return r == RoleAgent || r == RoleApprover || r == RoleAdmin
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Role        string `yaml:"role"`
}

type apiKey struct {
	id   string
	key  []byte
	role Role
}

type APIKeyAuth struct {
	headerName string
	keys       []apiKey
}

// LoadAPIKeys reads a YAML list of {id, key, role}. A missing role means
// admin.
func LoadAPIKeys(keysFile, headerName string) (*APIKeyAuth, error) {
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	return ParseAPIKeys(b, headerName)
}

func ParseAPIKeys(data []byte, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-API-Key"
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	a := &APIKeyAuth{headerName: headerName}
	for _, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		role := Role(strings.ToLower(strings.TrimSpace(e.Role)))
		if role == "" {
			role = RoleAdmin
		}
		if !role.valid() {
			return nil, fmt.Errorf("api key %q: unknown role %q", e.ID, e.Role)
		}
		a.keys = append(a.keys, apiKey{id: e.ID, key: []byte(e.Key), role: role})
	}
	if len(a.keys) == 0 {
		return nil, fmt.Errorf("api keys file contains no keys")
	}
	return a, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

// RoleForKey returns "" for an unknown key. Every key is compared so the
// time taken does not depend on which one matched.
func (a *APIKeyAuth) RoleForKey(key string) Role {
	if a == nil || key == "" {
		return ""
	}
	var role Role
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k.key, []byte(key)) == 1 {
			role = k.role
		}
	}
	return role
}

type roleKey struct{}

func WithRole(ctx context.Context, r Role) context.Context {
	return context.WithValue(ctx, roleKey{}, r)
}

func RoleFromContext(ctx context.Context) Role {
	r, _ := ctx.Value(roleKey{}).(Role)
	return r
}

// Middleware rejects requests without a known key and stores the key's
// role in the request context. A nil receiver admits everyone as admin.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), RoleAdmin)))
			return
		}
		role := a.RoleForKey(r.Header.Get(a.headerName))
		if role == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
	})
}

// RequireRole admits only requests whose role is one of roles. Admin is
// always admitted.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := RoleFromContext(r.Context())
			if got == RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, want := range roles {
				if got == want {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, fmt.Sprintf("role %q may not call this endpoint", got))
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

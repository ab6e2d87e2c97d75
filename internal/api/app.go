// Package api is the HTTP surface of the daemon: tool invocation, approval
// resolution, undo, process sessions, capabilities, trash and the event
// stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentsh/actiond/internal/approvals"
	"github.com/agentsh/actiond/internal/auth"
	"github.com/agentsh/actiond/internal/capabilities"
	"github.com/agentsh/actiond/internal/dispatch"
	"github.com/agentsh/actiond/internal/events"
	"github.com/agentsh/actiond/internal/execreg"
	"github.com/agentsh/actiond/internal/journal"
	"github.com/agentsh/actiond/internal/metrics"
	"github.com/agentsh/actiond/internal/store"
	"github.com/agentsh/actiond/internal/trash"
	"github.com/agentsh/actiond/internal/undo"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/go-chi/chi/v5"
)

type Deps struct {
	Capabilities *capabilities.Store
	Gate         *approvals.Gate
	// TOTP, when set, is the only way to resolve approvals over HTTP.
	TOTP       *approvals.TOTPResolver
	Dispatcher *dispatch.Dispatcher
	Journal    *journal.Journal
	Undo       *undo.Engine
	Registry   *execreg.Registry
	Spawner    *execreg.Spawner
	Trash      *trash.Bin
	Events     store.EventStore
	Broker     *events.Broker
	Metrics    *metrics.Collector
	Auth       *auth.APIKeyAuth
	Ready      func() bool

	MaxRequestBytes int64
	MetricsPath     string
	HealthPath      string
	ReadyPath       string
	Logger          *slog.Logger
}

type App struct {
	d      Deps
	logger *slog.Logger
}

func New(d Deps) *App {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}
	if d.HealthPath == "" {
		d.HealthPath = "/health"
	}
	if d.ReadyPath == "" {
		d.ReadyPath = "/ready"
	}
	return &App{d: d, logger: d.Logger}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.d.HealthPath, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get(a.d.ReadyPath, a.ready)
	if a.d.Metrics != nil {
		r.Handle(a.d.MetricsPath, a.d.Metrics.Handler(metrics.HandlerOptions{
			RunningSessions:  a.runningCount,
			PendingApprovals: a.pendingCount,
			DroppedEvents:    a.droppedCount,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.d.Auth.Middleware)
		r.Use(a.limitBody)

		r.Get("/tools", a.listTools)
		r.With(auth.RequireRole(auth.RoleAgent)).Post("/invoke", a.invoke)

		r.Get("/capabilities", a.listScopes)
		r.Get("/capabilities/{scope}", a.listGrants)
		r.Post("/capabilities/{scope}/check", a.checkCapabilities)
		r.With(auth.RequireRole(auth.RoleAdmin)).Post("/capabilities/{scope}/grant", a.grantCapabilities)
		r.With(auth.RequireRole(auth.RoleAdmin)).Post("/capabilities/{scope}/revoke", a.revokeCapabilities)

		r.Get("/approvals", a.listApprovals)
		r.Get("/approvals/{id}", a.getApproval)
		r.With(auth.RequireRole(auth.RoleApprover)).Post("/approvals/{id}", a.resolveApproval)

		r.Get("/actions", a.listActions)
		r.Get("/actions/{id}", a.getAction)
		r.Get("/undo", a.listUndoable)
		r.Post("/undo/last", a.undoLast)
		r.Post("/undo/all", a.undoAll)
		r.Post("/undo/{id}", a.undoAction)

		r.Get("/sessions", a.listSessions)
		r.Get("/sessions/{id}", a.getSession)
		r.With(auth.RequireRole(auth.RoleAdmin)).Post("/sessions/{id}/kill", a.killSession)

		r.Get("/trash", a.listTrash)
		r.With(auth.RequireRole(auth.RoleAdmin)).Post("/trash/purge", a.purgeTrash)
		r.With(auth.RequireRole(auth.RoleAdmin)).Post("/trash/{token}/restore", a.restoreTrash)

		r.Get("/events", a.searchEvents)
		r.Get("/events/stream", a.streamEvents)
	})
	return r
}

func (a *App) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.d.MaxRequestBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.d.MaxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) ready(w http.ResponseWriter, _ *http.Request) {
	if a.d.Ready != nil && !a.d.Ready() {
		writeText(w, http.StatusServiceUnavailable, "recovering\n")
		return
	}
	writeText(w, http.StatusOK, "ready\n")
}

func (a *App) runningCount() int {
	if a.d.Registry == nil {
		return 0
	}
	return a.d.Registry.RunningCount()
}

func (a *App) pendingCount() int {
	if a.d.Gate == nil {
		return 0
	}
	return a.d.Gate.PendingCount()
}

func (a *App) droppedCount() int64 {
	if a.d.Broker == nil {
		return 0
	}
	return a.d.Broker.DroppedCount()
}

func (a *App) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": a.d.Dispatcher.Catalog()})
}

type invokeResponse struct {
	Record types.ActionRecord `json:"record"`
	Output string             `json:"output,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (a *App) invoke(w http.ResponseWriter, r *http.Request) {
	var inv dispatch.Invocation
	if !decodeJSON(w, r, &inv, "invalid invocation json") {
		return
	}
	if strings.TrimSpace(inv.RunID) == "" || strings.TrimSpace(inv.Tool) == "" {
		writeError(w, http.StatusBadRequest, "run_id and tool are required")
		return
	}
	res, err := a.d.Dispatcher.Invoke(r.Context(), inv)
	if err == nil {
		writeJSON(w, http.StatusOK, invokeResponse{Record: res.Record, Output: res.Output})
		return
	}
	if res.Record.ID != "" {
		// The tool ran and failed; the journal entry is the answer.
		writeJSON(w, http.StatusOK, invokeResponse{Record: res.Record, Output: res.Output, Error: err.Error()})
		return
	}
	writeError(w, invokeStatus(err), err.Error())
}

func invokeStatus(err error) int {
	switch {
	case errors.Is(err, capabilities.ErrAuthorizationDenied),
		errors.Is(err, dispatch.ErrApprovalRejected),
		errors.Is(err, dispatch.ErrApprovalTimeout),
		errors.Is(err, dispatch.ErrNoApprovalConfigured):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrMissingArg), errors.Is(err, dispatch.ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, invalidMsg string) bool {
	if invalidMsg == "" {
		invalidMsg = "invalid json"
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, invalidMsg)
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, dst, "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}

func parseEventQuery(r *http.Request) (types.EventQuery, error) {
	v := r.URL.Query()
	q := types.EventQuery{
		RunID:    v.Get("run_id"),
		ActionID: v.Get("action_id"),
		PathLike: v.Get("path_like"),
		TextLike: v.Get("text_like"),
		Asc:      v.Get("order") == "asc",
	}
	if t := v.Get("type"); t != "" {
		q.Types = strings.Split(t, ",")
	}
	var err error
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return q, fmt.Errorf("limit: %w", err)
		}
	}
	if s := v.Get("offset"); s != "" {
		if q.Offset, err = strconv.Atoi(s); err != nil {
			return q, fmt.Errorf("offset: %w", err)
		}
	}
	if s := v.Get("since"); s != "" {
		t, err := parseTimeOrAgo(s)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if s := v.Get("until"); s != "" {
		t, err := parseTimeOrAgo(s)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// parseTimeOrAgo accepts RFC3339 or a duration meaning "that long ago".
func parseTimeOrAgo(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

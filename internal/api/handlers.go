package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentsh/actiond/internal/approvals"
	"github.com/agentsh/actiond/internal/execreg"
	"github.com/agentsh/actiond/internal/trash"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sys/unix"
)

type capabilityRequest struct {
	Capabilities []string `json:"capabilities"`
}

func (a *App) listScopes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scopes": a.d.Capabilities.Scopes()})
}

func (a *App) listGrants(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "grants": a.d.Capabilities.ListGrants(scope)})
}

func (a *App) checkCapabilities(w http.ResponseWriter, r *http.Request) {
	var req capabilityRequest
	if !decodeJSON(w, r, &req, "invalid capability json") {
		return
	}
	writeJSON(w, http.StatusOK, a.d.Capabilities.CheckAll(chi.URLParam(r, "scope"), req.Capabilities))
}

func (a *App) grantCapabilities(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	var req capabilityRequest
	if !decodeJSON(w, r, &req, "invalid capability json") {
		return
	}
	for _, c := range req.Capabilities {
		if err := a.d.Capabilities.Grant(scope, c); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	a.logger.Info("capabilities granted", "scope", scope, "count", len(req.Capabilities))
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "grants": a.d.Capabilities.ListGrants(scope)})
}

func (a *App) revokeCapabilities(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	var req capabilityRequest
	if !decodeJSON(w, r, &req, "invalid capability json") {
		return
	}
	for _, c := range req.Capabilities {
		a.d.Capabilities.Revoke(scope, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "grants": a.d.Capabilities.ListGrants(scope)})
}

func (a *App) listApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": a.d.Gate.ListPending()})
}

func (a *App) getApproval(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.d.Gate.Snapshot(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resolveRequest struct {
	Decision types.ApprovalDecision `json:"decision"`
	Code     string                 `json:"code,omitempty"`
}

func (a *App) resolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if !decodeJSON(w, r, &req, "invalid approval json") {
		return
	}
	if !req.Decision.Valid() {
		writeError(w, http.StatusBadRequest, "decision must be allow-once, allow-always or deny")
		return
	}
	var resolved bool
	if a.d.TOTP != nil {
		var err error
		resolved, err = a.d.TOTP.Resolve(id, req.Decision, req.Code)
		if errors.Is(err, approvals.ErrInvalidTOTP) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
	} else {
		resolved = a.d.Gate.Resolve(id, req.Decision)
	}
	if !resolved {
		writeError(w, http.StatusNotFound, "approval not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "decision": req.Decision})
}

func (a *App) listActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": a.d.Journal.List(r.URL.Query().Get("run_id"))})
}

func (a *App) getAction(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.d.Journal.GetByID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) listUndoable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": a.d.Undo.ListUndoable(r.URL.Query().Get("run_id"))})
}

type undoRequest struct {
	N     int    `json:"n,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

func (a *App) undoAction(w http.ResponseWriter, r *http.Request) {
	writeUndo(w, []types.UndoResult{a.d.Undo.UndoAction(r.Context(), chi.URLParam(r, "id"))})
}

func (a *App) undoLast(w http.ResponseWriter, r *http.Request) {
	req := undoRequest{N: 1}
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	writeUndo(w, a.d.Undo.UndoLastN(r.Context(), req.N, req.RunID))
}

func (a *App) undoAll(w http.ResponseWriter, r *http.Request) {
	var req undoRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	writeUndo(w, a.d.Undo.UndoAll(r.Context(), req.RunID))
}

// writeUndo always answers 200; per-action failures live in the results.
func writeUndo(w http.ResponseWriter, results []types.UndoResult) {
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "failed": failed})
}

func (a *App) listSessions(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"running": a.d.Registry.ListRunningSessions()}
	if r.URL.Query().Get("finished") != "false" {
		out["finished"] = a.d.Registry.ListFinishedSessions()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if ps, ok := a.d.Registry.GetSession(id); ok {
		writeJSON(w, http.StatusOK, ps)
		return
	}
	if ps, ok := a.d.Registry.GetFinishedSession(id); ok {
		writeJSON(w, http.StatusOK, ps)
		return
	}
	writeError(w, http.StatusNotFound, "session not found")
}

var killSignals = map[string]unix.Signal{
	"":        unix.SIGTERM,
	"SIGTERM": unix.SIGTERM,
	"SIGKILL": unix.SIGKILL,
	"SIGINT":  unix.SIGINT,
	"SIGHUP":  unix.SIGHUP,
}

func (a *App) killSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := strings.ToUpper(r.URL.Query().Get("signal"))
	if name != "" && !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig, ok := killSignals[name]
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported signal")
		return
	}
	if err := a.d.Spawner.Kill(id, sig); err != nil {
		if errors.Is(err, execreg.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("session signalled", "session_id", id, "signal", sig.String())
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "signal": sig.String()})
}

func (a *App) trashBin(w http.ResponseWriter) (*trash.Bin, bool) {
	if a.d.Trash == nil {
		writeError(w, http.StatusNotFound, "trash is disabled")
		return nil, false
	}
	return a.d.Trash, true
}

func (a *App) listTrash(w http.ResponseWriter, r *http.Request) {
	bin, ok := a.trashBin(w)
	if !ok {
		return
	}
	entries, err := bin.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run := r.URL.Query().Get("run_id"); run != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.RunID == run {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type restoreRequest struct {
	Dest  string `json:"dest,omitempty"`
	Force bool   `json:"force,omitempty"`
}

func (a *App) restoreTrash(w http.ResponseWriter, r *http.Request) {
	bin, ok := a.trashBin(w)
	if !ok {
		return
	}
	var req restoreRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	path, err := bin.Restore(chi.URLParam(r, "token"), req.Dest, req.Force)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"restored": path})
	case errors.Is(err, trash.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trash.ErrDestinationExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, trash.ErrHashMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type purgeRequest struct {
	TTL    string `json:"ttl,omitempty"`
	Quota  int64  `json:"quota_bytes,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

func (a *App) purgeTrash(w http.ResponseWriter, r *http.Request) {
	bin, ok := a.trashBin(w)
	if !ok {
		return
	}
	var req purgeRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	opts := trash.PurgeOptions{QuotaBytes: req.Quota, RunID: req.RunID, DryRun: req.DryRun}
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		opts.TTL = d
	}
	res, err := bin.Purge(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

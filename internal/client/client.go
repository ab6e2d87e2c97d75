// Package client talks to the actiond HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentsh/actiond/internal/capabilities"
	"github.com/agentsh/actiond/internal/dispatch"
	"github.com/agentsh/actiond/internal/trash"
	"github.com/agentsh/actiond/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	headerName string
	httpClient *http.Client
}

type Option func(*Client)

// WithHeaderName overrides the API key header (default X-API-Key).
func WithHeaderName(h string) Option {
	return func(c *Client) {
		if h != "" {
			c.headerName = h
		}
	}
}

// WithTimeout bounds each request. Invocations that wait on approval need
// at least the approval timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		headerName: "X-API-Key",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type HTTPError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, body)
}

// InvokeResult mirrors the /invoke response. Error is set when the tool
// ran and failed.
type InvokeResult struct {
	Record types.ActionRecord `json:"record"`
	Output string             `json:"output,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (c *Client) Tools(ctx context.Context) ([]dispatch.ToolInfo, error) {
	var out struct {
		Tools []dispatch.ToolInfo `json:"tools"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &out)
	return out.Tools, err
}

func (c *Client) Invoke(ctx context.Context, inv dispatch.Invocation) (InvokeResult, error) {
	var out InvokeResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/invoke", nil, inv, &out)
	return out, err
}

func (c *Client) ListGrants(ctx context.Context, scope string) ([]string, error) {
	var out struct {
		Grants []string `json:"grants"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/capabilities/"+url.PathEscape(scope), nil, nil, &out)
	return out.Grants, err
}

func (c *Client) CheckCapabilities(ctx context.Context, scope string, caps []string) (capabilities.CheckResult, error) {
	var out capabilities.CheckResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/capabilities/"+url.PathEscape(scope)+"/check", nil,
		map[string]any{"capabilities": caps}, &out)
	return out, err
}

func (c *Client) Grant(ctx context.Context, scope string, caps []string) ([]string, error) {
	return c.changeGrants(ctx, scope, "grant", caps)
}

func (c *Client) Revoke(ctx context.Context, scope string, caps []string) ([]string, error) {
	return c.changeGrants(ctx, scope, "revoke", caps)
}

func (c *Client) changeGrants(ctx context.Context, scope, verb string, caps []string) ([]string, error) {
	var out struct {
		Grants []string `json:"grants"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/capabilities/"+url.PathEscape(scope)+"/"+verb, nil,
		map[string]any{"capabilities": caps}, &out)
	return out.Grants, err
}

func (c *Client) ListApprovals(ctx context.Context) ([]types.ApprovalRecord, error) {
	var out struct {
		Approvals []types.ApprovalRecord `json:"approvals"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/approvals", nil, nil, &out)
	return out.Approvals, err
}

func (c *Client) ResolveApproval(ctx context.Context, id string, decision types.ApprovalDecision, code string) error {
	body := map[string]any{"decision": decision}
	if code != "" {
		body["code"] = code
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id), nil, body, nil)
}

func (c *Client) ListActions(ctx context.Context, runID string) ([]types.ActionRecord, error) {
	var out struct {
		Actions []types.ActionRecord `json:"actions"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/actions", runQuery(runID), nil, &out)
	return out.Actions, err
}

func (c *Client) ListUndoable(ctx context.Context, runID string) ([]types.ActionRecord, error) {
	var out struct {
		Actions []types.ActionRecord `json:"actions"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/undo", runQuery(runID), nil, &out)
	return out.Actions, err
}

type undoResponse struct {
	Results []types.UndoResult `json:"results"`
}

func (c *Client) UndoAction(ctx context.Context, id string) ([]types.UndoResult, error) {
	var out undoResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/undo/"+url.PathEscape(id), nil, nil, &out)
	return out.Results, err
}

func (c *Client) UndoLast(ctx context.Context, n int, runID string) ([]types.UndoResult, error) {
	var out undoResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/undo/last", nil, map[string]any{"n": n, "run_id": runID}, &out)
	return out.Results, err
}

func (c *Client) UndoAll(ctx context.Context, runID string) ([]types.UndoResult, error) {
	var out undoResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/undo/all", nil, map[string]any{"run_id": runID}, &out)
	return out.Results, err
}

type Sessions struct {
	Running  []types.ProcessSession `json:"running"`
	Finished []types.ProcessSession `json:"finished"`
}

func (c *Client) ListSessions(ctx context.Context) (Sessions, error) {
	var out Sessions
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (types.ProcessSession, error) {
	var out types.ProcessSession
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) KillSession(ctx context.Context, id, signal string) error {
	var q url.Values
	if signal != "" {
		q = url.Values{"signal": {signal}}
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/kill", q, nil, nil)
}

func (c *Client) ListTrash(ctx context.Context, runID string) ([]trash.Entry, error) {
	var out struct {
		Entries []trash.Entry `json:"entries"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/trash", runQuery(runID), nil, &out)
	return out.Entries, err
}

func (c *Client) RestoreTrash(ctx context.Context, token, dest string, force bool) (string, error) {
	var out struct {
		Restored string `json:"restored"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/trash/"+url.PathEscape(token)+"/restore", nil,
		map[string]any{"dest": dest, "force": force}, &out)
	return out.Restored, err
}

type PurgeRequest struct {
	TTL        string `json:"ttl,omitempty"`
	QuotaBytes int64  `json:"quota_bytes,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

func (c *Client) PurgeTrash(ctx context.Context, req PurgeRequest) (trash.PurgeResult, error) {
	var out trash.PurgeResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/trash/purge", nil, req, &out)
	return out, err
}

func (c *Client) SearchEvents(ctx context.Context, q url.Values) ([]types.Event, error) {
	var out []types.Event
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/events", q, nil, &out)
	return out, err
}

func runQuery(runID string) url.Values {
	if runID == "" {
		return nil
	}
	return url.Values{"run_id": {runID}}
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &HTTPError{Method: method, Path: path, Status: resp.Status, StatusCode: resp.StatusCode, Body: errorBody(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errorBody unwraps {"error": "..."} so messages read naturally.
func errorBody(b []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(b)
}

//go:build unix

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentsh/actiond/internal/approvals"
	"github.com/agentsh/actiond/internal/auth"
	"github.com/agentsh/actiond/internal/capabilities"
	"github.com/agentsh/actiond/internal/dispatch"
	"github.com/agentsh/actiond/internal/events"
	"github.com/agentsh/actiond/internal/execreg"
	"github.com/agentsh/actiond/internal/journal"
	"github.com/agentsh/actiond/internal/metrics"
	"github.com/agentsh/actiond/internal/store/sqlite"
	"github.com/agentsh/actiond/internal/trash"
	"github.com/agentsh/actiond/internal/undo"
	"github.com/agentsh/actiond/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeys = `
- id: admin
  key: admin-key
  role: admin
- id: approver
  key: approver-key
  role: approver
- id: bot
  key: agent-key
  role: agent
`

type harness struct {
	srv  *httptest.Server
	deps Deps
	dir  string
}

func newHarness(t *testing.T, gated []types.ActionCategory) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := sqlite.Open(filepath.Join(dir, "actiond.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := events.NewBroker()
	emitter := events.NewEmitter(st, broker)
	collector := metrics.New()

	gate := approvals.New(approvals.Options{MinTimeout: 10 * time.Millisecond, Emitter: emitter})
	t.Cleanup(gate.Shutdown)

	reg := execreg.New(execreg.Config{SkipRecovery: true})
	t.Cleanup(func() { _ = reg.Close() })
	spawner := execreg.NewSpawner(reg, nil)

	bin, err := trash.New(trash.Config{Dir: filepath.Join(dir, ".trash")})
	require.NoError(t, err)

	caps := capabilities.NewStore()
	j := journal.New(journal.Options{Sink: st, Emitter: emitter, Observer: collector})
	eng := undo.New(undo.Options{Journal: j, Trash: bin, Emitter: emitter, Observer: collector})
	disp := dispatch.New(dispatch.Options{
		Capabilities:       caps,
		Journal:            j,
		Approver:           gate,
		ApprovalCategories: gated,
		ApprovalTimeout:    2 * time.Second,
		Tools:              []dispatch.Tool{dispatch.WriteFile{}, dispatch.ReadFile{}, dispatch.Shell{Runner: spawner}},
		Emitter:            emitter,
		Observer:           collector,
	})

	keys, err := auth.ParseAPIKeys([]byte(testKeys), "")
	require.NoError(t, err)

	d := Deps{
		Capabilities:    caps,
		Gate:            gate,
		Dispatcher:      disp,
		Journal:         j,
		Undo:            eng,
		Registry:        reg,
		Spawner:         spawner,
		Trash:           bin,
		Events:          st,
		Broker:          broker,
		Metrics:         collector,
		Auth:            keys,
		MaxRequestBytes: 1 << 16,
	}
	srv := httptest.NewServer(New(d).Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, deps: d, dir: dir}
}

func (h *harness) do(t *testing.T, method, path, key string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (h *harness) write(name, content string) dispatch.Invocation {
	return dispatch.Invocation{
		RunID: "run-1",
		Tool:  "write_file",
		Cwd:   h.dir,
		Args:  map[string]any{"path": name, "content": content},
	}
}

func TestHealthAndReadyBypassAuth(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/v1/tools", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReadyReportsRecovery(t *testing.T) {
	d := Deps{Ready: func() bool { return false }}
	srv := httptest.NewServer(New(d).Router())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestInvoke_DeniedWithoutGrant(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodPost, "/api/v1/invoke", "agent-key", h.write("a.txt", "x"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "denied by policy")
	assert.Equal(t, 0, h.deps.Journal.Len())
}

func TestInvoke_RoleAndValidation(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodPost, "/api/v1/invoke", "approver-key", h.write("a.txt", "x"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/invoke", "agent-key", dispatch.Invocation{Tool: "write_file"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/invoke", "agent-key", dispatch.Invocation{RunID: "r", Tool: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	bad := h.write("a.txt", "x")
	bad.Args["content"] = 12
	resp, body := h.do(t, http.MethodPost, "/api/v1/invoke", "agent-key", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid arguments")

	resp, body = h.do(t, http.MethodGet, "/api/v1/tools", "agent-key", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tools"], 3)

	big := h.write("a.txt", strings.Repeat("x", 1<<17))
	resp, _ = h.do(t, http.MethodPost, "/api/v1/invoke", "agent-key", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestInvokeThenUndoOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(h.dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	resp, _ := h.do(t, http.MethodPost, "/api/v1/capabilities/run-1/grant", "admin-key",
		capabilityRequest{Capabilities: []string{"fs.write:" + h.dir + "/**"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/v1/invoke", "agent-key", h.write("a.txt", "modified"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := body["record"].(map[string]any)
	assert.Equal(t, true, rec["undoable"])
	id := rec["id"].(string)

	resp, body = h.do(t, http.MethodGet, "/api/v1/undo?run_id=run-1", "agent-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["actions"], 1)

	resp, body = h.do(t, http.MethodPost, "/api/v1/undo/last", "agent-key", undoRequest{N: 1, RunID: "run-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["failed"])
	got, _ := os.ReadFile(path)
	assert.Equal(t, "original", string(got))

	resp, body = h.do(t, http.MethodPost, "/api/v1/undo/"+id, "agent-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["failed"], "second undo reports already undone")

	resp, _ = h.do(t, http.MethodGet, "/api/v1/actions/"+id, "agent-key", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/api/v1/actions/missing", "agent-key", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, evs := h.doList(t, "/api/v1/events?run_id=run-1&type="+events.ActionRecorded)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, evs, 1)
}

func (h *harness) doList(t *testing.T, path string) (*http.Response, []types.Event) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "admin-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var evs []types.Event
	_ = json.NewDecoder(resp.Body).Decode(&evs)
	return resp, evs
}

func TestCapabilityEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodPost, "/api/v1/capabilities/s/grant", "agent-key",
		capabilityRequest{Capabilities: []string{"fs.read:*"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/capabilities/s/grant", "admin-key",
		capabilityRequest{Capabilities: []string{"fs.read:*", "exec.run:git"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/v1/capabilities/s/check", "agent-key",
		capabilityRequest{Capabilities: []string{"fs.read:/etc/hosts", "fs.write:/etc/hosts", "exec.run:git"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"fs.read:/etc/hosts", "exec.run:git"}, body["granted"])
	assert.Equal(t, []any{"fs.write:/etc/hosts"}, body["denied"])

	resp, body = h.do(t, http.MethodPost, "/api/v1/capabilities/s/revoke", "admin-key",
		capabilityRequest{Capabilities: []string{"exec.run:git"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"fs.read:*"}, body["grants"])
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	h := newHarness(t, []types.ActionCategory{types.CategoryMutate})
	require.NoError(t, h.deps.Capabilities.Grant("run-1", "fs.write:*"))

	type result struct {
		code int
		body map[string]any
	}
	done := make(chan result, 1)
	go func() {
		resp, body := h.do(t, http.MethodPost, "/api/v1/invoke", "agent-key", h.write("a.txt", "x"))
		done <- result{resp.StatusCode, body}
	}()

	var pending []types.ApprovalRecord
	require.Eventually(t, func() bool {
		pending = h.deps.Gate.ListPending()
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
	id := pending[0].ID

	resp, _ := h.do(t, http.MethodPost, "/api/v1/approvals/"+id, "agent-key", resolveRequest{Decision: types.DecisionAllowOnce})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "agents cannot approve")

	resp, _ = h.do(t, http.MethodPost, "/api/v1/approvals/"+id, "approver-key", resolveRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/v1/approvals/"+id, "approver-key", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/approvals/"+id, "approver-key", resolveRequest{Decision: types.DecisionDeny})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := <-done
	assert.Equal(t, http.StatusForbidden, r.code)
	assert.Contains(t, r.body["error"], "rejected by approver")

	resp, _ = h.do(t, http.MethodPost, "/api/v1/approvals/"+id, "approver-key", resolveRequest{Decision: types.DecisionDeny})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprovalRequiresTOTPWhenConfigured(t *testing.T) {
	h := newHarness(t, nil)
	secret, err := approvals.GenerateTOTPSecret()
	require.NoError(t, err)
	d := h.deps
	d.TOTP = &approvals.TOTPResolver{Gate: d.Gate, Secret: secret}
	srv := httptest.NewServer(New(d).Router())
	defer srv.Close()
	h.srv = srv

	rec, err := d.Gate.Create(types.ExecApprovalRequest{Command: "rm x"}, time.Minute, "")
	require.NoError(t, err)
	resp, body := h.do(t, http.MethodPost, "/api/v1/approvals/"+rec.ID, "approver-key",
		resolveRequest{Decision: types.DecisionAllowOnce, Code: "000000"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid TOTP code")
	_, ok := d.Gate.Snapshot(rec.ID)
	assert.True(t, ok, "bad code leaves the request pending")
}

func TestSessionsEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	ps, err := h.deps.Spawner.Run(context.Background(), execreg.SpawnRequest{Command: "echo hi"})
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/api/v1/sessions/"+ps.ID, "agent-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.ProcessStatusCompleted), body["status"])

	resp, _ = h.do(t, http.MethodGet, "/api/v1/sessions/missing", "agent-key", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	sess, err := h.deps.Spawner.Spawn(execreg.SpawnRequest{Command: "sleep 30"})
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID()+"/kill?signal=kill", "agent-key", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID()+"/kill?signal=kill", "admin-key", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not killed")
	}

	resp, _ = h.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID()+"/kill?signal=bogus", "admin-key", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrashEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(h.dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o644))
	e, err := h.deps.Trash.Divert(path, trash.Origin{RunID: "run-1"})
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/api/v1/trash?run_id=run-1", "agent-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 1)

	resp, _ = h.do(t, http.MethodPost, "/api/v1/trash/"+e.Token+"/restore", "admin-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, _ := os.ReadFile(path)
	assert.Equal(t, "keep me", string(got))

	resp, _ = h.do(t, http.MethodPost, "/api/v1/trash/"+e.Token+"/restore", "admin-key", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/api/v1/trash/purge", "admin-key", purgeRequest{TTL: "1h", DryRun: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["bytes_reclaimed"])
}

func TestEventStreamWebsocket(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/v1/events/stream?run_id=run-1"
	hdr := http.Header{}
	hdr.Set("X-API-Key", "agent-key")
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade returns, so keep
	// publishing until the first frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				h.deps.Broker.Publish(types.Event{ID: "e1", Type: "ping", RunID: "run-1"})
				h.deps.Broker.Publish(types.Event{ID: "e2", Type: "ping", RunID: "run-2"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "run-1", ev.RunID)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("data_dir: /var/lib/actiond\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7420", cfg.Server.HTTP.Addr)
	assert.Equal(t, "none", cfg.Auth.Type)
	assert.Equal(t, "/var/lib/actiond/exec-state.json", cfg.Exec.StateFile)
	assert.Equal(t, "/var/lib/actiond/actiond.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "/var/lib/actiond/trash", cfg.Trash.Dir)
	assert.Equal(t, 200, cfg.Exec.MaxFinished)
	assert.Equal(t, []types.ActionCategory{types.CategoryMutate, types.CategoryExec}, cfg.Approvals.ApprovalCategories())
	assert.True(t, cfg.Approvals.HasTransport("api"))
	assert.False(t, cfg.Approvals.HasTransport("tty"))
	assert.Equal(t, 2*time.Minute, Duration(cfg.Approvals.Timeout, 0))
	assert.Equal(t, int64(200000), ByteSize(cfg.Exec.MaxOutput, 0))
	assert.Zero(t, cfg.RateLimit.InvocationsPerSecond)
	assert.Equal(t, 10*time.Minute, Duration(cfg.RateLimit.IdleTTL, 0))
}

func TestLoad_ParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http:
    addr: "0.0.0.0:9000"
    max_request_size: 1MiB
auth:
  type: api_key
  api_key:
    keys_file: /etc/actiond/keys.yaml
logging:
  level: debug
  format: json
  journal: true
data_dir: `+dir+`
storage:
  event_retention: 720h
rate_limit:
  invocations_per_second: 2.5
capabilities:
  grants_file: `+filepath.Join(dir, "grants.yaml")+`
  watch: true
approvals:
  enabled: true
  timeout: 30s
  categories: [exec]
  transports: [api, totp]
  totp_secret: JBSWY3DPEHPK3PXP
exec:
  max_output: 64KiB
  reap_interval: 500ms
events:
  jsonl:
    path: `+filepath.Join(dir, "events.jsonl")+`
  otel:
    enabled: true
    endpoint: collector:4317
    filter:
      exclude_types: ["process_*"]
trash:
  enabled: true
  ttl: 168h
  quota: 1GB
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTP.Addr)
	assert.Equal(t, int64(1<<20), ByteSize(cfg.Server.HTTP.MaxRequestSize, 0))
	assert.Equal(t, "X-API-Key", cfg.Auth.APIKey.HeaderName)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Capabilities.Watch)
	assert.Equal(t, []types.ActionCategory{types.CategoryExec}, cfg.Approvals.ApprovalCategories())
	assert.True(t, cfg.Approvals.HasTransport("totp"))
	assert.Equal(t, int64(64*1024), ByteSize(cfg.Exec.MaxOutput, 0))
	assert.Equal(t, 500*time.Millisecond, Duration(cfg.Exec.ReapInterval, 0))
	assert.Equal(t, "50MB", cfg.Events.JSONL.MaxSize)
	assert.Equal(t, 3, cfg.Events.JSONL.MaxBackups)
	assert.Equal(t, "grpc", cfg.Events.OTEL.Protocol)
	assert.Equal(t, []string{"process_*"}, cfg.Events.OTEL.Filter.ExcludeTypes)
	assert.Equal(t, 168*time.Hour, Duration(cfg.Trash.TTL, 0))
	assert.Equal(t, int64(1_000_000_000), ByteSize(cfg.Trash.Quota, 0))
	assert.True(t, cfg.Logging.Journal)
	assert.Equal(t, 720*time.Hour, Duration(cfg.Storage.EventRetention, 0))
	assert.Equal(t, 2.5, cfg.RateLimit.InvocationsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	t.Setenv("ACTIOND_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("ACTIOND_LOG_LEVEL", "warn")
	t.Setenv("ACTIOND_DATA_DIR", dir)
	t.Setenv("ACTIOND_APPROVAL_TIMEOUT", "45s")
	t.Setenv("ACTIOND_OTEL_ENDPOINT", "localhost:4317")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.HTTP.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "exec-state.json"), cfg.Exec.StateFile)
	assert.Equal(t, filepath.Join(dir, "actiond.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, "45s", cfg.Approvals.Timeout)
	assert.True(t, cfg.Events.OTEL.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Events.OTEL.Endpoint)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":          "approvals:\n  timeout: soon\n",
		"bad size":              "exec:\n  max_output: lots\n",
		"bad auth":              "auth:\n  type: oauth\n",
		"api key without file":  "auth:\n  type: api_key\n",
		"bad category":          "approvals:\n  categories: [delete]\n",
		"bad transport":         "approvals:\n  transports: [carrier-pigeon]\n",
		"totp without secret":   "approvals:\n  transports: [totp]\n",
		"otel without endpoint": "events:\n  otel:\n    enabled: true\n",
		"bad otel protocol":     "events:\n  otel:\n    protocol: udp\n",
		"bad log format":        "logging:\n  format: xml\n",
		"negative rate limit":   "rate_limit:\n  invocations_per_second: -1\n",
		"bad event retention":   "storage:\n  event_retention: forever\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(yml))
			assert.Error(t, err)
		})
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"123":     123,
		"1KB":     1000,
		"2MB":     2_000_000,
		"3GB":     3_000_000_000,
		"1KiB":    1024,
		"2MiB":    2 << 20,
		"3GiB":    3 << 30,
		"200_000": 200000,
		" 10 mb ": 10_000_000,
		"512B":    512,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "nope", "-1", "MB", "99999999999GiB"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/policy/dlp"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, t.TempDir(), "safeguard.yaml", `
server:
  address: ":9000"
logging:
  level: DEBUG
  pretty: true
identity:
  user: alice
  role: '"SALES_REP"'
backend:
  base_url: https://acct.snowflakecomputing.com
  token: pat-1
  timeout: 30s
guard:
  mode: local
  policy_file: policy.rego
  dlp_rules:
    - name: account
      pattern: 'ACCT-[0-9]+'
      action: redact
data_query:
  warehouse: SALES_WH
pipeline:
  search_limit: 5
  block_on_audit_denial: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, GuardModeLocal, cfg.Guard.Mode)
	assert.Equal(t, []dlp.Rule{{Name: "account", Pattern: "ACCT-[0-9]+", Action: dlp.ActionRedact}}, cfg.Guard.DLPRules)
	assert.Equal(t, 5, cfg.Pipeline.SearchLimit)
	assert.Equal(t, 4, cfg.Pipeline.CitationConcurrency)
	assert.True(t, cfg.Pipeline.BlockOnAuditDenial)

	// Data query inherits backend endpoint, credential and session role.
	assert.Equal(t, "https://acct.snowflakecomputing.com", cfg.DataQuery.BaseURL)
	assert.Equal(t, "pat-1", cfg.DataQuery.Token)
	assert.Equal(t, `"SALES_REP"`, cfg.DataQuery.Role)
	assert.Equal(t, "SALES_WH", cfg.DataQuery.Warehouse)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SAFEGUARD_BACKEND_URL", "https://env.example")
	t.Setenv("SAFEGUARD_BACKEND_TOKEN", "env-pat")
	t.Setenv("SAFEGUARD_GUARD_ENDPOINT", "https://guard.example")
	t.Setenv("SAFEGUARD_GUARD_API_KEY", "app-key")
	t.Setenv("SAFEGUARD_LOG_LEVEL", "warn")
	t.Setenv("SAFEGUARD_BLOCK_ON_AUDIT_DENIAL", "true")
	t.Setenv("SAFEGUARD_SEARCH_LIMIT", "7")
	t.Setenv("SAFEGUARD_BACKEND_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://env.example", cfg.Backend.BaseURL)
	assert.Equal(t, "env-pat", cfg.Backend.Token)
	assert.Equal(t, GuardModeRemote, cfg.Guard.Mode)
	assert.Equal(t, "https://guard.example", cfg.Guard.Endpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Pipeline.BlockOnAuditDenial)
	assert.Equal(t, 7, cfg.Pipeline.SearchLimit)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
}

func TestLoad_ExternalGroups(t *testing.T) {
	t.Run("on by default", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "c.yaml", "backend:\n  base_url: http://b\nguard:\n  mode: local\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.True(t, cfg.Guard.UseExternalGroups)
	})

	t.Run("file disables", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "c.yaml", "backend:\n  base_url: http://b\nguard:\n  mode: local\n  use_external_groups: false\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.False(t, cfg.Guard.UseExternalGroups)
	})

	t.Run("env disables", func(t *testing.T) {
		t.Setenv("SAFEGUARD_GUARD_EXTERNAL_GROUPS", "false")
		path := writeFile(t, t.TempDir(), "c.yaml", "backend:\n  base_url: http://b\nguard:\n  mode: local\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.False(t, cfg.Guard.UseExternalGroups)
	})
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing backend", yaml: "guard:\n  mode: local\n"},
		{name: "remote without endpoint", yaml: "backend:\n  base_url: http://b\nguard:\n  api_key: k\n"},
		{name: "remote without key", yaml: "backend:\n  base_url: http://b\nguard:\n  endpoint: http://g\n"},
		{name: "unknown mode", yaml: "backend:\n  base_url: http://b\nguard:\n  mode: psychic\n"},
		{name: "watch without file", yaml: "backend:\n  base_url: http://b\nguard:\n  mode: local\n  watch_policy: true\n"},
		{name: "bad log level", yaml: "backend:\n  base_url: http://b\nguard:\n  mode: local\nlogging:\n  level: loud\n"},
		{name: "negative limit", yaml: "backend:\n  base_url: http://b\nguard:\n  mode: local\npipeline:\n  search_limit: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", tt.yaml)
			_, err := Load(path)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestLoad_BadBoolEnv(t *testing.T) {
	t.Setenv("SAFEGUARD_LOG_PRETTY", "sometimes")
	_, err := Load("")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestPolicyWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.rego", "package safeguard\n")

	var (
		mu     sync.Mutex
		loaded []string
	)
	w, err := NewPolicyWatcher(path, func(_ context.Context, modules map[string]string) error {
		mu.Lock()
		defer mu.Unlock()
		loaded = append(loaded, modules["policy.rego"])
		return nil
	}, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	w.Start(context.Background())
	t.Cleanup(func() { _ = w.Close() })

	writeFile(t, dir, "other.rego", "ignored")
	writeFile(t, dir, "policy.rego", "package safeguard\n\ndefault decision := {\"action\": \"block\"}\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loaded) > 0 && loaded[len(loaded)-1] != "package safeguard\n"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, content := range loaded {
		assert.NotEqual(t, "ignored", content)
	}
}

func TestLoadPolicyModules(t *testing.T) {
	path := writeFile(t, t.TempDir(), "custom.rego", "package safeguard\n")
	modules, err := LoadPolicyModules(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"custom.rego": "package safeguard\n"}, modules)
}

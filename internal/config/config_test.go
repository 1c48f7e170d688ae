package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database_path: /var/lib/runledger/trace.db
mirror_dir: /var/log/runledger
stream:
  keepalive_interval: 10s
  keepalive_deadline: 25s
  reconnect_max_retries: 3
audit:
  stale_tool_after: 5m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/runledger/trace.db", cfg.DatabasePath)
	assert.Equal(t, "/var/log/runledger", cfg.MirrorDir)
	assert.Equal(t, 10*time.Second, cfg.Stream.KeepaliveInterval.Std())
	assert.Equal(t, 25*time.Second, cfg.Stream.KeepaliveDeadline.Std())
	assert.Equal(t, 3, cfg.Stream.ReconnectMaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Audit.StaleToolAfter.Std())

	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Checks.CommandTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.ReconnectInitial.Std())
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `
database_path: trace.db
mirrored_dir: /tmp
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirrored_dir")
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, `
database_path: trace.db
stream:
  keepalive_interval: soon
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soon")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EmptyDatabasePathRejected(t *testing.T) {
	path := writeConfig(t, `database_path: ""`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_path")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(*Config) {}, ""},
		{
			"deadline not above interval",
			func(c *Config) { c.Stream.KeepaliveDeadline = c.Stream.KeepaliveInterval },
			"keepalive_deadline",
		},
		{
			"initial above max",
			func(c *Config) { c.Stream.ReconnectInitial = Duration(time.Minute) },
			"reconnect_initial",
		},
		{
			"negative retries",
			func(c *Config) { c.Stream.ReconnectMaxRetries = -1 },
			"reconnect_max_retries",
		},
		{
			"negative stale threshold",
			func(c *Config) { c.Audit.StaleToolAfter = Duration(-time.Second) },
			"stale_tool_after",
		},
		{
			"negative check timeout",
			func(c *Config) { c.Checks.CommandTimeout = Duration(-time.Second) },
			"command_timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

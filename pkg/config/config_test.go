package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 90*time.Second, cfg.DeadThreshold())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /tmp/fleet
watchdog:
  intervalSeconds: 10
  deadThresholdSeconds: 45
drain:
  maxConcurrentMigrations: 3
billing:
  runtimeCentsPerDay: 250
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fleet", cfg.DataDir)
	assert.Equal(t, 45*time.Second, cfg.DeadThreshold())
	assert.Equal(t, 3, cfg.Drain.MaxConcurrentMigrations)
	assert.Equal(t, int64(250), cfg.Billing.RuntimeCentsPerDay)
	// untouched knobs keep their defaults
	assert.Equal(t, ":8420", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Inference.RebootThreshold)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "dataDir",
		},
		{
			name:    "dead threshold below interval",
			mutate:  func(c *Config) { c.Watchdog.DeadThresholdSeconds = 10 },
			wantErr: "deadThresholdSeconds",
		},
		{
			name:    "zero drain concurrency",
			mutate:  func(c *Config) { c.Drain.MaxConcurrentMigrations = 0 },
			wantErr: "maxConcurrentMigrations",
		},
		{
			name:    "zero reboot threshold",
			mutate:  func(c *Config) { c.Inference.RebootThreshold = 0 },
			wantErr: "rebootThreshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

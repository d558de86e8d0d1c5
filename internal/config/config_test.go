package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/warden/evidence", cfg.Evidence.Root)
	assert.Equal(t, 10, cfg.Detector.FailedLoginThreshold)
	assert.Equal(t, time.Hour, cfg.Detector.AuthWindow)
	assert.True(t, cfg.Incident.AutoContainment)
	assert.Equal(t, 90, cfg.Keys.SSH.RotationIntervalDays)
	assert.True(t, cfg.Keys.RequireConfirmation)
	assert.Equal(t, 3, cfg.Recovery.KeepMinimum)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestNewConfigFromViperAppliesOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("detector.failed_login_threshold", 25)
	v.Set("keys.ssh.rotation_interval_days", 30)
	v.Set("evidence.root", "/srv/warden/evidence")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Detector.FailedLoginThreshold)
	assert.Equal(t, 30, cfg.Keys.SSH.RotationIntervalDays)
	assert.Equal(t, "/srv/warden/evidence", cfg.Evidence.Root)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing evidence root",
			mutate:  func(c *Config) { c.Evidence.Root = "" },
			wantErr: "evidence.root",
		},
		{
			name:    "non-positive retention",
			mutate:  func(c *Config) { c.Recovery.RetentionDays = 0 },
			wantErr: "recovery.retention_days",
		},
		{
			name:    "zero keep minimum",
			mutate:  func(c *Config) { c.Recovery.KeepMinimum = 0 },
			wantErr: "recovery.keep_minimum",
		},
		{
			name:    "zero tool timeout",
			mutate:  func(c *Config) { c.Tools.Timeout = 0 },
			wantErr: "tools.timeout",
		},
		{
			name:    "rotation interval",
			mutate:  func(c *Config) { c.Keys.TLS.RotationIntervalDays = -1 },
			wantErr: "rotation_interval_days",
		},
		{
			name:    "empty key paths",
			mutate:  func(c *Config) { c.Keys.LUKS.Paths = nil },
			wantErr: "keys.luks.paths",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("evidence.root", "")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/config"
	"github.com/acronis/go-quotaguard/kvstore/backend"
	"github.com/acronis/go-quotaguard/log"
)

func writeConfigFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadAppConfig(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		data     string
		check    func(t *testing.T, cfg *AppConfig)
		wantErr  string
	}{
		{
			name:     "yaml",
			fileName: "config.yml",
			data: `
log:
  level: debug
quota:
  maxUsers: 5
  durationDays: 30
  profile:
    name: trial
    usersLimit: 1
store:
  backend: Redis
  redis:
    addrs: ["localhost:6379"]
exporter:
  interval: 30s
`,
			check: func(t *testing.T, cfg *AppConfig) {
				assert.Equal(t, log.LevelDebug, cfg.Log.Level)
				assert.Equal(t, 5, cfg.Quota.Settings.MaxUsers)
				assert.Equal(t, 30, cfg.Quota.Settings.DurationDays)
				require.NotNil(t, cfg.Quota.Profile)
				assert.Equal(t, "trial", cfg.Quota.Profile.Name)
				assert.Equal(t, 1, cfg.Quota.Limits().MaxConcurrentSessions)
				assert.Equal(t, backend.KindRedis, cfg.Store.Kind)
				assert.Equal(t, []string{"localhost:6379"}, cfg.Store.Redis.Addrs)
				assert.True(t, cfg.Exporter.Enabled)
				assert.Equal(t, config.TimeDuration(30*time.Second), cfg.Exporter.Interval)
				assert.False(t, cfg.Relay.Enabled)
				assert.False(t, cfg.ProfServer.Enabled)
			},
		},
		{
			name:     "json",
			fileName: "config.json",
			data:     `{"quota": {"volumeGB": 1.5}, "exporter": {"enabled": false}}`,
			check: func(t *testing.T, cfg *AppConfig) {
				assert.Equal(t, 1.5, cfg.Quota.Settings.VolumeGB)
				assert.False(t, cfg.Exporter.Enabled)
				assert.Equal(t, config.TimeDuration(DefaultExporterInterval), cfg.Exporter.Interval)
				assert.Equal(t, backend.KindMemory, cfg.Store.Kind)
			},
		},
		{
			name:     "invalid exporter interval",
			fileName: "config.yaml",
			data:     "exporter:\n  interval: 0s\n",
			wantErr:  "exporter.interval",
		},
		{
			name:     "enabled relay without upstream",
			fileName: "config.yaml",
			data:     "relay:\n  enabled: true\n",
			wantErr:  "relay.upstream",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadAppConfig(writeConfigFile(t, tt.fileName, tt.data))
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadAppConfig_Env(t *testing.T) {
	t.Setenv("QUOTAGUARD_QUOTA_DAILYUSAGEDAYS", "14")
	t.Setenv("QUOTAGUARD_EXPORTER_INTERVAL", "1m")

	cfg, err := loadAppConfig("")
	require.NoError(t, err)
	require.Equal(t, 14, cfg.Quota.DailyUsageDays)
	require.Equal(t, config.TimeDuration(time.Minute), cfg.Exporter.Interval)
	require.Equal(t, backend.KindMemory, cfg.Store.Kind)
}

func TestLoadAppConfig_MissingFile(t *testing.T) {
	_, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	v := New()
	v.Set("data_dir", dir)

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, workout.OriginPrimary, cfg.Role())
	assert.Equal(t, filepath.Join(dir, "scratch"), cfg.Scratch.Dir)
	assert.Equal(t, filepath.Join(dir, "archive"), cfg.Archive.Dir)
	assert.Equal(t, filepath.Join(dir, "workouts.db"), cfg.DBPath())
	assert.Equal(t, 2*time.Minute, cfg.Scratch.OrphanGrace)
	assert.Equal(t, 10*time.Minute, cfg.Archive.SweepInterval)
	assert.Equal(t, 500, cfg.Remote.PageSize)
	assert.Equal(t, DriverNone, cfg.Remote.Driver)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wvt.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
device:
  role: watch
remote:
  driver: postgres
  url: postgres://localhost/wvt
  timeout: 5s
link:
  url: ws://phone.local:7345/link
  token: abc
`), 0o644))

	t.Setenv("WVT_REMOTE_PAGE_SIZE", "50")
	t.Setenv("WVT_DATA_DIR", dir)

	cfg, err := Load(New(), file)
	require.NoError(t, err)
	assert.Equal(t, workout.OriginCompanion, cfg.Role())
	assert.Equal(t, DriverPostgres, cfg.Remote.Driver)
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 50, cfg.Remote.PageSize)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"bad role", func(c *Config) { c.Device.Role = "tablet" }},
		{"unknown driver", func(c *Config) { c.Remote.Driver = "mongo" }},
		{"driver without url", func(c *Config) { c.Remote.Driver = DriverLibSQL }},
		{"negative page", func(c *Config) { c.Remote.PageSize = -1 }},
		{"companion link without token", func(c *Config) {
			c.Device.Role = "companion"
			c.Link.URL = "ws://x/link"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Device: DeviceConfig{Role: "primary"}, Remote: RemoteConfig{Driver: DriverNone}}
			require.NoError(t, cfg.Validate())
			tt.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.toml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "refuses to overwrite")
	require.NoError(t, WriteDefault(path, true))

	var decoded map[string]any
	_, err := toml.DecodeFile(path, &decoded)
	require.NoError(t, err)
	assert.Contains(t, decoded, "remote")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Scratch.Debounce)
	assert.Equal(t, "127.0.0.1:8080", cfg.Dashboard.Addr)
}

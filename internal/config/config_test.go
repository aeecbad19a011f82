package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reprapctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
controller:
  url: http://192.168.1.14
http:
  listen: ":9090"
stream:
  pause_delay: 500ms
settings:
  poll_interval: 2s
  layer_height: 0.2
  half_step_jog: true
drop:
  dir: /srv/drop
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://192.168.1.14", cfg.Controller.URL)
	assert.Equal(t, 5*time.Second, cfg.Controller.Timeout)
	assert.Equal(t, ":9090", cfg.HTTP.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.PauseDelay)
	assert.Equal(t, 800, cfg.Stream.MaxBuffer)
	assert.Equal(t, 200, cfg.Stream.MaxBatchLines)
	assert.Equal(t, 2*time.Second, cfg.Settings.PollInterval)
	assert.Equal(t, 0.2, cfg.Settings.LayerHeight)
	assert.True(t, cfg.Settings.HalfStepJog)
	assert.Equal(t, []int{120, 65, 0}, cfg.Settings.BedPresets)
	assert.Equal(t, "/srv/drop", cfg.Drop.Dir)
	assert.Equal(t, 100, cfg.Panel.LayerLogSize)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "missing controller",
			yaml:   "http:\n  listen: \":1\"\n",
			errMsg: "controller.url is required",
		},
		{
			name:   "bad buffer limits",
			yaml:   "controller:\n  url: x\nstream:\n  max_buffer: 50\n",
			errMsg: "stream.max_buffer must exceed stream.low_water",
		},
		{
			name:   "bad layer height",
			yaml:   "controller:\n  url: x\nsettings:\n  layer_height: 0\n  poll_interval: 1s\n",
			errMsg: "layer_height must be positive",
		},
		{
			name:   "not yaml",
			yaml:   "controller: [",
			errMsg: "parse config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

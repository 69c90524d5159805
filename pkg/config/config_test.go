package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 2, cfg.Subflows)
	assert.Equal(t, "roundrobin", cfg.Scheduler)
	assert.Equal(t, 2.0, cfg.Congestion.InitialCwnd)
	assert.True(t, cfg.Congestion.AllowSlowStart)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server: "10.0.0.1:9000"
interfaces: [eth0, wlan0, usb0]
scheduler: lowrtt
ecn: true
ce_threshold: 65536
congestion:
  initial_cwnd: 4
  max_cwnd: 25
  max_ssthresh: 100
  segment_size: 1460
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:9000", cfg.Server)
	assert.Equal(t, []string{"eth0", "wlan0", "usb0"}, cfg.Interfaces)
	assert.Equal(t, 3, cfg.NumSubflows())
	assert.True(t, cfg.ECN)
	assert.Equal(t, 25, cfg.Congestion.MaxCwnd)
	assert.Equal(t, 100, cfg.Congestion.MaxSSThresh)
	// keys absent from the file keep their defaults
	assert.Equal(t, 64.0, cfg.Congestion.SSThresh)
	assert.Equal(t, "127.0.0.1:1080", cfg.Socks)

	tr, err := cfg.Transport()
	require.NoError(t, err)
	assert.Equal(t, "lowrtt", tr.Scheduler.Name())
	assert.Equal(t, 4.0, tr.Congestion.InitialCwnd)
	assert.Equal(t, 1460, tr.Congestion.SegmentSize)
	assert.True(t, tr.ECN)
	assert.Equal(t, int64(65536), tr.CEThreshold)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server: file:9000\nsubflows: 3\n")
	t.Setenv("MPFLOW_SERVER", "env:9000")
	t.Setenv("MPFLOW_SUBFLOWS", "4")
	t.Setenv("MPFLOW_ECN", "true")
	t.Setenv("MPFLOW_INTERFACES", "eth0, wlan0 ,")
	t.Setenv("MPFLOW_MAX_CWND", "40")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:9000", cfg.Server)
	assert.Equal(t, 4, cfg.Subflows)
	assert.True(t, cfg.ECN)
	assert.Equal(t, []string{"eth0", "wlan0"}, cfg.Interfaces)
	assert.Equal(t, 40, cfg.Congestion.MaxCwnd)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad yaml", body: "subflows: [1"},
		{name: "too many subflows", body: "subflows: 300"},
		{name: "unknown scheduler", body: "scheduler: blest"},
		{name: "bad log format", body: "log:\n  format: xml"},
		{name: "tiny segment", body: "congestion:\n  segment_size: 10"},
		{name: "bad env int", body: "", env: map[string]string{"MPFLOW_SUBFLOWS": "two"}},
		{name: "bad env bool", body: "", env: map[string]string{"MPFLOW_ECN": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

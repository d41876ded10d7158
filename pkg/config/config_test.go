package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig creates a temporary YAML file with the given content and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alpaca.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
server:
  name: "Observatory"
  location: "Roof"
  port: 11111
discovery:
  enabled: false
abort_timeout_ms: 5000
devices:
  - driver: simulator
    number: 0
    name: "Sim"
  - driver: mqtt
    number: 1
    unique_id: "cam-1"
`

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "Observatory", cfg.Server.Name)
	assert.Equal(t, "Roof", cfg.Server.Location)
	assert.Equal(t, 11111, cfg.Server.Port)
	assert.False(t, cfg.Discovery.Enabled)
	assert.Equal(t, 32227, cfg.Discovery.Port)
	assert.Equal(t, 5*time.Second, cfg.AbortTimeout())

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "Sim", cfg.Devices[0].Name)
	assert.Equal(t, "alpaca-camera-simulator-0", cfg.Devices[0].UniqueID)
	assert.Equal(t, "Camera 1", cfg.Devices[1].Name)
	assert.Equal(t, "cam-1", cfg.Devices[1].UniqueID)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "devices:\n  - driver: simulator\n"))
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "0.0.0.0", cfg.Discovery.Address)
	assert.Equal(t, 30*time.Second, cfg.AbortTimeout())
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no devices", "server:\n  name: x\n"},
		{"missing driver", "devices:\n  - number: 0\n"},
		{"unknown driver", "devices:\n  - driver: usb\n"},
		{"duplicate number", "devices:\n  - driver: simulator\n  - driver: mqtt\n"},
		{"negative number", "devices:\n  - driver: simulator\n    number: -1\n"},
		{"bad port", "server:\n  port: 70000\ndevices:\n  - driver: simulator\n"},
		{"negative abort timeout", "abort_timeout_ms: -1\ndevices:\n  - driver: simulator\n"},
		{"invalid yaml", "{{{{invalid yaml!!!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileTooLarge(t *testing.T) {
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	_, err := Load(writeConfig(t, string(data)))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, DriverSimulator, cfg.Devices[0].Driver)
	assert.Equal(t, "Camera 0", cfg.Devices[0].Name)
	assert.True(t, cfg.Discovery.Enabled)
}

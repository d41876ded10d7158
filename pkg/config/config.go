package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of the configuration file.
const MaxConfigFileBytes = 1 << 20

const (
	DriverSimulator = "simulator"
	DriverMQTT      = "mqtt"
)

// ServerConfig describes the Alpaca server.
type ServerConfig struct {
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Location     string `yaml:"location"`
	Port         int    `yaml:"port"` // HTTP port of the Alpaca API
}

// DiscoveryConfig controls the UDP discovery responder.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DeviceConfig declares one camera and the driver behind it.
type DeviceConfig struct {
	Driver      string `yaml:"driver"` // "simulator" or "mqtt"
	Number      int    `yaml:"number"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	UniqueID    string `yaml:"unique_id"`
}

// Config aggregates all application configuration.
type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Discovery      DiscoveryConfig `yaml:"discovery"`
	AbortTimeoutMs int             `yaml:"abort_timeout_ms"` // how long abortexposure waits for Idle
	Devices        []DeviceConfig  `yaml:"devices"`
}

// Default returns the configuration used when no file is given: a single
// simulated camera.
func Default() *Config {
	cfg := Config{
		Discovery: DiscoveryConfig{Enabled: true},
		Devices: []DeviceConfig{
			{Driver: DriverSimulator, Number: 0},
		},
	}
	if err := cfg.setDefaults(); err != nil {
		panic(err)
	}
	return &cfg
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Config{Discovery: DiscoveryConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.Server.Name == "" {
		c.Server.Name = "Alpaca Camera Server"
	}
	if c.Server.Manufacturer == "" {
		c.Server.Manufacturer = "alpaca-camera"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Discovery.Address == "" {
		c.Discovery.Address = "0.0.0.0"
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = 32227
	}
	if c.Discovery.Port < 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("discovery.port must be between 1 and 65535, got %d", c.Discovery.Port)
	}

	if c.AbortTimeoutMs < 0 {
		return fmt.Errorf("abort_timeout_ms must be >= 0, got %d", c.AbortTimeoutMs)
	}
	if c.AbortTimeoutMs == 0 {
		c.AbortTimeoutMs = 30000
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	seen := make(map[int]bool)
	for i := range c.Devices {
		dev := &c.Devices[i]
		switch dev.Driver {
		case DriverSimulator, DriverMQTT:
		case "":
			return fmt.Errorf("devices[%d].driver is required", i)
		default:
			return fmt.Errorf("devices[%d].driver: unknown driver %q", i, dev.Driver)
		}
		if dev.Number < 0 {
			return fmt.Errorf("devices[%d].number must be >= 0, got %d", i, dev.Number)
		}
		if seen[dev.Number] {
			return fmt.Errorf("devices[%d].number %d is already used", i, dev.Number)
		}
		seen[dev.Number] = true

		if dev.Name == "" {
			dev.Name = fmt.Sprintf("Camera %d", dev.Number)
		}
		if dev.UniqueID == "" {
			dev.UniqueID = fmt.Sprintf("alpaca-camera-%s-%d", dev.Driver, dev.Number)
		}
	}
	return nil
}

// AbortTimeout returns how long abortexposure waits for the camera to
// become idle.
func (c *Config) AbortTimeout() time.Duration {
	return time.Duration(c.AbortTimeoutMs) * time.Millisecond
}

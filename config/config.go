// Package config loads the ipcmeshd process configuration, grounded on the
// teacher's coordinator/cfg.go LoadConfig/DefaultConfig pattern: read a YAML
// file over a struct pre-populated with defaults.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/ipcmesh/ipcmesh/internal/ipclog"
)

// Config is the top-level ipcmeshd configuration.
type Config struct {
	Logging   ipclog.Config   `yaml:"logging"`
	Transport TransportConfig `yaml:"transport"`
	MapPool   MapPoolConfig   `yaml:"mappool"`
}

// TransportConfig configures the TCP server bound by cmd/ipcmeshd.
type TransportConfig struct {
	// Host is the listen address; empty means all interfaces.
	Host string `yaml:"host"`
	// Port to bind; 0 requests an ephemeral port.
	Port int `yaml:"port"`
	// KeepaliveSeconds/Interval/Count configure TCP_KEEPIDLE/INTVL/CNT on
	// every accepted connection.
	KeepaliveSeconds  int `yaml:"keepalive_idle_seconds"`
	KeepaliveInterval int `yaml:"keepalive_interval_seconds"`
	KeepaliveCount    int `yaml:"keepalive_count"`
}

// MapPoolConfig holds the mappool section of the config file. RingSize is
// loaded but not read by package mappool: pools always start each worker
// ring at mappool.DefaultSize.
type MapPoolConfig struct {
	RingSize datasize.ByteSize `yaml:"ring_size"`
}

// DefaultConfig returns the configuration ipcmeshd starts from before a
// config file is layered on top.
func DefaultConfig() *Config {
	return &Config{
		Logging: ipclog.DefaultConfig(),
		Transport: TransportConfig{
			Host:              "",
			Port:              0,
			KeepaliveSeconds:  60,
			KeepaliveInterval: 30,
			KeepaliveCount:    8,
		},
		MapPool: MapPoolConfig{
			RingSize: 16 * datasize.KB,
		},
	}
}

// LoadConfig reads path as YAML, unmarshalling onto DefaultConfig so unset
// fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}

// Package rudpconfig loads Node tunables from a YAML file, for a
// deployable service that needs a config file rather than constructor
// literals.
package rudpconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the Node constructor and handshake knobs so a
// deployment can tune them without a recompile.
type Config struct {
	ResendIntervalMs     int    `yaml:"resendIntervalMs"`
	KeepAliveIntervalSec int    `yaml:"keepAliveIntervalSec"`
	ListenPort           int    `yaml:"listenPort"`
	Password             string `yaml:"password"`
	MaxConnections       int    `yaml:"maxConnections"`
	ConnectTimeoutSec    int    `yaml:"connectTimeoutSec"`
	SimulatedPacketLoss  int    `yaml:"simulatedPacketLoss"`
}

// Default returns the Node's own timing defaults with no listen/password
// configured - suitable for a client-only node.
func Default() Config {
	return Config{
		ResendIntervalMs:     50,
		KeepAliveIntervalSec: 8,
		MaxConnections:       32,
		ConnectTimeoutSec:    8,
	}
}

// Load reads and parses a YAML config file, filling in the default for
// any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rudpconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("rudpconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}

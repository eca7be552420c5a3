// Package config loads the broker's on-disk YAML configuration, the
// same way cmd/goqtt previously decoded config.yml inline, extended
// with the broker-core tunables SPEC_FULL.md adds on top of the
// distilled spec: retransmit timing, retry budget, in-flight ceiling
// and the keep-alive grace multiplier.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's top-level configuration document.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Server  Server `yaml:"server"`
	Broker  Broker `yaml:"broker"`
}

// Server holds listener-level settings.
type Server struct {
	Port           string `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// Broker holds the QoS state machine and session-table tunables.
type Broker struct {
	// RetransmitTimeoutSeconds is how long an unacknowledged QoS>0
	// message waits before retransmission with DUP=1.
	RetransmitTimeoutSeconds int `yaml:"retransmit_timeout_seconds"`

	// MaxRetries bounds retransmission attempts before the message is
	// dropped; the connection itself stays open.
	MaxRetries int `yaml:"max_retries"`

	// MaxInflightPerSession caps outstanding QoS>0 contexts per
	// connection, independent of packet-identifier exhaustion.
	MaxInflightPerSession int `yaml:"max_inflight_per_session"`

	// KeepAliveGraceMultiplier scales a client's declared keep-alive
	// interval (MQTT 3.1.1 specifies 1.5x) before the connection is
	// considered dead.
	KeepAliveGraceMultiplier float64 `yaml:"keep_alive_grace_multiplier"`

	// SQLitePath is where session/inflight/offline-queue state is
	// persisted. Load fills in ./store/store.db when it is empty.
	SQLitePath string `yaml:"sqlite_path"`
}

// RetransmitTimeout returns the configured retransmit timeout as a
// time.Duration, defaulting to spec.md §5's 10s when unset.
func (b Broker) RetransmitTimeout() time.Duration {
	if b.RetransmitTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.RetransmitTimeoutSeconds) * time.Second
}

// Load reads and parses the YAML config at path, filling in defaults
// for any zero-valued broker tunable.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.MaxConnections <= 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Broker.MaxRetries <= 0 {
		cfg.Broker.MaxRetries = 3
	}
	if cfg.Broker.MaxInflightPerSession <= 0 {
		cfg.Broker.MaxInflightPerSession = 1024
	}
	if cfg.Broker.KeepAliveGraceMultiplier <= 0 {
		cfg.Broker.KeepAliveGraceMultiplier = 1.5
	}
	if cfg.Broker.SQLitePath == "" {
		cfg.Broker.SQLitePath = "./store/store.db"
	}

	return &cfg, nil
}

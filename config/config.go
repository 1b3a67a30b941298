// Package config loads relaymonitord's TOML configuration file, filling in
// operator-friendly defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level relaymonitor.toml shape.
type Config struct {
	Peers   PeersConfig   `toml:"Peers"`
	Network NetworkConfig `toml:"Network"`
	Metrics MetricsConfig `toml:"Metrics"`
	Log     LogConfig     `toml:"Log"`
}

// PeersConfig controls the seed list and admission rules.
type PeersConfig struct {
	List             []string          `toml:"List"`
	MinimumVersions  map[string]string `toml:"MinimumVersions"`
	Blacklist        []string          `toml:"Blacklist"`
	BanStorePath     string            `toml:"BanStorePath"`
	MaxTrackedPeers  int               `toml:"MaxTrackedPeers"`
	SeedRegistryPath string            `toml:"SeedRegistryPath"`
	SnapshotPath     string            `toml:"SnapshotPath"`
}

// NetworkConfig controls network-wide monitoring behavior.
type NetworkConfig struct {
	Nethash              string   `toml:"Nethash"`
	GlobalTimeoutMS       int      `toml:"GlobalTimeoutMS"`
	ColdStartSeconds       int      `toml:"ColdStartSeconds"`
	MinimumNetworkReach    int      `toml:"MinimumNetworkReach"`
	MaxPeersBroadcast      int      `toml:"MaxPeersBroadcast"`
	UpdateIntervalSeconds  int      `toml:"UpdateIntervalSeconds"`
	FastRetryIntervalSeconds int    `toml:"FastRetryIntervalSeconds"`
	DNSSeeds               []string `toml:"DNSSeeds"`
	NTPHosts               []string `toml:"NTPHosts"`
}

// MetricsConfig controls the /metrics HTTP listener.
type MetricsConfig struct {
	ListenAddress string `toml:"ListenAddress"`
}

// LogConfig holds the [Log] section. Level is loaded and defaulted but not
// applied: logging.Setup takes no level argument.
type LogConfig struct {
	Level string `toml:"Level"`
}

// GlobalTimeout returns Network.GlobalTimeoutMS as a time.Duration.
func (c NetworkConfig) GlobalTimeout() time.Duration {
	if c.GlobalTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.GlobalTimeoutMS) * time.Millisecond
}

// ColdStartPeriod returns Network.ColdStartSeconds as a time.Duration.
func (c NetworkConfig) ColdStartPeriod() time.Duration {
	if c.ColdStartSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ColdStartSeconds) * time.Second
}

// UpdateInterval returns the nominal updateNetworkStatus cadence.
func (c NetworkConfig) UpdateInterval() time.Duration {
	if c.UpdateIntervalSeconds <= 0 {
		return 600 * time.Second
	}
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

// FastRetryInterval returns the cadence used while under MinimumNetworkReach.
func (c NetworkConfig) FastRetryInterval() time.Duration {
	if c.FastRetryIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.FastRetryIntervalSeconds) * time.Second
}

// Load loads the configuration from the given path, writing a default file
// if none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(cfg)

	if strings.TrimSpace(cfg.Network.Nethash) == "" {
		return nil, fmt.Errorf("config: Network.Nethash must be set")
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Peers.MinimumVersions == nil {
		cfg.Peers.MinimumVersions = map[string]string{}
	}
	if cfg.Peers.Blacklist == nil {
		cfg.Peers.Blacklist = []string{}
	}
	if cfg.Peers.List == nil {
		cfg.Peers.List = []string{}
	}
	if cfg.Peers.MaxTrackedPeers <= 0 {
		cfg.Peers.MaxTrackedPeers = 100
	}
	if strings.TrimSpace(cfg.Peers.BanStorePath) == "" {
		cfg.Peers.BanStorePath = "./relaymonitor-data/banstore"
	}
	if strings.TrimSpace(cfg.Peers.SnapshotPath) == "" {
		cfg.Peers.SnapshotPath = "./relaymonitor-data/peers.json"
	}
	if cfg.Network.MinimumNetworkReach <= 0 {
		cfg.Network.MinimumNetworkReach = 10
	}
	if cfg.Network.MaxPeersBroadcast <= 0 {
		cfg.Network.MaxPeersBroadcast = 4
	}
	if strings.TrimSpace(cfg.Metrics.ListenAddress) == "" {
		cfg.Metrics.ListenAddress = ":9273"
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

// createDefault writes and returns a starter configuration file. It is
// deliberately conservative: an operator must still fill in Nethash and a
// real peer list before the daemon will admit any peers.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Peers: PeersConfig{
			List:            []string{},
			MinimumVersions: map[string]string{},
			Blacklist:       []string{},
			BanStorePath:    "./relaymonitor-data/banstore",
			MaxTrackedPeers: 100,
		},
		Network: NetworkConfig{
			Nethash:                  "",
			GlobalTimeoutMS:          5000,
			ColdStartSeconds:         30,
			MinimumNetworkReach:      10,
			MaxPeersBroadcast:        4,
			UpdateIntervalSeconds:    600,
			FastRetryIntervalSeconds: 5,
			DNSSeeds:                 []string{},
			NTPHosts:                 []string{},
		},
		Metrics: MetricsConfig{ListenAddress: ":9273"},
		Log:     LogConfig{Level: "info"},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

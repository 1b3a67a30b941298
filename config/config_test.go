package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaymonitor.toml")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected config file to not exist yet")
	}

	// createDefault leaves Nethash blank, so Load on the freshly-written
	// default file is expected to fail until an operator fills it in; here
	// we exercise createDefault directly to check the file was written.
	cfg, err := createDefault(path)
	if err != nil {
		t.Fatalf("createDefault: %v", err)
	}
	if cfg.Peers.MaxTrackedPeers != 100 {
		t.Fatalf("expected default MaxTrackedPeers=100, got %d", cfg.Peers.MaxTrackedPeers)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
}

func TestLoadRejectsMissingNethash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaymonitor.toml")
	if err := os.WriteFile(path, []byte(`
[Network]
GlobalTimeoutMS = 4000
`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing Nethash")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaymonitor.toml")
	if err := os.WriteFile(path, []byte(`
[Network]
Nethash = "abc123"
`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.MinimumNetworkReach != 10 {
		t.Fatalf("expected default MinimumNetworkReach=10, got %d", cfg.Network.MinimumNetworkReach)
	}
	if cfg.Network.UpdateInterval().Seconds() != 600 {
		t.Fatalf("expected default update interval of 600s, got %v", cfg.Network.UpdateInterval())
	}
	if cfg.Metrics.ListenAddress != ":9273" {
		t.Fatalf("expected default metrics listen address, got %q", cfg.Metrics.ListenAddress)
	}
}

func TestGlobalTimeoutHonorsConfiguredMilliseconds(t *testing.T) {
	cfg := NetworkConfig{GlobalTimeoutMS: 2500}
	if got := cfg.GlobalTimeout(); got.Milliseconds() != 2500 {
		t.Fatalf("expected 2500ms, got %v", got)
	}
}

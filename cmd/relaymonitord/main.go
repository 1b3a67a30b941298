// Command relaymonitord runs a relay node's peer-to-peer network monitor as
// a standalone daemon: it admits and probes peers, tracks network health,
// and exposes Prometheus metrics, without embedding a full ledger/consensus
// stack.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaynet/config"
	"relaynet/observability/logging"
	telemetry "relaynet/observability/otel"
	"relaynet/p2p"
	"relaynet/p2p/seeds"
)

// daemonVersion is stamped into telemetry resource attributes; overridden at
// build time with -ldflags "-X main.daemonVersion=...".
var daemonVersion = "dev"

func main() {
	configFile := flag.String("config", "./relaymonitor.toml", "Path to the configuration file")
	skipDiscoveryFlag := flag.Bool("skip-discovery", false, "Seed peers but skip discovery: no discovery pass runs at startup and none is scheduled")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RELAYMON_ENV"))
	logger := logging.Setup("relaymonitord", env)

	shutdownTelemetry, err := initTelemetry(env)
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	banStore, err := p2p.OpenBanStore(cfg.Peers.BanStorePath)
	if err != nil {
		logger.Error("failed to open ban store", slog.Any("error", err))
		os.Exit(1)
	}
	defer banStore.Close()

	storage := p2p.NewPeerStorage()
	metrics := p2p.NewMetrics()
	transport := p2p.NewGRPCTransport()
	defer transport.Close()

	p2pLogger := logging.Component(logger, "p2p")
	communicator := p2p.NewPeerCommunicator(transport, storage, cfg.Network.GlobalTimeout(), p2pLogger, metrics)
	processor := p2p.NewPeerProcessor(storage, communicator, banStore, p2p.ProcessorConfig{
		Nethash:         cfg.Network.Nethash,
		MinimumVersions: cfg.Peers.MinimumVersions,
		Blacklist:       toBlacklistSet(cfg.Peers.Blacklist),
	}, p2pLogger, metrics)

	deps := p2p.Dependencies{
		Logger:     p2pLogger,
		Emitter:    slogEventEmitter{logger: logger},
		State:      noopStateProvider{},
		Blockchain: noopBlockchainProvider{},
		Slots:      noopSlotProvider{},
		Metrics:    metrics,
	}

	monitorCfg := p2p.MonitorConfig{
		PeersList:           parsePeerList(logger, cfg.Peers.List),
		MinimumNetworkReach: cfg.Network.MinimumNetworkReach,
		MaxPeersBroadcast:   cfg.Network.MaxPeersBroadcast,
		GlobalTimeout:       cfg.Network.GlobalTimeout(),
		ColdStartPeriod:     cfg.Network.ColdStartPeriod(),
		UpdateInterval:      cfg.Network.UpdateInterval(),
		FastRetryInterval:   cfg.Network.FastRetryInterval(),
	}

	opts := []p2p.MonitorOption{
		p2p.WithPeerSnapshotLoader(func() ([]p2p.CandidateInfo, error) {
			return loadSnapshot(cfg.Peers.SnapshotPath)
		}),
	}
	if registry, registryErr := loadSeedRegistry(cfg.Peers.SeedRegistryPath); registryErr != nil {
		logger.Warn("failed to load seed registry", slog.Any("error", registryErr))
	} else if registry != nil {
		opts = append(opts, p2p.WithSeedRegistry(registry, seeds.DefaultResolver()))
	}

	monitor := p2p.NewNetworkMonitor(deps, monitorCfg, storage, processor, communicator, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := monitor.Start(ctx, p2p.StartOptions{
		DNS:           cfg.Network.DNSSeeds,
		NTP:           cfg.Network.NTPHosts,
		SkipDiscovery: *skipDiscoveryFlag,
	}); err != nil {
		logger.Error("failed to start network monitor", slog.Any("error", err))
		os.Exit(1)
	}

	serveMetrics(logger, cfg.Metrics.ListenAddress)

	logger.Info("relaymonitord initialised and running", slog.String("nethash", cfg.Network.Nethash))
	<-ctx.Done()

	logger.Info("shutting down")
	monitor.Stop()
	if err := saveSnapshot(cfg.Peers.SnapshotPath, storage.GetPeers()); err != nil {
		logger.Warn("failed to persist peer snapshot", slog.Any("error", err))
	}
}

func initTelemetry(env string) (func(context.Context) error, error) {
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecureExporter := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecureExporter = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "relaymonitord",
		ServiceVersion: daemonVersion,
		Environment:    env,
		Endpoint:       otlpEndpoint,
		Insecure:       insecureExporter,
		Headers:        otlpHeaders,
		Metrics:        true,
		Traces:         true,
	})
}

func serveMetrics(logger *slog.Logger, listenAddress string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
}

func toBlacklistSet(ips []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if trimmed := strings.TrimSpace(ip); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

// parsePeerList turns "ip:port" config entries into CandidateInfo, skipping
// and logging any that don't parse rather than failing startup over a typo.
func parsePeerList(logger *slog.Logger, entries []string) []p2p.CandidateInfo {
	out := make([]p2p.CandidateInfo, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(trimmed)
		if err != nil {
			logger.Warn("ignoring malformed peer list entry", slog.String("entry", trimmed), slog.Any("error", err))
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			logger.Warn("ignoring peer list entry with invalid port", slog.String("entry", trimmed), slog.Any("error", err))
			continue
		}
		out = append(out, p2p.CandidateInfo{IP: host, Port: uint16(port)})
	}
	return out
}

func loadSeedRegistry(path string) (*seeds.Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read seed registry %s: %w", path, err)
	}
	return seeds.Parse(raw)
}

// snapshotRecord is the on-disk shape of a restored peer: {ip, port, version}
// per the persisted-state contract.
type snapshotRecord struct {
	IP      string `json:"ip"`
	Port    uint16 `json:"port"`
	Version string `json:"version"`
}

func loadSnapshot(path string) ([]p2p.CandidateInfo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read peer snapshot %s: %w", path, err)
	}
	var records []snapshotRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode peer snapshot %s: %w", path, err)
	}
	out := make([]p2p.CandidateInfo, 0, len(records))
	for _, r := range records {
		out = append(out, p2p.CandidateInfo{IP: r.IP, Port: r.Port, Version: r.Version})
	}
	return out, nil
}

func saveSnapshot(path string, peers []*p2p.Peer) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	records := make([]snapshotRecord, 0, len(peers))
	for _, p := range peers {
		records = append(records, snapshotRecord{IP: p.IP(), Port: p.Port(), Version: p.Version()})
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// slogEventEmitter adapts the monitor's EventEmitter interface to a plain
// structured log line; a fuller node would instead fan these out to an
// internal event bus.
type slogEventEmitter struct {
	logger *slog.Logger
}

func (e slogEventEmitter) Emit(event string, payload any) {
	e.logger.Info("p2p event", slog.String("event", event), slog.Any("payload", payload))
}

// The following collaborators stand in for a real node's consensus/chain
// state when relaymonitord runs standalone. A node that embeds this core
// directly should inject its own StateProvider/BlockchainProvider/
// SlotProvider instead of these.

type noopStateProvider struct{}

func (noopStateProvider) LastBlock(context.Context) (p2p.BlockHeader, error) {
	return p2p.BlockHeader{}, nil
}

func (noopStateProvider) ForkedPeerIP(context.Context) (string, bool, error) {
	return "", false, nil
}

type noopBlockchainProvider struct{}

func (noopBlockchainProvider) Ready() bool             { return true }
func (noopBlockchainProvider) BlockPing() *p2p.BlockPing { return nil }

type noopSlotProvider struct{}

func (noopSlotProvider) SlotNumber() uint64 { return 0 }

package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"relaynet/observability/logging"
	"relaynet/p2p/seeds"
)

const (
	queryAtLeastNPeers = 4
	maxHop             = 4

	cleanPeersFastTimeout = 1500 * time.Millisecond
	broadcastAggregationWindow = 500 * time.Millisecond

	syncBackoffBase = 500 * time.Millisecond
	syncBackoffCap  = 10 * time.Second
	syncMaxAttempts = 8
)

// MonitorConfig carries the network-monitor's tunables, sourced from
// config.Config at the daemon's composition root.
type MonitorConfig struct {
	PeersList           []CandidateInfo
	MinimumNetworkReach int
	MaxPeersBroadcast   int
	GlobalTimeout       time.Duration
	ColdStartPeriod     time.Duration
	UpdateInterval      time.Duration
	FastRetryInterval   time.Duration
}

// StartOptions mirrors the options accepted by start() in the source
// specification.
type StartOptions struct {
	DNS                       []string
	NTP                       []string
	NetworkStart              bool
	SkipDiscovery             bool
	DisableDiscovery          bool
	IgnoreMinimumNetworkReach bool
}

// NetworkMonitor is the control plane: seeding, discovery, health/fork
// checks, and broadcast dispatch, built on top of PeerStorage,
// PeerProcessor and PeerCommunicator.
type NetworkMonitor struct {
	deps Dependencies
	cfg  MonitorConfig

	storage      *PeerStorage
	processor    *PeerProcessor
	communicator *PeerCommunicator
	scheduler    *Scheduler

	seedRegistry   *seeds.Registry
	seedResolver   seeds.Resolver
	snapshotLoader PeerSnapshotLoader

	now func() time.Time

	// coldStartPeriod is written once by Start before any concurrent
	// reader exists, then only ever read; see the concurrency model's
	// note on cold start being immutable after start.
	coldStartPeriod time.Time

	initializing atomic.Bool
}

// MonitorOption configures optional NetworkMonitor collaborators.
type MonitorOption func(*NetworkMonitor)

// WithSeedRegistry wires a DNS-based seed registry and its resolver.
func WithSeedRegistry(registry *seeds.Registry, resolver seeds.Resolver) MonitorOption {
	return func(m *NetworkMonitor) {
		m.seedRegistry = registry
		m.seedResolver = resolver
	}
}

// WithPeerSnapshotLoader wires a restorer for a prior run's peer dump.
func WithPeerSnapshotLoader(loader PeerSnapshotLoader) MonitorOption {
	return func(m *NetworkMonitor) { m.snapshotLoader = loader }
}

// NewNetworkMonitor wires the monitor's collaborators via explicit
// dependency injection; there is no process-wide service locator.
func NewNetworkMonitor(deps Dependencies, cfg MonitorConfig, storage *PeerStorage, processor *PeerProcessor, communicator *PeerCommunicator, opts ...MonitorOption) *NetworkMonitor {
	m := &NetworkMonitor{
		deps:         deps,
		cfg:          cfg,
		storage:      storage,
		processor:    processor,
		communicator: communicator,
		scheduler:    NewScheduler(),
		now:          time.Now,
	}
	m.initializing.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the startup sequence described in the component design's
// 4.4.1: cold-start window, optional reachability probes, peer
// restoration, seeding, and (unless skipped) the first discovery pass.
func (m *NetworkMonitor) Start(ctx context.Context, opts StartOptions) error {
	m.coldStartPeriod = m.now().Add(m.cfg.ColdStartPeriod)

	if len(opts.DNS) > 0 || len(opts.NTP) > 0 {
		report := seeds.ProbeReachability(ctx, opts.DNS, opts.NTP)
		m.logReachability(report)
	}

	var restored []CandidateInfo
	if m.snapshotLoader != nil {
		loaded, err := m.snapshotLoader()
		if err != nil {
			m.deps.Logger.Warn("failed to restore cached peers", slog.Any("error", err))
		} else {
			restored = loaded
		}
	}

	if err := m.populateSeedPeers(ctx, restored); err != nil {
		return err
	}

	if opts.SkipDiscovery {
		m.deps.Logger.Info("discovery skipped at startup")
		m.initializing.Store(false)
		return nil
	}

	next := m.updateNetworkStatus(ctx, opts.NetworkStart)
	m.initializing.Store(false)

	if !opts.DisableDiscovery {
		m.scheduler.Schedule(ctx, next, func(ctx context.Context) time.Duration {
			return m.updateNetworkStatus(ctx, false)
		})
	}
	return nil
}

// Stop cancels the discovery scheduler. The caller's context cancellation
// is still the primary shutdown signal threaded through every in-flight
// call; Stop only prevents a new pass from being armed.
func (m *NetworkMonitor) Stop() {
	m.scheduler.Stop()
}

func (m *NetworkMonitor) logReachability(report seeds.ReachabilityReport) {
	if !report.DNSOK {
		m.deps.Logger.Warn("startup DNS reachability probe failed", slog.Any("error", report.DNSErr))
	}
	if !report.NTPOK {
		m.deps.Logger.Warn("startup NTP reachability probe failed", slog.Any("error", report.NTPErr))
	}
}

// populateSeedPeers loads configured seeds, restored peers, and resolved
// DNS seed records, then feeds each through admission as a seed candidate.
func (m *NetworkMonitor) populateSeedPeers(ctx context.Context, restored []CandidateInfo) error {
	combined := make([]CandidateInfo, 0, len(m.cfg.PeersList)+len(restored))
	seen := make(map[string]struct{})

	add := func(c CandidateInfo) {
		key := net.JoinHostPort(c.IP, strconv.Itoa(int(c.Port)))
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		combined = append(combined, c)
	}
	for _, c := range m.cfg.PeersList {
		add(c)
	}
	for _, c := range restored {
		add(c)
	}

	if m.seedRegistry != nil {
		resolved, err := m.seedRegistry.Resolve(ctx, m.now(), m.seedResolver)
		if err != nil {
			m.deps.Logger.Warn("dns seed resolution failed", slog.Any("error", err))
		}
		for _, r := range resolved {
			host, portStr, splitErr := net.SplitHostPort(r.Address)
			if splitErr != nil {
				continue
			}
			port, parseErr := strconv.ParseUint(portStr, 10, 16)
			if parseErr != nil {
				continue
			}
			add(CandidateInfo{IP: host, Port: uint16(port)})
		}
	}

	if len(combined) == 0 {
		return ErrNoSeedsConfigured
	}

	for _, candidate := range combined {
		if _, err := m.processor.ValidateAndAcceptPeer(ctx, candidate, AdmissionOptions{Seed: true}); err != nil {
			m.deps.Logger.Warn("seed peer rejected", logging.MaskField("ip", candidate.IP), slog.Any("error", err))
		}
	}
	return nil
}

// updateNetworkStatus is the discovery loop body: discoverPeers then
// cleanPeers, returning the interval the scheduler should wait before the
// next pass. It is a no-op during genesis-only (networkStart) mode.
func (m *NetworkMonitor) updateNetworkStatus(ctx context.Context, networkStart bool) time.Duration {
	if networkStart {
		return m.cfg.UpdateInterval
	}

	ctx, span := m.deps.Metrics.StartUpdatePass(ctx)
	defer span.End()

	if err := m.discoverPeers(ctx); err != nil {
		m.deps.Logger.Error("discoverPeers failed", slog.Any("error", err))
	}
	if err := m.cleanPeers(ctx, false, false); err != nil {
		m.deps.Logger.Error("cleanPeers failed", slog.Any("error", err))
	}

	m.deps.Metrics.SetActivePeers(m.storage.Count())
	m.deps.Metrics.SetSuspendedPeers(m.storage.SuspendedCount())

	if !m.hasMinimumPeers() {
		if err := m.populateSeedPeers(ctx, nil); err != nil {
			m.deps.Logger.Error("populateSeedPeers failed", slog.Any("error", err))
		}
		return m.cfg.FastRetryInterval
	}
	return m.cfg.UpdateInterval
}

// discoverPeers walks the current peer set in random order, asking each
// for its known peers and feeding the results through admission in
// parallel, stopping once enough peers have responded and the minimum
// peer count is satisfied.
func (m *NetworkMonitor) discoverPeers(ctx context.Context) error {
	peers := m.storage.GetPeers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	queried := 0
	for _, peer := range peers {
		if err := ctx.Err(); err != nil {
			return err
		}

		infos, err := m.communicator.GetPeers(ctx, peer)
		if err != nil {
			continue
		}
		queried++

		var wg sync.WaitGroup
		for _, info := range infos {
			wg.Add(1)
			go func(candidate CandidateInfo) {
				defer wg.Done()
				if _, err := m.processor.ValidateAndAcceptPeer(ctx, candidate, AdmissionOptions{LessVerbose: true}); err != nil {
					m.deps.Logger.Debug("discovered peer rejected", logging.MaskField("ip", candidate.IP), slog.Any("error", err))
				}
			}(info)
		}
		wg.Wait()

		if queried >= queryAtLeastNPeers && m.hasMinimumPeers() {
			break
		}
	}
	return nil
}

// cleanPeers pings every active peer in parallel and forgets any that
// fail, grouping failures by FailureKind rather than by error identity.
func (m *NetworkMonitor) cleanPeers(ctx context.Context, fast, forcePing bool) error {
	peers := m.storage.GetPeers()
	timeout := m.cfg.GlobalTimeout
	if fast {
		timeout = cleanPeersFastTimeout
	}

	var (
		mu            sync.Mutex
		wg            sync.WaitGroup
		unresponsive  int
		removedByKind = map[FailureKind]int{}
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			if _, err := m.communicator.Ping(ctx, p, timeout, forcePing); err != nil {
				kind := ClassifyError(err)
				mu.Lock()
				unresponsive++
				removedByKind[kind]++
				mu.Unlock()

				m.storage.ForgetPeer(p.IP())
				m.deps.Metrics.RecordPeerRemoved(ctx, string(kind))
				if m.deps.Emitter != nil {
					m.deps.Emitter.Emit("peer.removed", PeerRemovedEvent{IP: p.IP(), Reason: kind})
				}
			}
		}(peer)
	}
	wg.Wait()

	for kind, count := range removedByKind {
		m.deps.Logger.Info("removed peers", slog.Int("count", count), slog.String("reason", string(kind)))
	}

	if m.initializing.Load() {
		total := len(peers)
		m.deps.Logger.Info("startup peer responsiveness",
			slog.Int("responsive", total-unresponsive),
			slog.Int("of", total),
			slog.Uint64("network_height", m.getNetworkHeight()),
			slog.Float64("pbft_forging_status", m.getPBFTForgingStatus()),
		)
	}
	return nil
}

func (m *NetworkMonitor) hasMinimumPeers() bool {
	return m.storage.Count() >= m.cfg.MinimumNetworkReach
}

func (m *NetworkMonitor) isColdStartActive() bool {
	return m.now().Before(m.coldStartPeriod)
}

// IsColdStartActive exposes the cold-start window to external callers.
func (m *NetworkMonitor) IsColdStartActive() bool { return m.isColdStartActive() }

// getNetworkHeight returns the median height across peers whose state has
// been set at least once: the element at index len/2 of the ascending
// heights, which for an even count is the upper of the two middle values.
// An empty set yields 0.
func (m *NetworkMonitor) getNetworkHeight() uint64 {
	peers := m.storage.GetPeers()
	heights := make([]uint64, 0, len(peers))
	for _, p := range peers {
		state := p.State()
		if state.Set {
			heights = append(heights, state.Height)
		}
	}
	if len(heights) == 0 {
		return 0
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights[len(heights)/2]
}

// GetNetworkHeight is the exported form of getNetworkHeight.
func (m *NetworkMonitor) GetNetworkHeight() uint64 { return m.getNetworkHeight() }

// getPBFTForgingStatus is the fraction of in-slot peers that report they
// are allowed to forge and are at or above the network height.
func (m *NetworkMonitor) getPBFTForgingStatus() float64 {
	slot := m.deps.Slots.SlotNumber()
	height := m.getNetworkHeight()

	var synced, allowed int
	for _, p := range m.storage.GetPeers() {
		state := p.State()
		if !state.Set || state.CurrentSlot != slot {
			continue
		}
		synced++
		if state.ForgingAllowed && state.Height >= height {
			allowed++
		}
	}
	if synced == 0 {
		return 0
	}
	return float64(allowed) / float64(synced)
}

// GetPBFTForgingStatus is the exported form of getPBFTForgingStatus.
func (m *NetworkMonitor) GetPBFTForgingStatus() float64 { return m.getPBFTForgingStatus() }

// GetNetworkState builds a NetworkState snapshot, force-cleaning peers
// first once the cold-start window is over.
func (m *NetworkMonitor) GetNetworkState(ctx context.Context) NetworkState {
	if !m.isColdStartActive() {
		_ = m.cleanPeers(ctx, true, true)
	}

	grouped := map[string]int{}
	for _, p := range m.storage.GetPeers() {
		state := p.State()
		if !state.Set || state.Header == nil {
			continue
		}
		key := fmt.Sprintf("%d:%s", state.Header.Height, state.Header.ID)
		grouped[key]++
	}

	height := m.getNetworkHeight()
	ratio := m.getPBFTForgingStatus()
	m.deps.Metrics.SetNetworkHeight(height)
	m.deps.Metrics.SetPBFTForgingRatio(ratio)

	return NetworkState{
		Height:            height,
		PBFTForgingStatus: ratio,
		GroupedByHeader:   grouped,
	}
}

// CheckNetworkHealth runs the fork-detection algorithm described in
// 4.4.7: verified peers (active or suspended) are combined, and if at
// least half report being forked, the most populous highest-common-height
// group (ties broken by the greatest height) determines the rollback
// depth.
func (m *NetworkMonitor) CheckNetworkHealth(ctx context.Context) (NetworkStatus, error) {
	if !m.isColdStartActive() {
		_ = m.cleanPeers(ctx, false, true)
		m.processor.ResetSuspendedPeers()
	}

	lastBlock, err := m.deps.State.LastBlock(ctx)
	if err != nil {
		return NetworkStatus{}, fmt.Errorf("read last block: %w", err)
	}

	verified := make([]*Peer, 0)
	for _, p := range m.storage.GetPeers() {
		if p.Verification() != nil {
			verified = append(verified, p)
		}
	}
	for _, sp := range m.storage.GetSuspendedPeers() {
		if sp.Peer.Verification() != nil {
			verified = append(verified, sp.Peer)
		}
	}
	if len(verified) == 0 {
		return NetworkStatus{Forked: false}, nil
	}

	var forkedCount int
	type heightGroup struct {
		height uint64
		count  int
	}
	groups := make(map[uint64]*heightGroup)
	for _, p := range verified {
		v := p.Verification()
		if v.Forked {
			forkedCount++
		}
		if v.HighestCommonHeight != nil {
			g, ok := groups[*v.HighestCommonHeight]
			if !ok {
				g = &heightGroup{height: *v.HighestCommonHeight}
				groups[*v.HighestCommonHeight] = g
			}
			g.count++
		}
	}

	if float64(forkedCount)/float64(len(verified)) < 0.5 {
		return NetworkStatus{Forked: false}, nil
	}

	var chosen *heightGroup
	for _, g := range groups {
		if chosen == nil || g.count > chosen.count || (g.count == chosen.count && g.height > chosen.height) {
			chosen = g
		}
	}
	if chosen == nil {
		return NetworkStatus{Forked: false}, nil
	}

	var rollback uint64
	if lastBlock.Height > chosen.height {
		rollback = lastBlock.Height - chosen.height
	}
	return NetworkStatus{Forked: true, BlocksToRollback: rollback}, nil
}

// SyncWithNetwork downloads blocks from a uniformly-random viable peer
// (neither suspended nor forked), retrying with bounded exponential
// backoff instead of the unbounded recursion the design notes flag.
func (m *NetworkMonitor) SyncWithNetwork(ctx context.Context, fromHeight uint64) ([]Block, error) {
	backoff := syncBackoffBase
	var lastErr error

	for attempt := 0; attempt < syncMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		peer, err := m.pickSyncCandidate()
		if err != nil {
			return nil, err
		}

		blocks, err := m.communicator.DownloadBlocks(ctx, peer, fromHeight)
		if err == nil {
			return blocks, nil
		}
		lastErr = err
		m.deps.Logger.Warn("sync attempt failed", slog.Int("attempt", attempt+1), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > syncBackoffCap {
			backoff = syncBackoffCap
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoViablePeers, lastErr)
	}
	return nil, ErrNoViablePeers
}

func (m *NetworkMonitor) pickSyncCandidate() (*Peer, error) {
	peers := m.storage.GetPeers()
	candidates := make([]*Peer, 0, len(peers))
	for _, p := range peers {
		if p.IsForked() {
			continue
		}
		if m.storage.HasSuspendedPeer(p.IP()) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, ErrNoViablePeers
	}
	return candidates[rand.IntN(len(candidates))], nil
}

// BroadcastBlock fans a block out to peers, applying the probabilistic
// "block ping" decay from 4.4.9 when the blockchain collaborator reports
// this block has already been seen locally.
func (m *NetworkMonitor) BroadcastBlock(ctx context.Context, block Block) {
	if !m.deps.Blockchain.Ready() {
		m.deps.Logger.Warn("blockchain not ready, skipping block broadcast")
		return
	}

	peers := m.storage.GetPeers()
	targets := peers

	ping := m.deps.Blockchain.BlockPing()
	if ping != nil && ping.Block.ID == block.ID {
		diff := ping.Last.Sub(ping.First)
		probability := float64(maxHop-int(ping.Count)) / float64(maxHop)

		if diff < broadcastAggregationWindow && probability > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(broadcastAggregationWindow - diff):
			}
			ping = m.deps.Blockchain.BlockPing()
			if ping == nil || ping.Block.ID != block.ID {
				return
			}
			probability = float64(maxHop-int(ping.Count)) / float64(maxHop)
		}
		targets = filterProbabilistically(peers, probability)
	}

	m.deps.Metrics.RecordBroadcast(ctx, "block", len(targets))

	var wg sync.WaitGroup
	for _, peer := range targets {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			if _, err := m.communicator.PostBlock(ctx, p, block); err != nil {
				m.deps.Logger.Debug("postBlock failed", logging.MaskField("ip", p.IP()), slog.Any("error", err))
			}
		}(peer)
	}
	wg.Wait()
}

func filterProbabilistically(peers []*Peer, probability float64) []*Peer {
	if probability <= 0 {
		return nil
	}
	if probability >= 1 {
		return peers
	}
	kept := make([]*Peer, 0, len(peers))
	for _, peer := range peers {
		if rand.Float64() < probability {
			kept = append(kept, peer)
		}
	}
	return kept
}

// BroadcastTransactions fans transactions out to a shuffled subset of at
// most MaxPeersBroadcast peers.
func (m *NetworkMonitor) BroadcastTransactions(ctx context.Context, txs []Transaction) {
	peers := m.storage.GetPeers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	max := m.cfg.MaxPeersBroadcast
	if max > len(peers) {
		max = len(peers)
	}
	targets := peers[:max]

	m.deps.Metrics.RecordBroadcast(ctx, "transactions", len(targets))

	var wg sync.WaitGroup
	for _, peer := range targets {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			if _, err := m.communicator.PostTransactions(ctx, p, txs); err != nil {
				m.deps.Logger.Debug("postTransactions failed", logging.MaskField("ip", p.IP()), slog.Any("error", err))
			}
		}(peer)
	}
	wg.Wait()
}

// RefreshPeersAfterFork cleans peers and resets suspensions after a fork
// has been handled, additionally suspending the peer that caused it.
func (m *NetworkMonitor) RefreshPeersAfterFork(ctx context.Context) {
	_ = m.cleanPeers(ctx, false, true)
	m.processor.ResetSuspendedPeers()

	if m.deps.State == nil {
		return
	}
	ip, ok, err := m.deps.State.ForkedPeerIP(ctx)
	if err != nil {
		m.deps.Logger.Warn("failed to read forked peer ip", slog.Any("error", err))
		return
	}
	if ok && ip != "" {
		m.processor.Suspend(ip, SuspensionForkCauser, nil)
	}
}

package p2p

import (
	"context"
	"testing"
	"time"
)

type fakeStateProvider struct {
	lastBlock    BlockHeader
	forkedIP     string
	forkedFound  bool
}

func (f *fakeStateProvider) LastBlock(context.Context) (BlockHeader, error) {
	return f.lastBlock, nil
}

func (f *fakeStateProvider) ForkedPeerIP(context.Context) (string, bool, error) {
	return f.forkedIP, f.forkedFound, nil
}

type fakeBlockchainProvider struct {
	ready bool
	ping  *BlockPing
}

func (f *fakeBlockchainProvider) Ready() bool        { return f.ready }
func (f *fakeBlockchainProvider) BlockPing() *BlockPing { return f.ping }

type fakeSlotProvider struct{ slot uint64 }

func (f *fakeSlotProvider) SlotNumber() uint64 { return f.slot }

func newTestMonitor(t *testing.T, transport *FakeTransport, deps Dependencies) (*NetworkMonitor, *PeerStorage) {
	t.Helper()
	storage := NewPeerStorage()
	comm := NewPeerCommunicator(transport, storage, time.Second, noopLogger(), noopMetrics())
	proc := NewPeerProcessor(storage, comm, nil, ProcessorConfig{Nethash: "abc"}, noopLogger(), noopMetrics())

	if deps.Logger == nil {
		deps.Logger = noopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics()
	}
	if deps.State == nil {
		deps.State = &fakeStateProvider{}
	}
	if deps.Blockchain == nil {
		deps.Blockchain = &fakeBlockchainProvider{ready: true}
	}
	if deps.Slots == nil {
		deps.Slots = &fakeSlotProvider{}
	}

	m := NewNetworkMonitor(deps, MonitorConfig{
		MinimumNetworkReach: 1,
		MaxPeersBroadcast:   10,
		GlobalTimeout:       time.Second,
		ColdStartPeriod:     time.Hour,
		UpdateInterval:      10 * time.Minute,
		FastRetryInterval:   time.Second,
	}, storage, proc, comm)
	// Keep cold start active so CheckNetworkHealth/GetNetworkState don't
	// force a cleanPeers pass against peers the test wired up by hand.
	m.coldStartPeriod = time.Now().Add(time.Hour)
	return m, storage
}

func verifiedPeer(ip string, forked bool, commonHeight uint64) *Peer {
	p := NewPeer(ip, 4001, "1.0.0", "abc")
	p.SetVerification(&Verification{Forked: forked, HighestCommonHeight: &commonHeight})
	return p
}

// S5 — majority not forked.
func TestCheckNetworkHealthMajorityNotForked(t *testing.T) {
	m, storage := newTestMonitor(t, NewFakeTransport(), Dependencies{
		State: &fakeStateProvider{lastBlock: BlockHeader{Height: 110}},
	})

	for i := 0; i < 3; i++ {
		storage.SetPeer(verifiedPeer(ipFor(i), true, 100))
	}
	for i := 3; i < 10; i++ {
		storage.SetPeer(verifiedPeer(ipFor(i), false, 100))
	}

	status, err := m.CheckNetworkHealth(context.Background())
	if err != nil {
		t.Fatalf("checkNetworkHealth: %v", err)
	}
	if status.Forked {
		t.Fatalf("expected not forked with only 3/10 peers forked")
	}
}

// S6 — majority forked, rollback depth.
func TestCheckNetworkHealthMajorityForkedComputesRollback(t *testing.T) {
	m, storage := newTestMonitor(t, NewFakeTransport(), Dependencies{
		State: &fakeStateProvider{lastBlock: BlockHeader{Height: 110}},
	})

	idx := 0
	for i := 0; i < 5; i++ {
		storage.SetPeer(verifiedPeer(ipFor(idx), true, 100))
		idx++
	}
	for i := 0; i < 3; i++ {
		storage.SetPeer(verifiedPeer(ipFor(idx), true, 100))
		idx++
	}
	for i := 0; i < 2; i++ {
		storage.SetPeer(verifiedPeer(ipFor(idx), false, 95))
		idx++
	}

	status, err := m.CheckNetworkHealth(context.Background())
	if err != nil {
		t.Fatalf("checkNetworkHealth: %v", err)
	}
	if !status.Forked {
		t.Fatalf("expected forked with 8/10 peers forked")
	}
	if status.BlocksToRollback != 10 {
		t.Fatalf("expected rollback depth 10, got %d", status.BlocksToRollback)
	}
}

func TestCheckNetworkHealthIgnoresUnverifiedPeers(t *testing.T) {
	m, storage := newTestMonitor(t, NewFakeTransport(), Dependencies{
		State: &fakeStateProvider{lastBlock: BlockHeader{Height: 110}},
	})

	// Unverified peers (no Verification set) must not count toward the
	// fork-majority denominator.
	storage.SetPeer(NewPeer("10.0.9.1", 4001, "1.0.0", "abc"))
	storage.SetPeer(NewPeer("10.0.9.2", 4001, "1.0.0", "abc"))
	storage.SetPeer(verifiedPeer("10.0.9.3", true, 100))

	status, err := m.CheckNetworkHealth(context.Background())
	if err != nil {
		t.Fatalf("checkNetworkHealth: %v", err)
	}
	if !status.Forked {
		t.Fatalf("expected forked: the single verified peer is 100%% forked")
	}
}

func TestGetNetworkHeightReturnsMedianAtHalfIndex(t *testing.T) {
	m, storage := newTestMonitor(t, NewFakeTransport(), Dependencies{})

	heights := []uint64{10, 20, 30, 40}
	for i, h := range heights {
		p := NewPeer(ipFor(i), 4001, "1.0.0", "abc")
		p.SetState(PeerState{Height: h}, time.Now())
		storage.SetPeer(p)
	}

	// [10,20,30,40] (sorted) at index floor(4/2)=2 is 30, the upper of the
	// two middle values.
	if got := m.GetNetworkHeight(); got != 30 {
		t.Fatalf("expected median height 30 (index n/2), got %d", got)
	}
}

func TestGetNetworkHeightEmptySetReturnsZero(t *testing.T) {
	m, _ := newTestMonitor(t, NewFakeTransport(), Dependencies{})
	if got := m.GetNetworkHeight(); got != 0 {
		t.Fatalf("expected 0 on empty peer set, got %d", got)
	}
}

func TestGetPBFTForgingStatusIsBoundedAndZeroWhenUnsynced(t *testing.T) {
	m, _ := newTestMonitor(t, NewFakeTransport(), Dependencies{Slots: &fakeSlotProvider{slot: 7}})

	if got := m.GetPBFTForgingStatus(); got != 0 {
		t.Fatalf("expected 0 with no peers synced to the current slot, got %v", got)
	}
}

func TestSyncWithNetworkNeverPicksForkedOrSuspendedPeers(t *testing.T) {
	transport := NewFakeTransport()
	transport.Handle("p2p.peer.downloadBlocks", func(_ context.Context, peer PeerAddress, _ any) (any, error) {
		if peer.IP == "10.0.0.1" {
			t.Errorf("forked peer must never be dialed by syncWithNetwork")
		}
		return struct {
			Blocks []Block `json:"blocks"`
		}{Blocks: []Block{{Height: 5, ID: "h5"}}}, nil
	})
	m, storage := newTestMonitor(t, transport, Dependencies{})

	forked := verifiedPeer("10.0.0.1", true, 1)
	storage.SetPeer(forked)

	good := NewPeer("10.0.0.2", 4001, "1.0.0", "abc")
	storage.SetPeer(good)

	storage.SetSuspendedPeer(&SuspendedPeer{
		Peer:   NewPeer("10.0.0.3", 4001, "1.0.0", "abc"),
		Until:  time.Now().Add(time.Hour),
		Reason: SuspensionUnresponsive,
	})

	blocks, err := m.SyncWithNetwork(context.Background(), 1)
	if err != nil {
		t.Fatalf("syncWithNetwork: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block from the viable peer, got %d", len(blocks))
	}
}

func TestSyncWithNetworkReturnsNoViablePeersWhenAllExcluded(t *testing.T) {
	m, storage := newTestMonitor(t, NewFakeTransport(), Dependencies{})
	storage.SetPeer(verifiedPeer("10.0.0.1", true, 1))

	_, err := m.SyncWithNetwork(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected ErrNoViablePeers")
	}
	if ClassifyError(err) != FailureNoViablePeers {
		t.Fatalf("expected FailureNoViablePeers, got %v", ClassifyError(err))
	}
}

func TestBroadcastBlockNeverTargetsSuspendedPeers(t *testing.T) {
	transport := NewFakeTransport()
	transport.Handle("p2p.peer.postBlock", func(_ context.Context, peer PeerAddress, _ any) (any, error) {
		if peer.IP == "10.0.0.9" {
			t.Errorf("suspended peer must never receive a broadcast block")
		}
		return Ack{Success: true}, nil
	})
	m, storage := newTestMonitor(t, transport, Dependencies{Blockchain: &fakeBlockchainProvider{ready: true}})

	storage.SetPeer(NewPeer("10.0.0.1", 4001, "1.0.0", "abc"))
	storage.SetSuspendedPeer(&SuspendedPeer{
		Peer:   NewPeer("10.0.0.9", 4001, "1.0.0", "abc"),
		Until:  time.Now().Add(time.Hour),
		Reason: SuspensionUnresponsive,
	})

	m.BroadcastBlock(context.Background(), Block{Height: 1, ID: "b1"})
}

func TestBroadcastBlockSkippedWhenBlockchainNotReady(t *testing.T) {
	transport := NewFakeTransport()
	transport.Handle("p2p.peer.postBlock", func(_ context.Context, _ PeerAddress, _ any) (any, error) {
		t.Errorf("postBlock must not be called when the blockchain collaborator reports not ready")
		return Ack{Success: true}, nil
	})
	m, storage := newTestMonitor(t, transport, Dependencies{Blockchain: &fakeBlockchainProvider{ready: false}})
	storage.SetPeer(NewPeer("10.0.0.1", 4001, "1.0.0", "abc"))

	m.BroadcastBlock(context.Background(), Block{Height: 1, ID: "b1"})
}

func TestHasMinimumPeers(t *testing.T) {
	m, storage := newTestMonitor(t, NewFakeTransport(), Dependencies{})
	if m.hasMinimumPeers() {
		t.Fatalf("expected no minimum peers with an empty storage")
	}
	storage.SetPeer(NewPeer("10.0.0.1", 4001, "1.0.0", "abc"))
	if !m.hasMinimumPeers() {
		t.Fatalf("expected minimum peers satisfied with 1 peer and MinimumNetworkReach=1")
	}
}

func TestRefreshPeersAfterForkSuspendsTheForkCauser(t *testing.T) {
	m, storage := newTestMonitor(t, NewFakeTransport(), Dependencies{
		State: &fakeStateProvider{forkedIP: "10.0.0.1", forkedFound: true},
	})
	storage.SetPeer(NewPeer("10.0.0.1", 4001, "1.0.0", "abc"))

	m.RefreshPeersAfterFork(context.Background())

	sp, ok := storage.GetSuspendedPeer("10.0.0.1")
	if !ok {
		t.Fatalf("expected the fork-causing peer to be suspended")
	}
	if sp.Reason != SuspensionForkCauser {
		t.Fatalf("expected SuspensionForkCauser, got %v", sp.Reason)
	}
}

func ipFor(i int) string {
	return "10.0.1." + string(rune('0'+i))
}

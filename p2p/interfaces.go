package p2p

import (
	"context"
	"log/slog"
)

// EventEmitter publishes domain events; the monitor's only required event
// today is "peer.removed", emitted from cleanPeers.
type EventEmitter interface {
	Emit(event string, payload any)
}

// StateProvider reads the blockchain's current head and, if a fork was
// detected and resolved, which peer caused it.
type StateProvider interface {
	LastBlock(ctx context.Context) (BlockHeader, error)
	ForkedPeerIP(ctx context.Context) (string, bool, error)
}

// BlockchainProvider exposes the two pieces of blockchain state the
// broadcast path needs: whether it's safe to broadcast yet, and the
// current block-ping record used to damp rebroadcast fan-out.
type BlockchainProvider interface {
	Ready() bool
	BlockPing() *BlockPing
}

// SlotProvider reports the current consensus slot, used to compute the
// PBFT forging ratio.
type SlotProvider interface {
	SlotNumber() uint64
}

// PeerSnapshotLoader restores a prior run's peer dump ({ip, port, version}
// tuples), written out-of-band by another component. Returning a nil slice
// and nil error is a valid "nothing to restore" response.
type PeerSnapshotLoader func() ([]CandidateInfo, error)

// Dependencies collects every injected collaborator the monitor needs,
// passed as a single struct to NewNetworkMonitor rather than resolved from
// a process-wide service locator.
type Dependencies struct {
	Logger     *slog.Logger
	Emitter    EventEmitter
	State      StateProvider
	Blockchain BlockchainProvider
	Slots      SlotProvider
	Metrics    *Metrics
}

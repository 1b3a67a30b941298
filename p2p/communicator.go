package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relaynet/observability/logging"
)

const (
	defaultRefreshThreshold = 8 * time.Second
	maxGetPeersResults      = 256
)

// PeerCommunicator is the unary-RPC façade over the wire layer. Every call
// carries an explicit timeout and classifies its failure into the taxonomy
// from the error handling design; it never lets a raw transport error
// escape unclassified.
type PeerCommunicator struct {
	transport        Transport
	storage          *PeerStorage
	globalTimeout    time.Duration
	refreshThreshold time.Duration
	logger           *slog.Logger
	metrics          *Metrics
	now              func() time.Time
}

// NewPeerCommunicator builds a communicator bound to transport, using
// globalTimeout as the default per-call budget.
func NewPeerCommunicator(transport Transport, storage *PeerStorage, globalTimeout time.Duration, logger *slog.Logger, metrics *Metrics) *PeerCommunicator {
	return &PeerCommunicator{
		transport:        transport,
		storage:          storage,
		globalTimeout:    globalTimeout,
		refreshThreshold: defaultRefreshThreshold,
		logger:           logger,
		metrics:          metrics,
		now:              time.Now,
	}
}

func (c *PeerCommunicator) callTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return c.globalTimeout
}

// Ping refreshes a peer's state via getStatus, serving the cached state
// instead of a remote call when the peer was pinged recently and
// forcePing is false.
func (c *PeerCommunicator) Ping(ctx context.Context, peer *Peer, timeout time.Duration, forcePing bool) (PeerState, error) {
	now := c.now()
	if !forcePing && peer.RecentlyPinged(c.refreshThreshold, now) {
		return peer.State(), nil
	}

	reply, err := c.GetStatus(ctx, peer, timeout)
	if err != nil {
		c.logger.Warn("peer status refresh failed",
			logging.MaskField("peerIP", peer.IP()),
			slog.Any("error", err),
		)
		return PeerState{}, err
	}

	state := PeerState{
		Height:         reply.Height,
		CurrentSlot:    reply.CurrentSlot,
		ForgingAllowed: reply.ForgingAllowed,
		Header:         &reply.Header,
	}
	peer.SetState(state, now)
	if reply.Version != "" {
		peer.SetVersion(reply.Version)
	}
	return state, nil
}

// GetStatus issues the remote getStatus call without consulting the ping
// cache or mutating peer state; Ping builds on this.
func (c *PeerCommunicator) GetStatus(ctx context.Context, peer *Peer, timeout time.Duration) (StatusReply, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(timeout))
	defer cancel()

	var reply StatusReply
	err := c.transport.Call(callCtx, peer.Address(), "p2p.peer.getStatus", struct{}{}, &reply)
	if err != nil {
		return StatusReply{}, c.classifyCallError(callCtx, err)
	}
	if reply.Height != 0 && reply.Header.ID == "" {
		return StatusReply{}, fmt.Errorf("%w: missing header in getStatus reply", ErrBadResponse)
	}
	return reply, nil
}

// GetPeers returns the remote's known peers, capped to bound memory use
// against a misbehaving or overly chatty peer.
func (c *PeerCommunicator) GetPeers(ctx context.Context, peer *Peer) ([]CandidateInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(0))
	defer cancel()

	var reply struct {
		Peers []CandidateInfo `json:"peers"`
	}
	if err := c.transport.Call(callCtx, peer.Address(), "p2p.peer.getPeers", struct{}{}, &reply); err != nil {
		return nil, c.classifyCallError(callCtx, err)
	}
	if len(reply.Peers) > maxGetPeersResults {
		reply.Peers = reply.Peers[:maxGetPeersResults]
	}
	return reply.Peers, nil
}

// GetCommonBlocks asks a peer which of the given block ids it recognizes,
// returning the highest one it has in common, if any.
func (c *PeerCommunicator) GetCommonBlocks(ctx context.Context, peer *Peer, ids []string) (*string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(0))
	defer cancel()

	req := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	var reply struct {
		Common *string `json:"common"`
	}
	if err := c.transport.Call(callCtx, peer.Address(), "p2p.peer.getCommonBlocks", req, &reply); err != nil {
		return nil, c.classifyCallError(callCtx, err)
	}
	return reply.Common, nil
}

// HasCommonBlocks is GetCommonBlocks with a bool-and-value return shape,
// convenient for call sites that don't want to juggle a pointer.
func (c *PeerCommunicator) HasCommonBlocks(ctx context.Context, peer *Peer, ids []string) (string, bool, error) {
	common, err := c.GetCommonBlocks(ctx, peer, ids)
	if err != nil {
		return "", false, err
	}
	if common == nil {
		return "", false, nil
	}
	return *common, true, nil
}

// DownloadBlocks fetches a batch of blocks starting at fromHeight. On
// success it updates the peer's recorded height to the highest block
// height returned.
func (c *PeerCommunicator) DownloadBlocks(ctx context.Context, peer *Peer, fromHeight uint64) ([]Block, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(0))
	defer cancel()

	req := struct {
		FromHeight uint64 `json:"fromHeight"`
	}{FromHeight: fromHeight}
	var reply struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.transport.Call(callCtx, peer.Address(), "p2p.peer.downloadBlocks", req, &reply); err != nil {
		return nil, c.classifyCallError(callCtx, err)
	}

	var highest uint64
	for _, b := range reply.Blocks {
		if b.Height > highest {
			highest = b.Height
		}
	}
	if highest > 0 {
		state := peer.State()
		state.Height = highest
		peer.SetState(state, c.now())
	}
	return reply.Blocks, nil
}

// PostBlock pushes a block to a peer, best-effort.
func (c *PeerCommunicator) PostBlock(ctx context.Context, peer *Peer, block Block) (Ack, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(0))
	defer cancel()

	var ack Ack
	if err := c.transport.Call(callCtx, peer.Address(), "p2p.peer.postBlock", block, &ack); err != nil {
		return Ack{}, c.classifyCallError(callCtx, err)
	}
	return ack, nil
}

// PostTransactions pushes a transaction batch to a peer, best-effort.
func (c *PeerCommunicator) PostTransactions(ctx context.Context, peer *Peer, txs []Transaction) (Ack, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout(0))
	defer cancel()

	req := struct {
		Transactions []Transaction `json:"transactions"`
	}{Transactions: txs}
	var ack Ack
	if err := c.transport.Call(callCtx, peer.Address(), "p2p.peer.postTransactions", req, &ack); err != nil {
		return Ack{}, c.classifyCallError(callCtx, err)
	}
	return ack, nil
}

func (c *PeerCommunicator) classifyCallError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnresponsive, err)
}

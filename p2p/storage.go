// Package p2p implements the peer-to-peer network monitor: peer admission,
// liveness probing, fork detection, and broadcast dispatch for a relay node.
package p2p

import (
	"sync"
	"time"
)

// SuspensionReason enumerates why a peer was moved to the suspended set.
// Kept as a typed string rather than a bare string so callers can't
// accidentally compare against an unrelated free-form string.
type SuspensionReason string

const (
	SuspensionUnresponsive    SuspensionReason = "unresponsive"
	SuspensionInvalidVersion  SuspensionReason = "invalid-version"
	SuspensionBlacklisted     SuspensionReason = "blacklisted"
	SuspensionBadResponse     SuspensionReason = "bad-response"
	SuspensionForkCauser      SuspensionReason = "forked-fork-causer"
)

// SuspendedPeer records a peer that is excluded from probing/broadcast
// until Until, along with why it was suspended.
type SuspendedPeer struct {
	Peer   *Peer
	Until  time.Time
	Reason SuspensionReason
}

// PeerStorage is the in-memory peer registry. It holds no persistence of
// its own — the active/suspended invariant (a peer is in exactly one of
// the two sets) is enforced here, in SetPeer/SetSuspendedPeer.
type PeerStorage struct {
	mu        sync.RWMutex
	peers     map[string]*Peer
	suspended map[string]*SuspendedPeer
}

// NewPeerStorage returns an empty registry.
func NewPeerStorage() *PeerStorage {
	return &PeerStorage{
		peers:     make(map[string]*Peer),
		suspended: make(map[string]*SuspendedPeer),
	}
}

// SetPeer inserts or replaces the active peer record for p.IP(), removing
// any suspension for the same IP so the active/suspended invariant holds.
func (s *PeerStorage) SetPeer(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.suspended, p.IP())
	s.peers[p.IP()] = p
}

func (s *PeerStorage) GetPeer(ip string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[ip]
	return p, ok
}

// ForgetPeer removes a peer from the active set. Idempotent: forgetting a
// peer that isn't present is a no-op, not an error.
func (s *PeerStorage) ForgetPeer(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, ip)
}

// GetPeers returns a defensive-copy snapshot of the active peer set so
// concurrent fan-out callers can iterate without racing SetPeer/ForgetPeer.
func (s *PeerStorage) GetPeers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *PeerStorage) HasPeer(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[ip]
	return ok
}

func (s *PeerStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// SetSuspendedPeer moves a peer into the suspended set, removing it from
// the active set so the two sets stay mutually exclusive.
func (s *PeerStorage) SetSuspendedPeer(sp *SuspendedPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, sp.Peer.IP())
	s.suspended[sp.Peer.IP()] = sp
}

func (s *PeerStorage) GetSuspendedPeer(ip string) (*SuspendedPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.suspended[ip]
	return sp, ok
}

func (s *PeerStorage) HasSuspendedPeer(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.suspended[ip]
	return ok
}

// GetSuspendedPeers returns a defensive-copy snapshot keyed by IP.
func (s *PeerStorage) GetSuspendedPeers() map[string]*SuspendedPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*SuspendedPeer, len(s.suspended))
	for ip, sp := range s.suspended {
		out[ip] = sp
	}
	return out
}

func (s *PeerStorage) ForgetSuspendedPeer(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.suspended, ip)
}

func (s *PeerStorage) SuspendedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.suspended)
}

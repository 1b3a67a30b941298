package p2p

import "errors"

// Sentinel errors for the taxonomy described in the error handling design.
// Callers should use errors.Is against these, never compare error values
// directly as map keys — FailureKind exists precisely to make that mistake
// impossible for grouping code like cleanPeers.
var (
	ErrUnresponsive     = errors.New("p2p: peer unresponsive")
	ErrTimeout          = errors.New("p2p: call timed out")
	ErrBadResponse      = errors.New("p2p: peer returned a malformed response")
	ErrValidation       = errors.New("p2p: remote rejected our payload")
	ErrTransport        = errors.New("p2p: transport error")
	ErrAppNotReady      = errors.New("p2p: application not ready")
	ErrVersionMismatch  = errors.New("p2p: peer version does not satisfy minimum version constraint")
	ErrNethashMismatch  = errors.New("p2p: peer nethash does not match configured chain")
	ErrBlacklisted      = errors.New("p2p: peer ip is blacklisted")
	ErrForkCauser       = errors.New("p2p: peer implicated as fork causer")
	ErrNoViablePeers    = errors.New("p2p: no viable peers to sync from")
	ErrNoSeedsConfigured = errors.New("p2p: no seed peers configured")
)

// FailureKind groups errors by cause without using the error value itself
// as a map key, so callers can tally "N peers removed because of X" without
// relying on error identity or stringification.
type FailureKind string

const (
	FailureUnresponsive     FailureKind = "unresponsive"
	FailureTimeout          FailureKind = "timeout"
	FailureBadResponse      FailureKind = "bad-response"
	FailureValidation       FailureKind = "validation"
	FailureTransport        FailureKind = "transport"
	FailureAppNotReady      FailureKind = "app-not-ready"
	FailureVersionMismatch  FailureKind = "version-mismatch"
	FailureNethashMismatch  FailureKind = "nethash-mismatch"
	FailureBlacklisted      FailureKind = "blacklisted"
	FailureForkCauser       FailureKind = "fork-causer"
	FailureNoViablePeers    FailureKind = "no-viable-peers"
	FailureNoSeedsConfigured FailureKind = "no-seeds-configured"
	FailureUnknown          FailureKind = "unknown"
)

// ClassifyError maps a returned error to its FailureKind for grouping and
// metrics, walking the errors.Is chain rather than comparing error strings.
func ClassifyError(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.Is(err, ErrUnresponsive):
		return FailureUnresponsive
	case errors.Is(err, ErrBadResponse):
		return FailureBadResponse
	case errors.Is(err, ErrValidation):
		return FailureValidation
	case errors.Is(err, ErrTransport):
		return FailureTransport
	case errors.Is(err, ErrAppNotReady):
		return FailureAppNotReady
	case errors.Is(err, ErrVersionMismatch):
		return FailureVersionMismatch
	case errors.Is(err, ErrNethashMismatch):
		return FailureNethashMismatch
	case errors.Is(err, ErrBlacklisted):
		return FailureBlacklisted
	case errors.Is(err, ErrForkCauser):
		return FailureForkCauser
	case errors.Is(err, ErrNoViablePeers):
		return FailureNoViablePeers
	case errors.Is(err, ErrNoSeedsConfigured):
		return FailureNoSeedsConfigured
	default:
		return FailureUnknown
	}
}

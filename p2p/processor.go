package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver"

	"relaynet/observability/logging"
)

// SuspensionDurations gives the default time a peer stays suspended for
// each reason. These are package-level defaults, not spec-mandated
// constants; the map is exported and can be reassigned, but the config
// file has no setting for them. They cover error kinds with no precedent
// in an upstream implementation, chosen so transient failures clear quickly and policy violations don't.
var SuspensionDurations = map[SuspensionReason]time.Duration{
	SuspensionUnresponsive:   time.Minute,
	SuspensionBadResponse:    10 * time.Minute,
	SuspensionInvalidVersion: 6 * time.Hour,
	SuspensionBlacklisted:    24 * time.Hour,
	SuspensionForkCauser:     24 * time.Hour,
}

// ProcessorConfig configures admission checks.
type ProcessorConfig struct {
	Nethash         string
	MinimumVersions map[string]string // keyed by major version prefix, e.g. "2" -> "2.1.0"
	Blacklist       map[string]struct{}
}

// AdmissionOptions tune how ValidateAndAcceptPeer treats a candidate.
type AdmissionOptions struct {
	Seed        bool
	LessVerbose bool
}

// PeerProcessor owns admission control and suspension for PeerStorage.
type PeerProcessor struct {
	storage      *PeerStorage
	communicator *PeerCommunicator
	ban          *BanStore
	cfg          ProcessorConfig
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
}

// NewPeerProcessor builds a processor bound to storage/communicator/ban.
// ban may be nil, in which case suspensions are not persisted across
// restarts.
func NewPeerProcessor(storage *PeerStorage, communicator *PeerCommunicator, ban *BanStore, cfg ProcessorConfig, logger *slog.Logger, metrics *Metrics) *PeerProcessor {
	if cfg.Blacklist == nil {
		cfg.Blacklist = map[string]struct{}{}
	}
	if cfg.MinimumVersions == nil {
		cfg.MinimumVersions = map[string]string{}
	}
	return &PeerProcessor{
		storage:      storage,
		communicator: communicator,
		ban:          ban,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

// ValidateAndAcceptPeer runs admission checks on candidate and, on
// success, inserts it into storage and issues a best-effort initial ping.
// A seed candidate is subject to exactly the same checks as a discovered
// one. opts.Seed does not change log verbosity (only opts.LessVerbose
// lowers it); it is only recorded on the "accepted peer" log line.
func (p *PeerProcessor) ValidateAndAcceptPeer(ctx context.Context, candidate CandidateInfo, opts AdmissionOptions) (*Peer, error) {
	logLevel := slog.LevelInfo
	if opts.LessVerbose {
		logLevel = slog.LevelDebug
	}

	if p.isBlacklisted(candidate.IP) {
		p.suspendCandidate(candidate, SuspensionBlacklisted)
		p.logger.Log(ctx, logLevel, "rejected peer: blacklisted", logging.MaskField("ip", candidate.IP))
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, candidate.IP)
	}

	if candidate.Nethash != "" && !strings.EqualFold(candidate.Nethash, p.cfg.Nethash) {
		// SuspendedPeer.Reason only enumerates five kinds; a nethash
		// mismatch is a configuration incompatibility like a version
		// mismatch, so it shares that reason rather than adding a sixth.
		p.suspendCandidate(candidate, SuspensionInvalidVersion)
		p.logger.Log(ctx, logLevel, "rejected peer: nethash mismatch", logging.MaskField("ip", candidate.IP))
		return nil, fmt.Errorf("%w: %s", ErrNethashMismatch, candidate.IP)
	}

	if candidate.Version != "" {
		if err := p.checkMinimumVersion(candidate.Version); err != nil {
			p.suspendCandidate(candidate, SuspensionInvalidVersion)
			p.logger.Log(ctx, logLevel, "rejected peer: version too old", logging.MaskField("ip", candidate.IP), slog.String("version", candidate.Version))
			return nil, fmt.Errorf("%w: %s", ErrVersionMismatch, candidate.IP)
		}
	}

	if p.ban != nil {
		if rec, banned, err := p.ban.Get(candidate.IP); err == nil && banned {
			if p.now().Before(rec.Until) {
				p.storage.SetSuspendedPeer(&SuspendedPeer{
					Peer:   NewPeer(candidate.IP, candidate.Port, candidate.Version, candidate.Nethash),
					Until:  rec.Until,
					Reason: rec.Reason,
				})
				return nil, fmt.Errorf("%w: %s still banned until %s", ErrBlacklisted, candidate.IP, rec.Until)
			}
		}
	}

	peer := NewPeer(candidate.IP, candidate.Port, candidate.Version, candidate.Nethash)
	p.storage.SetPeer(peer)
	p.logger.Log(ctx, logLevel, "accepted peer", logging.MaskField("ip", candidate.IP), slog.Bool("seed", opts.Seed))

	if _, err := p.communicator.Ping(ctx, peer, 0, true); err != nil {
		p.Suspend(candidate.IP, SuspensionUnresponsive, nil)
		return peer, fmt.Errorf("%w: initial ping failed for %s", ErrUnresponsive, candidate.IP)
	}

	return peer, nil
}

func (p *PeerProcessor) isBlacklisted(ip string) bool {
	_, ok := p.cfg.Blacklist[ip]
	return ok
}

func (p *PeerProcessor) checkMinimumVersion(version string) error {
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrVersionMismatch, version)
	}
	major := fmt.Sprintf("%d", parsed.Major())
	minimum, ok := p.cfg.MinimumVersions[major]
	if !ok || strings.TrimSpace(minimum) == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(">= " + minimum)
	if err != nil {
		return nil
	}
	if !constraint.Check(parsed) {
		return fmt.Errorf("%w: %s does not satisfy >= %s", ErrVersionMismatch, version, minimum)
	}
	return nil
}

func (p *PeerProcessor) suspendCandidate(candidate CandidateInfo, reason SuspensionReason) {
	p.Suspend(candidate.IP, reason, nil)
}

// Suspend moves ip from the active set to the suspended set. A nil
// duration uses SuspensionDurations' default for reason.
func (p *PeerProcessor) Suspend(ip string, reason SuspensionReason, duration *time.Duration) {
	d := SuspensionDurations[reason]
	if duration != nil {
		d = *duration
	}
	until := p.now().Add(d)

	peer, ok := p.storage.GetPeer(ip)
	if !ok {
		peer = NewPeer(ip, 0, "", "")
	}
	p.storage.SetSuspendedPeer(&SuspendedPeer{Peer: peer, Until: until, Reason: reason})

	if p.ban != nil {
		_ = p.ban.Put(BanRecord{IP: ip, Reason: reason, Until: until, Version: peer.Version()})
	}
	if p.metrics != nil {
		p.metrics.RecordPeerRemoved(context.Background(), string(reason))
	}
}

// ResetSuspendedPeers removes every suspension whose Until has passed.
func (p *PeerProcessor) ResetSuspendedPeers() {
	now := p.now()
	for ip, sp := range p.storage.GetSuspendedPeers() {
		if sp.Until.Before(now) {
			p.storage.ForgetSuspendedPeer(ip)
			if p.ban != nil {
				_ = p.ban.Delete(ip)
			}
		}
	}
}

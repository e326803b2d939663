package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/wilsonzlin/meshmeet/internal/metrics"
)

// onSignal routes one inbound signal to its session, creating a passive
// session when the sender is unknown. The returned channel closes once the
// signal has been applied.
func (m *Manager) onSignal(ctx context.Context, sig Signal) (<-chan struct{}, error) {
	self := m.selfParticipant()
	if sig.From == 0 {
		return nil, fmt.Errorf("%w: signal has no sender", ErrInvalidPeerID)
	}
	if sig.From == self.ID {
		return nil, fmt.Errorf("%w: signal from self", ErrInvalidPeerID)
	}
	if sig.To != 0 && sig.To != self.ID {
		return nil, fmt.Errorf("%w: signal addressed to %s", ErrInvalidPeerID, sig.To)
	}

	s, created, err := m.sessionFor(Participant{ID: sig.From, DisplayName: sig.FromName})
	if err != nil {
		return nil, err
	}
	if created {
		m.log.Debug("created passive session for inbound signal", "peer_id", sig.From.String(), "signal_type", string(sig.Type))
	}

	return s.queue.submit(func() {
		if ctx.Err() != nil {
			return
		}
		if err := applySignal(s, sig); err != nil {
			m.logSignalError(sig, err)
		}
	}), nil
}

func applySignal(s *PeerSession, sig Signal) error {
	switch sig.Type {
	case SignalOffer:
		if sig.Description == nil {
			return ErrMissingSignalBody
		}
		return s.acceptOffer(*sig.Description)
	case SignalAnswer:
		if sig.Description == nil {
			return ErrMissingSignalBody
		}
		return s.acceptAnswer(*sig.Description)
	case SignalICECandidate:
		if sig.Candidate == nil {
			return ErrMissingSignalBody
		}
		return s.addRemoteCandidate(*sig.Candidate)
	default:
		return fmt.Errorf("%w %q", ErrUnknownSignalType, sig.Type)
	}
}

// initiateOffer queues an offer to the session's peer.
func (m *Manager) initiateOffer(s *PeerSession) <-chan struct{} {
	return s.queue.submit(func() {
		if err := s.createOffer(); err != nil {
			m.metrics.Inc(metrics.NegotiationErrors)
			m.log.Warn("initiate offer failed", "peer_id", s.ID().String(), "err", err)
		}
	})
}

func (m *Manager) logSignalError(sig Signal, err error) {
	if errors.Is(err, ErrLeft) {
		m.metrics.Inc(metrics.SignalsDroppedAfterLeave)
		m.log.Debug("dropping signal after leave", "peer_id", sig.From.String(), "signal_type", string(sig.Type))
		return
	}
	m.metrics.Inc(metrics.NegotiationErrors)
	m.log.Warn("signal handling failed",
		"peer_id", sig.From.String(),
		"signal_type", string(sig.Type),
		"err", err,
	)
}

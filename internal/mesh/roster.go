package mesh

import "slices"

// reconcileRoster creates sessions for participants that have none and sends
// offers where the local participant is the initiator.
//
// Participants missing from the roster keep their sessions; only a failed or
// disconnected connection ends a session.
func (m *Manager) reconcileRoster(roster []Participant) []<-chan struct{} {
	if roster == nil {
		return nil
	}
	m.publishParticipants(roster)

	self := m.selfParticipant()
	var pending []<-chan struct{}
	for _, p := range roster {
		if p.ID == 0 || p.ID == self.ID {
			continue
		}
		s, created, err := m.sessionFor(p)
		if err != nil {
			m.log.Warn("roster session create failed", "peer_id", p.ID.String(), "err", err)
			continue
		}
		if !created || !ShouldInitiate(self.ID, p.ID) {
			continue
		}
		pending = append(pending, m.initiateOffer(s))
	}
	return pending
}

func (m *Manager) publishParticipants(roster []Participant) {
	m.mu.Lock()
	if m.lastRoster != nil && slices.Equal(m.lastRoster, roster) {
		m.mu.Unlock()
		return
	}
	m.lastRoster = slices.Clone(roster)
	snapshot := slices.Clone(roster)
	m.mu.Unlock()

	m.cfg.Observer.emit(ParticipantsChanged{Participants: snapshot})
}

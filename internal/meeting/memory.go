package meeting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
)

type queuedSignal struct {
	msg signaling.SignalMessage
	at  time.Time
}

type memoryParticipant struct {
	name     string
	lastSeen time.Time
	mailbox  []queuedSignal
}

// MemoryStore keeps everything in process. Used when no Redis address is
// configured and in tests.
type MemoryStore struct {
	mailboxTTL time.Duration

	mu       sync.Mutex
	meetings map[string]map[mesh.PeerID]*memoryParticipant
}

// NewMemoryStore drops queued signals older than mailboxTTL at drain time.
// Zero keeps them until drained.
func NewMemoryStore(mailboxTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		mailboxTTL: mailboxTTL,
		meetings:   make(map[string]map[mesh.PeerID]*memoryParticipant),
	}
}

func (s *MemoryStore) Join(_ context.Context, meetingID string, p mesh.Participant, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster, ok := s.meetings[meetingID]
	if !ok {
		roster = make(map[mesh.PeerID]*memoryParticipant)
		s.meetings[meetingID] = roster
	}
	if cur, ok := roster[p.ID]; ok {
		cur.lastSeen = now
		if p.DisplayName != "" {
			cur.name = p.DisplayName
		}
		return false, nil
	}
	roster[p.ID] = &memoryParticipant{name: p.DisplayName, lastSeen: now}
	return true, nil
}

func (s *MemoryStore) Leave(_ context.Context, meetingID string, id mesh.PeerID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(meetingID, id), nil
}

func (s *MemoryStore) removeLocked(meetingID string, id mesh.PeerID) bool {
	roster, ok := s.meetings[meetingID]
	if !ok {
		return false
	}
	if _, ok := roster[id]; !ok {
		return false
	}
	delete(roster, id)
	if len(roster) == 0 {
		delete(s.meetings, meetingID)
	}
	return true
}

func (s *MemoryStore) Touch(_ context.Context, meetingID string, id mesh.PeerID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participantLocked(meetingID, id)
	if p == nil {
		return ErrNotInMeeting
	}
	p.lastSeen = now
	return nil
}

func (s *MemoryStore) Contains(_ context.Context, meetingID string, id mesh.PeerID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantLocked(meetingID, id) != nil, nil
}

func (s *MemoryStore) Participants(_ context.Context, meetingID string) ([]mesh.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster := s.meetings[meetingID]
	out := make([]mesh.Participant, 0, len(roster))
	for id, p := range roster {
		out = append(out, mesh.Participant{ID: id, DisplayName: p.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, meetingID string, msg signaling.SignalMessage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participantLocked(meetingID, mesh.PeerID(msg.To))
	if p == nil {
		return ErrUnknownRecipient
	}
	p.mailbox = append(p.mailbox, queuedSignal{msg: msg, at: now})
	return nil
}

func (s *MemoryStore) Drain(_ context.Context, meetingID string, id mesh.PeerID, now time.Time) ([]signaling.SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participantLocked(meetingID, id)
	if p == nil {
		return nil, ErrNotInMeeting
	}
	out := make([]signaling.SignalMessage, 0, len(p.mailbox))
	for _, q := range p.mailbox {
		if s.mailboxTTL > 0 && now.Sub(q.at) > s.mailboxTTL {
			continue
		}
		out = append(out, q.msg)
	}
	p.mailbox = nil
	return out, nil
}

func (s *MemoryStore) Expire(_ context.Context, cutoff time.Time) ([]Departure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gone []Departure
	for meetingID, roster := range s.meetings {
		for id, p := range roster {
			if p.lastSeen.Before(cutoff) {
				gone = append(gone, Departure{MeetingID: meetingID, Participant: mesh.Participant{ID: id, DisplayName: p.name}})
			}
		}
	}
	for _, d := range gone {
		s.removeLocked(d.MeetingID, d.Participant.ID)
	}
	sort.Slice(gone, func(i, j int) bool {
		if gone[i].MeetingID != gone[j].MeetingID {
			return gone[i].MeetingID < gone[j].MeetingID
		}
		return gone[i].Participant.ID < gone[j].Participant.ID
	})
	return gone, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) participantLocked(meetingID string, id mesh.PeerID) *memoryParticipant {
	roster, ok := s.meetings[meetingID]
	if !ok {
		return nil
	}
	return roster[id]
}

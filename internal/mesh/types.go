package mesh

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// PeerID identifies a participant. IDs are compared numerically.
type PeerID uint64

func ParsePeerID(raw string) (PeerID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeerID, raw)
	}
	return PeerID(v), nil
}

func (id PeerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ShouldInitiate reports whether self sends the offer to other.
//
// For any two distinct IDs exactly one of ShouldInitiate(a, b) and
// ShouldInitiate(b, a) is true.
func ShouldInitiate(self, other PeerID) bool {
	return self < other
}

type Participant struct {
	ID          PeerID
	DisplayName string
}

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Signal is one negotiation message between two participants. Offers and
// answers carry Description; ICE candidates carry Candidate.
type Signal struct {
	Type     SignalType
	From     PeerID
	FromName string
	To       PeerID

	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

// Payload is what one transport poll yields. A nil Roster means the poll
// carried no roster information; an empty non-nil Roster means nobody else is
// in the meeting.
type Payload struct {
	Signals []Signal
	Roster  []Participant
}

package meeting

import (
	"context"
	"time"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
)

// Store holds rosters and mailboxes. Implementations must be safe for
// concurrent use. Times are passed in so expiry is deterministic in tests.
type Store interface {
	// Join adds p or refreshes it. joined is false for a refresh.
	Join(ctx context.Context, meetingID string, p mesh.Participant, now time.Time) (joined bool, err error)
	// Leave removes id and its mailbox. left is false if id was absent.
	Leave(ctx context.Context, meetingID string, id mesh.PeerID) (left bool, err error)
	// Touch refreshes id's last-seen time or returns ErrNotInMeeting.
	Touch(ctx context.Context, meetingID string, id mesh.PeerID, now time.Time) error
	Contains(ctx context.Context, meetingID string, id mesh.PeerID) (bool, error)
	// Participants returns the roster ordered by ID.
	Participants(ctx context.Context, meetingID string) ([]mesh.Participant, error)
	// Enqueue appends msg to the mailbox of msg.To or returns
	// ErrUnknownRecipient.
	Enqueue(ctx context.Context, meetingID string, msg signaling.SignalMessage, now time.Time) error
	// Drain removes and returns every unexpired message for id, oldest first.
	Drain(ctx context.Context, meetingID string, id mesh.PeerID, now time.Time) ([]signaling.SignalMessage, error)
	// Expire removes every participant last seen before cutoff.
	Expire(ctx context.Context, cutoff time.Time) ([]Departure, error)
	Close() error
}

type Departure struct {
	MeetingID   string
	Participant mesh.Participant
}

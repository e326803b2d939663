package mesh

// Event is delivered to an Observer. The concrete types are TrackAdded,
// TrackRemoved, ParticipantsChanged and ConnectionStateChanged.
type Event interface {
	eventName() string
}

type TrackAdded struct {
	PeerID      PeerID
	DisplayName string
	StreamID    string
	Track       RemoteTrack
}

// TrackRemoved is emitted exactly once per session, when it is torn down.
type TrackRemoved struct {
	PeerID PeerID
}

type ParticipantsChanged struct {
	Participants []Participant
}

type ConnectionStateChanged struct {
	PeerID PeerID
	State  ConnectionState
}

func (TrackAdded) eventName() string             { return "track_added" }
func (TrackRemoved) eventName() string           { return "track_removed" }
func (ParticipantsChanged) eventName() string    { return "participants_changed" }
func (ConnectionStateChanged) eventName() string { return "connection_state_changed" }

// Observer receives events from multiple goroutines and must not block for long.
type Observer func(Event)

func (o Observer) emit(e Event) {
	if o != nil {
		o(e)
	}
}

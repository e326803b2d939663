package meeting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
)

func candidateMessage(from, to mesh.PeerID, cand string) signaling.SignalMessage {
	msg, err := signaling.ParseSignalMessage([]byte(`{"id":"` + cand + `","type":"ice-candidate","from":` + from.String() + `,"to":` + to.String() + `,"candidate":{"candidate":"` + cand + `"}}`))
	if err != nil {
		panic(err)
	}
	return msg
}

// testStore runs the behaviour every Store must share. mailboxTTL must be
// one minute.
func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	joined, err := s.Join(ctx, "m1", mesh.Participant{ID: 2, DisplayName: "bob"}, t0)
	if err != nil || !joined {
		t.Fatalf("Join bob joined=%v err=%v", joined, err)
	}
	if joined, err = s.Join(ctx, "m1", mesh.Participant{ID: 1, DisplayName: "alice"}, t0); err != nil || !joined {
		t.Fatalf("Join alice joined=%v err=%v", joined, err)
	}
	if joined, err = s.Join(ctx, "m1", mesh.Participant{ID: 2}, t0); err != nil || joined {
		t.Fatalf("refresh joined=%v err=%v, want false", joined, err)
	}

	roster, err := s.Participants(ctx, "m1")
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(roster) != 2 || roster[0].ID != 1 || roster[1].ID != 2 || roster[1].DisplayName != "bob" {
		t.Fatalf("roster=%+v, want [alice bob] with bob's name kept", roster)
	}
	if other, _ := s.Participants(ctx, "m2"); len(other) != 0 {
		t.Fatalf("unrelated meeting roster=%+v", other)
	}

	if err := s.Enqueue(ctx, "m1", candidateMessage(1, 2, "c1"), t0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, "m1", candidateMessage(1, 2, "c2"), t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, "m1", candidateMessage(1, 9, "c3"), t0); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("Enqueue to absent err=%v, want ErrUnknownRecipient", err)
	}

	got, err := s.Drain(ctx, "m1", 2, t0.Add(2*time.Minute+time.Second))
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1 || got[0].Candidate.Candidate != "c2" {
		t.Fatalf("drained=%+v, want only the unexpired c2", got)
	}
	if again, _ := s.Drain(ctx, "m1", 2, t0); len(again) != 0 {
		t.Fatalf("second drain=%+v, want empty", again)
	}
	if _, err := s.Drain(ctx, "m1", 9, t0); !errors.Is(err, ErrNotInMeeting) {
		t.Fatalf("Drain absent err=%v, want ErrNotInMeeting", err)
	}
	if err := s.Touch(ctx, "m1", 9, t0); !errors.Is(err, ErrNotInMeeting) {
		t.Fatalf("Touch absent err=%v, want ErrNotInMeeting", err)
	}

	// bob polls later; alice goes quiet.
	if err := s.Touch(ctx, "m1", 2, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	gone, err := s.Expire(ctx, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if len(gone) != 1 || gone[0].MeetingID != "m1" || gone[0].Participant.ID != 1 || gone[0].Participant.DisplayName != "alice" {
		t.Fatalf("expired=%+v, want alice", gone)
	}
	if ok, _ := s.Contains(ctx, "m1", 1); ok {
		t.Fatalf("alice still present after expiry")
	}

	if err := s.Enqueue(ctx, "m1", candidateMessage(1, 2, "c4"), t0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	left, err := s.Leave(ctx, "m1", 2)
	if err != nil || !left {
		t.Fatalf("Leave left=%v err=%v", left, err)
	}
	if left, err = s.Leave(ctx, "m1", 2); err != nil || left {
		t.Fatalf("second Leave left=%v err=%v, want false", left, err)
	}
	// A rejoin starts with an empty mailbox.
	if _, err := s.Join(ctx, "m1", mesh.Participant{ID: 2}, t0); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got, _ := s.Drain(ctx, "m1", 2, t0); len(got) != 0 {
		t.Fatalf("mailbox after rejoin=%+v, want empty", got)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore(time.Minute))
}

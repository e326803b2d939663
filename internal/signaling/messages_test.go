package signaling

import (
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

func TestNewSignalMessage_RoundTripsThroughMesh(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	sigs := []mesh.Signal{
		{
			Type: mesh.SignalOffer, From: 1, FromName: "alice", To: 2,
			Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
		},
		{
			Type: mesh.SignalAnswer, From: 2, To: 1,
			Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
		},
		{
			Type: mesh.SignalICECandidate, From: 1, To: 2,
			Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx},
		},
	}
	for _, sig := range sigs {
		msg := NewSignalMessage(sig)
		if msg.ID == "" {
			t.Fatalf("%s: empty message id", sig.Type)
		}
		if err := msg.Validate(); err != nil {
			t.Fatalf("%s: Validate: %v", sig.Type, err)
		}
		got, err := msg.ToMesh()
		if err != nil {
			t.Fatalf("%s: ToMesh: %v", sig.Type, err)
		}
		if got.Type != sig.Type || got.From != sig.From || got.To != sig.To || got.FromName != sig.FromName {
			t.Fatalf("got %+v, want %+v", got, sig)
		}
		if sig.Description != nil && (got.Description == nil || *got.Description != *sig.Description) {
			t.Fatalf("%s: description=%v, want %v", sig.Type, got.Description, sig.Description)
		}
		if sig.Candidate != nil && (got.Candidate == nil || got.Candidate.Candidate != sig.Candidate.Candidate || *got.Candidate.SDPMid != mid) {
			t.Fatalf("%s: candidate=%v, want %v", sig.Type, got.Candidate, sig.Candidate)
		}
	}
}

func TestParseSignalMessage_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown field", `{"id":"a","type":"offer","from":1,"to":2,"sdp":{"type":"offer","sdp":"x"},"extra":1}`, ErrInvalidMessage},
		{"trailing data", `{"id":"a","type":"offer","from":1,"to":2,"sdp":{"type":"offer","sdp":"x"}} {}`, ErrInvalidMessage},
		{"zero from", `{"id":"a","type":"offer","from":0,"to":2,"sdp":{"type":"offer","sdp":"x"}}`, ErrInvalidMessage},
		{"self addressed", `{"id":"a","type":"offer","from":2,"to":2,"sdp":{"type":"offer","sdp":"x"}}`, ErrInvalidMessage},
		{"offer without sdp", `{"id":"a","type":"offer","from":1,"to":2}`, ErrInvalidMessage},
		{"sdp type mismatch", `{"id":"a","type":"offer","from":1,"to":2,"sdp":{"type":"answer","sdp":"x"}}`, ErrInvalidMessage},
		{"candidate without body", `{"id":"a","type":"ice-candidate","from":1,"to":2}`, ErrInvalidMessage},
		{"candidate with sdp", `{"id":"a","type":"ice-candidate","from":1,"to":2,"candidate":{"candidate":"c"},"sdp":{"type":"offer","sdp":"x"}}`, ErrInvalidMessage},
		{"unknown type", `{"id":"a","type":"renegotiate","from":1,"to":2}`, ErrUnsupportedType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSignalMessage([]byte(tc.raw)); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseSignalMessage_Accepts(t *testing.T) {
	msg, err := ParseSignalMessage([]byte(`{"id":"x1","type":"ice-candidate","from":3,"to":9,"candidate":{"candidate":"c","sdpMid":"0"}}`))
	if err != nil {
		t.Fatalf("ParseSignalMessage: %v", err)
	}
	if msg.ID != "x1" || msg.From != 3 || msg.To != 9 || msg.Candidate == nil || *msg.Candidate.SDPMid != "0" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestPollResponse_ToMeshSkipsBadSignals(t *testing.T) {
	resp, err := ParsePollResponse([]byte(`{
		"signals": [
			{"id":"good","type":"offer","from":1,"to":2,"sdp":{"type":"offer","sdp":"x"}},
			{"id":"bad","type":"offer","from":1,"to":2,"sdp":{"type":"pranswer","sdp":"x"}}
		],
		"participants": [{"id":1,"displayName":"one"},{"id":2,"displayName":"two"}]
	}`))
	if err != nil {
		t.Fatalf("ParsePollResponse: %v", err)
	}
	payload, err := resp.ToMesh()
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err=%v, want error naming the bad signal", err)
	}
	if len(payload.Signals) != 1 || payload.Signals[0].Description.SDP != "x" {
		t.Fatalf("signals=%+v, want only the good offer", payload.Signals)
	}
	if len(payload.Roster) != 2 || payload.Roster[1].DisplayName != "two" {
		t.Fatalf("roster=%+v", payload.Roster)
	}
}

func TestPollResponse_EmptyRosterIsNonNil(t *testing.T) {
	resp, err := ParsePollResponse([]byte(`{"signals":[],"participants":[]}`))
	if err != nil {
		t.Fatalf("ParsePollResponse: %v", err)
	}
	payload, err := resp.ToMesh()
	if err != nil {
		t.Fatalf("ToMesh: %v", err)
	}
	if payload.Roster == nil {
		t.Fatalf("roster is nil, want empty")
	}
}

func TestParsePollResponse_RejectsUnknownFields(t *testing.T) {
	if _, err := ParsePollResponse([]byte(`{"signals":[],"participants":[],"cursor":3}`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err=%v, want ErrInvalidMessage", err)
	}
}

func TestStatusError(t *testing.T) {
	err := &StatusError{StatusCode: 404, Code: "unknown_recipient", Message: "peer 9 is not in the meeting"}
	if got, want := err.Error(), "meeting api: status 404: unknown_recipient: peer 9 is not in the meeting"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
	if got, want := (&StatusError{StatusCode: 502}).Error(), "meeting api: status 502"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}

func TestValidateMeetingID(t *testing.T) {
	for _, ok := range []string{"a", "team.sync-01", strings.Repeat("x", 64)} {
		if err := ValidateMeetingID(ok); err != nil {
			t.Fatalf("ValidateMeetingID(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "with space", "a/b", "a+b", "a#", strings.Repeat("x", 65)} {
		if err := ValidateMeetingID(bad); !errors.Is(err, ErrInvalidMeetingID) {
			t.Fatalf("ValidateMeetingID(%q)=%v, want ErrInvalidMeetingID", bad, err)
		}
	}
}

func TestParseParticipantMessage(t *testing.T) {
	p, err := ParseParticipantMessage([]byte(`{"id":7,"displayName":"  me  "}`))
	if err != nil {
		t.Fatalf("ParseParticipantMessage: %v", err)
	}
	if p.ID != 7 || p.DisplayName != "me" {
		t.Fatalf("p=%+v", p)
	}
	long, err := ParseParticipantMessage([]byte(`{"id":7,"displayName":"` + strings.Repeat("n", 100) + `"}`))
	if err != nil || len(long.DisplayName) != 64 {
		t.Fatalf("long name=%d err=%v, want 64 bytes", len(long.DisplayName), err)
	}
	for _, raw := range []string{`{"id":0,"displayName":"x"}`, `{"id":7,"name":"x"}`, `{"id":-1}`} {
		if _, err := ParseParticipantMessage([]byte(raw)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseParticipantMessage(%s) err=%v, want ErrInvalidMessage", raw, err)
		}
	}
}

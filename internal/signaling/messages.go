package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func sdpFromPion(desc webrtc.SessionDescription) *sdp {
	return &sdp{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s sdp) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) *candidate {
	return &candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SignalMessage is the wire form of mesh.Signal. ID is assigned by the sender
// and lets receivers drop redelivered copies.
type SignalMessage struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	From      uint64     `json:"from"`
	FromName  string     `json:"fromName,omitempty"`
	To        uint64     `json:"to"`
	SDP       *sdp       `json:"sdp,omitempty"`
	Candidate *candidate `json:"candidate,omitempty"`
}

type ParticipantMessage struct {
	ID          uint64 `json:"id"`
	DisplayName string `json:"displayName"`
}

// PollResponse is one transport payload: pending signals for the caller and
// the current roster.
type PollResponse struct {
	Signals      []SignalMessage      `json:"signals"`
	Participants []ParticipantMessage `json:"participants"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewSignalMessage encodes sig with a fresh message ID.
func NewSignalMessage(sig mesh.Signal) SignalMessage {
	msg := SignalMessage{
		ID:       uuid.NewString(),
		Type:     string(sig.Type),
		From:     uint64(sig.From),
		FromName: sig.FromName,
		To:       uint64(sig.To),
	}
	if sig.Description != nil {
		msg.SDP = sdpFromPion(*sig.Description)
	}
	if sig.Candidate != nil {
		msg.Candidate = candidateFromPion(*sig.Candidate)
	}
	return msg
}

func (m SignalMessage) ToMesh() (mesh.Signal, error) {
	sig := mesh.Signal{
		Type:     mesh.SignalType(m.Type),
		From:     mesh.PeerID(m.From),
		FromName: m.FromName,
		To:       mesh.PeerID(m.To),
	}
	if m.SDP != nil {
		desc, err := m.SDP.ToPion()
		if err != nil {
			return mesh.Signal{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		sig.Description = &desc
	}
	if m.Candidate != nil {
		init := m.Candidate.ToPion()
		sig.Candidate = &init
	}
	return sig, nil
}

// Validate checks everything a relay can check without a peer connection.
func (m SignalMessage) Validate() error {
	if m.From == 0 || m.To == 0 {
		return fmt.Errorf("%w: from and to must be non-zero", ErrInvalidMessage)
	}
	if m.From == m.To {
		return fmt.Errorf("%w: signal addressed to its sender", ErrInvalidMessage)
	}
	switch mesh.SignalType(m.Type) {
	case mesh.SignalOffer, mesh.SignalAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%w: %s message missing sdp", ErrInvalidMessage, m.Type)
		}
		if m.SDP.Type != m.Type {
			return fmt.Errorf("%w: %s message has sdp.type=%q", ErrInvalidMessage, m.Type, m.SDP.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("%w: %s message has unexpected candidate", ErrInvalidMessage, m.Type)
		}
	case mesh.SignalICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate message missing candidate", ErrInvalidMessage)
		}
		if m.SDP != nil {
			return fmt.Errorf("%w: ice-candidate message has unexpected sdp", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedType, m.Type)
	}
	return nil
}

// ParseSignalMessage decodes exactly one strictly validated message.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := decodeStrictJSON(data, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return SignalMessage{}, err
	}
	return msg, nil
}

// ParsePollResponse decodes a payload. Individual signals are validated later
// by the negotiation core, which counts the malformed ones.
func ParsePollResponse(data []byte) (PollResponse, error) {
	var resp PollResponse
	if err := decodeStrictJSON(data, &resp); err != nil {
		return PollResponse{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return resp, nil
}

// ToMesh converts the payload. Signals that cannot be represented are
// skipped and reported in the returned error; the payload is still usable.
// The roster is always non-nil: a poll response is authoritative.
func (r PollResponse) ToMesh() (mesh.Payload, error) {
	payload := mesh.Payload{
		Signals: make([]mesh.Signal, 0, len(r.Signals)),
		Roster:  make([]mesh.Participant, 0, len(r.Participants)),
	}
	var errs []error
	for _, m := range r.Signals {
		sig, err := m.ToMesh()
		if err != nil {
			errs = append(errs, fmt.Errorf("signal %s: %w", m.ID, err))
			continue
		}
		payload.Signals = append(payload.Signals, sig)
	}
	for _, p := range r.Participants {
		payload.Roster = append(payload.Roster, mesh.Participant{ID: mesh.PeerID(p.ID), DisplayName: p.DisplayName})
	}
	return payload, errors.Join(errs...)
}

const maxDisplayNameLen = 64

// ParseParticipantMessage decodes a join request. Display names are trimmed
// and capped in bytes; the ID must be non-zero.
func ParseParticipantMessage(data []byte) (ParticipantMessage, error) {
	var p ParticipantMessage
	if err := decodeStrictJSON(data, &p); err != nil {
		return ParticipantMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.ID == 0 {
		return ParticipantMessage{}, fmt.Errorf("%w: participant id must be non-zero", ErrInvalidMessage)
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if len(p.DisplayName) > maxDisplayNameLen {
		cut := maxDisplayNameLen
		for cut > 0 && !utf8.RuneStart(p.DisplayName[cut]) {
			cut--
		}
		p.DisplayName = p.DisplayName[:cut]
	}
	return p, nil
}

func (p ParticipantMessage) ToMesh() mesh.Participant {
	return mesh.Participant{ID: mesh.PeerID(p.ID), DisplayName: p.DisplayName}
}

func ParticipantFromMesh(p mesh.Participant) ParticipantMessage {
	return ParticipantMessage{ID: uint64(p.ID), DisplayName: p.DisplayName}
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

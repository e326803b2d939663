// Package mesh keeps one WebRTC session per remote participant of a meeting
// and drives offer/answer/ICE negotiation over a polled signaling transport.
//
// Every participant connects directly to every other participant. For each
// pair the numerically smaller ID sends the offer, so both sides agree on a
// single initiator without coordination.
package mesh

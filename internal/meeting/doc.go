// Package meeting is the server side of the signaling transports: a roster
// and per-participant mailbox for each meeting, and the HTTP API the clients
// poll.
//
// Mailboxes are drained exactly once per poll, so each signal is delivered at
// most once. Participants that stop polling for longer than the participant
// TTL are expired from the roster.
package meeting

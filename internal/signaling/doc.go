// Package signaling carries mesh signals between participants and the
// meeting server.
//
// The JSON wire format lives in messages.go. HTTPTransport polls the meeting
// API, WSTransport receives pushed payloads over a WebSocket, and
// MQTTTransport skips the meeting server entirely and uses broker topics.
package signaling

// Package transport carries envelopes between client and server: a
// one-shot HTTP request/response channel for method calls and a persistent
// WebSocket channel for subscriptions and broadcasts.
//
// The HTTP caller switches to multipart encoding when a call carries
// binary files, keeping the JSON envelope as a sibling form field. The
// socket is a single shared connection per runtime with fixed-delay
// automatic reconnect, an idle-ping liveness probe, and a pending buffer
// that replays queued subscribe traffic once the socket reopens.
package transport

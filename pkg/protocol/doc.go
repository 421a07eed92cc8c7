// Package protocol defines the JSON message envelopes exchanged between a
// live component client and the server: method-call requests and responses
// over HTTP, and subscription control plus notifications over WebSocket.
//
// Envelope construction is pure data shaping; nothing here touches the
// network. Every envelope carries a protocol version string and decoding
// rejects envelopes whose version is missing or unknown before any further
// interpretation.
package protocol

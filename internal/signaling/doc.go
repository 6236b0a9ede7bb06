// Package signaling implements the hub's control channel: message
// validation, per-connection session state, opaque relaying of negotiation
// messages between joined devices, and the WebSocket server that hosts it.
package signaling

// Package transport defines the duplex channel the stream manager drives.
//
// A Dialer constructs a Transport synchronously and then reports its
// lifecycle through Events:
//   - OnOpen once the handshake completes
//   - OnMessage for every inbound text or binary frame
//   - OnClose exactly once, after a failed handshake, a read error or Close
//
// WebSocketDialer is the production implementation on gorilla/websocket.
package transport

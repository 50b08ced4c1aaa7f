// Package stream implements the connection manager for the market feed.
//
// The Manager:
//   - Owns one transport at a time and drives its lifecycle state machine
//   - Detects silent peers with ping/pong heartbeats
//   - Reconnects on a fixed interval up to a bounded number of attempts
//   - Classifies inbound frames (binary, control, application)
//   - Notifies observers of state changes, messages and errors
//
// All transport and timer callbacks are serialized through the Manager's
// mutex. Observers run with no lock held and may call back into the
// Manager.
package stream

// Package metrics exposes stream, subscription and recorder activity as
// Prometheus metrics.
//
// A Registry is a stream.Observer: add it to a Manager and it tracks the
// connection state, inbound messages and advisory errors by kind. The
// subscription registry and the record writer report into it through
// SubscriptionAck and ObserveFlush.
package metrics

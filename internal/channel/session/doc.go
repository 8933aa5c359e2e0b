// Package session owns the connection lifecycle for one relay account.
//
// Ownership boundary:
//   - the single transport handle, recreated across reconnects
//   - the state machine Idle -> Connecting -> Connected -> Closing -> Closed
//   - the bounded constant-delay reconnect policy and its timer
//   - the pending-ack outbox for in-flight sends
//
// Inbound events leave this package through a single sink callback; the
// session never interprets message content. Rate limiting and the public
// service surface live above in internal/channel.
package session

// Package wire owns the relay wire contract.
//
// Ownership boundary:
// - auth handshake control messages (JSON line envelopes)
// - outbound message / ack / inbound event frame helpers
// - per-message-kind required-field validation
//
// Framing and field encoding live in the frame and tlv subpackages.
package wire

package wire

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"

	// ByeReasonLoggedOut is the relay's terminal close reason: the
	// backend revoked the session and a reconnect must never be tried.
	ByeReasonLoggedOut = "logged_out"

	ByeReasonServerRestart = "server_restart"
)

var (
	ErrInvalidEnvelope = errors.New("wire: invalid envelope")
	ErrInvalidAck      = errors.New("wire: invalid ack")
	ErrInvalidEvent    = errors.New("wire: invalid event")

	// ErrSessionRevoked marks a terminal transport close.
	ErrSessionRevoked = errors.New("wire: session revoked")
)

// Envelope is one outbound message on its way to the relay.
type Envelope struct {
	Kind           uint16
	MessageID      string
	ConversationID string
	Body           string
	MediaRef       string
	Caption        string
	Presence       string
	TimestampMS    uint64
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case MsgText:
		if strings.TrimSpace(e.Body) == "" {
			return fmt.Errorf("%w: missing body", ErrInvalidEnvelope)
		}
	case MsgMedia:
		if strings.TrimSpace(e.MediaRef) == "" {
			return fmt.Errorf("%w: missing media_ref", ErrInvalidEnvelope)
		}
	case MsgPresence:
		if strings.TrimSpace(e.Presence) == "" {
			return fmt.Errorf("%w: missing presence", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: kind=%d not an outbound kind", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// Ack is the relay's acknowledgment for one outbound envelope.
type Ack struct {
	MessageID   string
	Status      string
	Code        uint32
	TimestampMS uint64
}

func (a Ack) Validate() error {
	if strings.TrimSpace(a.MessageID) == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidAck)
	}
	status := strings.TrimSpace(a.Status)
	if status != StatusAccepted && status != StatusRejected {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidAck, a.Status)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidAck)
	}
	return nil
}

// Event is one inbound message delivered by the relay.
type Event struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Body           string
	MediaRef       string
	Caption        string
	Flags          uint32
	TimestampMS    uint64
}

func (ev Event) Validate() error {
	if strings.TrimSpace(ev.MessageID) == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.SenderID) == "" {
		return fmt.Errorf("%w: missing sender_id", ErrInvalidEvent)
	}
	return nil
}

func (ev Event) Group() bool {
	return ev.Flags&FlagGroup != 0
}

func (ev Event) FromSelf() bool {
	return ev.Flags&FlagFromSelf != 0
}

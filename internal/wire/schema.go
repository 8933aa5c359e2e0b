package wire

import (
	"fmt"

	"github.com/driftwire/chatctl/internal/wire/tlv"
)

// Message kind IDs from the relay wire contract.
const (
	MsgText     uint16 = 1
	MsgMedia    uint16 = 2
	MsgPresence uint16 = 3
	MsgAck      uint16 = 4
	MsgInbound  uint16 = 5
	MsgBye      uint16 = 6
)

// Field IDs from the relay wire contract.
const (
	FieldMessageID      uint16 = 1
	FieldConversationID uint16 = 2
	FieldSenderID       uint16 = 3
	FieldTimestampMS    uint16 = 4
	FieldFlags          uint16 = 5

	FieldBody     uint16 = 100
	FieldMediaRef uint16 = 101
	FieldCaption  uint16 = 102
	FieldPresence uint16 = 103

	FieldAckStatus uint16 = 200
	FieldAckCode   uint16 = 201

	FieldByeReason uint16 = 300
)

// Event flag bits.
const (
	FlagGroup    uint32 = 0x01
	FlagFromSelf uint32 = 0x02
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind    uint16
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("wire: kind=%d: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("wire: kind=%d field=%d: %s", e.Kind, e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	MsgText: {
		{FieldMessageID, tlv.TypeString},
		{FieldConversationID, tlv.TypeString},
		{FieldBody, tlv.TypeString},
	},
	MsgMedia: {
		{FieldMessageID, tlv.TypeString},
		{FieldConversationID, tlv.TypeString},
		{FieldMediaRef, tlv.TypeString},
	},
	MsgPresence: {
		{FieldMessageID, tlv.TypeString},
		{FieldConversationID, tlv.TypeString},
		{FieldPresence, tlv.TypeString},
	},
	MsgAck: {
		{FieldMessageID, tlv.TypeString},
		{FieldAckStatus, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgInbound: {
		{FieldMessageID, tlv.TypeString},
		{FieldConversationID, tlv.TypeString},
		{FieldSenderID, tlv.TypeString},
	},
	MsgBye: {
		{FieldByeReason, tlv.TypeString},
	},
}

// ValidateFields enforces required fields and required field types for a
// message kind. Unknown fields are ignored.
func ValidateFields(kind uint16, fields []tlv.Field) error {
	reqs, ok := requirements[kind]
	if !ok {
		return ValidationError{Kind: kind, Reason: "unknown message kind"}
	}
	for _, req := range reqs {
		f, ok := tlv.GetField(fields, req.ID)
		if !ok {
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "field type mismatch"}
		}
		if len(f.Value) == 0 && req.Type == tlv.TypeString {
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "empty required field"}
		}
	}
	return nil
}

package wire

import (
	"bytes"
	"io"
	"strings"

	"github.com/driftwire/chatctl/internal/wire/frame"
	"github.com/driftwire/chatctl/internal/wire/tlv"
)

func EncodeEnvelopeFrame(seq uint64, env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(FieldMessageID, env.MessageID),
		tlv.String(FieldConversationID, env.ConversationID),
	}
	switch env.Kind {
	case MsgText:
		fields = append(fields, tlv.String(FieldBody, env.Body))
	case MsgMedia:
		fields = append(fields, tlv.String(FieldMediaRef, env.MediaRef))
		if strings.TrimSpace(env.Caption) != "" {
			fields = append(fields, tlv.String(FieldCaption, env.Caption))
		}
	case MsgPresence:
		fields = append(fields, tlv.String(FieldPresence, env.Presence))
	}
	if env.TimestampMS != 0 {
		fields = append(fields, tlv.U64(FieldTimestampMS, env.TimestampMS))
	}
	return encodeFrame(seq, env.Kind, 0, fields)
}

func DecodeEnvelopeFrame(f frame.Frame) (Envelope, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	kind := f.Header.MessageType
	if err := ValidateFields(kind, fields); err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		Kind:           kind,
		MessageID:      fieldString(fields, FieldMessageID),
		ConversationID: fieldString(fields, FieldConversationID),
		Body:           fieldString(fields, FieldBody),
		MediaRef:       fieldString(fields, FieldMediaRef),
		Caption:        fieldString(fields, FieldCaption),
		Presence:       fieldString(fields, FieldPresence),
	}
	if ts, ok := fieldU64(fields, FieldTimestampMS); ok {
		env.TimestampMS = ts
	}
	return env, env.Validate()
}

func EncodeAckFrame(seq uint64, ack Ack) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(FieldMessageID, ack.MessageID),
		tlv.String(FieldAckStatus, ack.Status),
		tlv.U32(FieldAckCode, ack.Code),
		tlv.U64(FieldTimestampMS, ack.TimestampMS),
	}
	return encodeFrame(seq, MsgAck, frame.FlagIsResponse, fields)
}

func DecodeAckFrame(f frame.Frame) (Ack, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Ack{}, err
	}
	if err := ValidateFields(MsgAck, fields); err != nil {
		return Ack{}, err
	}
	ack := Ack{
		MessageID: fieldString(fields, FieldMessageID),
		Status:    fieldString(fields, FieldAckStatus),
	}
	if code, ok := fieldU32(fields, FieldAckCode); ok {
		ack.Code = code
	}
	if ts, ok := fieldU64(fields, FieldTimestampMS); ok {
		ack.TimestampMS = ts
	}
	return ack, ack.Validate()
}

func EncodeEventFrame(seq uint64, ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(FieldMessageID, ev.MessageID),
		tlv.String(FieldConversationID, ev.ConversationID),
		tlv.String(FieldSenderID, ev.SenderID),
		tlv.U32(FieldFlags, ev.Flags),
	}
	if strings.TrimSpace(ev.Body) != "" {
		fields = append(fields, tlv.String(FieldBody, ev.Body))
	}
	if strings.TrimSpace(ev.MediaRef) != "" {
		fields = append(fields, tlv.String(FieldMediaRef, ev.MediaRef))
	}
	if strings.TrimSpace(ev.Caption) != "" {
		fields = append(fields, tlv.String(FieldCaption, ev.Caption))
	}
	if ev.TimestampMS != 0 {
		fields = append(fields, tlv.U64(FieldTimestampMS, ev.TimestampMS))
	}
	return encodeFrame(seq, MsgInbound, 0, fields)
}

func DecodeEventFrame(f frame.Frame) (Event, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Event{}, err
	}
	if err := ValidateFields(MsgInbound, fields); err != nil {
		return Event{}, err
	}
	ev := Event{
		MessageID:      fieldString(fields, FieldMessageID),
		ConversationID: fieldString(fields, FieldConversationID),
		SenderID:       fieldString(fields, FieldSenderID),
		Body:           fieldString(fields, FieldBody),
		MediaRef:       fieldString(fields, FieldMediaRef),
		Caption:        fieldString(fields, FieldCaption),
	}
	if flags, ok := fieldU32(fields, FieldFlags); ok {
		ev.Flags = flags
	}
	if ts, ok := fieldU64(fields, FieldTimestampMS); ok {
		ev.TimestampMS = ts
	}
	return ev, ev.Validate()
}

func EncodeByeFrame(seq uint64, reason string) ([]byte, error) {
	fields := []tlv.Field{tlv.String(FieldByeReason, reason)}
	if err := ValidateFields(MsgBye, fields); err != nil {
		return nil, err
	}
	return encodeFrame(seq, MsgBye, 0, fields)
}

func DecodeByeFrame(f frame.Frame) (string, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return "", err
	}
	if err := ValidateFields(MsgBye, fields); err != nil {
		return "", err
	}
	return fieldString(fields, FieldByeReason), nil
}

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader, limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(r, limits)
}

func encodeFrame(seq uint64, kind uint16, flags uint32, fields []tlv.Field) ([]byte, error) {
	if err := ValidateFields(kind, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   seq,
			MessageType: kind,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fieldString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func fieldU32(fields []tlv.Field, id uint16) (uint32, bool) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, false
	}
	v, err := tlv.U32FromBytes(f.Value)
	if err != nil {
		return 0, false
	}
	return v, true
}

func fieldU64(fields []tlv.Field, id uint16) (uint64, bool) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, false
	}
	v, err := tlv.U64FromBytes(f.Value)
	if err != nil {
		return 0, false
	}
	return v, true
}

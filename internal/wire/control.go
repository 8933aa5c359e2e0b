package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeAuth    = "session.auth"
	controlTypeAuthAck = "session.auth.ack"
)

var (
	ErrInvalidCredentials     = errors.New("wire: invalid credentials")
	ErrInvalidAuthAck         = errors.New("wire: invalid auth ack")
	ErrControlMessageTooLarge = errors.New("wire: control message too large")
)

// Credentials is the deserialized authData blob. The caller owns
// persistence of the raw bytes; this package only parses and ships them.
type Credentials struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id"`
	AuthToken string `json:"auth_token"`
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.AccountID) == "" {
		return fmt.Errorf("%w: missing account_id", ErrInvalidCredentials)
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalidCredentials)
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("%w: missing auth_token", ErrInvalidCredentials)
	}
	return nil
}

// ParseCredentials deserializes an authData blob. Any failure here must
// be surfaced before the transport is ever dialed.
func ParseCredentials(raw []byte) (Credentials, error) {
	if len(raw) == 0 {
		return Credentials{}, fmt.Errorf("%w: empty auth data", ErrInvalidCredentials)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// AuthAck is the relay's session-start response.
type AuthAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	AccountID   string `json:"account_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a AuthAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != StatusAccepted && status != StatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidAuthAck)
	}
	if strings.TrimSpace(a.AccountID) == "" {
		return fmt.Errorf("%w: missing account_id", ErrInvalidAuthAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidAuthAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string       `json:"type"`
	Creds *Credentials `json:"credentials,omitempty"`
	Ack   *AuthAck     `json:"auth_ack,omitempty"`
}

func WriteAuth(w io.Writer, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeAuth,
		Creds: &creds,
	})
}

func ReadAuth(r *bufio.Reader) (Credentials, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Credentials{}, err
	}
	if env.Type != controlTypeAuth || env.Creds == nil {
		return Credentials{}, fmt.Errorf("%w: unexpected control type", ErrInvalidCredentials)
	}
	if err := env.Creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return *env.Creds, nil
}

func WriteAuthAck(w io.Writer, ack AuthAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeAuthAck,
		Ack:  &ack,
	})
}

func ReadAuthAck(r *bufio.Reader) (AuthAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return AuthAck{}, err
	}
	if env.Type != controlTypeAuthAck || env.Ack == nil {
		return AuthAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidAuthAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return AuthAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 128*1024 {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}

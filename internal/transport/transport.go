// Package transport owns the physical connection to the relay backend.
//
// Ownership boundary:
// - dialing and the auth handshake
// - framed send with ack correlation
// - delivery of inbound events and close notifications to one attached
//   handler set
//
// Reconnect policy and session state live above this package; a Conn is
// single-use and is discarded after its close notification fires.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/driftwire/chatctl/internal/wire"
)

var (
	ErrAddressRequired = errors.New("transport: relay address required")
	ErrAuthRejected    = errors.New("transport: relay rejected credentials")
	ErrConnClosed      = errors.New("transport: connection closed")
	ErrSendRejected    = errors.New("transport: relay rejected message")
	ErrAckTimeout      = errors.New("transport: ack timeout")
)

// Handlers receives a Conn's asynchronous callbacks. Both run on the
// connection's read goroutine; they must not block on transport calls.
type Handlers struct {
	// OnEvent receives one inbound relay event.
	OnEvent func(ev wire.Event)

	// OnClose fires once when the connection dies for any reason other
	// than a local Close. The reason wraps wire.ErrSessionRevoked when
	// the relay revoked the session.
	OnClose func(reason error)
}

// Conn is one live authenticated relay connection.
type Conn interface {
	// Send writes one envelope and blocks for its ack.
	Send(ctx context.Context, env wire.Envelope) (wire.Ack, error)

	// SetHandlers attaches the callback set. Replaces any previous set.
	SetHandlers(h Handlers)

	// ClearHandlers detaches callbacks. Events arriving afterwards are
	// discarded; a subsequent close notifies nobody.
	ClearHandlers()

	Close() error
}

// Transport dials authenticated relay connections.
type Transport interface {
	Dial(ctx context.Context, creds wire.Credentials) (Conn, error)
}

// Config defines transport reliability and security settings.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	AckTimeout       time.Duration
	SecurityMode     SecurityMode
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		AckTimeout:       20 * time.Second,
		SecurityMode:     SecurityModeDevelopment,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	return c
}

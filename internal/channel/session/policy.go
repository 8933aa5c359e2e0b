package session

import (
	"errors"
	"time"

	"github.com/driftwire/chatctl/internal/wire"
)

const (
	DefaultMaxRetries     = 5
	DefaultReconnectDelay = 3 * time.Second
)

var (
	// ErrTerminalClose marks a close the policy never retries: the relay
	// revoked the session or rejected its credentials.
	ErrTerminalClose = errors.New("session: terminal close")

	// ErrRetriesExhausted marks a session that ran out of retry budget.
	ErrRetriesExhausted = errors.New("session: retries exhausted")

	ErrInvalidReconnectConfig = errors.New("session: invalid reconnect config")
)

// ReconnectConfig bounds the retry loop. Delay is constant between
// attempts; a successful connection restores the full budget.
type ReconnectConfig struct {
	MaxRetries int
	Delay      time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultReconnectDelay,
	}
}

func (c ReconnectConfig) Validate() error {
	if c.MaxRetries < 0 {
		return ErrInvalidReconnectConfig
	}
	if c.Delay < 0 {
		return ErrInvalidReconnectConfig
	}
	return nil
}

// Terminal reports whether cause rules out any reconnect attempt.
func Terminal(cause error) bool {
	return errors.Is(cause, wire.ErrSessionRevoked) || errors.Is(cause, ErrTerminalClose)
}

// Admit decides one retry. It returns false when cause is terminal or
// the budget is spent; retryCount counts attempts already made since the
// last successful connection.
func (c ReconnectConfig) Admit(cause error, retryCount int) bool {
	if Terminal(cause) {
		return false
	}
	return retryCount < c.MaxRetries
}

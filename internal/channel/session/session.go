package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftwire/chatctl/internal/observability"
	"github.com/driftwire/chatctl/internal/transport"
	"github.com/driftwire/chatctl/internal/wire"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var (
	ErrNotConnected     = errors.New("session: not connected")
	ErrTransportMissing = errors.New("session: transport required")
)

// EventSink receives every inbound relay event in arrival order. It runs
// on the transport's read goroutine and must not call back into Session.
type EventSink func(ev wire.Event)

// Session drives the connection state machine. It is the sole owner of
// the transport handle and the sole writer of state.
type Session struct {
	transport transport.Transport
	reconnect ReconnectConfig
	sink      EventSink
	outbox    *Outbox

	mu          sync.Mutex
	state       State
	conn        transport.Conn
	creds       wire.Credentials
	retryCount  int
	connectedAt time.Time
	lastErr     error
	timer       *time.Timer
}

func New(tr transport.Transport, cfg ReconnectConfig, sink EventSink) (*Session, error) {
	if tr == nil {
		return nil, ErrTransportMissing
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		transport: tr,
		reconnect: cfg,
		sink:      sink,
		outbox:    NewOutbox(),
		state:     StateIdle,
	}, nil
}

// Open establishes the connection, applying the reconnect policy to
// transient dial failures. Calling it while already Connecting or
// Connected is a no-op; a Closed session may be reopened.
func (s *Session) Open(ctx context.Context, creds wire.Credentials) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return nil
	case StateClosing:
		s.mu.Unlock()
		return fmt.Errorf("%w: shutting down", ErrNotConnected)
	}
	s.state = StateConnecting
	s.creds = creds
	s.retryCount = 0
	s.lastErr = nil
	s.mu.Unlock()

	for {
		conn, err := s.transport.Dial(ctx, creds)
		if err == nil {
			if !s.attach(conn) {
				_ = conn.Close()
				return fmt.Errorf("%w: closed during connect", ErrNotConnected)
			}
			return nil
		}
		if errors.Is(err, transport.ErrAuthRejected) {
			s.fail(fmt.Errorf("%w: %v", ErrTerminalClose, err))
			observability.RecordReconnect("terminal")
			return fmt.Errorf("%w: %v", ErrTerminalClose, err)
		}

		s.mu.Lock()
		if s.state != StateConnecting {
			s.mu.Unlock()
			return fmt.Errorf("%w: closed during connect", ErrNotConnected)
		}
		if !s.reconnect.Admit(err, s.retryCount) {
			s.state = StateClosed
			s.lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			s.mu.Unlock()
			observability.RecordReconnect("exhausted")
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		s.retryCount++
		attempt := s.retryCount
		delay := s.reconnect.Delay
		s.mu.Unlock()

		observability.RecordReconnect("retry")
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
			Msg("dial failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.fail(ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// attach installs conn as the live handle. It reports false when the
// session stopped connecting in the meantime.
func (s *Session) attach(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.conn = conn
	s.state = StateConnected
	s.retryCount = 0
	s.connectedAt = time.Now()
	s.lastErr = nil
	conn.SetHandlers(transport.Handlers{
		OnEvent: s.forward,
		OnClose: func(reason error) { s.connClosed(conn, reason) },
	})
	log.Info().Msg("session connected")
	return true
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateClosed
		s.lastErr = err
	}
}

func (s *Session) forward(ev wire.Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

// connClosed is the transport's close notification. Stale handles are
// ignored; a live one either schedules a reconnect or ends the session.
func (s *Session) connClosed(conn transport.Conn, reason error) {
	s.mu.Lock()
	if s.conn != conn || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.conn = nil

	if Terminal(reason) {
		s.state = StateClosed
		s.lastErr = fmt.Errorf("%w: %v", ErrTerminalClose, reason)
		s.mu.Unlock()
		observability.RecordReconnect("terminal")
		log.Warn().Err(reason).Msg("session revoked, not reconnecting")
		return
	}
	if !s.reconnect.Admit(reason, s.retryCount) {
		s.state = StateClosed
		s.lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, reason)
		s.mu.Unlock()
		observability.RecordReconnect("exhausted")
		log.Error().Err(reason).Msg("reconnect budget exhausted")
		return
	}
	s.retryCount++
	attempt := s.retryCount
	s.state = StateConnecting
	delay := s.reconnect.Delay
	s.timer = time.AfterFunc(delay, s.redial)
	s.mu.Unlock()

	observability.RecordReconnect("retry")
	log.Warn().Err(reason).Int("attempt", attempt).Dur("delay", delay).
		Msg("connection lost, reconnect scheduled")
}

func (s *Session) redial() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	creds := s.creds
	s.mu.Unlock()

	conn, err := s.transport.Dial(context.Background(), creds)
	if err == nil {
		if !s.attach(conn) {
			_ = conn.Close()
			return
		}
		observability.RecordReconnect("success")
		return
	}
	if errors.Is(err, transport.ErrAuthRejected) {
		s.fail(fmt.Errorf("%w: %v", ErrTerminalClose, err))
		observability.RecordReconnect("terminal")
		log.Warn().Err(err).Msg("credentials rejected on reconnect")
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	if !s.reconnect.Admit(err, s.retryCount) {
		s.state = StateClosed
		s.lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		s.mu.Unlock()
		observability.RecordReconnect("exhausted")
		log.Error().Err(err).Msg("reconnect budget exhausted")
		return
	}
	s.retryCount++
	attempt := s.retryCount
	delay := s.reconnect.Delay
	s.timer = time.AfterFunc(delay, s.redial)
	s.mu.Unlock()

	observability.RecordReconnect("retry")
	log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
		Msg("reconnect failed, retrying")
}

// Close tears the session down. Handlers are detached before the handle
// closes so the close event cannot race a reconnect, and any scheduled
// reconnect is cancelled.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	if conn != nil {
		conn.ClearHandlers()
	}
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	log.Info().Msg("session closed")
	return nil
}

// Send ships one envelope over the live connection. There is exactly one
// transport attempt; the result is the caller's to act on.
func (s *Session) Send(ctx context.Context, env wire.Envelope) (wire.Ack, error) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return wire.Ack{}, ErrNotConnected
	}

	s.outbox.Track(PendingSend{
		MessageID:      env.MessageID,
		ConversationID: env.ConversationID,
		Kind:           env.Kind,
		QueuedAt:       time.Now(),
	})
	ack, err := conn.Send(ctx, env)
	if err != nil {
		s.outbox.MarkFailed(env.MessageID, err.Error())
		return ack, err
	}
	s.outbox.Resolve(env.MessageID)
	return ack, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Running() bool {
	return s.State() == StateConnected
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// ConnectedAt returns when the current connection was established, or
// the zero time when the session never connected.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// LastError reports why the session ended up Closed, or nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Pending snapshots the outbox for the operational surface.
func (s *Session) Pending() []PendingSend {
	return s.outbox.Snapshot()
}

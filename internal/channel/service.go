package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftwire/chatctl/internal/channel/session"
	"github.com/driftwire/chatctl/internal/observability"
	"github.com/driftwire/chatctl/internal/ratelimit"
	"github.com/driftwire/chatctl/internal/router"
	"github.com/driftwire/chatctl/internal/transport"
	"github.com/driftwire/chatctl/internal/wire"
)

const DefaultGroupSuffix = "@g.relay"

var (
	// ErrInvalidSessionData rejects a credential blob that does not
	// deserialize; nothing is dialed in that case.
	ErrInvalidSessionData = errors.New("channel: invalid session data")

	// ErrNotInitialized gates the send surface: the session is not
	// Connected, whether never initialized, shut down, revoked, or out
	// of reconnect budget.
	ErrNotInitialized = errors.New("channel: not initialized")

	ErrRecipientRequired = errors.New("channel: recipient required")
	ErrTransportRequired = errors.New("channel: transport required")
)

// Config shapes one Service instance. Zero values fall back to the
// documented defaults.
type Config struct {
	// AuthData is the serialized credential blob. The caller owns its
	// persistence; the service only parses it.
	AuthData []byte

	GroupSuffix string
	Reconnect   session.ReconnectConfig
	RateLimit   RateLimitConfig

	// OnHandlerError observes isolated handler failures. Optional.
	OnHandlerError router.ErrorHook
}

type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.GroupSuffix) == "" {
		c.GroupSuffix = DefaultGroupSuffix
	}
	if c.Reconnect == (session.ReconnectConfig{}) {
		c.Reconnect = session.DefaultReconnectConfig()
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = ratelimit.DefaultMaxRequests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = ratelimit.DefaultWindow
	}
	return c
}

// SendReceipt is the normalized send acknowledgment.
type SendReceipt struct {
	ID        string
	Timestamp time.Time
}

// Status is a point-in-time view for the operational surface.
type Status struct {
	State       session.State
	RetryCount  int
	ConnectedAt time.Time
	Handlers    int
	Pending     []session.PendingSend
	LastError   string
}

// Service owns one relay session end to end.
type Service struct {
	cfg     Config
	limiter *ratelimit.Limiter
	router  *router.Router
	sess    *session.Session

	mu sync.Mutex
}

func New(tr transport.Transport, cfg Config) (*Service, error) {
	if tr == nil {
		return nil, ErrTransportRequired
	}
	cfg = cfg.WithDefaults()

	limiter, err := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	if err != nil {
		return nil, err
	}
	rt := router.New(cfg.GroupSuffix, cfg.OnHandlerError)

	svc := &Service{
		cfg:     cfg,
		limiter: limiter,
		router:  rt,
	}
	sess, err := session.New(tr, cfg.Reconnect, svc.dispatch)
	if err != nil {
		return nil, err
	}
	svc.sess = sess
	return svc, nil
}

func (s *Service) dispatch(ev wire.Event) {
	s.router.Dispatch(ev)
}

// Initialize parses the credential blob and opens the session. It is
// idempotent while the session is Connecting or Connected.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := wire.ParseCredentials(s.cfg.AuthData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionData, err)
	}
	if err := s.sess.Open(ctx, creds); err != nil {
		return err
	}
	log.Info().Str("account", creds.AccountID).Msg("channel initialized")
	return nil
}

// Shutdown closes the session. Future sends fail with ErrNotInitialized;
// a send already in flight runs to completion.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Close()
}

// Running reports whether the session is Connected.
func (s *Service) Running() bool {
	return s.sess.Running()
}

// OnMessage registers an inbound handler and returns its registration
// token.
func (s *Service) OnMessage(h router.Handler) router.Registration {
	return s.router.Register(h)
}

// OffMessage removes a handler. Unknown tokens are a no-op.
func (s *Service) OffMessage(reg router.Registration) {
	s.router.Unregister(reg)
}

func (s *Service) IsGroupRecipient(recipient string) bool {
	return s.router.IsGroup(recipient)
}

func (s *Service) SendText(ctx context.Context, recipient, text string) (SendReceipt, error) {
	return s.send(ctx, recipient, wire.Envelope{
		Kind: wire.MsgText,
		Body: text,
	})
}

func (s *Service) SendMedia(ctx context.Context, recipient, mediaRef, caption string) (SendReceipt, error) {
	return s.send(ctx, recipient, wire.Envelope{
		Kind:     wire.MsgMedia,
		MediaRef: mediaRef,
		Caption:  caption,
	})
}

func (s *Service) SendPresence(ctx context.Context, recipient, state string) error {
	_, err := s.send(ctx, recipient, wire.Envelope{
		Kind:     wire.MsgPresence,
		Presence: state,
	})
	return err
}

// send runs the common outbound path: gate on Connected, wait out the
// recipient's rate window, then make exactly one transport attempt.
func (s *Service) send(ctx context.Context, recipient string, env wire.Envelope) (SendReceipt, error) {
	kind := kindName(env.Kind)
	if strings.TrimSpace(recipient) == "" {
		return SendReceipt{}, ErrRecipientRequired
	}
	if !s.sess.Running() {
		observability.RecordSend(kind, "not_initialized")
		return SendReceipt{}, ErrNotInitialized
	}

	waitStart := time.Now()
	if err := s.limiter.Acquire(ctx, recipient); err != nil {
		observability.RecordSend(kind, "canceled")
		return SendReceipt{}, err
	}
	observability.RecordRateLimitWait(time.Since(waitStart))

	env.ConversationID = recipient
	env.MessageID = uuid.NewString()
	env.TimestampMS = uint64(time.Now().UnixMilli())

	ack, err := s.sess.Send(ctx, env)
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			err = fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
		observability.RecordSend(kind, "error")
		log.Warn().Err(err).Str("recipient", recipient).Str("kind", kind).Msg("send failed")
		return SendReceipt{}, err
	}
	observability.RecordSend(kind, "ok")

	receipt := SendReceipt{ID: ack.MessageID}
	if ack.TimestampMS != 0 {
		receipt.Timestamp = time.UnixMilli(int64(ack.TimestampMS))
	}
	return receipt, nil
}

// Status snapshots the session for the operational surface.
func (s *Service) Status() Status {
	st := Status{
		State:       s.sess.State(),
		RetryCount:  s.sess.RetryCount(),
		ConnectedAt: s.sess.ConnectedAt(),
		Handlers:    s.router.HandlerCount(),
		Pending:     s.sess.Pending(),
	}
	if err := s.sess.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// SweepRateLimiter evicts rate windows idle for longer than maxIdle and
// returns how many were dropped.
func (s *Service) SweepRateLimiter(maxIdle time.Duration) int {
	return s.limiter.Sweep(maxIdle)
}

func kindName(kind uint16) string {
	switch kind {
	case wire.MsgText:
		return "text"
	case wire.MsgMedia:
		return "media"
	case wire.MsgPresence:
		return "presence"
	default:
		return "unknown"
	}
}

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftwire/chatctl/internal/wire"
	"github.com/driftwire/chatctl/internal/wire/frame"
)

// TCP dials the relay over TCP, optionally wrapped in TLS.
type TCP struct {
	cfg Config
}

func NewTCP(cfg Config) (*TCP, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TCP{cfg: cfg}, nil
}

func (t *TCP) Dial(ctx context.Context, creds wire.Credentials) (Conn, error) {
	raw, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := authenticate(raw, t.cfg, creds)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	go conn.readLoop()
	return conn, nil
}

func (t *TCP) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !t.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := t.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *TCP) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(t.cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(t.cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(t.cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if t.cfg.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(t.cfg.TLS.CertFile, t.cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func authenticate(raw net.Conn, cfg Config, creds wire.Credentials) (*tcpConn, error) {
	_ = raw.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	reader := bufio.NewReader(raw)
	if err := wire.WriteAuth(raw, creds); err != nil {
		return nil, err
	}
	ack, err := wire.ReadAuthAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != wire.StatusAccepted {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrAuthRejected, ack.Code, ack.Message)
	}
	_ = raw.SetDeadline(time.Time{})

	c := &tcpConn{
		conn:    raw,
		reader:  reader,
		cfg:     cfg,
		waiters: make(map[string]chan wire.Ack),
	}
	c.seq.Store(uint64(time.Now().UnixNano()))
	return c, nil
}

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	seq    atomic.Uint64

	handlerMu    sync.Mutex
	handlers     Handlers
	pendingClose error

	writeMu sync.Mutex

	waiterMu sync.Mutex
	waiters  map[string]chan wire.Ack

	closed     atomic.Bool
	notifyOnce sync.Once
}

// SetHandlers attaches the callback set. A close that happened before
// any handler was attached is replayed so the owner always learns the
// connection died.
func (c *tcpConn) SetHandlers(h Handlers) {
	c.handlerMu.Lock()
	c.handlers = h
	missed := c.pendingClose
	c.pendingClose = nil
	c.handlerMu.Unlock()
	if missed != nil && h.OnClose != nil {
		// Off the caller's goroutine: the owner may attach handlers
		// while holding the lock its close callback takes.
		go h.OnClose(missed)
	}
}

func (c *tcpConn) ClearHandlers() {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = Handlers{}
}

func (c *tcpConn) snapshotHandlers() Handlers {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	return c.handlers
}

func (c *tcpConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *tcpConn) Send(ctx context.Context, env wire.Envelope) (wire.Ack, error) {
	if c.closed.Load() {
		return wire.Ack{}, ErrConnClosed
	}
	if err := env.Validate(); err != nil {
		return wire.Ack{}, err
	}

	payload, err := wire.EncodeEnvelopeFrame(c.seq.Add(1), env)
	if err != nil {
		return wire.Ack{}, err
	}

	ch := c.registerWaiter(env.MessageID)
	defer c.releaseWaiter(env.MessageID)

	c.writeMu.Lock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_, err = c.conn.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		return wire.Ack{}, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wire.Ack{}, ctx.Err()
	case <-timer.C:
		return wire.Ack{}, fmt.Errorf("%w: message_id=%q", ErrAckTimeout, env.MessageID)
	case ack, ok := <-ch:
		if !ok {
			return wire.Ack{}, ErrConnClosed
		}
		if ack.Status != wire.StatusAccepted {
			return ack, fmt.Errorf("%w: status=%s code=%d", ErrSendRejected, ack.Status, ack.Code)
		}
		return ack, nil
	}
}

func (c *tcpConn) registerWaiter(messageID string) chan wire.Ack {
	ch := make(chan wire.Ack, 1)
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	c.waiters[messageID] = ch
	return ch
}

func (c *tcpConn) releaseWaiter(messageID string) {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	delete(c.waiters, messageID)
}

func (c *tcpConn) closeWaiters() {
	c.waiterMu.Lock()
	defer c.waiterMu.Unlock()
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
}

// readLoop is the single ingestion point for relay traffic: acks are
// routed to their waiting sender, inbound events to the attached
// handler, and a bye frame or read error ends the connection.
func (c *tcpConn) readLoop() {
	for {
		fr, err := wire.ReadFrame(c.reader, frame.DefaultLimits())
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, frame.ErrShortHeader) {
				c.notifyClose(fmt.Errorf("transport: relay closed connection: %w", err))
			} else {
				c.notifyClose(fmt.Errorf("transport: read failed: %w", err))
			}
			return
		}

		switch fr.Header.MessageType {
		case wire.MsgAck:
			ack, err := wire.DecodeAckFrame(fr)
			if err != nil {
				log.Warn().Err(err).Msg("dropping malformed ack")
				continue
			}
			c.deliverAck(ack)
		case wire.MsgInbound:
			ev, err := wire.DecodeEventFrame(fr)
			if err != nil {
				log.Warn().Err(err).Msg("dropping malformed inbound event")
				continue
			}
			if h := c.snapshotHandlers(); h.OnEvent != nil {
				h.OnEvent(ev)
			}
		case wire.MsgBye:
			reason, err := wire.DecodeByeFrame(fr)
			if err != nil {
				reason = "unreadable"
			}
			if reason == wire.ByeReasonLoggedOut {
				c.notifyClose(fmt.Errorf("%w: %s", wire.ErrSessionRevoked, reason))
			} else {
				c.notifyClose(fmt.Errorf("transport: relay bye: %s", reason))
			}
			return
		default:
			log.Debug().Uint16("kind", fr.Header.MessageType).Msg("ignoring unknown frame kind")
		}
	}
}

func (c *tcpConn) deliverAck(ack wire.Ack) {
	c.waiterMu.Lock()
	ch, ok := c.waiters[ack.MessageID]
	c.waiterMu.Unlock()
	if !ok {
		log.Debug().Str("message_id", ack.MessageID).Msg("ack without waiter")
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *tcpConn) notifyClose(reason error) {
	c.notifyOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
		c.closeWaiters()
		c.handlerMu.Lock()
		h := c.handlers
		if h.OnClose == nil {
			c.pendingClose = reason
		}
		c.handlerMu.Unlock()
		if h.OnClose != nil {
			h.OnClose(reason)
		}
	})
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftwire/chatctl/internal/wire"
)

// Memory is an in-process Transport. It backs tests and local
// development where no relay is reachable; every Dial hands back a
// MemoryConn whose traffic the caller scripts directly.
type Memory struct {
	mu        sync.Mutex
	dialErrs  []error
	failAll   error
	dialCount int
	conns     []*MemoryConn
	lastCreds wire.Credentials
}

func NewMemory() *Memory {
	return &Memory{}
}

// QueueDialError fails the next Dial calls in order, one error each.
func (m *Memory) QueueDialError(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialErrs = append(m.dialErrs, errs...)
}

// FailDials makes every Dial fail with err until cleared with nil.
func (m *Memory) FailDials(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

func (m *Memory) DialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialCount
}

func (m *Memory) LastCredentials() wire.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCreds
}

// LastConn returns the most recently dialed connection, or nil.
func (m *Memory) LastConn() *MemoryConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

func (m *Memory) Dial(ctx context.Context, creds wire.Credentials) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialCount++
	m.lastCreds = creds
	if m.failAll != nil {
		return nil, m.failAll
	}
	if len(m.dialErrs) > 0 {
		err := m.dialErrs[0]
		m.dialErrs = m.dialErrs[1:]
		return nil, err
	}
	conn := &MemoryConn{}
	m.conns = append(m.conns, conn)
	return conn, nil
}

// MemoryConn records sends and auto-acks them. Tests drive the inbound
// side with Deliver and the failure side with DropTransient/DropTerminal.
type MemoryConn struct {
	mu           sync.Mutex
	handlers     Handlers
	sent         []wire.Envelope
	sendErr      error
	closed       bool
	notified     bool
	pendingClose error
}

func (c *MemoryConn) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	missed := c.pendingClose
	c.pendingClose = nil
	c.mu.Unlock()
	if missed != nil && h.OnClose != nil {
		// Off the caller's goroutine: the owner may attach handlers
		// while holding the lock its close callback takes.
		go h.OnClose(missed)
	}
}

func (c *MemoryConn) ClearHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = Handlers{}
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MemoryConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetSendError makes subsequent Send calls fail with err.
func (c *MemoryConn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *MemoryConn) Sent() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *MemoryConn) Send(ctx context.Context, env wire.Envelope) (wire.Ack, error) {
	if err := ctx.Err(); err != nil {
		return wire.Ack{}, err
	}
	if err := env.Validate(); err != nil {
		return wire.Ack{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wire.Ack{}, ErrConnClosed
	}
	if c.sendErr != nil {
		return wire.Ack{}, c.sendErr
	}
	c.sent = append(c.sent, env)
	return wire.Ack{
		MessageID:   env.MessageID,
		Status:      wire.StatusAccepted,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}, nil
}

// Deliver pushes an inbound event to the attached handler, if any.
// It reports whether a handler was attached.
func (c *MemoryConn) Deliver(ev wire.Event) bool {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnEvent == nil {
		return false
	}
	h.OnEvent(ev)
	return true
}

// DropTransient severs the connection with a recoverable reason.
func (c *MemoryConn) DropTransient(reason error) {
	if reason == nil {
		reason = fmt.Errorf("transport: relay bye: %s", wire.ByeReasonServerRestart)
	}
	c.drop(reason)
}

// DropTerminal severs the connection with the revoked-session reason.
func (c *MemoryConn) DropTerminal() {
	c.drop(fmt.Errorf("%w: %s", wire.ErrSessionRevoked, wire.ByeReasonLoggedOut))
}

func (c *MemoryConn) drop(reason error) {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	c.closed = true
	h := c.handlers
	if h.OnClose == nil {
		c.pendingClose = reason
	}
	c.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose(reason)
	}
}

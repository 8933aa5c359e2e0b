// Package router fans inbound relay events out to registered handlers.
// Dispatch runs on the transport's delivery goroutine, so handler
// failures are contained here and never reach the transport read loop.
package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftwire/chatctl/internal/observability"
	"github.com/driftwire/chatctl/internal/wire"
)

// InboundMessage is the normalized event handed to handlers.
type InboundMessage struct {
	Raw            wire.Event
	ConversationID string
	SenderID       string
	Body           string
	Group          bool
}

// Handler consumes one inbound message. A returned error is observed
// and logged; it never affects delivery to other handlers.
type Handler func(msg InboundMessage) error

// Registration identifies one registered handler for removal.
type Registration string

// ErrorHook observes a handler failure (returned error or recovered
// panic) without being able to re-raise it into the dispatch path.
type ErrorHook func(reg Registration, err error)

type Router struct {
	groupSuffix string
	onError     ErrorHook

	mu       sync.RWMutex
	handlers map[Registration]Handler
}

func New(groupSuffix string, onError ErrorHook) *Router {
	return &Router{
		groupSuffix: strings.TrimSpace(groupSuffix),
		onError:     onError,
		handlers:    make(map[Registration]Handler),
	}
}

// Register adds a handler and returns its registration token.
func (r *Router) Register(h Handler) Registration {
	reg := Registration(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reg] = h
	return reg
}

// Unregister removes a handler. Unknown or already-removed tokens are a
// no-op, so removal during dispatch is always safe.
func (r *Router) Unregister(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, reg)
}

func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// IsGroup classifies a conversation ID using the relay's group suffix
// convention.
func (r *Router) IsGroup(conversationID string) bool {
	return r.groupSuffix != "" && strings.HasSuffix(conversationID, r.groupSuffix)
}

// Dispatch delivers one raw relay event to every currently registered
// handler. Self-originated and malformed events are filtered before any
// handler sees them. Returns the number of handlers invoked.
func (r *Router) Dispatch(ev wire.Event) int {
	if err := ev.Validate(); err != nil {
		log.Debug().Err(err).Msg("inbound event dropped")
		observability.RecordInbound("invalid")
		return 0
	}
	if ev.FromSelf() {
		observability.RecordInbound("filtered_self")
		return 0
	}

	msg := InboundMessage{
		Raw:            ev,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Body:           ev.Body,
		Group:          r.IsGroup(ev.ConversationID),
	}

	// Snapshot under the read lock so handlers may register or
	// unregister (including themselves) mid-fan-out.
	r.mu.RLock()
	snapshot := make(map[Registration]Handler, len(r.handlers))
	for reg, h := range r.handlers {
		snapshot[reg] = h
	}
	r.mu.RUnlock()

	for reg, h := range snapshot {
		r.invoke(reg, h, msg)
	}
	observability.RecordInbound("delivered")
	return len(snapshot)
}

func (r *Router) invoke(reg Registration, h Handler, msg InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.observe(reg, fmt.Errorf("handler panic: %v", rec))
		}
	}()
	if err := h(msg); err != nil {
		r.observe(reg, err)
	}
}

func (r *Router) observe(reg Registration, err error) {
	observability.RecordHandlerFailure()
	log.Warn().
		Str("registration", string(reg)).
		Err(err).
		Msg("inbound handler failed")
	if r.onError != nil {
		r.onError(reg, err)
	}
}

package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingSend tracks one outbound envelope awaiting its ack.
type PendingSend struct {
	MessageID      string
	ConversationID string
	Kind           uint16
	Attempts       int
	QueuedAt       time.Time
	LastError      string
}

// Outbox stores in-flight sends by message ID. It is bookkeeping for the
// operational surface only; a send makes one transport attempt and the
// caller sees its result directly.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]PendingSend
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]PendingSend),
	}
}

func (o *Outbox) Track(item PendingSend) {
	key := strings.TrimSpace(item.MessageID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *Outbox) MarkFailed(messageID string, reason string) {
	key := strings.TrimSpace(messageID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return
	}
	item.Attempts++
	item.LastError = strings.TrimSpace(reason)
	o.items[key] = item
}

func (o *Outbox) Resolve(messageID string) {
	key := strings.TrimSpace(messageID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Snapshot returns pending sends ordered by message ID.
func (o *Outbox) Snapshot() []PendingSend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingSend, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// Package bus provides the in-process notification fan-out. Delivery is
// synchronous and strictly ordered: every handler for a notification runs,
// in subscription order, before the next notification is published.
package bus

import (
	"sync"

	"github.com/talgya/worldclock/internal/calendar"
)

// Kind identifies a notification variant. The set is closed so handlers can
// switch exhaustively instead of probing loose payload maps.
type Kind string

const (
	KindCategoryChanged Kind = "category-changed"
	KindTriggerFired    Kind = "trigger-fired"
	KindTimeProgressed  Kind = "time-progressed"
	KindWorkFailed      Kind = "work-failed"
)

// Category names the derived state whose boundary was crossed.
type Category string

const (
	CategorySeason    Category = "season"
	CategoryTimeBlock Category = "time-block"
)

// Notification is a transient message describing one transition or
// progression. Only the fields for its Kind are populated.
type Notification struct {
	Kind      Kind               `json:"kind"`
	Timestamp calendar.Timestamp `json:"timestamp"`

	// KindCategoryChanged
	Category Category `json:"category,omitempty"`
	Previous string   `json:"previous,omitempty"`
	Current  string   `json:"current,omitempty"`

	// KindTriggerFired
	TriggerID int64  `json:"trigger_id,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Owner     string `json:"owner,omitempty"`

	// KindTimeProgressed
	Minutes int64              `json:"minutes,omitempty"`
	From    calendar.Timestamp `json:"from,omitzero"`

	// KindWorkFailed
	WorkID         string `json:"work_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Err            string `json:"error,omitempty"`
}

// Handler reacts to a notification. Handlers run synchronously on the
// publishing goroutine; expensive reactions belong on the dispatcher.
type Handler func(Notification)

// Bus fans notifications out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	byKind   map[Kind][]Handler
	wildcard []Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{byKind: make(map[Kind][]Handler)}
}

// Subscribe registers a handler for one notification kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// SubscribeAll registers a handler for every notification kind. Wildcard
// handlers run after kind-specific handlers for the same notification.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Publish delivers a notification to all matching handlers in subscription
// order and returns when the last handler has returned.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	kindHandlers := b.byKind[n.Kind]
	wildcard := b.wildcard
	b.mu.RUnlock()

	for _, h := range kindHandlers {
		h(n)
	}
	for _, h := range wildcard {
		h(n)
	}
}

package events

import (
	"sync"

	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/market"
	"perp-paper-trader/internal/sim"
	"perp-paper-trader/internal/strategy"
)

// Type partitions events into the two fan-out channels plus alerts.
type Type string

const (
	TypeStatus Type = "status"
	TypeStream Type = "stream"
	TypeAlert  Type = "alert"
)

// Event is one published update.
type Event struct {
	Type     Type
	Strategy string
	TS       int64
	Payload  any
}

// StatusPayload is the account snapshot pushed on the status channel.
type StatusPayload struct {
	Account sim.AccountView
}

// StreamPayload carries any subset of the live stream frame for one
// strategy: the in-progress kline, live indicators, the condition
// checklist, and discrete strategy events.
type StreamPayload struct {
	Kline      *market.Bar          `json:"k,omitempty"`
	Indicators *indicator.Snapshot  `json:"i,omitempty"`
	Conditions []strategy.Condition `json:"cond,omitempty"`
	Events     []string             `json:"ev,omitempty"`
}

// AlertPayload describes one raised alert.
type AlertPayload struct {
	Level   string
	Message string
}

// Handler consumes published events. Handlers must not block; slow
// consumers must do their own queueing.
type Handler func(Event)

// Bus is a synchronous in-process publish/subscribe hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// Publish delivers an event to every subscriber of its type.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := b.subs[ev.Type]
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Package pubsub fans ledger events out to live subscribers.
//
// Events are published under a key ("user:42", "global", "price").
// Delivery is FIFO per key; nothing is promised across keys. A subscriber
// that falls a full buffer behind is evicted (its channel is closed) so it
// can resynchronise from a fresh read instead of silently missing events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeOrderOpened     = "order_opened"
	TypeOrderClosed     = "order_closed"
	TypeOrderLiquidated = "order_liquidated"
	TypeBalance         = "balance"
	TypeStats           = "stats"
	TypePrice           = "price"
)

// Well-known keys.
const (
	KeyGlobal = "global"
	KeyPrice  = "price"
)

// UserKey is the key carrying one user's order and balance events.
func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// Event is one state change notification.
type Event struct {
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// NewEvent marshals payload into an event.
func NewEvent(key, typ string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	return Event{Key: key, Type: typ, Payload: data, At: time.Now().UTC()}, nil
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscription is a live feed of events for a set of keys.
type Subscription struct {
	ID   string
	C    <-chan Event
	keys []string
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Cancel stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
}

// Bus is an in-process Publisher with per-key subscriptions.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscription // key → subscription ID → sub
	buffer int
}

// NewBus creates a bus; buffer <= 0 uses DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[string]map[string]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers interest in keys. The returned subscription must be
// cancelled when no longer needed.
func (b *Bus) Subscribe(keys ...string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		ID:   uuid.NewString(),
		C:    ch,
		keys: keys,
		ch:   ch,
		bus:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		m, ok := b.subs[k]
		if !ok {
			m = make(map[string]*Subscription)
			b.subs[k] = m
		}
		m[sub.ID] = sub
	}
	return sub
}

// Publish delivers ev to every subscriber of ev.Key. Holding the bus lock
// across delivery keeps per-key order identical for all subscribers.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	var evicted []*Subscription
	for _, sub := range b.subs[ev.Key] {
		select {
		case sub.ch <- ev:
		default:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		b.removeLocked(sub)
	}
	b.mu.Unlock()
	return nil
}

// Subscribers returns the number of subscriptions on key.
func (b *Bus) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	sub.once.Do(func() {
		for _, k := range sub.keys {
			if m, ok := b.subs[k]; ok {
				delete(m, sub.ID)
				if len(m) == 0 {
					delete(b.subs, k)
				}
			}
		}
		close(sub.ch)
	})
}

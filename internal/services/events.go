package services

import (
	"log/slog"
	"sync"
	"time"
)

// SubscriptionStatusChanged names the state-changed event.
const SubscriptionStatusChanged = "subscriptionStatusChanged"

// StateChanged is published after every verification attempt, successful or
// not, even when the expiry did not change.
type StateChanged struct {
	Name                  string     `json:"name"`
	AppID                 string     `json:"app_id,omitempty"`
	UserID                string     `json:"user_id,omitempty"`
	ExpiresAt             *time.Time `json:"expires_at"`
	Active                bool       `json:"active"`
	VerificationSucceeded bool       `json:"verification_succeeded"`
	At                    time.Time  `json:"at"`
}

// EventBus fans StateChanged events out to subscribers. Handlers run
// synchronously in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscriber
}

type subscriber struct {
	id int
	fn func(StateChanged)
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn and returns a func that removes it.
func (b *EventBus) Subscribe(fn func(StateChanged)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.handlers {
			if s.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

func (b *EventBus) Publish(evt StateChanged) {
	b.mu.RLock()
	handlers := make([]subscriber, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, s := range handlers {
		deliver(s.fn, evt)
	}
}

func deliver(fn func(StateChanged), evt StateChanged) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state change handler panicked", "app_id", evt.AppID, "user_id", evt.UserID, "panic", r)
		}
	}()
	fn(evt)
}

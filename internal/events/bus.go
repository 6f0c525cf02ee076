// Package events carries unit lifecycle and trade notifications between the
// runtime and its observers (API websocket streams, persistence).
package events

import (
	"sync"
	"time"
)

// Topic enumerates notification channels inside the runtime.
type Topic string

const (
	TopicUnitStarted Topic = "unit.started"
	TopicUnitStopped Topic = "unit.stopped"
	TopicUnitError   Topic = "unit.error"
	TopicTradeOpened Topic = "trade.opened"
	TopicTradeClosed Topic = "trade.closed"
	TopicSignal      Topic = "signal.evaluated"
)

// Message is one published notification.
type Message struct {
	Topic   Topic     `json:"topic"`
	UserID  string    `json:"user_id"`
	Symbol  string    `json:"symbol,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Message
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Message)}
}

// Subscribe registers a listener for a topic and returns the channel and an
// unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[t] = append(b.subs[t], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the message out to subscribers without blocking. A slow
// subscriber loses messages rather than stalling the publisher.
func (b *Bus) Publish(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[msg.Topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

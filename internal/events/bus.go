package events

import (
	"sync"
	"time"
)

// Message is the envelope delivered to subscribers. At records publish time
// so consumers report when something happened, not when they got around to
// reading it.
type Message struct {
	Topic   Event     `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type subscription struct {
	ch     chan Message
	topics map[Event]struct{} // nil means every topic
}

// Bus fans events out to in-process subscribers over buffered channels.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a stream carrying the given topics and an unsubscribe
// function. With no topics the stream carries every event on the bus.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	sub := &subscription{ch: make(chan Message, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Event]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			// No publisher can reach the channel once it left the list.
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

// Publish delivers to every matching subscriber without blocking; a full
// subscriber channel drops the message so a slow consumer never stalls the
// order path.
func (b *Bus) Publish(topic Event, payload any) {
	msg := Message{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

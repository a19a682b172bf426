// Package bus carries domain events between the connection-facing gateway
// and the background components (presence broadcaster, sweepers) without
// coupling them. Delivery is best-effort by default: a full subscriber
// drops events. Subscribers that must see every event use a durable
// subscription, which queues without bound instead of dropping.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	queue     *eventQueue // non-nil for durable subscriptions
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Emit publishes a payload under the given kind, stamping the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeDurable returns a channel that receives every event matching the
// namespace prefix, in publish order, no matter how slowly the subscriber
// drains it. Events queue in memory instead of being dropped, so only
// subscribers that keep up on average should use it.
func (b *Bus) SubscribeDurable(namespace string) (<-chan Event, func()) {
	q := &eventQueue{wake: make(chan struct{}, 1)}
	ch := make(chan Event)
	done := make(chan struct{})

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch, queue: q}
	b.mu.Unlock()

	go func() {
		for {
			evt, ok := q.pop()
			if !ok {
				select {
				case <-q.wake:
					continue
				case <-done:
					return
				}
			}
			select {
			case ch <- evt:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(done)
		})
	}
}

// eventQueue is an unbounded FIFO feeding a durable subscription's pump.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	wake   chan struct{}
}

func (q *eventQueue) push(evt Event) {
	q.mu.Lock()
	q.events = append(q.events, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	evt := q.events[0]
	q.events = q.events[1:]
	return evt, true
}

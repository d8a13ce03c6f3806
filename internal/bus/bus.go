package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
	done   chan struct{}

	// overflow holds chat messages that did not fit in ch, oldest first.
	mu       sync.Mutex
	overflow []Event
	pumping  bool
	wg       sync.WaitGroup
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events. Chat messages (inbound and
// outbound.*) that do not fit are queued and always delivered in order; other
// events are dropped for slow consumers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.done)
		sub.wg.Wait()
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// Chat messages are never lost; any other event is dropped for a subscriber
// whose buffer is full.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}
	keep := reliable(topic)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			if keep {
				sub.enqueue(event)
				continue
			}
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

func reliable(topic string) bool {
	return topic == TopicInbound || strings.HasPrefix(topic, TopicOutboundPrefix)
}

// enqueue delivers ev directly when nothing is queued ahead of it, and
// otherwise appends it to the overflow drained by pump.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overflow) == 0 {
		select {
		case s.ch <- ev:
			return
		default:
		}
	}
	s.overflow = append(s.overflow, ev)
	if !s.pumping {
		s.pumping = true
		s.wg.Add(1)
		go s.pump()
	}
}

func (s *Subscription) pump() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.overflow) == 0 {
			s.pumping = false
			s.mu.Unlock()
			return
		}
		ev := s.overflow[0]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}

		s.mu.Lock()
		s.overflow[0] = Event{}
		s.overflow = s.overflow[1:]
		s.mu.Unlock()
	}
}

// Pending returns the number of chat messages queued behind a full buffer.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overflow)
}

// PublishInbound publishes a chat message received by a channel adapter.
func (b *Bus) PublishInbound(msg InboundMessage) {
	b.Publish(TopicInbound, msg)
}

// PublishOutbound routes msg to the adapter for msg.Channel.
func (b *Bus) PublishOutbound(msg OutboundMessage) {
	b.Publish(OutboundTopic(msg.Channel), msg)
}

// WaitDrained blocks until every subscriber whose prefix overlaps prefix has
// consumed all buffered and queued events, or ctx is done.
func (b *Bus) WaitDrained(ctx context.Context, prefix string) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for !b.drained(prefix) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (b *Bus) drained(prefix string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(sub.prefix, prefix) && !strings.HasPrefix(prefix, sub.prefix) {
			continue
		}
		if len(sub.ch) > 0 || sub.Pending() > 0 {
			return false
		}
	}
	return true
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

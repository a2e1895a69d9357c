package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Subscription is one subscriber's channel plus its filter.
type Subscription struct {
	Ch     chan Event  // Channel to receive events
	Types  []EventType // Event types to filter (nil/empty = all types)
	Target string      // Target identifier
}

// EventStore persists events for consumers that reconnect after a gap
// (e.g. a dashboard client re-requesting state).
type EventStore interface {
	Save(event *Event) error
	GetPending(target string, types []EventType) ([]*Event, error)
	MarkDelivered(eventID string) error
}

// Backpressure configuration constants.
const (
	MaxBackpressureRetries = 3
	BackpressureRetryDelay = 10 * time.Millisecond
)

// Bus manages event subscriptions and publishing.
type Bus struct {
	subscribers   map[string][]*Subscription // target -> subscriptions
	store         EventStore                 // Optional persistent store
	log           *zap.Logger
	mu            sync.RWMutex
	droppedEvents uint64
}

// NewBus creates a new event bus. store may be nil.
func NewBus(store EventStore, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		store:       store,
		log:         log,
	}
}

// Subscribe creates a new subscription for the given target and event
// types. If types is nil or empty, all event types are received.
func (b *Bus) Subscribe(target string, types []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:     make(chan Event, 100),
		Types:  types,
		Target: target,
	}

	b.subscribers[target] = append(b.subscribers[target], sub)

	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, exists := b.subscribers[target]
	if !exists {
		return
	}

	for i, sub := range subs {
		if sub.Ch == ch {
			close(sub.Ch)
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}
			return
		}
	}
}

// Publish sends an event to all matching subscribers: the specific
// target, "all" subscribers, or everyone when the event itself targets
// "all".
func (b *Bus) Publish(event *Event) {
	if b.store != nil {
		if err := b.store.Save(event); err != nil {
			b.log.Error("persist event failed",
				zap.String("type", string(event.Type)),
				zap.String("target", event.Target),
				zap.String("id", event.ID),
				zap.Error(err))
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var targetSubs []*Subscription

	if event.Target == "all" {
		for _, subs := range b.subscribers {
			targetSubs = append(targetSubs, subs...)
		}
	} else {
		if subs, exists := b.subscribers[event.Target]; exists {
			targetSubs = append(targetSubs, subs...)
		}
		if subs, exists := b.subscribers["all"]; exists {
			targetSubs = append(targetSubs, subs...)
		}
	}

	for _, sub := range targetSubs {
		if b.matchesTypes(event.Type, sub.Types) {
			b.sendWithBackpressure(sub, event)
		}
	}
}

// sendWithBackpressure attempts delivery with a few retries before
// logging and dropping the event. The event remains in the store (if
// any) and can still be retrieved via GetPendingEvents.
func (b *Bus) sendWithBackpressure(sub *Subscription, event *Event) {
	select {
	case sub.Ch <- *event:
		return
	default:
	}

	for retry := 1; retry <= MaxBackpressureRetries; retry++ {
		time.Sleep(BackpressureRetryDelay)
		select {
		case sub.Ch <- *event:
			b.log.Debug("event delivered after retry",
				zap.Int("retry", retry), zap.String("type", string(event.Type)), zap.String("id", event.ID))
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&b.droppedEvents, 1)
	b.log.Warn("dropped event after retries (channel full)",
		zap.Int("retries", MaxBackpressureRetries),
		zap.String("type", string(event.Type)),
		zap.String("target", event.Target),
		zap.String("source", event.Source),
		zap.String("id", event.ID),
		zap.Uint64("total_dropped", dropped))
}

// GetPendingEvents retrieves pending events from the store for a target.
func (b *Bus) GetPendingEvents(target string, types []EventType) ([]*Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.GetPending(target, types)
}

// MarkDelivered marks an event as delivered so it won't be returned by
// GetPendingEvents again.
func (b *Bus) MarkDelivered(eventID string) error {
	if b.store == nil {
		return nil
	}
	return b.store.MarkDelivered(eventID)
}

// DroppedEventCount returns the total number of events dropped due to
// full subscriber channels.
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.droppedEvents)
}

func (b *Bus) matchesTypes(eventType EventType, types []EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == eventType {
			return true
		}
	}
	return false
}

// Package bus broadcasts change events to subscribers over bounded
// channels. Delivery is lossy by contract: a slow subscriber never
// blocks a publisher, it just misses events and learns how many.
package bus

import (
	"sync"
	"time"

	"entanglement/pkg/log"
	"entanglement/pkg/models"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the per-subscriber channel depth.
const DefaultCapacity = 256

// Subscriber is one bounded event stream. Events arrive on C until
// Unsubscribe closes it.
type Subscriber struct {
	ch    chan models.ChangeEvent
	owner string
	// lag counts events dropped since the last successful delivery.
	// Guarded by the bus mutex.
	lag int64
}

// C returns the event channel.
func (s *Subscriber) C() <-chan models.ChangeEvent {
	return s.ch
}

// Bus fans change events out to subscribers. Publish never blocks:
// when a subscriber's channel is full the event is dropped and a
// lagged marker carrying the drop count is delivered once the channel
// drains.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	capacity int
	logger   zerolog.Logger
}

// New creates a bus. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscriber]struct{}),
		capacity: capacity,
		logger:   log.With("bus"),
	}
}

// Subscribe registers a stream. A non-empty owner restricts delivery
// to events owned by that principal; an empty owner receives all
// events.
func (b *Bus) Subscribe(owner string) *Subscriber {
	sub := &Subscriber{
		ch:    make(chan models.ChangeEvent, b.capacity),
		owner: owner,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a stream and closes its channel. Safe to call
// once per subscriber.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber. A full
// channel drops the event and bumps the subscriber's lag; the next
// delivery is then preceded by a lagged marker so the subscriber
// knows to resync the gap.
func (b *Bus) Publish(ev models.ChangeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if sub.owner != "" && sub.owner != ev.Owner {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscriber, ev models.ChangeEvent) {
	if sub.lag > 0 {
		marker := models.ChangeEvent{
			Action:    models.ActionLagged,
			Lag:       sub.lag,
			Timestamp: time.Now().UTC(),
		}
		select {
		case sub.ch <- marker:
			sub.lag = 0
		default:
			sub.lag++
			return
		}
	}

	select {
	case sub.ch <- ev:
	default:
		sub.lag++
		if sub.lag == 1 {
			b.logger.Debug().Str("path", ev.Path).Msg("subscriber lagging, dropping events")
		}
	}
}

// Subscribers reports the current stream count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

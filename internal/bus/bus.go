package bus

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrix/scan-engine/pkg/models"
)

const defaultSubscriberBuffer = 2000

// EventStore is the persistence slice the broker needs. Writes are
// best-effort: a failed insert never blocks or drops the live publish.
type EventStore interface {
	InsertEvent(eventType string, ts float64, payload []byte) (models.Event, error)
}

// Subscriber is one live event consumer. The channel is bounded; when the
// consumer falls behind, new events are dropped for it and counted.
type Subscriber struct {
	C       chan models.Event
	dropped atomic.Int64
}

// Dropped returns how many events this subscriber missed.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Broker fans events out to SSE streams, the websocket hub and any other
// subscriber, persisting each event first.
type Broker struct {
	mu      sync.Mutex
	subs    map[*Subscriber]bool
	store   EventStore
	dropped atomic.Int64
}

func NewBroker(store EventStore) *Broker {
	return &Broker{
		subs:  make(map[*Subscriber]bool),
		store: store,
	}
}

// Subscribe registers a new consumer. bufferSize <= 0 uses the default.
func (b *Broker) Subscribe(bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	sub := &Subscriber{C: make(chan models.Event, bufferSize)}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.mu.Unlock()
}

// Publish persists and fans out one event. payload must marshal to a JSON
// object; marshal failures drop the event with a log line.
func (b *Broker) Publish(eventType string, payload any) models.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Bus] Dropping unmarshalable %s event: %v", eventType, err)
		return models.Event{}
	}
	ts := float64(time.Now().UnixNano()) / 1e9

	ev := models.Event{TS: ts, Type: eventType, Payload: raw}
	if b.store != nil {
		stored, err := b.store.InsertEvent(eventType, ts, raw)
		if err != nil {
			log.Printf("[Bus] Failed to persist %s event: %v", eventType, err)
		} else {
			ev = stored
		}
	}

	b.mu.Lock()
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()
	return ev
}

// Dropped returns the total events dropped across all subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live consumers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

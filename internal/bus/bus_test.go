package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/sentrix/scan-engine/pkg/models"
)

type recordingStore struct {
	mu     sync.Mutex
	events []models.Event
	nextID int64
	fail   bool
}

func (r *recordingStore) InsertEvent(eventType string, ts float64, payload []byte) (models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return models.Event{}, errors.New("disk full")
	}
	r.nextID++
	ev := models.Event{ID: r.nextID, TS: ts, Type: eventType, Payload: payload}
	r.events = append(r.events, ev)
	return ev, nil
}

func TestBrokerPublish(t *testing.T) {
	store := &recordingStore{}
	b := NewBroker(store)

	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	ev := b.Publish(models.EventFastEvent, map[string]any{"path": "/tmp/x"})
	if ev.ID != 1 {
		t.Errorf("published event id = %d, want persisted id 1", ev.ID)
	}

	got := <-sub.C
	if got.Type != models.EventFastEvent {
		t.Errorf("Type = %q", got.Type)
	}
	if got.ID != 1 {
		t.Errorf("delivered event id = %d", got.ID)
	}
	if len(store.events) != 1 {
		t.Errorf("store holds %d events, want 1", len(store.events))
	}
}

func TestBrokerStoreFailureStillDelivers(t *testing.T) {
	b := NewBroker(&recordingStore{fail: true})
	sub := b.Subscribe(1)
	defer b.Unsubscribe(sub)

	b.Publish(models.EventScanError, map[string]any{"error": "boom"})
	select {
	case got := <-sub.C:
		if got.Type != models.EventScanError {
			t.Errorf("Type = %q", got.Type)
		}
	default:
		t.Fatal("event not delivered when store write failed")
	}
}

func TestBrokerSlowSubscriberDrops(t *testing.T) {
	b := NewBroker(nil)
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for i := 0; i < 5; i++ {
		b.Publish(models.EventFastEvent, map[string]any{"n": i})
	}

	if got := slow.Dropped(); got != 4 {
		t.Errorf("slow subscriber dropped %d, want 4", got)
	}
	if got := fast.Dropped(); got != 0 {
		t.Errorf("fast subscriber dropped %d, want 0", got)
	}
	if got := b.Dropped(); got != 4 {
		t.Errorf("broker total dropped = %d, want 4", got)
	}
	if len(fast.C) != 5 {
		t.Errorf("fast subscriber buffered %d, want 5", len(fast.C))
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call must be a no-op
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribe", b.SubscriberCount())
	}
	if _, open := <-sub.C; open {
		t.Error("channel still open after unsubscribe")
	}
}

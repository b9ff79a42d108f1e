package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/logger"
)

// Publisher defines the interface for publishing events.
// This interface enables testing with mock implementations.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
	SubscribeAll(handler func(domain.Event))
}

// Journal persists events. *db.Repository satisfies it.
type Journal interface {
	AppendEvent(event domain.Event) (int64, error)
}

// Ensure EventBus implements Publisher
var _ Publisher = (*EventBus)(nil)

// subscriberBuffer bounds each subscriber queue; Publish never blocks on a slow subscriber.
const subscriberBuffer = 100

type EventBus struct {
	journal     Journal
	subscribers map[domain.EventType][]chan domain.Event
	wildcard    []chan domain.Event
	mu          sync.RWMutex
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewEventBus creates a bus. journal may be nil, in which case events are
// only fanned out in memory.
func NewEventBus(journal Journal) *EventBus {
	return &EventBus{
		journal:     journal,
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

// Publish stores the event in the journal (when configured) and hands it to
// subscribers. A journal failure is returned, but subscribers still see the event.
func (eb *EventBus) Publish(event domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	var persistErr error
	if eb.journal != nil {
		id, err := eb.journal.AppendEvent(event)
		if err != nil {
			persistErr = fmt.Errorf("failed to persist %s event: %w", event.EventType, err)
		} else {
			event.ID = id
		}
	}
	logger.Debugf("EventBus: %s %s/%s (id %d)", event.EventType, event.AggregateType, event.AggregateID, event.ID)

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	deliver := func(ch chan domain.Event) {
		select {
		case ch <- event:
		default:
			logger.Warnf("EventBus: subscriber queue full, dropping %s event", event.EventType)
		}
	}
	for _, ch := range eb.subscribers[event.EventType] {
		deliver(ch)
	}
	for _, ch := range eb.wildcard {
		deliver(ch)
	}

	return persistErr
}

// Subscribe runs handler on its own goroutine for every event of eventType.
func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()

	eb.consume(ch, handler)
}

// SubscribeAll runs handler for every published event regardless of type.
func (eb *EventBus) SubscribeAll(handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.wildcard = append(eb.wildcard, ch)
	eb.mu.Unlock()

	eb.consume(ch, handler)
}

func (eb *EventBus) consume(ch chan domain.Event, handler func(domain.Event)) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-ch:
				eb.safeHandle(handler, event)
			case <-eb.stopChan:
				return
			}
		}
	}()
}

// safeHandle keeps one panicking subscriber from killing its goroutine.
func (eb *EventBus) safeHandle(handler func(domain.Event), event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("EventBus: subscriber panicked on %s: %v", event.EventType, r)
		}
	}()
	handler(event)
}

// Shutdown stops all subscriber goroutines and waits for them to finish.
// Safe to call more than once.
func (eb *EventBus) Shutdown() {
	eb.stopOnce.Do(func() { close(eb.stopChan) })
	eb.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}

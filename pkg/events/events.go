package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventReferenceCreated  EventType = "reference.created"
	EventReferenceMerged   EventType = "reference.merged"
	EventDecisionActivated EventType = "decision.activated"
	EventBatchCompleted    EventType = "batch.completed"
	EventBatchFailed       EventType = "batch.failed"
	EventPendingExpired    EventType = "pending.expired"
	EventRobotBatchLeased  EventType = "robot_batch.leased"
	EventIndexMigrated     EventType = "index.migrated"
	EventIndexRepaired     EventType = "index.repaired"
)

// Event represents a repository lifecycle event
type Event struct {
	ID        uuid.UUID
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is a convenience wrapper for Publish
func (b *Broker) Emit(t EventType, msg string, metadata map[string]string) {
	b.Publish(&Event{Type: t, Message: msg, Metadata: metadata})
}

func (b *Broker) run() {
	for {
		select {
		case <-b.stopCh:
			return
		case event := <-b.eventCh:
			b.broadcast(event)
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		// drop rather than block when a subscriber lags
		select {
		case sub <- event:
		default:
		}
	}
}

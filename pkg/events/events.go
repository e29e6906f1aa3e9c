// Package events is an in-process pub/sub broker carrying NodeDriver
// lifecycle notifications (routing-table changes, fatal conditions) to
// in-process subscribers (Broker.Subscribe), without those subscribers
// touching driver-owned state directly.
package events

import (
	"sync"
	"time"

	"github.com/antnet/antnode/pkg/types"
)

// Type identifies the kind of internal event raised by the driver or engine.
type Type string

const (
	TypeRoutingTableChanged Type = "routing_table.changed"
	TypeRecordStored        Type = "record.stored"
	TypeReachabilityChanged Type = "reachability.changed"
	TypeTerminateNode       Type = "node.terminate"
)

// the driver, the engine and the replication fetcher are this package's
// only publishers; the types
// above are exactly the events they raise (routing_table.changed from
// Engine.OnMessage, record.stored from the replication fetcher,
// reachability.changed and node.terminate from the driver's tick
// handlers) rather than a speculative superset.

// Event is a single internal notification.
type Event struct {
	Type      Type
	Timestamp time.Time
	PeerID    *types.ID
	Message   string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution, grounded on
// warren/pkg/events.Broker's single-goroutine fan-out loop.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

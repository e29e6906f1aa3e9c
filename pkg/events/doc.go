/*
Package events provides an in-memory event broker for antnode's internal
pub/sub notifications.

The events package implements a lightweight event bus broadcasting
NodeDriver and KadEngine lifecycle notifications to interested observers.
It supports non-blocking, fan-out delivery over buffered channels, the
same shape as the teacher's cluster event broker, but scoped to a single
node's internal state rather than a multi-node cluster.

# Event Types

Routing Events:
  - routing_table.changed: a message's sender was merged into the
    routing table with an Inserted/Updated result

Storage Events:
  - record.stored: a replicated record was written to RecordStore

Reachability Events:
  - reachability.changed: the driver's dial-check tick found the routing
    table empty

Fatal Events:
  - node.terminate: the driver is shutting down due to an unrecoverable
    condition (e.g. HDD write-error saturation); subscribers should treat
    this as the last event they will receive

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.TypeTerminateNode:
				// stop accepting new work
			default:
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.TypeRoutingTableChanged,
		Message: "bucket 255 evicted a dead peer",
	})

# Design Notes

Delivery to subscribers is non-blocking: a full subscriber buffer skips
that subscriber rather than stalling the broadcast loop. Publish itself
waits only while the broker's 100-event queue is full. Delivery is
therefore best-effort; nothing in antnode depends on events for
correctness, only for observability.
*/
package events

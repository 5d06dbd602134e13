// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

// Reactive notifications for UI collaborators. Callbacks fire after the
// store commit that produced the event, so a re-read from the callback always
// observes the new state.

// Event reasons.
const (
	EventEnqueued  = "enqueued"
	EventApplied   = "applied"
	EventConflict  = "conflict"
	EventFailed    = "failed"
	EventDiscarded = "discarded"
	EventResolved  = "resolved"
	EventHydrated  = "hydrated"
)

// Event describes one observable change to outbox or snapshot state.
type Event struct {
	EntityType  string
	EntityID    string
	OperationID string
	Reason      string
}

type subscription struct {
	entityType string // "" matches every type
	entityID   string // "" matches every entity of the type
	fn         func(Event)
}

// Subscribe registers a callback for changes to one entity, one entity type
// (entityID == ""), or everything (both == ""). The returned function
// unsubscribes; it is safe to call more than once.
func (c *Client) Subscribe(entityType, entityID string, fn func(Event)) func() {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = &subscription{entityType: entityType, entityID: entityID, fn: fn}
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (s *subscription) matches(ev Event) bool {
	if s.entityType != "" && s.entityType != ev.EntityType {
		return false
	}
	if s.entityID != "" && s.entityID != ev.EntityID {
		return false
	}
	return true
}

// notify queues an event for delivery. Callbacks run off the engine's
// goroutine (the commit that produced the event is already durable), so they
// may freely re-read snapshots or enqueue follow-up operations. Delivery is
// serialized through a single dispatcher: subscribers observe events in the
// order their commits happened.
func (c *Client) notify(ev Event) {
	c.subsMu.Lock()
	c.pendingEvents = append(c.pendingEvents, ev)
	if c.dispatching {
		c.subsMu.Unlock()
		return
	}
	c.dispatching = true
	c.subsMu.Unlock()
	go c.dispatchEvents()
}

func (c *Client) dispatchEvents() {
	for {
		c.subsMu.Lock()
		if len(c.pendingEvents) == 0 {
			c.dispatching = false
			c.subsMu.Unlock()
			return
		}
		ev := c.pendingEvents[0]
		c.pendingEvents = c.pendingEvents[1:]
		var matched []func(Event)
		for _, sub := range c.subs {
			if sub.matches(ev) {
				matched = append(matched, sub.fn)
			}
		}
		c.subsMu.Unlock()

		for _, fn := range matched {
			fn(ev)
		}
	}
}

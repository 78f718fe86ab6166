package keyedpool

import (
	"time"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventCreated          EventType = "created"
	EventCreateFailed     EventType = "create_failed"
	EventValidationFailed EventType = "validation_failed"
	EventInvalidated      EventType = "invalidated"
	EventEvicted          EventType = "evicted"
	EventDestroyed        EventType = "destroyed"
)

// Event is one lifecycle change for a session of a key.
type Event struct {
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// maxEventsPerKey limits the number of stored events per key.
const maxEventsPerKey = 100

func (p *Pool[K, V]) emitEvent(key K, eventType EventType, details string) {
	event := Event{
		Type:      eventType,
		Details:   details,
		Timestamp: time.Now(),
	}

	p.eventsMu.Lock()
	events := append(p.events[key], event)
	if len(events) > maxEventsPerKey {
		events = events[len(events)-maxEventsPerKey:]
	}
	p.events[key] = events
	p.eventsMu.Unlock()

	p.logger.Debug("event", "key", key, "type", eventType, "details", details)
}

// Events returns the stored events for key, oldest first.
func (p *Pool[K, V]) Events(key K) []Event {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	events := p.events[key]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// RecentEvents returns the most recent n events for key.
func (p *Pool[K, V]) RecentEvents(key K, n int) []Event {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	events := p.events[key]
	if n < 0 {
		n = 0
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// EventCounts counts the stored events of each type for key.
func (p *Pool[K, V]) EventCounts(key K) map[EventType]int {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	result := make(map[EventType]int)
	for _, e := range p.events[key] {
		result[e.Type]++
	}
	return result
}

package notify

import (
	"context"
	"sync"
)

// Notifier is the abstract event sink the core pushes state changes to.
// Delivery is at-most-once and best effort; callers never depend on it.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// TopicStaff is the broadcast channel for staff-facing events.
const TopicStaff = "staff"

// StudentTopic is the personal channel for one student's confirmations.
func StudentTopic(studentID string) string {
	return "student:" + studentID
}

// Event is a captured publication, used by the in-memory notifier.
type Event struct {
	Topic   string
	Payload any
}

// InMemory records publications; used in dev mode and tests.
type InMemory struct {
	mu     sync.Mutex
	events []Event
}

// NewInMemory creates an in-memory notifier.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Publish records the event.
func (n *InMemory) Publish(_ context.Context, topic string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, Event{Topic: topic, Payload: payload})
	return nil
}

// Events returns a copy of everything published so far.
func (n *InMemory) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}

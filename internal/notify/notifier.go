// Package notify provides an in-process escalation bus that surfaces
// operational events (dispatch failures, budget sheds, write failures) to
// monitoring subscribers.
package notify

import (
	"sync"
	"time"
)

// Kind represents the type of escalation.
type Kind int

const (
	DispatchFailed Kind = iota
	WriteFailed
	BudgetShed
	SchemaRejected
)

// String returns the escalation kind name.
func (k Kind) String() string {
	switch k {
	case DispatchFailed:
		return "dispatch_failed"
	case WriteFailed:
		return "write_failed"
	case BudgetShed:
		return "budget_shed"
	case SchemaRejected:
		return "schema_rejected"
	default:
		return "unknown"
	}
}

// Escalation carries one operational event to monitoring.
type Escalation struct {
	Kind       Kind
	DeviceID   string
	DecisionID string
	Detail     string
	Timestamp  int64
}

// Notifier is an in-process pub/sub escalation bus.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends an escalation to all subscribers.
// Non-blocking: if a subscriber's channel is full, the escalation is dropped
// for that subscriber rather than stalling the admission path.
func (n *Notifier) Publish(esc Escalation) {
	if esc.Timestamp == 0 {
		esc.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(esc.Kind) {
			select {
			case sub.Ch <- esc:
			default:
				// Channel full - drop, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a subscriber. An empty kinds list receives everything.
func (n *Notifier) Subscribe(id string, kinds ...Kind) *Subscriber {
	sub := &Subscriber{
		ID:    id,
		Kinds: kinds,
		Ch:    make(chan Escalation, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// Subscriber represents an escalation subscriber.
type Subscriber struct {
	ID    string
	Kinds []Kind
	Ch    chan Escalation
}

func (s *Subscriber) matches(k Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, kind := range s.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

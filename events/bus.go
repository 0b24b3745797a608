// Package events carries pipeline events between stage handlers.
//
// Delivery is at-least-once with no ordering guarantee across events.
// Handlers must tolerate duplicates and out-of-order arrival; all
// coordination happens through conditional writes in the store.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// Handler processes one delivered event. A nil return acknowledges it.
// Permanent errors (see mangaflow.IsPermanent) are dead-lettered at once;
// any other error leaves the event for redelivery.
type Handler func(ctx context.Context, evt mangaflow.Event) error

// Publisher hands events to the bus
type Publisher interface {
	Publish(ctx context.Context, evt mangaflow.Event) error
}

// Subscriber delivers events to a handler until ctx is cancelled
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Bus is a publisher and subscriber pair over one channel
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// DeadLetter is an event the bus gave up on
type DeadLetter struct {
	Event      mangaflow.Event `json:"event"`
	Error      string          `json:"error"`
	Deliveries int             `json:"deliveries"`
	FailedAt   time.Time       `json:"failedAt"`
}

// prepare fills envelope fields the producer left empty. The correlation
// id of the publishing invocation travels with the event.
func prepare(ctx context.Context, evt mangaflow.Event) mangaflow.Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = resilience.CorrelationID(ctx)
	}
	return evt
}

// shouldDeadLetter reports whether an event must leave the bus after
// the given number of deliveries
func shouldDeadLetter(err error, deliveries, maxDeliveries int) bool {
	if mangaflow.IsPermanent(err) {
		return true
	}
	return maxDeliveries > 0 && deliveries >= maxDeliveries
}

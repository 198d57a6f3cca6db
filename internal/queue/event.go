// Package queue is the engine's event bus: a durable RabbitMQ topic
// exchange in production and an in-process fan-out for local runs and
// tests. Delivery is at-least-once; consumers deduplicate.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind names an event and doubles as its routing key.
type Kind string

const (
	KindBookingCreated  Kind = "booking.created"
	KindBookingPaid     Kind = "booking.paid"
	KindBookingReminder Kind = "booking.reminder"
	KindShowCreated     Kind = "show.created"
)

// Event is the envelope every message carries. Payloads are ids only;
// consumers load current state themselves.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	BookingID  string    `json:"bookingId,omitempty"`
	ShowID     string    `json:"showId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// SubjectID is the id the event is about, used for deduplication.
func (e Event) SubjectID() string {
	if e.BookingID != "" {
		return e.BookingID
	}
	return e.ShowID
}

func newEvent(kind Kind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, OccurredAt: time.Now().UTC()}
}

// BookingCreated announces a new PENDING booking.
func BookingCreated(bookingID string) Event {
	e := newEvent(KindBookingCreated)
	e.BookingID = bookingID
	return e
}

// BookingPaid announces a booking that just became PAID.
func BookingPaid(bookingID string) Event {
	e := newEvent(KindBookingPaid)
	e.BookingID = bookingID
	return e
}

// BookingReminder asks for the show reminder of a paid booking.
func BookingReminder(bookingID string) Event {
	e := newEvent(KindBookingReminder)
	e.BookingID = bookingID
	return e
}

// ShowCreated announces a newly scheduled show.
func ShowCreated(showID string) Event {
	e := newEvent(KindShowCreated)
	e.ShowID = showID
	return e
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Handler processes one delivery. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, ev Event) error

// Subscriber delivers events of the given kinds to h until ctx is done.
// queue names the consumer group; each group sees every event once.
type Subscriber interface {
	Consume(ctx context.Context, queue string, kinds []Kind, h Handler) error
}

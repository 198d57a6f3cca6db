package payment

import "github.com/iliyamo/cinema-seat-booking/internal/model"

// Event is a verified, decoded webhook delivery. The concrete type says
// what happened.
type Event interface {
	EventID() string
	paymentEvent()
}

// SessionCompleted reports a checkout session whose payment went through.
type SessionCompleted struct {
	ID              string
	SessionID       string
	PaymentIntentID string
	Correlation     model.Correlation
}

// PaymentSucceeded reports a successful payment intent. Its metadata may be
// empty for intents created before metadata was copied onto them.
type PaymentSucceeded struct {
	ID              string
	PaymentIntentID string
	Correlation     model.Correlation
}

// SessionExpired reports a checkout session that can no longer be paid.
type SessionExpired struct {
	ID          string
	SessionID   string
	Correlation model.Correlation
}

// Unhandled is any other event type; it is acknowledged and ignored.
type Unhandled struct {
	ID   string
	Type string
}

func (e SessionCompleted) EventID() string { return e.ID }
func (e PaymentSucceeded) EventID() string { return e.ID }
func (e SessionExpired) EventID() string   { return e.ID }
func (e Unhandled) EventID() string        { return e.ID }

func (SessionCompleted) paymentEvent() {}
func (PaymentSucceeded) paymentEvent() {}
func (SessionExpired) paymentEvent()   {}
func (Unhandled) paymentEvent()        {}

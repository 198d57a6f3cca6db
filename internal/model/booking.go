package model

import "time"

// BookingState is the lifecycle state of a booking.
type BookingState string

const (
	BookingPending            BookingState = "PENDING"
	BookingPaymentLinkExpired BookingState = "PAYMENT_LINK_EXPIRED"
	BookingPaid               BookingState = "PAID"
	// BookingCancelled is never persisted; cancelled bookings are deleted.
	BookingCancelled BookingState = "CANCELLED"
)

// Booking is a holder's claim on a set of seats for a show, pending or
// settled payment.
type Booking struct {
	ID               string       // bookings.id
	HolderID         string       // bookings.holder_id
	ShowID           string       // bookings.show_id
	Seats            []string     // bookings.seats
	AmountCents      int64        // bookings.amount_cents
	State            BookingState // bookings.state
	SessionID        string       // bookings.session_id, empty once paid
	SessionURL       string       // bookings.session_url
	SessionExpiresAt time.Time    // bookings.session_expires_at, zero when no session
	CreatedAt        time.Time    // bookings.created_at
	UpdatedAt        time.Time    // bookings.updated_at
}

// Unpaid reports whether the booking may still be paid, regenerated or
// cancelled.
func (b *Booking) Unpaid() bool {
	return b.State == BookingPending || b.State == BookingPaymentLinkExpired
}

// SessionExpired reports whether the current checkout session can no
// longer be used at now. A booking without a session counts as expired.
func (b *Booking) SessionExpired(now time.Time) bool {
	return b.SessionExpiresAt.IsZero() || !now.Before(b.SessionExpiresAt)
}

// Correlation returns the metadata attached to the booking's checkout
// sessions.
func (b *Booking) Correlation() Correlation {
	return Correlation{
		BookingID:   b.ID,
		ShowID:      b.ShowID,
		HolderID:    b.HolderID,
		AmountCents: b.AmountCents,
		Seats:       append([]string(nil), b.Seats...),
	}
}

// BookingDraft is the result of a successful seat reservation, before the
// booking row exists.
type BookingDraft struct {
	Show        *Show
	HolderID    string
	Seats       []string
	AmountCents int64
}

// Correlation is what the payment gateway echoes back in event metadata.
// It identifies the booking and carries enough to rebuild it when the
// booking row is gone.
type Correlation struct {
	BookingID   string
	ShowID      string
	HolderID    string
	AmountCents int64
	Seats       []string
}

// Complete reports whether a booking can be reconstructed from c.
func (c Correlation) Complete() bool {
	return c.BookingID != "" && c.ShowID != "" && c.HolderID != "" && len(c.Seats) > 0
}

// Task is a durable timer keyed by booking: the cancellation of an unpaid
// booking or the show reminder of a paid one.
type Task struct {
	BookingID string
	DueAt     time.Time
	Attempts  int
	CreatedAt time.Time
}

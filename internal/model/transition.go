package model

import "time"

// PaymentOutcome tells the caller which write a payment confirmation needs.
type PaymentOutcome int

const (
	// OutcomeAlreadyPaid: nothing to write, the confirmation was seen before.
	OutcomeAlreadyPaid PaymentOutcome = iota
	// OutcomeMarkPaid: conditionally move the existing booking to PAID.
	OutcomeMarkPaid
	// OutcomeRecreatePaid: the booking is gone; insert it as PAID from the
	// correlation metadata and re-occupy its seats.
	OutcomeRecreatePaid
	// OutcomeUnresolvable: the booking is gone and the metadata is too thin
	// to rebuild it.
	OutcomeUnresolvable
)

func (o PaymentOutcome) String() string {
	switch o {
	case OutcomeAlreadyPaid:
		return "already_paid"
	case OutcomeMarkPaid:
		return "mark_paid"
	case OutcomeRecreatePaid:
		return "recreate_paid"
	default:
		return "unresolvable"
	}
}

// ApplyPayment folds a payment confirmation into the current booking state.
// current is nil when no booking row exists. Payment is ground truth: it
// wins over PENDING, PAYMENT_LINK_EXPIRED and even a cancellation.
func ApplyPayment(current *Booking, c Correlation, now time.Time) (*Booking, PaymentOutcome) {
	if current != nil && current.State == BookingPaid {
		return current, OutcomeAlreadyPaid
	}
	if current != nil && current.Unpaid() {
		next := *current
		next.State = BookingPaid
		next.SessionID = ""
		next.SessionURL = ""
		next.UpdatedAt = now
		return &next, OutcomeMarkPaid
	}
	if !c.Complete() {
		return nil, OutcomeUnresolvable
	}
	return &Booking{
		ID:          c.BookingID,
		HolderID:    c.HolderID,
		ShowID:      c.ShowID,
		Seats:       append([]string(nil), c.Seats...),
		AmountCents: c.AmountCents,
		State:       BookingPaid,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, OutcomeRecreatePaid
}

// ApplySessionExpired decides whether an expired checkout session moves the
// booking to PAYMENT_LINK_EXPIRED. Only the session currently attached to
// a PENDING booking counts; older sessions replaced by a regeneration are
// ignored.
func ApplySessionExpired(current *Booking, sessionID string) bool {
	return current != nil &&
		current.State == BookingPending &&
		sessionID != "" &&
		current.SessionID == sessionID
}

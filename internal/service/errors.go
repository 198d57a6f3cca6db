package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrShowNotFound    = errors.New("show not found")
	ErrShowStarted     = errors.New("show already started")
	ErrBookingNotFound = errors.New("booking not found")
	ErrForbidden       = errors.New("booking belongs to another holder")
	ErrAlreadyPaid     = errors.New("booking already paid")

	// ErrSeatConflict matches every *SeatConflictError.
	ErrSeatConflict = errors.New("seat conflict")
	// ErrPaymentSession matches every *PaymentSessionError.
	ErrPaymentSession = errors.New("payment session could not be created")
	// ErrPaymentLinkActive matches every *PaymentLinkActiveError.
	ErrPaymentLinkActive = errors.New("payment link still active")

	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")
	ErrWebhookPayloadMalformed = errors.New("webhook payload malformed")

	// ErrBookingNotFoundTransient: a confirmed payment's booking is not
	// visible yet. Retried, then handled by the metadata fallback.
	ErrBookingNotFoundTransient = errors.New("booking not found yet")
	// ErrStaleCancellation: the booking was paid or removed before its
	// cancellation fired.
	ErrStaleCancellation = errors.New("stale cancellation")
)

// SeatConflictError reports seats another holder already occupies, or
// sustained write contention on the show when Contended is set.
type SeatConflictError struct {
	Seats     []string
	Contended bool
}

func (e *SeatConflictError) Error() string {
	if e.Contended {
		return "seat conflict: show is under heavy contention, retry"
	}
	return "seat conflict: unavailable seats " + strings.Join(e.Seats, ",")
}

func (e *SeatConflictError) Is(target error) bool { return target == ErrSeatConflict }

// PaymentSessionError wraps a gateway failure during session creation.
type PaymentSessionError struct {
	Err error
}

func (e *PaymentSessionError) Error() string {
	return fmt.Sprintf("payment session: %v", e.Err)
}

func (e *PaymentSessionError) Unwrap() error        { return e.Err }
func (e *PaymentSessionError) Is(target error) bool { return target == ErrPaymentSession }

// PaymentLinkActiveError is returned when regeneration is requested while
// the current session can still be paid.
type PaymentLinkActiveError struct {
	ExpiresAt time.Time
}

func (e *PaymentLinkActiveError) Error() string {
	return "payment link still active until " + e.ExpiresAt.UTC().Format(time.RFC3339)
}

func (e *PaymentLinkActiveError) Is(target error) bool { return target == ErrPaymentLinkActive }

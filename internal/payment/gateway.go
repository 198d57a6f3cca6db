// Package payment talks to the hosted checkout provider: it creates and
// looks up checkout sessions and turns signed webhook deliveries into typed
// payment events.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

var (
	// ErrSessionNotFound is returned by lookups that match no session.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrSignatureInvalid means the webhook signature did not verify.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrPayloadMalformed means the webhook body could not be decoded.
	ErrPayloadMalformed = errors.New("webhook payload malformed")
)

// SessionRequest describes the checkout session to create for a booking.
type SessionRequest struct {
	Booking    *model.Booking
	Title      string // line item name, usually the movie title
	SuccessURL string
	CancelURL  string
	ExpiresAt  time.Time
}

// SessionHandle identifies a created session.
type SessionHandle struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// Session is a session read back from the provider.
type Session struct {
	ID              string
	PaymentIntentID string
	Correlation     model.Correlation
}

// Gateway is the payment provider as the booking engine sees it.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*SessionHandle, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	SessionByPaymentIntent(ctx context.Context, paymentIntentID string) (*Session, error)
}

// Metadata keys written on every session and payment intent.
const (
	MetaBookingID = "bookingId"
	MetaShowID    = "showId"
	MetaHolderID  = "holderId"
	MetaAmount    = "amount"
	MetaSeats     = "seats"
)

// EncodeMetadata flattens c into provider metadata.
func EncodeMetadata(c model.Correlation) map[string]string {
	seats, _ := json.Marshal(c.Seats)
	return map[string]string{
		MetaBookingID: c.BookingID,
		MetaShowID:    c.ShowID,
		MetaHolderID:  c.HolderID,
		MetaAmount:    strconv.FormatInt(c.AmountCents, 10),
		MetaSeats:     string(seats),
	}
}

// DecodeMetadata reads back what EncodeMetadata wrote. Missing or
// malformed fields stay zero; check Complete before rebuilding a booking.
func DecodeMetadata(m map[string]string) model.Correlation {
	c := model.Correlation{
		BookingID: m[MetaBookingID],
		ShowID:    m[MetaShowID],
		HolderID:  m[MetaHolderID],
	}
	if n, err := strconv.ParseInt(m[MetaAmount], 10, 64); err == nil {
		c.AmountCents = n
	}
	if raw := m[MetaSeats]; raw != "" {
		var seats []string
		if err := json.Unmarshal([]byte(raw), &seats); err == nil {
			c.Seats = seats
		}
	}
	return c
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

// StripeGatewayConfig holds configuration for the Stripe gateway
type StripeGatewayConfig struct {
	SecretKey string
	Currency  string // lower-case ISO code, e.g. "inr"
}

// StripeGateway creates hosted checkout sessions on Stripe.
type StripeGateway struct {
	config *StripeGatewayConfig
}

// NewStripeGateway creates a new Stripe gateway
func NewStripeGateway(config *StripeGatewayConfig) (*StripeGateway, error) {
	if config == nil {
		return nil, fmt.Errorf("stripe config is required")
	}
	if config.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if config.Currency == "" {
		config.Currency = "inr"
	}

	// Set Stripe API key globally
	stripe.Key = config.SecretKey

	return &StripeGateway{config: config}, nil
}

// CreateSession opens a single-line-item payment session for the booking.
// The correlation metadata goes on both the session and its payment intent
// so either webhook can identify the booking.
func (g *StripeGateway) CreateSession(_ context.Context, req SessionRequest) (*SessionHandle, error) {
	b := req.Booking
	if b == nil {
		return nil, fmt.Errorf("booking is required")
	}
	meta := EncodeMetadata(b.Correlation())

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(b.ID),
		ExpiresAt:         stripe.Int64(req.ExpiresAt.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(g.config.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Title),
				},
				UnitAmount: stripe.Int64(b.AmountCents),
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	// One key per booking and expiry: retries of the same request reuse the
	// session, a regeneration gets a new one.
	params.SetIdempotencyKey(b.ID + ":" + strconv.FormatInt(req.ExpiresAt.Unix(), 10))

	s, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &SessionHandle{
		ID:        s.ID,
		URL:       s.URL,
		ExpiresAt: time.Unix(s.ExpiresAt, 0).UTC(),
	}, nil
}

// GetSession fetches a session by id.
func (g *StripeGateway) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s, err := session.Get(sessionID, nil)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("stripe: get checkout session: %w", err)
	}
	return toSession(s), nil
}

// SessionByPaymentIntent finds the checkout session that produced the
// payment intent.
func (g *StripeGateway) SessionByPaymentIntent(_ context.Context, paymentIntentID string) (*Session, error) {
	params := &stripe.CheckoutSessionListParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	params.Limit = stripe.Int64(1)

	it := session.List(params)
	if it.Next() {
		return toSession(it.CheckoutSession()), nil
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list checkout sessions: %w", err)
	}
	return nil, ErrSessionNotFound
}

func toSession(s *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:          s.ID,
		Correlation: DecodeMetadata(s.Metadata),
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out
}

package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Event types the engine acts on.
const (
	typeSessionCompleted      = "checkout.session.completed"
	typeAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	typeSessionExpired        = "checkout.session.expired"
	typePaymentSucceeded      = "payment_intent.succeeded"
)

// WebhookVerifier checks Stripe-Signature headers and decodes deliveries.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Parse verifies the signature over the exact raw body and returns the
// typed event. Failures wrap ErrSignatureInvalid or ErrPayloadMalformed.
func (v *WebhookVerifier) Parse(payload []byte, signature string) (Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	return decodeEvent(ev)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func decodeEvent(ev stripe.Event) (Event, error) {
	if ev.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrPayloadMalformed, ev.ID)
	}
	switch string(ev.Type) {
	case typeSessionCompleted, typeAsyncPaymentSucceeded:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
		}
		// Delayed payment methods complete the session before the money
		// arrives; their async_payment_succeeded event settles instead.
		if string(ev.Type) == typeSessionCompleted && s.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return Unhandled{ID: ev.ID, Type: string(ev.Type)}, nil
		}
		out := SessionCompleted{ID: ev.ID, SessionID: s.ID, Correlation: DecodeMetadata(s.Metadata)}
		if s.PaymentIntent != nil {
			out.PaymentIntentID = s.PaymentIntent.ID
		}
		return out, nil
	case typeSessionExpired:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
		}
		return SessionExpired{ID: ev.ID, SessionID: s.ID, Correlation: DecodeMetadata(s.Metadata)}, nil
	case typePaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
		}
		return PaymentSucceeded{ID: ev.ID, PaymentIntentID: pi.ID, Correlation: DecodeMetadata(pi.Metadata)}, nil
	default:
		return Unhandled{ID: ev.ID, Type: string(ev.Type)}, nil
	}
}

package payment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

const testSecret = "whsec_test"

func sign(t *testing.T, payload []byte) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func eventJSON(t *testing.T, typ string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":     "evt_1",
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func testCorrelation() model.Correlation {
	return model.Correlation{BookingID: "b1", ShowID: "s1", HolderID: "u1", AmountCents: 2400, Seats: []string{"A1", "A2"}}
}

func TestParseSessionCompleted(t *testing.T) {
	payload := eventJSON(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"payment_intent": "pi_1",
		"payment_status": "paid",
		"metadata":       EncodeMetadata(testCorrelation()),
	})

	ev, err := NewWebhookVerifier(testSecret).Parse(payload, sign(t, payload))

	require.NoError(t, err)
	got, ok := ev.(SessionCompleted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "cs_1", got.SessionID)
	assert.Equal(t, "pi_1", got.PaymentIntentID)
	assert.Equal(t, testCorrelation(), got.Correlation)
	assert.Equal(t, "evt_1", got.EventID())
}

func TestParseUnpaidSessionCompletedIsIgnored(t *testing.T) {
	payload := eventJSON(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"payment_status": "unpaid",
	})

	ev, err := NewWebhookVerifier(testSecret).Parse(payload, sign(t, payload))

	require.NoError(t, err)
	assert.IsType(t, Unhandled{}, ev)
}

func TestParsePaymentSucceededWithoutMetadata(t *testing.T) {
	payload := eventJSON(t, "payment_intent.succeeded", map[string]any{
		"id":     "pi_9",
		"object": "payment_intent",
	})

	ev, err := NewWebhookVerifier(testSecret).Parse(payload, sign(t, payload))

	require.NoError(t, err)
	got, ok := ev.(PaymentSucceeded)
	require.True(t, ok)
	assert.Equal(t, "pi_9", got.PaymentIntentID)
	assert.False(t, got.Correlation.Complete())
}

func TestParseSessionExpired(t *testing.T) {
	payload := eventJSON(t, "checkout.session.expired", map[string]any{
		"id":       "cs_2",
		"object":   "checkout.session",
		"metadata": map[string]string{"bookingId": "b1"},
	})

	ev, err := NewWebhookVerifier(testSecret).Parse(payload, sign(t, payload))

	require.NoError(t, err)
	got, ok := ev.(SessionExpired)
	require.True(t, ok)
	assert.Equal(t, "cs_2", got.SessionID)
	assert.Equal(t, "b1", got.Correlation.BookingID)
}

func TestParseUnknownTypeIsUnhandled(t *testing.T) {
	payload := eventJSON(t, "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"})

	ev, err := NewWebhookVerifier(testSecret).Parse(payload, sign(t, payload))

	require.NoError(t, err)
	assert.Equal(t, Unhandled{ID: "evt_1", Type: "charge.refunded"}, ev)
}

func TestParseRejectsBadSignature(t *testing.T) {
	payload := eventJSON(t, "checkout.session.completed", map[string]any{"id": "cs_1", "object": "checkout.session"})

	_, err := NewWebhookVerifier("whsec_other").Parse(payload, sign(t, payload))
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = NewWebhookVerifier(testSecret).Parse(payload, "")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestParseRejectsTamperedBody(t *testing.T) {
	payload := eventJSON(t, "checkout.session.completed", map[string]any{"id": "cs_1", "object": "checkout.session"})
	header := sign(t, payload)
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] = ' '

	_, err := NewWebhookVerifier(testSecret).Parse(tampered, header)

	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestParseRejectsMalformedBody(t *testing.T) {
	payload := []byte(`{"id": "evt_1", "type": `)

	_, err := NewWebhookVerifier(testSecret).Parse(payload, sign(t, payload))

	assert.ErrorIs(t, err, ErrPayloadMalformed)
}

func TestDecodeMetadataTolerance(t *testing.T) {
	c := DecodeMetadata(map[string]string{"bookingId": "b1", "amount": "abc", "seats": "not-json"})

	assert.Equal(t, "b1", c.BookingID)
	assert.Zero(t, c.AmountCents)
	assert.Nil(t, c.Seats)
	assert.Equal(t, testCorrelation(), DecodeMetadata(EncodeMetadata(testCorrelation())))
}

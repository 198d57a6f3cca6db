package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
)

func TestDuplicateConfirmationsPayOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1", "A2")

	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))
	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))
	require.NoError(t, h.reconciler.Apply(ctx, payment.PaymentSucceeded{ID: "evt_pi", PaymentIntentID: "pi_" + b.ID, Correlation: b.Correlation()}))

	stored := h.stored(t, b.ID)
	assert.Equal(t, model.BookingPaid, stored.State)
	assert.Empty(t, stored.SessionID)
	assert.Equal(t, 1, h.pub.count(queue.KindBookingPaid))
	assert.Equal(t, "u1", h.occupancy(t, "s1")["A1"])
}

func TestPaymentAfterLinkExpiredStillPays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1")
	require.NoError(t, h.reconciler.Apply(ctx, expiredEvent(b)))

	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))

	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
	assert.Equal(t, 1, h.pub.count(queue.KindBookingPaid))
}

func TestExpiryOfReplacedSessionIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1")
	h.clock.Advance(30 * time.Minute)
	_, err := h.booking.RegeneratePayment(ctx, RegenerateInput{BookingID: b.ID, HolderID: "u1"})
	require.NoError(t, err)

	require.NoError(t, h.reconciler.Apply(ctx, payment.SessionExpired{ID: "evt_old", SessionID: "cs_1", Correlation: b.Correlation()}))

	stored := h.stored(t, b.ID)
	assert.Equal(t, model.BookingPending, stored.State)
	assert.Equal(t, "cs_2", stored.SessionID)
}

func TestExpiryAfterPaymentIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1")
	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))

	require.NoError(t, h.reconciler.Apply(ctx, expiredEvent(b)))

	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
}

func TestPaymentAfterCancellationRebuildsBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1", "A2")
	h.clock.Advance(20 * time.Minute)
	n, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Nil(t, h.stored(t, b.ID))
	require.Empty(t, h.occupancy(t, "s1"))

	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))

	stored := h.stored(t, b.ID)
	require.NotNil(t, stored)
	assert.Equal(t, model.BookingPaid, stored.State)
	assert.Equal(t, b.Seats, stored.Seats)
	assert.Equal(t, b.AmountCents, stored.AmountCents)
	assert.Equal(t, "u1", stored.HolderID)
	occ := h.occupancy(t, "s1")
	assert.Equal(t, "u1", occ["A1"])
	assert.Equal(t, "u1", occ["A2"])
	assert.Equal(t, 1, h.pub.count(queue.KindBookingPaid))

	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))
	assert.Equal(t, 1, h.pub.count(queue.KindBookingPaid))
	assert.Equal(t, 1, h.st.insertsPaid)
}

// paidInsertFails is a booking store whose rebuild path is down.
type paidInsertFails struct {
	memBookings
	err error
}

func (s paidInsertFails) InsertPaid(context.Context, *model.Booking) (bool, error) {
	return false, s.err
}

func TestFailedRebuildLeavesSeatsFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1")
	h.clock.Advance(20 * time.Minute)
	_, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)

	broken := NewReconciler(payment.NewWebhookVerifier("whsec_test"), h.gw,
		paidInsertFails{memBookings: h.bookings, err: errors.New("db down")},
		h.shows, memTx{h.st}, h.pub, testConfig(), zap.NewNop())
	broken.now = h.clock.Now

	err = broken.Apply(ctx, paidEvent(b))

	require.Error(t, err)
	assert.Nil(t, h.stored(t, b.ID))
	assert.Empty(t, h.occupancy(t, "s1"), "seat claim must roll back with the failed insert")
	assert.Zero(t, h.pub.count(queue.KindBookingPaid))

	// a later delivery still settles it
	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))
	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
	assert.Equal(t, model.Occupancy{"A1": "u1"}, h.occupancy(t, "s1"))
}

func TestRebuildRetriesOnVersionConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1", "A2")
	h.clock.Advance(20 * time.Minute)
	_, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	h.st.conflicts = 2

	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))

	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
	assert.Equal(t, model.Occupancy{"A1": "u1", "A2": "u1"}, h.occupancy(t, "s1"))
	assert.Equal(t, 1, h.st.insertsPaid)
	assert.Equal(t, 1, h.pub.count(queue.KindBookingPaid))
}

func TestRebuildKeepsSeatsOfOtherHolders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, "u1", "A1", "A2")
	h.clock.Advance(20 * time.Minute)
	_, err := h.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	h.book(t, "u2", "A2")

	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))

	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
	assert.Equal(t, model.Occupancy{"A1": "u1", "A2": "u2"}, h.occupancy(t, "s1"))
}

func TestLateBookingVisibilityIsRetried(t *testing.T) {
	h := newHarness(t)
	b := h.book(t, "u1", "A1")
	h.st.hideReads = 2

	require.NoError(t, h.reconciler.Apply(context.Background(), paidEvent(b)))

	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
	assert.Zero(t, h.st.insertsPaid, "visible booking must be updated, not rebuilt")
	assert.Equal(t, 1, h.pub.count(queue.KindBookingPaid))
}

func TestPaymentIntentResolvedThroughGateway(t *testing.T) {
	h := newHarness(t)
	b := h.book(t, "u1", "A1")
	h.gw.byIntent["pi_9"] = &payment.Session{ID: "cs_1", PaymentIntentID: "pi_9", Correlation: b.Correlation()}

	require.NoError(t, h.reconciler.Apply(context.Background(), payment.PaymentSucceeded{ID: "evt_1", PaymentIntentID: "pi_9"}))

	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
}

func TestSessionMetadataFilledFromGateway(t *testing.T) {
	h := newHarness(t)
	b := h.book(t, "u1", "A1")

	require.NoError(t, h.reconciler.Apply(context.Background(), payment.SessionCompleted{ID: "evt_1", SessionID: b.SessionID}))

	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
}

func TestUnresolvablePaymentIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	err := h.reconciler.Apply(context.Background(), payment.PaymentSucceeded{ID: "evt_1", PaymentIntentID: "pi_unknown"})

	require.NoError(t, err)
	assert.Empty(t, h.st.bookings)
	assert.Zero(t, h.pub.count(queue.KindBookingPaid))
}

func TestUnhandledEventIsIgnored(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.reconciler.Apply(context.Background(), payment.Unhandled{ID: "evt_1", Type: "charge.refunded"}))
}

func TestHandleWebhook(t *testing.T) {
	h := newHarness(t)
	b := h.book(t, "u1", "A1")
	payload, err := json.Marshal(map[string]any{
		"id":     "evt_live",
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             b.SessionID,
			"object":         "checkout.session",
			"payment_intent": "pi_1",
			"payment_status": "paid",
			"metadata":       payment.EncodeMetadata(b.Correlation()),
		}},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test", Timestamp: time.Now()})

	err = h.reconciler.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrWebhookSignatureInvalid)
	assert.Equal(t, model.BookingPending, h.stored(t, b.ID).State)

	require.NoError(t, h.reconciler.HandleWebhook(context.Background(), payload, signed.Header))
	assert.Equal(t, model.BookingPaid, h.stored(t, b.ID).State)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
	"github.com/iliyamo/cinema-seat-booking/internal/retry"
)

// WebhookParser verifies and decodes a raw webhook delivery.
type WebhookParser interface {
	Parse(payload []byte, signature string) (payment.Event, error)
}

// Reconciler folds payment provider events into booking state. The
// provider is the source of truth for money: a confirmed payment always
// ends with a PAID booking, even if the booking was cancelled meanwhile.
type Reconciler struct {
	parser   WebhookParser
	gateway  payment.Gateway
	bookings BookingStore
	shows    ShowStore
	tx       Transactor
	events   queue.Publisher
	attempts int
	backoff  time.Duration
	casRetry retry.Config
	now      func() time.Time
	log      *zap.Logger
}

func NewReconciler(
	parser WebhookParser,
	gateway payment.Gateway,
	bookings BookingStore,
	shows ShowStore,
	tx Transactor,
	events queue.Publisher,
	cfg config.BookingConfig,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		parser:   parser,
		gateway:  gateway,
		bookings: bookings,
		shows:    shows,
		tx:       tx,
		events:   events,
		attempts: cfg.WebhookLookupAttempts,
		backoff:  cfg.WebhookLookupBackoff,
		casRetry: retry.Config{
			MaxAttempts:     cfg.ReserveAttempts,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2,
			JitterFactor:    0.5,
		},
		now: time.Now,
		log: log.Named("reconciler"),
	}
}

// HandleWebhook verifies a delivery and applies it. Only verification
// failures are returned (ErrWebhookSignatureInvalid or
// ErrWebhookPayloadMalformed); processing problems are logged so the
// provider still gets its acknowledgement.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := r.parser.Parse(payload, signature)
	if err != nil {
		r.log.Warn("webhook rejected", zap.Error(err))
		if errors.Is(err, payment.ErrSignatureInvalid) {
			return fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
		}
		return fmt.Errorf("%w: %v", ErrWebhookPayloadMalformed, err)
	}
	// finish the work even if the provider hangs up
	if err := r.Apply(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Error("webhook processing failed", zap.String("event_id", ev.EventID()), zap.Error(err))
	}
	return nil
}

// Apply processes one decoded event.
func (r *Reconciler) Apply(ctx context.Context, ev payment.Event) error {
	switch e := ev.(type) {
	case payment.SessionCompleted:
		corr := r.resolve(ctx, e.Correlation, e.SessionID, e.PaymentIntentID)
		return r.settle(ctx, corr, e.ID)
	case payment.PaymentSucceeded:
		corr := r.resolve(ctx, e.Correlation, "", e.PaymentIntentID)
		return r.settle(ctx, corr, e.ID)
	case payment.SessionExpired:
		return r.expire(ctx, e)
	default:
		r.log.Debug("ignoring payment event", zap.String("event_id", ev.EventID()), zap.Any("event", ev))
		return nil
	}
}

// resolve fills in correlation metadata the event itself lacks by asking
// the gateway for the originating session.
func (r *Reconciler) resolve(ctx context.Context, c model.Correlation, sessionID, paymentIntentID string) model.Correlation {
	if c.Complete() {
		return c
	}
	var (
		s   *payment.Session
		err error
	)
	switch {
	case sessionID != "":
		s, err = r.gateway.GetSession(ctx, sessionID)
	case paymentIntentID != "":
		s, err = r.gateway.SessionByPaymentIntent(ctx, paymentIntentID)
	default:
		return c
	}
	if err != nil {
		r.log.Warn("session lookup failed", zap.String("session_id", sessionID),
			zap.String("payment_intent_id", paymentIntentID), zap.Error(err))
		return c
	}
	if s.Correlation.Complete() || c.BookingID == "" {
		return s.Correlation
	}
	return c
}

// settle marks the booking PAID. A booking that stays invisible for the
// whole lookup budget is rebuilt from the correlation metadata.
func (r *Reconciler) settle(ctx context.Context, c model.Correlation, eventID string) error {
	log := r.log.With(zap.String("booking_id", c.BookingID), zap.String("event_id", eventID))
	if c.BookingID == "" {
		log.Error("confirmed payment carries no booking reference")
		return nil
	}

	for attempt := 1; attempt <= r.attempts; attempt++ {
		cur, err := r.bookings.GetByID(ctx, c.BookingID)
		if err != nil && !errors.Is(err, repository.ErrBookingNotFound) {
			return fmt.Errorf("service.Reconciler.settle: %w", err)
		}
		_, outcome := model.ApplyPayment(cur, c, r.now())
		switch outcome {
		case model.OutcomeAlreadyPaid:
			log.Debug("duplicate payment confirmation")
			return nil
		case model.OutcomeMarkPaid:
			changed, err := r.bookings.MarkPaid(ctx, c.BookingID)
			if err != nil {
				return fmt.Errorf("service.Reconciler.settle: %w", err)
			}
			if changed {
				log.Info("booking paid")
				r.emitPaid(ctx, c.BookingID, log)
				return nil
			}
			// lost a race with another writer; re-read
			continue
		}
		log.Debug("booking not visible", zap.Int("attempt", attempt), zap.Error(ErrBookingNotFoundTransient))
		if attempt < r.attempts {
			if err := retry.Sleep(ctx, r.backoff); err != nil {
				return err
			}
		}
	}
	return r.recreate(ctx, c, log)
}

// errAlreadySettled rolls back a rebuild that found the booking already
// paid by someone else.
var errAlreadySettled = errors.New("booking already settled")

// recreate inserts a PAID booking from metadata and takes back whichever
// of its seats are still free. The seat claim and the booking write commit
// together; a version conflict retries the whole transaction.
func (r *Reconciler) recreate(ctx context.Context, c model.Correlation, log *zap.Logger) error {
	const op = "service.Reconciler.recreate"

	next, outcome := model.ApplyPayment(nil, c, r.now())
	if outcome != model.OutcomeRecreatePaid {
		log.Error("paid booking is gone and cannot be rebuilt from metadata")
		return nil
	}

	var (
		contested   []string
		showMissing bool
		inserted    bool
	)
	err := retry.Do(ctx, r.casRetry, func(int) error {
		return r.tx.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			contested, showMissing, err = r.claimSeats(ctx, next)
			if err != nil {
				return err
			}

			inserted, err = r.bookings.InsertPaid(ctx, next)
			if err != nil {
				return retry.Permanent(err)
			}
			if inserted {
				return nil
			}
			// the original row became visible after all
			changed, err := r.bookings.MarkPaid(ctx, next.ID)
			if err != nil {
				return retry.Permanent(err)
			}
			if !changed {
				return retry.Permanent(errAlreadySettled)
			}
			return nil
		})
	})
	if errors.Is(err, errAlreadySettled) {
		log.Debug("duplicate payment confirmation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case showMissing:
		log.Error("paid booking references a missing show", zap.String("show_id", next.ShowID))
	case len(contested) > 0:
		log.Error("paid seats were re-reserved by another holder, manual resolution required",
			zap.String("show_id", next.ShowID), zap.Strings("seats", contested))
	}
	log.Info("booking rebuilt as paid", zap.Bool("inserted", inserted))
	r.emitPaid(ctx, next.ID, log)
	return nil
}

// claimSeats occupies the booking's seats that are free or already held by
// its holder. Seats held by somebody else are returned, never taken.
func (r *Reconciler) claimSeats(ctx context.Context, b *model.Booking) (contested []string, showMissing bool, err error) {
	show, err := r.shows.GetByID(ctx, b.ShowID)
	if errors.Is(err, repository.ErrShowNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, retry.Permanent(err)
	}
	next := show.Occupancy.Clone()
	contested, changed := next.Claim(b.Seats, b.HolderID)
	if !changed {
		return contested, false, nil
	}
	if err := r.shows.UpdateOccupancy(ctx, show.ID, show.Version, next); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, false, err
		}
		return nil, false, retry.Permanent(err)
	}
	return contested, false, nil
}

func (r *Reconciler) expire(ctx context.Context, e payment.SessionExpired) error {
	id := e.Correlation.BookingID
	if id == "" {
		return nil
	}
	cur, err := r.bookings.GetByID(ctx, id)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("service.Reconciler.expire: %w", err)
	}
	if !model.ApplySessionExpired(cur, e.SessionID) {
		return nil
	}
	if _, err := r.bookings.MarkLinkExpired(ctx, id, e.SessionID); err != nil {
		return fmt.Errorf("service.Reconciler.expire: %w", err)
	}
	r.log.Info("payment link expired", zap.String("booking_id", id), zap.String("session_id", e.SessionID))
	return nil
}

func (r *Reconciler) emitPaid(ctx context.Context, bookingID string, log *zap.Logger) {
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, Multiplier: 2}, func(int) error {
		return r.events.Publish(ctx, queue.BookingPaid(bookingID))
	})
	if err != nil {
		log.Error("publish booking.paid failed", zap.Error(err))
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
	"github.com/iliyamo/cinema-seat-booking/internal/retry"
)

// FireResult says what a cancellation task did.
type FireResult int

const (
	// FireCancelled: the unpaid booking was deleted and its seats freed.
	FireCancelled FireResult = iota
	// FireStale: the booking was already paid or gone; nothing changed.
	FireStale
)

func (r FireResult) String() string {
	if r == FireCancelled {
		return "cancelled"
	}
	return "stale"
}

// CancellationScheduler cancels bookings that are still unpaid a fixed
// delay after creation. Tasks live in the database, so they survive
// restarts, and are polled by Run.
type CancellationScheduler struct {
	tasks    TaskStore
	bookings BookingStore
	shows    ShowStore
	tx       Transactor
	cfg      config.BookingConfig
	casRetry retry.Config
	now      func() time.Time
	log      *zap.Logger
}

func NewCancellationScheduler(tasks TaskStore, bookings BookingStore, shows ShowStore, tx Transactor, cfg config.BookingConfig, log *zap.Logger) *CancellationScheduler {
	return &CancellationScheduler{
		tasks:    tasks,
		bookings: bookings,
		shows:    shows,
		tx:       tx,
		cfg:      cfg,
		casRetry: retry.Config{
			MaxAttempts:     cfg.ReserveAttempts,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2,
			JitterFactor:    0.5,
		},
		now: time.Now,
		log: log.Named("cancellation-scheduler"),
	}
}

// Arm schedules the booking's cancellation CancelAfter past createdAt.
// Arming twice keeps the first due time.
func (s *CancellationScheduler) Arm(ctx context.Context, bookingID string, createdAt time.Time) error {
	if err := s.tasks.Arm(ctx, bookingID, createdAt.Add(s.cfg.CancelAfter)); err != nil {
		return fmt.Errorf("service.CancellationScheduler.Arm: %w", err)
	}
	return nil
}

// Disarm drops a booking's task.
func (s *CancellationScheduler) Disarm(ctx context.Context, bookingID string) error {
	if err := s.tasks.Complete(ctx, bookingID); err != nil {
		return fmt.Errorf("service.CancellationScheduler.Disarm: %w", err)
	}
	return nil
}

// HandleBookingCreated is the booking.created consumer. The task is normally
// armed in the booking's own transaction; this makes sure of it.
func (s *CancellationScheduler) HandleBookingCreated(ctx context.Context, ev queue.Event) error {
	b, err := s.bookings.GetByID(ctx, ev.BookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !b.Unpaid() {
		return nil
	}
	return s.Arm(ctx, b.ID, b.CreatedAt)
}

// Run polls for due tasks every SchedulerPollInterval until ctx is done.
func (s *CancellationScheduler) Run(ctx context.Context) error {
	s.log.Info("cancellation scheduler started",
		zap.Duration("cancel_after", s.cfg.CancelAfter),
		zap.Duration("poll_interval", s.cfg.SchedulerPollInterval))
	pollTasks(ctx, s.cfg.SchedulerPollInterval, s.RunOnce, s.log)
	s.log.Info("cancellation scheduler stopped")
	return nil
}

// pollTasks calls runOnce right away and then every interval until ctx is
// done. Errors are logged; the loop never exits early.
func pollTasks(ctx context.Context, interval time.Duration, runOnce func(context.Context) (int, error), log *zap.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("claim due tasks failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due tasks and fires them concurrently. It
// returns the number of tasks claimed.
func (s *CancellationScheduler) RunOnce(ctx context.Context) (int, error) {
	tasks, err := s.tasks.ClaimDue(ctx, s.now().UTC(), s.cfg.SchedulerBatchSize, s.cfg.SchedulerLease)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.SchedulerConcurrency)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			s.fireTask(ctx, t.BookingID, t.Attempts)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

func (s *CancellationScheduler) fireTask(ctx context.Context, bookingID string, attempts int) {
	log := s.log.With(zap.String("booking_id", bookingID), zap.Int("attempt", attempts))
	defer func() {
		if p := recover(); p != nil {
			log.Error("cancellation task panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	res, err := s.Fire(ctx, bookingID)
	switch {
	case err != nil && attempts >= s.cfg.SchedulerAlertAttempts:
		log.Error("cancellation keeps failing", zap.Error(err))
	case err != nil:
		log.Warn("cancellation failed, will retry after lease", zap.Error(err))
	case res == FireStale:
		log.Debug("stale cancellation", zap.Error(ErrStaleCancellation))
	default:
		log.Info("unpaid booking cancelled")
	}
}

// Fire cancels the booking if it is still unpaid: the booking row is
// deleted, the seats still held by its holder are freed and the task is
// completed, all in one transaction. A booking that was paid or removed
// makes the task a no-op.
func (s *CancellationScheduler) Fire(ctx context.Context, bookingID string) (FireResult, error) {
	const op = "service.CancellationScheduler.Fire"

	b, err := s.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return FireStale, s.Disarm(ctx, bookingID)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if !b.Unpaid() {
		return FireStale, s.Disarm(ctx, bookingID)
	}

	err = retry.Do(ctx, s.casRetry, func(int) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			deleted, err := s.bookings.DeleteUnpaid(ctx, b.ID)
			if err != nil {
				return retry.Permanent(err)
			}
			if !deleted {
				// paid by the webhook between the read and the delete
				return retry.Permanent(ErrStaleCancellation)
			}

			show, err := s.shows.GetByID(ctx, b.ShowID)
			switch {
			case errors.Is(err, repository.ErrShowNotFound):
			case err != nil:
				return retry.Permanent(err)
			default:
				next := show.Occupancy.Clone()
				if released := next.ReleaseHeldBy(b.Seats, b.HolderID); len(released) > 0 {
					if err := s.shows.UpdateOccupancy(ctx, show.ID, show.Version, next); err != nil {
						if errors.Is(err, repository.ErrVersionConflict) {
							return err
						}
						return retry.Permanent(err)
					}
				}
			}

			if err := s.tasks.Complete(ctx, b.ID); err != nil {
				return retry.Permanent(err)
			}
			return nil
		})
	})
	if errors.Is(err, ErrStaleCancellation) {
		return FireStale, s.Disarm(ctx, bookingID)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return FireCancelled, nil
}

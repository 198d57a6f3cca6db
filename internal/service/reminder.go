package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// ReminderScheduler reminds holders of paid bookings ReminderLead before
// their show. Reminders are durable tasks armed when a booking is paid;
// a due reminder is published as booking.reminder for the notifier.
type ReminderScheduler struct {
	tasks    TaskStore
	bookings BookingStore
	shows    ShowStore
	events   queue.Publisher
	cfg      config.BookingConfig
	now      func() time.Time
	log      *zap.Logger
}

func NewReminderScheduler(tasks TaskStore, bookings BookingStore, shows ShowStore, events queue.Publisher, cfg config.BookingConfig, log *zap.Logger) *ReminderScheduler {
	return &ReminderScheduler{
		tasks:    tasks,
		bookings: bookings,
		shows:    shows,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
		log:      log.Named("reminder-scheduler"),
	}
}

// HandleBookingPaid is the booking.paid consumer. It arms the booking's
// reminder; when the reminder time has already passed the task is due at
// once. Shows that have started get no reminder.
func (s *ReminderScheduler) HandleBookingPaid(ctx context.Context, ev queue.Event) error {
	const op = "service.ReminderScheduler.HandleBookingPaid"

	b, show, err := s.load(ctx, ev.BookingID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	now := s.now().UTC()
	if b == nil || show == nil || show.Started(now) {
		return nil
	}

	due := show.StartsAt.Add(-s.cfg.ReminderLead)
	if due.Before(now) {
		due = now
	}
	if err := s.tasks.Arm(ctx, b.ID, due); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log.Debug("reminder armed", zap.String("booking_id", b.ID), zap.Time("due_at", due))
	return nil
}

// Run polls for due reminders every SchedulerPollInterval until ctx is done.
func (s *ReminderScheduler) Run(ctx context.Context) error {
	s.log.Info("reminder scheduler started", zap.Duration("lead", s.cfg.ReminderLead))
	pollTasks(ctx, s.cfg.SchedulerPollInterval, s.RunOnce, s.log)
	s.log.Info("reminder scheduler stopped")
	return nil
}

// RunOnce claims one batch of due reminders and fires them.
func (s *ReminderScheduler) RunOnce(ctx context.Context) (int, error) {
	tasks, err := s.tasks.ClaimDue(ctx, s.now().UTC(), s.cfg.SchedulerBatchSize, s.cfg.SchedulerLease)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.SchedulerConcurrency)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			log := s.log.With(zap.String("booking_id", t.BookingID), zap.Int("attempt", t.Attempts))
			sent, err := s.Fire(ctx, t.BookingID)
			switch {
			case err != nil && t.Attempts >= s.cfg.SchedulerAlertAttempts:
				log.Error("reminder keeps failing", zap.Error(err))
			case err != nil:
				log.Warn("reminder failed, will retry after lease", zap.Error(err))
			case sent:
				log.Info("reminder sent")
			default:
				log.Debug("reminder dropped")
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

// Fire publishes the reminder if the booking is still paid and its show
// has not started, then completes the task. A failed publish leaves the
// task to fire again after its lease.
func (s *ReminderScheduler) Fire(ctx context.Context, bookingID string) (bool, error) {
	const op = "service.ReminderScheduler.Fire"

	b, show, err := s.load(ctx, bookingID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	send := b != nil && show != nil && !show.Started(s.now().UTC())
	if send {
		if err := s.events.Publish(ctx, queue.BookingReminder(bookingID)); err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := s.tasks.Complete(ctx, bookingID); err != nil {
		return send, fmt.Errorf("%s: %w", op, err)
	}
	return send, nil
}

// load returns the booking and its show, or nils when the booking is gone,
// unpaid or points at a missing show.
func (s *ReminderScheduler) load(ctx context.Context, bookingID string) (*model.Booking, *model.Show, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if b.State != model.BookingPaid {
		return nil, nil, nil
	}
	show, err := s.shows.GetByID(ctx, b.ShowID)
	if errors.Is(err, repository.ErrShowNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return b, show, nil
}

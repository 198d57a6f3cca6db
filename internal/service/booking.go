package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// CreateBookingInput is what a holder submits to book seats.
type CreateBookingInput struct {
	HolderID   string
	ShowID     string
	Seats      []string
	SuccessURL string
	CancelURL  string
}

// RegenerateInput asks for a fresh checkout session.
type RegenerateInput struct {
	BookingID  string
	HolderID   string
	SuccessURL string
	CancelURL  string
}

// CreateShowInput schedules a new show.
type CreateShowInput struct {
	MovieID    string
	Title      string
	StartsAt   time.Time
	PriceCents int64
}

// BookingService drives a booking from seat reservation to a payable
// checkout session.
type BookingService struct {
	reservations *ReservationService
	scheduler    *CancellationScheduler
	shows        ShowStore
	bookings     BookingStore
	tx           Transactor
	gateway      payment.Gateway
	events       queue.Publisher
	cfg          config.BookingConfig
	now          func() time.Time
	log          *zap.Logger
}

func NewBookingService(
	reservations *ReservationService,
	scheduler *CancellationScheduler,
	shows ShowStore,
	bookings BookingStore,
	tx Transactor,
	gateway payment.Gateway,
	events queue.Publisher,
	cfg config.BookingConfig,
	log *zap.Logger,
) *BookingService {
	return &BookingService{
		reservations: reservations,
		scheduler:    scheduler,
		shows:        shows,
		bookings:     bookings,
		tx:           tx,
		gateway:      gateway,
		events:       events,
		cfg:          cfg,
		now:          time.Now,
		log:          log.Named("booking"),
	}
}

// Create reserves the seats, records a PENDING booking together with its
// cancellation task and opens a checkout session. If any step after the
// reservation fails the seats are released again.
func (s *BookingService) Create(ctx context.Context, in CreateBookingInput) (*model.Booking, error) {
	const op = "service.BookingService.Create"

	draft, err := s.reservations.Reserve(ctx, in.ShowID, in.Seats, in.HolderID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &model.Booking{
		ID:          uuid.NewString(),
		HolderID:    in.HolderID,
		ShowID:      in.ShowID,
		Seats:       draft.Seats,
		AmountCents: draft.AmountCents,
		State:       model.BookingPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	log := s.log.With(zap.String("booking_id", b.ID), zap.String("show_id", b.ShowID))

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.bookings.Create(ctx, b); err != nil {
			return err
		}
		return s.scheduler.Arm(ctx, b.ID, b.CreatedAt)
	})
	if err != nil {
		s.releaseSeats(ctx, b, log)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	handle, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		Booking:    b,
		Title:      draft.Show.Title,
		SuccessURL: in.SuccessURL,
		CancelURL:  in.CancelURL,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
	})
	if err != nil {
		log.Error("checkout session creation failed, rolling back booking", zap.Error(err))
		s.discard(ctx, b, log)
		return nil, &PaymentSessionError{Err: err}
	}

	attached, err := s.bookings.SetSession(ctx, b.ID, handle.ID, handle.URL, handle.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !attached {
		log.Warn("booking changed state before its session was attached", zap.String("session_id", handle.ID))
	}
	b.SessionID, b.SessionURL, b.SessionExpiresAt = handle.ID, handle.URL, handle.ExpiresAt

	if err := s.events.Publish(ctx, queue.BookingCreated(b.ID)); err != nil {
		// the cancellation task is already armed in the booking's transaction
		log.Warn("publish booking.created failed", zap.Error(err))
	}
	log.Info("booking created", zap.Strings("seats", b.Seats), zap.Int64("amount_cents", b.AmountCents))
	return b, nil
}

// discard undoes a booking whose checkout session could not be opened.
func (s *BookingService) discard(ctx context.Context, b *model.Booking, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.bookings.DeleteUnpaid(ctx, b.ID); err != nil {
			return err
		}
		return s.scheduler.Disarm(ctx, b.ID)
	})
	if err != nil {
		// the armed task still cancels the booking when it fires
		log.Error("discard booking failed", zap.Error(err))
		return
	}
	s.releaseSeats(ctx, b, log)
}

func (s *BookingService) releaseSeats(ctx context.Context, b *model.Booking, log *zap.Logger) {
	if _, err := s.reservations.Release(context.WithoutCancel(ctx), b.ShowID, b.Seats, b.HolderID); err != nil {
		log.Error("release seats failed", zap.Strings("seats", b.Seats), zap.Error(err))
	}
}

// RegeneratePayment replaces an expired checkout session of an unpaid
// booking with a new one. Only the booking's holder may ask.
func (s *BookingService) RegeneratePayment(ctx context.Context, in RegenerateInput) (*model.Booking, error) {
	const op = "service.BookingService.RegeneratePayment"

	b, err := s.bookings.GetByID(ctx, in.BookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if b.HolderID != in.HolderID {
		return nil, ErrForbidden
	}
	if b.State == model.BookingPaid {
		return nil, ErrAlreadyPaid
	}
	if !b.Unpaid() {
		return nil, ErrBookingNotFound
	}
	now := s.now().UTC()
	if !b.SessionExpired(now) {
		return nil, &PaymentLinkActiveError{ExpiresAt: b.SessionExpiresAt}
	}

	title := "Movie ticket"
	if show, err := s.shows.GetByID(ctx, b.ShowID); err == nil {
		title = show.Title
	}
	handle, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		Booking:    b,
		Title:      title,
		SuccessURL: in.SuccessURL,
		CancelURL:  in.CancelURL,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
	})
	if err != nil {
		return nil, &PaymentSessionError{Err: err}
	}

	attached, err := s.bookings.SetSession(ctx, b.ID, handle.ID, handle.URL, handle.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !attached {
		// paid or cancelled while the session was being created
		if cur, err := s.bookings.GetByID(ctx, b.ID); err == nil && cur.State == model.BookingPaid {
			return nil, ErrAlreadyPaid
		}
		return nil, ErrBookingNotFound
	}

	b.State = model.BookingPending
	b.SessionID, b.SessionURL, b.SessionExpiresAt = handle.ID, handle.URL, handle.ExpiresAt
	s.log.Info("payment link regenerated", zap.String("booking_id", b.ID), zap.String("session_id", handle.ID))
	return b, nil
}

// ListForHolder returns the holder's bookings, newest first.
func (s *BookingService) ListForHolder(ctx context.Context, holderID string) ([]model.Booking, error) {
	out, err := s.bookings.ListByHolder(ctx, holderID)
	if err != nil {
		return nil, fmt.Errorf("service.BookingService.ListForHolder: %w", err)
	}
	return out, nil
}

// OccupiedSeats lists the taken seats of a show.
func (s *BookingService) OccupiedSeats(ctx context.Context, showID string) ([]string, error) {
	return s.reservations.OccupiedSeats(ctx, showID)
}

// ReleaseSeats lets an operator free seats a holder still occupies.
func (s *BookingService) ReleaseSeats(ctx context.Context, showID, holderID string, seats []string) ([]string, error) {
	if holderID == "" {
		return nil, fmt.Errorf("%w: holder is required", ErrInvalidInput)
	}
	if err := validateSeats(seats); err != nil {
		return nil, err
	}
	released, err := s.reservations.Release(ctx, showID, seats, holderID)
	if err != nil {
		return nil, err
	}
	s.log.Info("seats released by operator", zap.String("show_id", showID), zap.String("holder_id", holderID), zap.Strings("seats", released))
	return released, nil
}

// ListUpcomingShows returns one page of shows that have not started. The
// page size defaults to 50 and is capped at 100.
func (s *BookingService) ListUpcomingShows(ctx context.Context, q model.ShowQuery) ([]model.Show, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Title = strings.TrimSpace(q.Title)
	shows, err := s.shows.ListUpcoming(ctx, s.now().UTC(), q)
	if err != nil {
		return nil, fmt.Errorf("service.BookingService.ListUpcomingShows: %w", err)
	}
	return shows, nil
}

// GetShow returns one show.
func (s *BookingService) GetShow(ctx context.Context, id string) (*model.Show, error) {
	show, err := s.shows.GetByID(ctx, id)
	if errors.Is(err, repository.ErrShowNotFound) {
		return nil, ErrShowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("service.BookingService.GetShow: %w", err)
	}
	return show, nil
}

// CreateShow schedules a show with no seats taken and announces it.
func (s *BookingService) CreateShow(ctx context.Context, in CreateShowInput) (*model.Show, error) {
	const op = "service.BookingService.CreateShow"

	in.MovieID = strings.TrimSpace(in.MovieID)
	in.Title = strings.TrimSpace(in.Title)
	now := s.now().UTC()
	switch {
	case in.MovieID == "":
		return nil, fmt.Errorf("%w: movie_id is required", ErrInvalidInput)
	case in.Title == "":
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	case in.PriceCents <= 0:
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	case !in.StartsAt.After(now):
		return nil, fmt.Errorf("%w: show must start in the future", ErrInvalidInput)
	}

	show := &model.Show{
		ID:         uuid.NewString(),
		MovieID:    in.MovieID,
		Title:      in.Title,
		StartsAt:   in.StartsAt.UTC(),
		PriceCents: in.PriceCents,
		Occupancy:  model.Occupancy{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.shows.Create(ctx, show); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.events.Publish(ctx, queue.ShowCreated(show.ID)); err != nil {
		s.log.Warn("publish show.created failed", zap.String("show_id", show.ID), zap.Error(err))
	}
	return show, nil
}

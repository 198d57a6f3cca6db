package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
	"github.com/iliyamo/cinema-seat-booking/internal/retry"
)

var errContended = errors.New("occupancy write contended")

// ReservationService owns every change to a show's occupancy. Each change
// reads the show, edits a copy of the map and writes it back only if the
// version is unchanged; a lost race re-reads and tries again.
type ReservationService struct {
	shows ShowStore
	retry retry.Config
	now   func() time.Time
	log   *zap.Logger
}

func NewReservationService(shows ShowStore, attempts int, log *zap.Logger) *ReservationService {
	return &ReservationService{
		shows: shows,
		retry: retry.Config{
			MaxAttempts:     attempts,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2,
			JitterFactor:    0.5,
		},
		now: time.Now,
		log: log.Named("reservation"),
	}
}

// Reserve occupies seats on the show for holder. It fails with a
// *SeatConflictError listing the seats somebody already holds; nothing is
// written in that case.
func (s *ReservationService) Reserve(ctx context.Context, showID string, seats []string, holder string) (*model.BookingDraft, error) {
	const op = "service.ReservationService.Reserve"

	if err := validateSeats(seats); err != nil {
		return nil, err
	}
	if holder == "" {
		return nil, fmt.Errorf("%w: holder is required", ErrInvalidInput)
	}

	show, err := s.mutate(ctx, showID, func(show *model.Show, next model.Occupancy) (bool, error) {
		if show.Started(s.now()) {
			return false, ErrShowStarted
		}
		if taken := next.Taken(seats); len(taken) > 0 {
			return false, &SeatConflictError{Seats: taken}
		}
		next.Hold(seats, holder)
		return true, nil
	})
	if errors.Is(err, errContended) {
		s.log.Warn("reservation gave up under contention", zap.String("show_id", showID), zap.Strings("seats", seats))
		return nil, &SeatConflictError{Seats: seats, Contended: true}
	}
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &model.BookingDraft{
		Show:        show,
		HolderID:    holder,
		Seats:       append([]string(nil), seats...),
		AmountCents: int64(len(seats)) * show.PriceCents,
	}, nil
}

// Release frees the listed seats still held by holder and returns them.
// Seats held by anyone else are left alone.
func (s *ReservationService) Release(ctx context.Context, showID string, seats []string, holder string) ([]string, error) {
	const op = "service.ReservationService.Release"

	var released []string
	_, err := s.mutate(ctx, showID, func(_ *model.Show, next model.Occupancy) (bool, error) {
		released = next.ReleaseHeldBy(seats, holder)
		return len(released) > 0, nil
	})
	if err != nil {
		if errors.Is(err, ErrShowNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return released, nil
}

// OccupiedSeats lists the taken seat ids of the show.
func (s *ReservationService) OccupiedSeats(ctx context.Context, showID string) ([]string, error) {
	show, err := s.shows.GetByID(ctx, showID)
	if errors.Is(err, repository.ErrShowNotFound) {
		return nil, ErrShowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("service.ReservationService.OccupiedSeats: %w", err)
	}
	return show.Occupancy.Seats(), nil
}

// mutate runs one compare-and-swap cycle per attempt. apply edits next (a
// copy of the current occupancy) and reports whether a write is needed.
func (s *ReservationService) mutate(ctx context.Context, showID string, apply func(show *model.Show, next model.Occupancy) (bool, error)) (*model.Show, error) {
	var result *model.Show
	err := retry.Do(ctx, s.retry, func(attempt int) error {
		show, err := s.shows.GetByID(ctx, showID)
		if errors.Is(err, repository.ErrShowNotFound) {
			return retry.Permanent(ErrShowNotFound)
		}
		if err != nil {
			return retry.Permanent(err)
		}
		next := show.Occupancy.Clone()
		write, err := apply(show, next)
		if err != nil {
			return retry.Permanent(err)
		}
		if write {
			if err := s.shows.UpdateOccupancy(ctx, showID, show.Version, next); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					s.log.Debug("occupancy version conflict", zap.String("show_id", showID), zap.Int("attempt", attempt))
					return err
				}
				return retry.Permanent(err)
			}
			show.Occupancy = next
			show.Version++
		}
		result = show
		return nil
	})
	if errors.Is(err, retry.ErrMaxRetriesExceeded) {
		return nil, errContended
	}
	return result, err
}

func validateSeats(seats []string) error {
	if len(seats) == 0 {
		return fmt.Errorf("%w: at least one seat is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(seats))
	for _, seat := range seats {
		if strings.TrimSpace(seat) == "" {
			return fmt.Errorf("%w: empty seat id", ErrInvalidInput)
		}
		if _, dup := seen[seat]; dup {
			return fmt.Errorf("%w: seat %s requested twice", ErrInvalidInput, seat)
		}
		seen[seat] = struct{}{}
	}
	return nil
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrSeatConflict) ||
		errors.Is(err, ErrShowNotFound) ||
		errors.Is(err, ErrShowStarted) ||
		errors.Is(err, ErrInvalidInput)
}

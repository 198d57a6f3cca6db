// Package service implements the booking engine: seat reservation with
// optimistic concurrency, checkout session lifecycle, webhook
// reconciliation, durable cancellation and downstream notifications.
package service

import (
	"context"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// ShowStore persists shows. UpdateOccupancy is a compare-and-swap on the
// version and returns repository.ErrVersionConflict when it loses.
type ShowStore interface {
	Create(ctx context.Context, s *model.Show) error
	GetByID(ctx context.Context, id string) (*model.Show, error)
	UpdateOccupancy(ctx context.Context, showID string, expectVersion uint64, occ model.Occupancy) error
	ListUpcoming(ctx context.Context, now time.Time, q model.ShowQuery) ([]model.Show, error)
}

// BookingStore persists bookings. The bool results report whether the
// conditional write matched a row.
type BookingStore interface {
	Create(ctx context.Context, b *model.Booking) error
	InsertPaid(ctx context.Context, b *model.Booking) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Booking, error)
	ListByHolder(ctx context.Context, holderID string) ([]model.Booking, error)
	SetSession(ctx context.Context, id, sessionID, url string, expiresAt time.Time) (bool, error)
	MarkPaid(ctx context.Context, id string) (bool, error)
	MarkLinkExpired(ctx context.Context, id, sessionID string) (bool, error)
	DeleteUnpaid(ctx context.Context, id string) (bool, error)
}

// TaskStore persists one kind of durable task, one per booking.
type TaskStore interface {
	Arm(ctx context.Context, bookingID string, dueAt time.Time) error
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Task, error)
	Complete(ctx context.Context, bookingID string) error
}

// Transactor runs fn atomically; stores called with the ctx passed to fn
// take part in the transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

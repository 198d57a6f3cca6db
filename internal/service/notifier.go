package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// Notifier consumes booking.paid, booking.reminder and show.created and
// appends one human-friendly line per event to a log file that the mailer
// picks up.
type Notifier struct {
	bookings BookingStore
	shows    ShowStore
	path     string
	mu       sync.Mutex
	now      func() time.Time
	log      *zap.Logger
}

func NewNotifier(bookings BookingStore, shows ShowStore, path string, log *zap.Logger) *Notifier {
	return &Notifier{bookings: bookings, shows: shows, path: path, now: time.Now, log: log.Named("notifier")}
}

// Handle is the event bus handler.
func (n *Notifier) Handle(ctx context.Context, ev queue.Event) error {
	switch ev.Kind {
	case queue.KindBookingPaid:
		return n.paidBooking(ctx, ev.BookingID, "Booking confirmed")
	case queue.KindBookingReminder:
		return n.paidBooking(ctx, ev.BookingID, "Show reminder")
	case queue.KindShowCreated:
		return n.showCreated(ctx, ev.ShowID)
	}
	return nil
}

func (n *Notifier) paidBooking(ctx context.Context, bookingID, subject string) error {
	b, err := n.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		n.log.Warn("paid booking vanished before notification", zap.String("booking_id", bookingID), zap.String("subject", subject))
		return nil
	}
	if err != nil {
		return err
	}
	if b.State != model.BookingPaid {
		return nil
	}
	var movieID, title, startsAt string
	if show, err := n.shows.GetByID(ctx, b.ShowID); err == nil {
		movieID, title, startsAt = show.MovieID, show.Title, show.StartsAt.UTC().Format(time.RFC3339)
	}

	line := fmt.Sprintf("[%s] %s | booking_id=%s | holder_id=%s | show_id=%s | movie_id=%s | movie=%q | starts_at=%s | total=%d cents | seats=[%s]\n",
		n.now().UTC().Format(time.RFC3339), subject, b.ID, b.HolderID, b.ShowID, movieID, title, startsAt, b.AmountCents, strings.Join(b.Seats, ","))
	return n.appendLine(line)
}

func (n *Notifier) showCreated(ctx context.Context, showID string) error {
	show, err := n.shows.GetByID(ctx, showID)
	if errors.Is(err, repository.ErrShowNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	line := fmt.Sprintf("[%s] New show | show_id=%s | movie_id=%s | movie=%q | starts_at=%s | price=%d cents\n",
		n.now().UTC().Format(time.RFC3339), show.ID, show.MovieID, show.Title, show.StartsAt.UTC().Format(time.RFC3339), show.PriceCents)
	return n.appendLine(line)
}

func (n *Notifier) appendLine(line string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(n.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

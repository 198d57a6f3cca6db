package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/queue"
)

func newTestNotifier(t *testing.T, h *harness) (*Notifier, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "notifications.log")
	n := NewNotifier(h.bookings, h.shows, path, zap.NewNop())
	n.now = h.clock.Now
	return n, path
}

func TestNotifierWritesBookingConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, path := newTestNotifier(t, h)
	b := h.book(t, "u1", "A1", "A2")
	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))

	require.NoError(t, n.Handle(ctx, queue.BookingPaid(b.ID)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(raw)
	assert.True(t, strings.HasPrefix(line, "["+t0.Format(time.RFC3339)+"] Booking confirmed"))
	assert.Contains(t, line, "booking_id="+b.ID)
	assert.Contains(t, line, "movie_id=tt1160419")
	assert.Contains(t, line, `movie="Dune"`)
	assert.Contains(t, line, "total=2400 cents")
	assert.Contains(t, line, "seats=[A1,A2]")
}

func TestNotifierSkipsUnpaidAndMissingBookings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, path := newTestNotifier(t, h)
	b := h.book(t, "u1", "A1")

	require.NoError(t, n.Handle(ctx, queue.BookingPaid(b.ID)))
	require.NoError(t, n.Handle(ctx, queue.BookingPaid("gone")))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNotifierAppendsShowAnnouncements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, path := newTestNotifier(t, h)

	require.NoError(t, n.Handle(ctx, queue.ShowCreated("s1")))
	require.NoError(t, n.Handle(ctx, queue.ShowCreated("s1")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "New show | show_id=s1")
	assert.Contains(t, lines[0], "movie_id=tt1160419")
	assert.Contains(t, lines[0], "price=1200 cents")
}

func TestNotifierWritesShowReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, path := newTestNotifier(t, h)
	b := h.book(t, "u1", "B4")
	require.NoError(t, h.reconciler.Apply(ctx, paidEvent(b)))

	require.NoError(t, n.Handle(ctx, queue.BookingReminder(b.ID)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(raw)
	assert.Contains(t, line, "] Show reminder | booking_id="+b.ID)
	assert.Contains(t, line, "starts_at="+t0.Add(24*time.Hour).Format(time.RFC3339))
	assert.Contains(t, line, "seats=[B4]")
}

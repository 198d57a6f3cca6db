package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// BookingRepo stores bookings. Every state change is a conditional UPDATE
// keyed on the current state, so concurrent writers (webhook, scheduler,
// regeneration) never overwrite each other's decisions.
type BookingRepo struct {
	db *sql.DB
}

func NewBookingRepo(db *sql.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

const bookingColumns = `id, holder_id, show_id, seats, amount_cents, state,
	session_id, session_url, session_expires_at, created_at, updated_at`

// Create inserts a new booking in the state it carries (normally PENDING).
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
	const op = "repository.BookingRepo.Create"

	if _, err := r.exec(ctx, b, `INSERT INTO bookings`, ``); err != nil {
		return fmt.Errorf("%s: %w", op, mapDuplicate(err))
	}
	return nil
}

// InsertPaid inserts b unless a row with its id already exists. It reports
// whether the row was inserted.
func (r *BookingRepo) InsertPaid(ctx context.Context, b *model.Booking) (bool, error) {
	const op = "repository.BookingRepo.InsertPaid"

	b.State = model.BookingPaid
	res, err := r.exec(ctx, b, `INSERT INTO bookings`, ` ON DUPLICATE KEY UPDATE id = id`)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

func (r *BookingRepo) exec(ctx context.Context, b *model.Booking, prefix, suffix string) (sql.Result, error) {
	seats, err := json.Marshal(b.Seats)
	if err != nil {
		return nil, err
	}
	return conn(ctx, r.db).ExecContext(ctx,
		prefix+` (id, holder_id, show_id, seats, amount_cents, state,
			session_id, session_url, session_expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+suffix,
		b.ID, b.HolderID, b.ShowID, seats, b.AmountCents, string(b.State),
		nullString(b.SessionID), nullString(b.SessionURL), nullTime(b.SessionExpiresAt),
		b.CreatedAt.UTC(), b.UpdatedAt.UTC())
}

// GetByID returns ErrBookingNotFound when the booking does not exist.
func (r *BookingRepo) GetByID(ctx context.Context, id string) (*model.Booking, error) {
	const op = "repository.BookingRepo.GetByID"

	row := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// ListByHolder returns the holder's bookings, newest first.
func (r *BookingRepo) ListByHolder(ctx context.Context, holderID string) ([]model.Booking, error) {
	const op = "repository.BookingRepo.ListByHolder"

	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE holder_id = ? ORDER BY created_at DESC`, holderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// SetSession attaches a checkout session to an unpaid booking and puts it
// back to PENDING. It reports false when the booking is gone or paid.
func (r *BookingRepo) SetSession(ctx context.Context, id, sessionID, url string, expiresAt time.Time) (bool, error) {
	const op = "repository.BookingRepo.SetSession"

	return r.conditional(ctx, op,
		`UPDATE bookings SET session_id = ?, session_url = ?, session_expires_at = ?, state = ?, updated_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		sessionID, url, expiresAt.UTC(), string(model.BookingPending), time.Now().UTC(),
		id, string(model.BookingPending), string(model.BookingPaymentLinkExpired))
}

// MarkPaid moves a not-yet-paid booking to PAID. It reports whether this
// call made the transition.
func (r *BookingRepo) MarkPaid(ctx context.Context, id string) (bool, error) {
	const op = "repository.BookingRepo.MarkPaid"

	return r.conditional(ctx, op,
		`UPDATE bookings SET state = ?, session_id = NULL, session_url = NULL, updated_at = ?
		 WHERE id = ? AND state <> ?`,
		string(model.BookingPaid), time.Now().UTC(), id, string(model.BookingPaid))
}

// MarkLinkExpired flags a PENDING booking whose current session expired.
func (r *BookingRepo) MarkLinkExpired(ctx context.Context, id, sessionID string) (bool, error) {
	const op = "repository.BookingRepo.MarkLinkExpired"

	return r.conditional(ctx, op,
		`UPDATE bookings SET state = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND session_id = ?`,
		string(model.BookingPaymentLinkExpired), time.Now().UTC(),
		id, string(model.BookingPending), sessionID)
}

// DeleteUnpaid removes a booking that is still PENDING or
// PAYMENT_LINK_EXPIRED. It reports false when the booking is gone or paid.
func (r *BookingRepo) DeleteUnpaid(ctx context.Context, id string) (bool, error) {
	const op = "repository.BookingRepo.DeleteUnpaid"

	return r.conditional(ctx, op,
		`DELETE FROM bookings WHERE id = ? AND state IN (?, ?)`,
		id, string(model.BookingPending), string(model.BookingPaymentLinkExpired))
}

func (r *BookingRepo) conditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b         model.Booking
		seats     []byte
		state     string
		sessionID sql.NullString
		url       sql.NullString
		expiresAt sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.HolderID, &b.ShowID, &seats, &b.AmountCents, &state,
		&sessionID, &url, &expiresAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(seats, &b.Seats); err != nil {
		return nil, fmt.Errorf("decode seats: %w", err)
	}
	b.State = model.BookingState(state)
	b.SessionID = sessionID.String
	b.SessionURL = url.String
	if expiresAt.Valid {
		b.SessionExpiresAt = expiresAt.Time
	}
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// ShowRepo stores shows. The whole occupancy map of a show lives in one
// JSON column guarded by the version column.
type ShowRepo struct {
	db *sql.DB
}

// NewShowRepo creates a new repository instance.
func NewShowRepo(db *sql.DB) *ShowRepo {
	return &ShowRepo{db: db}
}

const showColumns = `id, movie_id, title, starts_at, price_cents, occupied_seats, version, created_at, updated_at`

// Create inserts a show with an empty occupancy at version 0.
func (r *ShowRepo) Create(ctx context.Context, s *model.Show) error {
	const op = "repository.ShowRepo.Create"

	if s.Occupancy == nil {
		s.Occupancy = model.Occupancy{}
	}
	occ, err := json.Marshal(s.Occupancy)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO shows (id, movie_id, title, starts_at, price_cents, occupied_seats, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		s.ID, s.MovieID, s.Title, s.StartsAt.UTC(), s.PriceCents, occ, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapDuplicate(err))
	}
	s.Version = 0
	return nil
}

// GetByID retrieves a show with its occupancy and version. Returns
// ErrShowNotFound if no row exists.
func (r *ShowRepo) GetByID(ctx context.Context, id string) (*model.Show, error) {
	const op = "repository.ShowRepo.GetByID"

	row := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+showColumns+` FROM shows WHERE id = ?`, id)
	s, err := scanShow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// UpdateOccupancy writes occ if the show is still at expectVersion and bumps
// the version. A lost race returns ErrVersionConflict.
func (r *ShowRepo) UpdateOccupancy(ctx context.Context, showID string, expectVersion uint64, occ model.Occupancy) error {
	const op = "repository.ShowRepo.UpdateOccupancy"

	if occ == nil {
		occ = model.Occupancy{}
	}
	raw, err := json.Marshal(occ)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE shows SET occupied_seats = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		raw, time.Now().UTC(), showID, expectVersion)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListUpcoming returns shows starting after now, soonest first, filtered by
// title and paged by q.
func (r *ShowRepo) ListUpcoming(ctx context.Context, now time.Time, q model.ShowQuery) ([]model.Show, error) {
	const op = "repository.ShowRepo.ListUpcoming"

	where := []string{"starts_at > ?"}
	args := []any{now.UTC()}
	if q.Title != "" {
		where = append(where, "LOWER(title) LIKE ?")
		args = append(args, "%"+likeEscaper.Replace(strings.ToLower(q.Title))+"%")
	}
	args = append(args, q.Limit, q.Offset)

	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+showColumns+` FROM shows WHERE `+strings.Join(where, " AND ")+` ORDER BY starts_at ASC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []model.Show
	for rows.Next() {
		s, err := scanShow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShow(row rowScanner) (*model.Show, error) {
	var (
		s   model.Show
		occ []byte
	)
	if err := row.Scan(&s.ID, &s.MovieID, &s.Title, &s.StartsAt, &s.PriceCents, &occ, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Occupancy = model.Occupancy{}
	if len(occ) > 0 {
		if err := json.Unmarshal(occ, &s.Occupancy); err != nil {
			return nil, fmt.Errorf("decode occupancy: %w", err)
		}
		if s.Occupancy == nil {
			s.Occupancy = model.Occupancy{}
		}
	}
	return &s, nil
}

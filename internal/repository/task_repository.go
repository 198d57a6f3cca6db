package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// Task tables. Both share one layout.
const (
	CancellationTasks = "cancellation_tasks"
	ReminderTasks     = "reminder_tasks"
)

// TaskRepo persists durable per-booking timers so they survive restarts.
// Several scheduler instances may poll the same table; claims use SKIP
// LOCKED and a lease so each due task is fired by one of them at a time.
type TaskRepo struct {
	db    *sql.DB
	table string
}

// NewTaskRepo stores tasks in table, one of CancellationTasks or
// ReminderTasks.
func NewTaskRepo(db *sql.DB, table string) *TaskRepo {
	return &TaskRepo{db: db, table: table}
}

// Arm schedules the task for bookingID at dueAt. Arming an already armed
// booking keeps the original due time.
func (r *TaskRepo) Arm(ctx context.Context, bookingID string, dueAt time.Time) error {
	const op = "repository.TaskRepo.Arm"

	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO `+r.table+` (booking_id, due_at, attempts, created_at)
		 VALUES (?, ?, 0, ?)
		 ON DUPLICATE KEY UPDATE booking_id = booking_id`,
		bookingID, dueAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClaimDue locks up to limit tasks due at now, pushes their due time out by
// lease and bumps their attempt counter. A claimed task that is not
// completed before the lease ends is claimed again.
func (r *TaskRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Task, error) {
	const op = "repository.TaskRepo.ClaimDue"

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT booking_id, due_at, attempts, created_at FROM `+r.table+`
		 WHERE due_at <= ? ORDER BY due_at ASC LIMIT ? FOR UPDATE SKIP LOCKED`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.BookingID, &t.DueAt, &t.Attempts, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	leaseUntil := now.Add(lease).UTC()
	for i := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+r.table+` SET due_at = ?, attempts = attempts + 1 WHERE booking_id = ?`,
			leaseUntil, tasks[i].BookingID); err != nil {
			return nil, fmt.Errorf("%s: lease: %w", op, err)
		}
		tasks[i].Attempts++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}
	committed = true
	return tasks, nil
}

// Complete removes the task for bookingID. Completing a missing task is
// not an error.
func (r *TaskRepo) Complete(ctx context.Context, bookingID string) error {
	const op = "repository.TaskRepo.Complete"

	if _, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM `+r.table+` WHERE booking_id = ?`, bookingID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

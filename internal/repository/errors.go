// Package repository holds the MySQL stores for shows, bookings and
// cancellation tasks. The sentinel values below let the service layer tell
// failure scenarios apart without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrShowNotFound is returned when no show matches the id.
var ErrShowNotFound = errors.New("show not found")

// ErrBookingNotFound is returned when no booking matches the id. Cancelled
// bookings are deleted, so they report this too.
var ErrBookingNotFound = errors.New("booking not found")

// ErrVersionConflict is returned by an occupancy compare-and-swap when the
// show was written by someone else since it was read. The caller re-reads
// and tries again.
var ErrVersionConflict = errors.New("occupancy version conflict")

// ErrDuplicate is returned when an insert collides with an existing row.
var ErrDuplicate = errors.New("duplicate record")

// mapDuplicate turns a MySQL duplicate-key error into ErrDuplicate.
func mapDuplicate(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return ErrDuplicate
	}
	return err
}

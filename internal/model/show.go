package model

import (
	"sort"
	"time"
)

// Show is a scheduled screening together with its seat occupancy.
//
// Fields:
//
//	ID         – opaque identifier (UUID).
//	MovieID    – catalog item the show screens; owned by the catalog.
//	Title      – movie title shown on the checkout page.
//	StartsAt   – when the show begins; no reservations afterwards.
//	PriceCents – price of a single seat in the smallest currency unit.
//	Occupancy  – seat id → holder id for every seat that is taken.
//	Version    – incremented by every occupancy write; used for
//	             compare-and-swap.
type Show struct {
	ID         string    // shows.id
	MovieID    string    // shows.movie_id
	Title      string    // shows.title
	StartsAt   time.Time // shows.starts_at
	PriceCents int64     // shows.price_cents
	Occupancy  Occupancy // shows.occupied_seats
	Version    uint64    // shows.version
	CreatedAt  time.Time // shows.created_at
	UpdatedAt  time.Time // shows.updated_at
}

// ShowQuery filters and pages the upcoming show listing.
type ShowQuery struct {
	Title  string // case-insensitive substring; empty matches all
	Limit  int
	Offset int
}

// Started reports whether the show has begun at now.
func (s *Show) Started(now time.Time) bool {
	return !now.Before(s.StartsAt)
}

// Occupancy maps a seat id to the holder that currently owns it. A seat
// absent from the map is free.
type Occupancy map[string]string

// Clone returns an independent copy; a nil receiver yields an empty map.
func (o Occupancy) Clone() Occupancy {
	out := make(Occupancy, len(o))
	for seat, holder := range o {
		out[seat] = holder
	}
	return out
}

// Taken returns the requested seats that are already occupied by anyone.
func (o Occupancy) Taken(seats []string) []string {
	var taken []string
	for _, seat := range seats {
		if _, ok := o[seat]; ok {
			taken = append(taken, seat)
		}
	}
	return taken
}

// Hold assigns every seat to holder. Callers check Taken first.
func (o Occupancy) Hold(seats []string, holder string) {
	for _, seat := range seats {
		o[seat] = holder
	}
}

// ReleaseHeldBy frees the seats currently held by holder and leaves
// everything else untouched. It returns the seats it freed.
func (o Occupancy) ReleaseHeldBy(seats []string, holder string) []string {
	var released []string
	for _, seat := range seats {
		if cur, ok := o[seat]; ok && cur == holder {
			delete(o, seat)
			released = append(released, seat)
		}
	}
	return released
}

// Claim occupies the seats that are free or already held by holder and
// returns the ones held by somebody else. It reports whether the map
// changed.
func (o Occupancy) Claim(seats []string, holder string) (contested []string, changed bool) {
	for _, seat := range seats {
		cur, ok := o[seat]
		switch {
		case !ok:
			o[seat] = holder
			changed = true
		case cur != holder:
			contested = append(contested, seat)
		}
	}
	return contested, changed
}

// Seats lists the occupied seat ids in lexical order without exposing who
// holds them.
func (o Occupancy) Seats() []string {
	out := make([]string, 0, len(o))
	for seat := range o {
		out = append(out, seat)
	}
	sort.Strings(out)
	return out
}

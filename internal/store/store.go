// Package store persists searches, items, sellers, job runs and settings.
//
// Two implementations share one contract: Postgres for production and
// Memory for local runs and tests. Item uniqueness on external id is
// enforced by the store itself, so concurrent runs can insert blindly and
// treat a conflict as "already known".
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SearchTouch records the outcome of a search run on the search row.
type SearchTouch struct {
	SearchID int64
	RanAt    time.Time
	Success  bool // also bumps last_success_at
}

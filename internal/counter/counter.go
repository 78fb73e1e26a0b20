// Package counter implements the persisted per-bucket counters behind the
// admission engine.
//
// Every Store exposes a single operation, IncrementAndCheck, which bumps the
// counter for a bucket key by one and returns the post-increment value.
// Implementations must never split this into a read and a conditional
// write: concurrent callers incrementing the same key each observe a
// distinct count.
package counter

import (
	"context"
	"errors"
	"time"

	"github.com/3xpluto/quotagate/internal/window"
)

var (
	// ErrUnavailable is returned without touching the backend while the
	// guard around it is open.
	ErrUnavailable = errors.New("counter store unavailable")

	ErrInvalidRequest = errors.New("invalid counter request")
)

// Request describes one increment.
type Request struct {
	Key   window.BucketKey
	Plan  string
	Limit int64

	// SlotEnd is the natural end of the key's slot; the record is kept until
	// SlotEnd+Grace.
	SlotEnd time.Time
	Grace   time.Duration

	// At is the instant captured by the caller for this check.
	At time.Time
}

// ExpiresAt is the instant after which the record may be reclaimed.
func (r Request) ExpiresAt() time.Time {
	return r.SlotEnd.Add(r.Grace)
}

func (r Request) validate() error {
	if r.Key.CallerID == "" || r.Key.Action == "" || r.Key.Slot == "" {
		return ErrInvalidRequest
	}
	if r.Limit < 0 || r.SlotEnd.IsZero() {
		return ErrInvalidRequest
	}
	return nil
}

type Store interface {
	// IncrementAndCheck atomically increments the counter for req.Key,
	// creating it with count 1 if absent, refreshes its limit and expiry,
	// and returns the new count.
	IncrementAndCheck(ctx context.Context, req Request) (int64, error)
	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}

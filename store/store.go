// Package store defines the counter storage contract used by the quota
// evaluator and provides memory, Redis, and SQL backed implementations.
//
// A store keeps one integer counter per (resource, identifier, period,
// bucket start) key. Counters are created implicitly by the first
// increment that touches them and only ever grow; once a newer bucket for
// the same logical key exists, the old bucket is dead and is never
// rewritten. Backend retention (TTLs, the memory janitor) may purge dead
// buckets at any time.
//
// Every implementation guarantees that Increment is atomic per key: for
// any set of concurrent increments with deltas d1..dN on one key, the
// final value is the sum of the deltas regardless of interleaving. The
// six per-period upserts inside one Increment call are independent keys
// and are not applied as one cross-key transaction; a backend failure mid
// call can leave later periods un-incremented.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhalm/quotakit/period"
)

// Store errors. Implementations wrap these sentinels so callers can
// classify failures with errors.Is. Both are retryable by the caller;
// the store itself never retries across calls. When either is returned
// the caller must not assume the mutation did not land.
var (
	// ErrUnavailable indicates the backend was unreachable or the call
	// deadline expired.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConflict indicates a conditional-write retry budget was
	// exhausted under concurrent contention.
	ErrConflict = errors.New("store conflict")
)

// Record is one counter bucket.
type Record struct {
	Resource    string
	Identifier  string
	Period      period.Period
	PeriodStart int64 // bucket start, epoch seconds UTC
	Value       int64
}

// Store is the counter storage contract.
// Implementations must be safe for concurrent use from many callers with
// no coordination beyond the backing store itself.
type Store interface {
	// Find returns the counter for the bucket of p containing at.
	// The bucket start is derived internally; callers never supply it.
	// Returns found=false with no error when no increment has touched
	// the bucket. A record is never fabricated with value zero.
	Find(ctx context.Context, resource, identifier string, at time.Time, p period.Period) (rec Record, found bool, err error)

	// Increment adds delta (must be positive) to the bucket of every
	// granularity containing at, creating absent buckets at delta.
	// Each per-period upsert is atomic with respect to concurrent
	// increments on the same key.
	Increment(ctx context.Context, resource, identifier string, at time.Time, delta int64) error

	// Close releases any resources held by the store.
	Close() error
}

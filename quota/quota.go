// Package quota evaluates configured request quotas against the counters
// in a store and decides whether to admit a request.
//
// The evaluator holds no state of its own; every decision is derived from
// the store, so any number of processes can evaluate against the same
// backend. Two concurrent evaluations can both observe a counter below
// its limit and both admit, overshooting the limit by the number of such
// races. That soft-limit behavior is inherent to counter-based limiting
// and is accepted here.
package quota

import (
	"github.com/nhalm/quotakit/period"
)

// Quota is one configured limit: at most Limit admitted requests per
// Period bucket. Quotas arrive already validated (Period one of the six
// granularities, Limit positive); the evaluator performs no further
// validation.
type Quota struct {
	Period period.Period
	Limit  int64
}

// Decision is the outcome of an evaluation.
type Decision int

const (
	// Deny rejects the request; no counter was touched.
	Deny Decision = iota

	// Allow admits the request; every period counter was incremented.
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Use is the usage snapshot for one quota's period.
type Use struct {
	Limit     int64
	Value     int64 // counter value after the decision was applied
	Remaining int64
}

// Usage maps each evaluated quota's period to its usage snapshot.
// On Allow, values include the request just admitted. On Deny, the
// saturated period and every finer period read before it are present.
type Usage map[period.Period]Use

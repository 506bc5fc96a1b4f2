package quota

import (
	"context"
	"sort"
	"time"

	"github.com/nhalm/quotakit/store"
)

// Evaluator decides admission against a set of quotas using counters in a
// store. Construct one per store at process start and share it; it is
// safe for concurrent use.
type Evaluator struct {
	store store.Store
}

// New creates an evaluator over the given store.
func New(st store.Store) *Evaluator {
	return &Evaluator{store: st}
}

// Evaluate checks every quota for (resource, identifier) at the reference
// instant and, when all pass, records the admission.
//
// Quotas are checked finest period first: a second-level quota saturates
// and resets quickest, so checking it first usually denies with the
// fewest store reads. Correctness does not depend on the order; every
// quota must independently pass.
//
// A quota whose counter has reached its limit denies the request and
// nothing is counted, so counters remain exact admitted-request counts.
// Only when every quota is strictly below its limit is a single
// Increment issued, which advances all six period counters.
//
// A store error is returned as-is with a Deny decision and no retry;
// whether that means fail-open or fail-closed is the caller's policy.
// When Increment returns an error the counters may or may not have been
// advanced (see the store contract).
func (e *Evaluator) Evaluate(ctx context.Context, resource, identifier string, at time.Time, quotas []Quota) (Decision, Usage, error) {
	ordered := make([]Quota, len(quotas))
	copy(ordered, quotas)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Period.Finer(ordered[j].Period)
	})

	usage := make(Usage, len(ordered))

	for _, q := range ordered {
		rec, found, err := e.store.Find(ctx, resource, identifier, at, q.Period)
		if err != nil {
			return Deny, nil, err
		}

		var value int64
		if found {
			value = rec.Value
		}

		if value >= q.Limit {
			usage[q.Period] = Use{Limit: q.Limit, Value: value, Remaining: 0}
			return Deny, usage, nil
		}

		usage[q.Period] = Use{Limit: q.Limit, Value: value, Remaining: q.Limit - value}
	}

	if err := e.store.Increment(ctx, resource, identifier, at, 1); err != nil {
		return Deny, nil, err
	}

	// Report post-admission values so callers can emit remaining-quota
	// signals without a second read.
	for p, u := range usage {
		u.Value++
		u.Remaining--
		usage[p] = u
	}

	return Allow, usage, nil
}

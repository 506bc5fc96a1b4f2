// Package quotakit provides time-windowed request quota enforcement for
// API gateways and services.
//
// Counters are kept per (resource, caller) pair in six overlapping
// calendar granularities (second, minute, hour, day, month, year) inside
// a pluggable store, so any number of processes can enforce the same
// quotas with no coordination beyond the backing store. Three stores
// ship with the module: in-memory (single instance), Redis (native
// atomic counters), and SQL (Postgres, MySQL, SQLite).
//
// The layers, leaf first:
//
//   - period: pure calendar bucketing (UTC, leap-safe)
//   - store: the Find/Increment counter contract and its backends
//   - quota: the evaluator turning counters plus quotas into allow/deny
//   - quotakit (this package): HTTP middleware over the evaluator
//
// Middleware usage:
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	limiter, err := quotakit.NewRateLimiter(st,
//		quotakit.Policy{Minute: 100, Hour: 1000},
//		quotakit.RateLimitWithIP(),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r := chi.NewRouter()
//	r.Use(limiter.Handler)
//
// Each response carries X-RateLimit-Limit-<Period> and
// X-RateLimit-Remaining-<Period> headers per configured period, and a
// request over any limit receives 429 with Retry-After. Denied requests
// are never counted; counters record admitted requests only.
//
// Counter-based limiting is a soft limit under concurrency: two requests
// racing through separate processes can both observe one slot remaining
// and both be admitted. The overshoot is bounded by the number of
// in-flight races.
//
// For distributed deployments use the Redis or SQL store; the in-memory
// store is only suitable for single-instance deployments and development.
package quotakit

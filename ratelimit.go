package quotakit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/quotakit/period"
	"github.com/nhalm/quotakit/quota"
	"github.com/nhalm/quotakit/store"
)

// RateLimitHeaderMode controls when quota headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes quota headers on all responses (default).
	// Headers: X-RateLimit-Limit-<Period>, X-RateLimit-Remaining-<Period>
	// On 429: Also includes Retry-After
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes quota headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes quota headers in any response.
	// Use this when you want rate limiting without exposing limits to clients.
	RateLimitHeadersNever
)

// rateLimitKeyFunc extracts a caller identifier component from an HTTP request.
// Returning an empty string indicates the value is missing.
type rateLimitKeyFunc func(*http.Request) string

// rateLimitDimension holds a key function with validation metadata.
type rateLimitDimension struct {
	fn       rateLimitKeyFunc
	required bool
	name     string // for error messages (e.g., "header X-API-Key")
}

// RateLimiter enforces per-caller quotas as HTTP middleware.
type RateLimiter struct {
	evaluator  *quota.Evaluator
	quotas     []quota.Quota
	resource   string
	keyDims    []rateLimitDimension
	headerMode RateLimitHeaderMode
	failOpen   bool
	logging    bool
	now        func() time.Time
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when quota headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithResource fixes the protected resource name used in counter
// keys. Without it, the chi route pattern is used when available, falling
// back to the request path. Set it when layering several limiters so
// their counters cannot collide.
func RateLimitWithResource(resource string) RateLimitOption {
	return func(l *RateLimiter) {
		l.resource = resource
	}
}

// RateLimitWithFailOpen admits requests when the store is unavailable.
// The default is fail-closed: a store error rejects the request with
// 503 (Service Unavailable). Fail-open favors availability over
// protection; the error is still logged when logging is enabled.
func RateLimitWithFailOpen() RateLimitOption {
	return func(l *RateLimiter) {
		l.failOpen = true
	}
}

// RateLimitWithCanonlog enables one canonical log line per evaluated
// request, recording resource, identifier, decision, and the saturated
// period on denial. Store errors are attached to the same line.
func RateLimitWithCanonlog() RateLimitOption {
	return func(l *RateLimiter) {
		l.logging = true
	}
}

// RateLimitWithClock overrides the time source. Intended for tests that
// need deterministic bucket boundaries.
func RateLimitWithClock(now func() time.Time) RateLimitOption {
	return func(l *RateLimiter) {
		l.now = now
	}
}

// RateLimitWithIP adds the client IP address (from RemoteAddr) to the caller
// identifier. Use this for direct connections without a proxy.
func RateLimitWithIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			required: false, // RemoteAddr is always present
			name:     "IP",
		})
	}
}

// RateLimitWithRealIP adds the client IP from X-Forwarded-For or X-Real-IP
// headers. Use this when behind a proxy/load balancer.
// If neither header is present, rate limiting is skipped for that request.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these
// headers. Without a proxy, clients can spoof X-Forwarded-For to bypass
// quotas.
func RateLimitWithRealIP() RateLimitOption {
	return rateLimitWithRealIP(false)
}

// RateLimitWithRealIPRequired adds the client IP from X-Forwarded-For or
// X-Real-IP headers, returning 400 Bad Request when neither is present.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these
// headers. Without a proxy, clients can spoof X-Forwarded-For to bypass
// quotas.
func RateLimitWithRealIPRequired() RateLimitOption {
	return rateLimitWithRealIP(true)
}

func rateLimitWithRealIP(required bool) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					if idx := strings.Index(xff, ","); idx != -1 {
						return strings.TrimSpace(xff[:idx])
					}
					return strings.TrimSpace(xff)
				}
				if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
					return strings.TrimSpace(realIP)
				}
				return ""
			},
			required: required,
			name:     "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// RateLimitWithHeader adds a header value to the caller identifier.
// If the header is missing, rate limiting is skipped for that request.
func RateLimitWithHeader(header string) RateLimitOption {
	return rateLimitWithHeader(header, false)
}

// RateLimitWithHeaderRequired adds a header value to the caller identifier,
// returning 400 Bad Request when the header is missing.
func RateLimitWithHeaderRequired(header string) RateLimitOption {
	return rateLimitWithHeader(header, true)
}

func rateLimitWithHeader(header string, required bool) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
			required: required,
			name:     fmt.Sprintf("header %s", header),
		})
	}
}

// RateLimitWithKeyFunc adds a custom identifier dimension. The function
// should return an empty string when the value is missing, which skips
// rate limiting for that request.
func RateLimitWithKeyFunc(fn func(*http.Request) string) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn:       fn,
			required: false,
			name:     "custom key",
		})
	}
}

// NewRateLimiter creates rate limiting middleware enforcing policy against
// counters in st. Use RateLimitWith* options to configure identifier
// dimensions and behavior.
//
// Returns 429 (Too Many Requests) when any period limit is exceeded, with
// quota headers and a Retry-After header indicating seconds until the
// saturated bucket rolls over. Returns 400 (Bad Request) if a *Required
// dimension is missing. A store failure returns 503 (Service Unavailable)
// unless RateLimitWithFailOpen is set.
//
// At least one identifier dimension option must be provided.
func NewRateLimiter(st store.Store, policy Policy, opts ...RateLimitOption) (*RateLimiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	l := &RateLimiter{
		evaluator:  quota.New(st),
		quotas:     policy.Quotas(),
		keyDims:    make([]rateLimitDimension, 0),
		headerMode: RateLimitHeadersAlways,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.keyDims) == 0 {
		return nil, fmt.Errorf("at least one identifier dimension option is required (RateLimitWithIP, RateLimitWithRealIP, RateLimitWithHeader, or RateLimitWithKeyFunc)")
	}
	return l, nil
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode, one pair per
// configured period:
//   - X-RateLimit-Limit-<Period>: the quota for that period's bucket
//   - X-RateLimit-Remaining-<Period>: admissions left in the current bucket
//   - Retry-After: (only when limited) seconds until the bucket rolls over
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if l.logging {
			ctx = canonlog.NewContext(ctx)
			r = r.WithContext(ctx)
			defer canonlog.Flush(ctx)
			canonlog.InfoAddMany(ctx, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})
		}

		identifier, missingDim := l.buildIdentifier(r)
		if missingDim != "" {
			http.Error(w, fmt.Sprintf("Missing required %s", missingDim), http.StatusBadRequest)
			return
		}
		if identifier == "" {
			next.ServeHTTP(w, r)
			return
		}

		resource := l.resource
		if resource == "" {
			resource = r.URL.Path
			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					resource = pattern
				}
			}
		}

		now := l.now()
		decision, usage, err := l.evaluator.Evaluate(ctx, resource, identifier, now, l.quotas)

		if l.logging {
			canonlog.InfoAddMany(ctx, map[string]any{
				"resource":   resource,
				"identifier": identifier,
			})
		}

		if err != nil {
			if l.logging {
				canonlog.ErrorAdd(ctx, err)
			}
			if l.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Rate limit check failed", http.StatusServiceUnavailable)
			return
		}

		if l.logging {
			canonlog.InfoAdd(ctx, "decision", decision.String())
		}

		exceeded := decision == quota.Deny
		if l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && exceeded) {
			l.setHeaders(w, usage)
		}

		if exceeded {
			saturated := l.saturatedPeriod(usage)
			if l.headerMode != RateLimitHeadersNever {
				retry := retryAfterSeconds(saturated, now)
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
			}
			if l.logging {
				canonlog.InfoAdd(ctx, "limiting_period", string(saturated))
			}
			http.Error(w, "API rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// buildIdentifier builds the caller identifier from all dimensions.
// Returns (identifier, missingDimName). A non-empty missingDimName means
// a required dimension was absent.
func (l *RateLimiter) buildIdentifier(r *http.Request) (string, string) {
	var sb strings.Builder
	sb.Grow(20 + len(l.keyDims)*30)
	hasContent := false

	for _, dim := range l.keyDims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			continue
		}
		if hasContent {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		hasContent = true
	}

	if !hasContent {
		return "", ""
	}
	return sb.String(), ""
}

func (l *RateLimiter) setHeaders(w http.ResponseWriter, usage quota.Usage) {
	for _, q := range l.quotas {
		u, ok := usage[q.Period]
		if !ok {
			// Coarser periods are not read once a finer one denies;
			// their buckets cannot be tighter than the denying one.
			continue
		}
		suffix := headerSuffix(q.Period)
		w.Header().Set("X-RateLimit-Limit-"+suffix, strconv.FormatInt(u.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining-"+suffix, strconv.FormatInt(u.Remaining, 10))
	}
}

// saturatedPeriod returns the finest configured period with no
// admissions remaining.
func (l *RateLimiter) saturatedPeriod(usage quota.Usage) period.Period {
	for _, q := range l.quotas {
		if u, ok := usage[q.Period]; ok && u.Remaining == 0 {
			return q.Period
		}
	}
	return l.quotas[len(l.quotas)-1].Period
}

func retryAfterSeconds(p period.Period, now time.Time) int64 {
	secs := int64(math.Ceil(period.NextBucketStart(p, now).Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func headerSuffix(p period.Period) string {
	s := string(p)
	return strings.ToUpper(s[:1]) + s[1:]
}

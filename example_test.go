package quotakit_test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/quotakit"
	"github.com/nhalm/quotakit/period"
	"github.com/nhalm/quotakit/quota"
	"github.com/nhalm/quotakit/store"
)

func ExampleNewRateLimiter() {
	st := store.NewMemory()
	defer st.Close()

	// 100 requests per minute and 1000 per hour, per client IP.
	limiter, err := quotakit.NewRateLimiter(st,
		quotakit.Policy{Minute: 100, Hour: 1000},
		quotakit.RateLimitWithIP(),
	)
	if err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(limiter.Handler)
}

func ExampleNewRateLimiter_apiKey() {
	st := store.NewMemory()
	defer st.Close()

	// Quota per API key; requests without the key are rejected.
	limiter, err := quotakit.NewRateLimiter(st,
		quotakit.Policy{Day: 10000},
		quotakit.RateLimitWithHeaderRequired("X-API-Key"),
		quotakit.RateLimitWithResource("public-api"),
	)
	if err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(limiter.Handler)
	r.Get("/v1/things", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func Example_evaluator() {
	st := store.NewMemory()
	defer st.Close()

	ev := quota.New(st)
	quotas := []quota.Quota{{Period: period.Minute, Limit: 2}}
	at := time.Date(2015, 2, 18, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		decision, _, err := ev.Evaluate(context.Background(), "api", "consumer-1", at, quotas)
		if err != nil {
			panic(err)
		}
		fmt.Println(decision)
	}
	// Output:
	// allow
	// allow
	// deny
}

package quotakit

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/quotakit/period"
	"github.com/nhalm/quotakit/quota"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Policy configures the quota limits enforced by a RateLimiter: the
// maximum number of admitted requests per calendar bucket of each
// period. Zero fields are unlimited; at least one field must be set and
// every set field must be positive.
type Policy struct {
	Second int64 `validate:"omitempty,gt=0"`
	Minute int64 `validate:"omitempty,gt=0"`
	Hour   int64 `validate:"omitempty,gt=0"`
	Day    int64 `validate:"omitempty,gt=0"`
	Month  int64 `validate:"omitempty,gt=0"`
	Year   int64 `validate:"omitempty,gt=0"`
}

// Validate checks that the policy is well-formed.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return fmt.Errorf("policy field %s must be a positive limit", errs[0].Field())
		}
		return fmt.Errorf("invalid policy: %w", err)
	}

	if p.Second == 0 && p.Minute == 0 && p.Hour == 0 && p.Day == 0 && p.Month == 0 && p.Year == 0 {
		return fmt.Errorf("policy must set at least one period limit")
	}
	return nil
}

// Quotas returns the configured limits as evaluator quotas, finest
// period first.
func (p Policy) Quotas() []quota.Quota {
	limits := map[period.Period]int64{
		period.Second: p.Second,
		period.Minute: p.Minute,
		period.Hour:   p.Hour,
		period.Day:    p.Day,
		period.Month:  p.Month,
		period.Year:   p.Year,
	}

	quotas := make([]quota.Quota, 0, len(limits))
	for _, per := range period.Periods {
		if limits[per] > 0 {
			quotas = append(quotas, quota.Quota{Period: per, Limit: limits[per]})
		}
	}
	return quotas
}

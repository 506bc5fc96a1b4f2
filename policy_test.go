package quotakit

import (
	"testing"

	"github.com/nhalm/quotakit/period"
)

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "single limit", policy: Policy{Minute: 10}},
		{name: "all limits", policy: Policy{Second: 1, Minute: 2, Hour: 3, Day: 4, Month: 5, Year: 6}},
		{name: "empty", policy: Policy{}, wantErr: true},
		{name: "negative limit", policy: Policy{Hour: -5}, wantErr: true},
		{name: "negative among valid", policy: Policy{Minute: 10, Day: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_Quotas(t *testing.T) {
	p := Policy{Year: 1000, Second: 5, Hour: 100}

	quotas := p.Quotas()
	if len(quotas) != 3 {
		t.Fatalf("expected 3 quotas, got %d", len(quotas))
	}

	// Finest first, zero-valued periods omitted.
	wantPeriods := []period.Period{period.Second, period.Hour, period.Year}
	wantLimits := []int64{5, 100, 1000}
	for i := range quotas {
		if quotas[i].Period != wantPeriods[i] {
			t.Errorf("quota %d period = %s, want %s", i, quotas[i].Period, wantPeriods[i])
		}
		if quotas[i].Limit != wantLimits[i] {
			t.Errorf("quota %d limit = %d, want %d", i, quotas[i].Limit, wantLimits[i])
		}
	}
}

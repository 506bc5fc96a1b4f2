// Package period defines the six counting granularities used by quotakit
// and the bucketing rules that map a reference instant to a canonical
// bucket start.
//
// Bucketing is calendar-based and fixed to UTC: a "day" bucket starts at
// UTC midnight, a "month" bucket on day 1 of the month, a "year" bucket on
// January 1. All functions are pure and perform no I/O.
package period

import (
	"fmt"
	"time"
)

// Period is one counting granularity.
type Period string

const (
	Second Period = "second"
	Minute Period = "minute"
	Hour   Period = "hour"
	Day    Period = "day"
	Month  Period = "month"
	Year   Period = "year"
)

// Periods lists all granularities ordered finest to coarsest.
var Periods = []Period{Second, Minute, Hour, Day, Month, Year}

var ordinals = map[Period]int{
	Second: 0,
	Minute: 1,
	Hour:   2,
	Day:    3,
	Month:  4,
	Year:   5,
}

// Parse returns the Period for s, or an error if s is not one of the six
// granularity names.
func Parse(s string) (Period, error) {
	p := Period(s)
	if _, ok := ordinals[p]; !ok {
		return "", fmt.Errorf("unknown period %q (valid: second, minute, hour, day, month, year)", s)
	}
	return p, nil
}

// Valid reports whether p is one of the six granularities.
func (p Period) Valid() bool {
	_, ok := ordinals[p]
	return ok
}

// Finer reports whether p is a finer granularity than q.
// An unknown period compares as coarsest.
func (p Period) Finer(q Period) bool {
	po, ok := ordinals[p]
	if !ok {
		po = len(ordinals)
	}
	qo, ok := ordinals[q]
	if !ok {
		qo = len(ordinals)
	}
	return po < qo
}

// BucketStart truncates t to the start of the enclosing p bucket in UTC.
// Month and day lengths are calendar-accurate; leap days fall in the same
// month and year buckets as any other day.
func BucketStart(p Period, t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case Second:
		return t.Truncate(time.Second)
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Second)
}

// NextBucketStart returns the start of the bucket following the one
// containing t. Stores use this to size TTLs for expiring backends.
func NextBucketStart(p Period, t time.Time) time.Time {
	start := BucketStart(p, t)
	switch p {
	case Second:
		return start.Add(time.Second)
	case Minute:
		return start.Add(time.Minute)
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	case Month:
		return start.AddDate(0, 1, 0)
	case Year:
		return start.AddDate(1, 0, 0)
	}
	return start.Add(time.Second)
}

// AllBucketStarts returns the bucket start for every granularity at t.
func AllBucketStarts(t time.Time) map[Period]time.Time {
	starts := make(map[Period]time.Time, len(Periods))
	for _, p := range Periods {
		starts[p] = BucketStart(p, t)
	}
	return starts
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/nhalm/quotakit/period"
)

type bucketKey struct {
	resource   string
	identifier string
	period     period.Period
	start      int64
}

// Memory is an in-memory implementation of Store using a map with mutex
// protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each instance maintains its own separate in-memory state, so counters are
// NOT shared across instances and clients can exceed the intended quota by
// spreading requests over replicas.
//
// Use Memory only for local development, testing, and single-instance
// deployments. For distributed systems, use the Redis or SQL store.
type Memory struct {
	mu      sync.RWMutex
	buckets map[bucketKey]int64
	latest  int64 // newest reference instant seen, epoch seconds
	stopCh  chan struct{}
}

// NewMemory creates a new in-memory store with automatic eviction of dead
// buckets. A background goroutine runs every minute and removes buckets
// superseded by a newer bucket for the same logical key, preventing
// unbounded memory growth.
//
// Important: You must call Close() when done to stop the eviction
// goroutine. Failing to call Close() will result in a goroutine leak.
func NewMemory() *Memory {
	m := &Memory{
		buckets: make(map[bucketKey]int64),
		stopCh:  make(chan struct{}),
	}

	go m.janitor()
	return m
}

func (m *Memory) Find(_ context.Context, resource, identifier string, at time.Time, p period.Period) (Record, bool, error) {
	key := bucketKey{
		resource:   resource,
		identifier: identifier,
		period:     p,
		start:      period.BucketStart(p, at).Unix(),
	}

	m.mu.RLock()
	value, ok := m.buckets[key]
	m.mu.RUnlock()

	if !ok {
		return Record{}, false, nil
	}

	return Record{
		Resource:    resource,
		Identifier:  identifier,
		Period:      p,
		PeriodStart: key.start,
		Value:       value,
	}, true, nil
}

func (m *Memory) Increment(_ context.Context, resource, identifier string, at time.Time, delta int64) error {
	starts := period.AllBucketStarts(at)

	m.mu.Lock()
	defer m.mu.Unlock()

	for p, start := range starts {
		m.buckets[bucketKey{
			resource:   resource,
			identifier: identifier,
			period:     p,
			start:      start.Unix(),
		}] += delta
	}
	if ref := at.Unix(); ref > m.latest {
		m.latest = ref
	}
	return nil
}

// Close stops the eviction goroutine.
func (m *Memory) Close() error {
	close(m.stopCh)
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictDead()
		case <-m.stopCh:
			return
		}
	}
}

// evictDead removes buckets whose period has rolled past them. Progress is
// measured against the newest reference instant the store has seen rather
// than the wall clock, so counters driven by historical or replayed
// timestamps age out consistently.
//
// Scan and delete happen under one write lock: a two-phase sweep would
// let an increment land on a collected bucket between the scan and the
// delete and silently drop that count.
func (m *Memory) evictDead() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == 0 {
		return
	}

	cutoff := period.AllBucketStarts(time.Unix(m.latest, 0))
	for key := range m.buckets {
		if key.start < cutoff[key.period].Unix() {
			delete(m.buckets, key)
		}
	}
}

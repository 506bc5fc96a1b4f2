package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nhalm/quotakit/period"
)

// Redis is a Redis-backed implementation of Store suitable for distributed
// deployments. It uses Redis' native atomic counters (INCRBY), so each
// bucket increment is a single indivisible operation on the server and no
// read-modify-write cycle exists to race.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by your application code from
// environment variables, config files, or other sources. Never reads
// environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace counter data (default: "quota:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error
// if the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		DB:     0,
//		Prefix: "quota:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "quota:"
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// key builds "<prefix><resource>:<identifier>:<period>:<start>".
func (r *Redis) key(resource, identifier string, p period.Period, start int64) string {
	var b strings.Builder
	b.Grow(len(r.prefix) + len(resource) + len(identifier) + len(p) + 16)
	b.WriteString(r.prefix)
	b.WriteString(resource)
	b.WriteByte(':')
	b.WriteString(identifier)
	b.WriteByte(':')
	b.WriteString(string(p))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(start, 10))
	return b.String()
}

func (r *Redis) Find(ctx context.Context, resource, identifier string, at time.Time, p period.Period) (Record, bool, error) {
	start := period.BucketStart(p, at).Unix()

	val, err := r.client.Get(ctx, r.key(resource, identifier, p, start)).Int64()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis find failed: %w: %v", ErrUnavailable, err)
	}

	return Record{
		Resource:    resource,
		Identifier:  identifier,
		Period:      p,
		PeriodStart: start,
		Value:       val,
	}, true, nil
}

// Increment adds delta to all six period buckets in one pipeline. Each
// INCRBY is atomic on the server; the pipeline itself is not a
// transaction, so a mid-pipeline failure can leave later buckets
// un-incremented (see the Store contract).
func (r *Redis) Increment(ctx context.Context, resource, identifier string, at time.Time, delta int64) error {
	starts := period.AllBucketStarts(at)

	pipe := r.client.Pipeline()
	for p, start := range starts {
		key := r.key(resource, identifier, p, start.Unix())
		pipe.IncrBy(ctx, key, delta)
		pipe.ExpireNX(ctx, key, bucketTTL(p, start))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis increment failed: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// bucketTTL returns how long a bucket's key should live: twice the
// calendar length of the bucket, floored at one minute so short buckets
// stay observable after they roll over.
func bucketTTL(p period.Period, start time.Time) time.Duration {
	length := period.NextBucketStart(p, start).Sub(start)
	ttl := 2 * length
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

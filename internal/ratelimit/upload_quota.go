package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 2 * time.Second

// ErrOwnerRequired is returned when an upload is charged to no one.
var ErrOwnerRequired = errors.New("upload quota: owner id is required")

// takeScript charges one upload to KEYS[1] and returns {count, pttl}. The
// window opens with the first upload and lasts ARGV[1] milliseconds.
var takeScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Config configures an OwnerQuota.
type Config struct {
	Addr     string
	Password string
	// Prefix namespaces the per-owner counters. Defaults to "modmaster:quota".
	Prefix string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of charging one upload to an owner.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the owner's window resets. Zero when allowed.
	RetryAfter time.Duration
}

// OwnerQuota caps uploads per owner id across replicas. Each owner has one
// Redis counter whose TTL is the time left in the current window.
type OwnerQuota struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewOwnerQuota connects to Redis lazily; the first Take dials.
func NewOwnerQuota(cfg Config) (*OwnerQuota, error) {
	if cfg.Limit <= 0 || cfg.Window < time.Millisecond {
		return nil, errors.New("upload quota requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("upload quota redis addr is required")
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = "modmaster:quota"
	}
	return &OwnerQuota{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix: prefix,
		limit:  cfg.Limit,
		window: cfg.Window,
	}, nil
}

func (q *OwnerQuota) key(ownerID string) string {
	return q.prefix + ":owner:" + ownerID
}

// Take charges one upload to ownerID. Redis failures fail closed: the
// decision denies with a full window and the error is returned for logging.
func (q *OwnerQuota) Take(ctx context.Context, ownerID string) (Decision, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Decision{RetryAfter: q.window}, ErrOwnerRequired
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	vals, err := takeScript.Run(ctx, q.client, []string{q.key(ownerID)}, q.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{RetryAfter: q.window}, fmt.Errorf("upload quota: %w", err)
	}
	if len(vals) != 2 {
		return Decision{RetryAfter: q.window}, fmt.Errorf("upload quota: unexpected reply %v", vals)
	}
	count, ttl := vals[0], time.Duration(vals[1])*time.Millisecond
	if count > int64(q.limit) {
		return Decision{RetryAfter: min(max(ttl, time.Millisecond), q.window)}, nil
	}
	return Decision{Allowed: true, Remaining: q.limit - int(count)}, nil
}

// Close releases the Redis client.
func (q *OwnerQuota) Close() error {
	return q.client.Close()
}

package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"modmaster/pkg/domain"
)

const invalidatedMarker = "__invalidated__"

// RedisCache implements Cache on Redis strings with per-key TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	TTL      time.Duration
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		ttl:    ttl,
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, scanID string) (domain.StatusSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(scanID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.StatusSnapshot{}, false, nil
	}
	if err != nil {
		return domain.StatusSnapshot{}, false, fmt.Errorf("get status: %w", err)
	}
	if raw == invalidatedMarker {
		return domain.StatusSnapshot{}, false, nil
	}
	var snap domain.StatusSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return domain.StatusSnapshot{}, false, fmt.Errorf("decode status: %w", err)
	}
	if snap.Status != domain.StatusProcessing {
		return domain.StatusSnapshot{}, false, nil
	}
	return snap, true, nil
}

func (c *RedisCache) PutProcessing(ctx context.Context, snap domain.StatusSnapshot) error {
	if snap.Status != domain.StatusProcessing || snap.ScanID == "" {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := c.client.SetNX(ctx, cacheKey(snap.ScanID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, scanID string) error {
	if err := c.client.Set(ctx, cacheKey(scanID), invalidatedMarker, c.ttl).Err(); err != nil {
		return fmt.Errorf("invalidate status: %w", err)
	}
	return nil
}

func (c *RedisCache) Reset(ctx context.Context, scanID string) error {
	if err := c.client.Del(ctx, cacheKey(scanID)).Err(); err != nil {
		return fmt.Errorf("reset status: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

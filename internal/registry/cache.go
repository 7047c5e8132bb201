package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

// Cache short-circuits slug resolution on the ingestion hot path.
type Cache interface {
	Get(ctx context.Context, slug string) (*store.Endpoint, bool, error)
	Set(ctx context.Context, ep *store.Endpoint) error
	// Invalidate drops the cached copy of ep. Copies older than ep read
	// before the call must not be written back by a later Set.
	Invalidate(ctx context.Context, ep *store.Endpoint) error
}

type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*store.Endpoint, bool, error) { return nil, false, nil }
func (NoopCache) Set(context.Context, *store.Endpoint) error { return nil }
func (NoopCache) Invalidate(context.Context, *store.Endpoint) error { return nil }

// redisCacheSetScript writes an endpoint unless the slug's fence records a
// newer version. KEYS[1] entry, KEYS[2] fence; ARGV version, payload, ttl ms.
var redisCacheSetScript = redis.NewScript(`
local fence = redis.call("GET", KEYS[2])
if fence and tonumber(fence) > tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "hooktunnel:endpoint"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(slug string) string {
	return fmt.Sprintf("%s:slug:%s", c.prefix, slug)
}

func (c *RedisCache) fenceKey(slug string) string {
	return fmt.Sprintf("%s:fence:%s", c.prefix, slug)
}

// version orders snapshots of one endpoint. Microseconds stay exact in Lua numbers.
func version(ep *store.Endpoint) string {
	return strconv.FormatInt(ep.UpdatedAt.UnixMicro(), 10)
}

func (c *RedisCache) Get(ctx context.Context, slug string) (*store.Endpoint, bool, error) {
	if c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(slug)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ep store.Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		// Drop undecodable entries so the store answers next time.
		_ = c.client.Del(ctx, c.key(slug)).Err()
		return nil, false, fmt.Errorf("decode cached endpoint: %w", err)
	}
	return &ep, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ep *store.Endpoint) error {
	if c.client == nil || c.ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	keys := []string{c.key(ep.Slug), c.fenceKey(ep.Slug)}
	return redisCacheSetScript.Run(ctx, c.client, keys, version(ep), raw, c.ttl.Milliseconds()).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, ep *store.Endpoint) error {
	if c.client == nil {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key(ep.Slug))
		if c.ttl > 0 {
			pipe.Set(ctx, c.fenceKey(ep.Slug), version(ep), c.ttl)
		}
		return nil
	})
	return err
}

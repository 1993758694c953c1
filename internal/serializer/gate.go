package serializer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Gate coordinates the serializer with serializers in other processes that
// share the same upstream quota.
type Gate interface {
	// Acquire blocks until this process may start a call. release must be
	// called once the call has finished.
	Acquire(ctx context.Context) (release func(), err error)
	// Cooldown pauses every participant for d.
	Cooldown(ctx context.Context, d time.Duration) error
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGate implements Gate with three keys: a lock held for the duration of
// a call, a spacing marker that expires Spacing after a call start, and a
// cooldown marker.
type RedisGate struct {
	client  *redis.Client
	prefix  string
	spacing time.Duration
	lease   time.Duration
	poll    time.Duration
}

// NewRedisGate returns a gate under key prefix. lease bounds how long a
// crashed holder can block the others.
func NewRedisGate(client *redis.Client, prefix string, spacing, lease time.Duration) *RedisGate {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &RedisGate{client: client, prefix: prefix, spacing: spacing, lease: lease, poll: 100 * time.Millisecond}
}

func (g *RedisGate) key(name string) string { return g.prefix + ":" + name }

func (g *RedisGate) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	for {
		if err := g.waitKey(ctx, g.key("cooldown")); err != nil {
			return nil, err
		}
		ok, err := g.client.SetNX(ctx, g.key("lock"), token, g.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("take lock: %w", err)
		}
		if !ok {
			if err := sleepUntil(ctx, time.Now().Add(g.poll)); err != nil {
				return nil, err
			}
			continue
		}
		if err := g.waitKey(ctx, g.key("spacing")); err != nil {
			g.release(token)
			return nil, err
		}
		if err := g.client.Set(ctx, g.key("spacing"), token, g.spacing).Err(); err != nil {
			g.release(token)
			return nil, fmt.Errorf("mark call start: %w", err)
		}
		return func() { g.release(token) }, nil
	}
}

func (g *RedisGate) Cooldown(ctx context.Context, d time.Duration) error {
	return g.client.Set(ctx, g.key("cooldown"), "1", d).Err()
}

// waitKey sleeps until key has expired.
func (g *RedisGate) waitKey(ctx context.Context, key string) error {
	for {
		ttl, err := g.client.PTTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if ttl <= 0 {
			return nil
		}
		if err := sleepUntil(ctx, time.Now().Add(ttl)); err != nil {
			return err
		}
	}
}

func (g *RedisGate) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, g.client, []string{g.key("lock")}, token).Err()
}

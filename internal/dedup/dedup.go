// Package dedup implements the request-active playback dedup set named in
// spec.md §5: a way for an external request-worker pool (HTTP/playback
// layer, outside this engine) to coordinate "only one worker is currently
// serving/repairing segment X" without holding any lock inside the engine
// itself.
//
// It is grounded on the therealutkarshpriyadarshi-transcode pack's
// cache.Cache.AcquireLock/ReleaseLock (internal/cache/cache.go), which use
// exactly the SetNX-with-TTL pattern this set needs, generalized here from
// a single Redis-only implementation into an interface with a Redis-backed
// implementation plus an in-process fallback for single-node deployments
// (config.DedupConfig.Addr == "").
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lightnvr/engine/internal/config"
)

// Set is a distributed (or in-process) "is X currently active" marker,
// keyed by an arbitrary resource string (a segment path, a stream name).
type Set interface {
	// TryAcquire marks key active for ttl and reports whether this caller
	// won the race. A key already active returns (false, nil).
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release clears key immediately, regardless of remaining TTL.
	Release(ctx context.Context, key string) error
	Close() error
}

// New returns a Redis-backed Set when cfg.Addr is set, otherwise an
// in-process fallback — mirroring the donor's own "Redis when configured,
// nothing otherwise" posture for optional caching layers.
func New(cfg config.DedupConfig) (Set, error) {
	if cfg.Addr == "" {
		return newLocalSet(), nil
	}
	return newRedisSet(cfg)
}

const keyPrefix = "lightnvr:active:"

type redisSet struct {
	client *redis.Client
}

func newRedisSet(cfg config.DedupConfig) (Set, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisSet{client: client}, nil
}

func (r *redisSet) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+key, "1", ttl).Result()
}

func (r *redisSet) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

func (r *redisSet) Close() error {
	return r.client.Close()
}

// localSet is the single-node fallback: a mutex-guarded map of key ->
// expiry, used when no Redis address is configured.
type localSet struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func newLocalSet() *localSet {
	return &localSet{expires: make(map[string]time.Time)}
}

func (l *localSet) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.expires[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	l.expires[key] = time.Now().Add(ttl)
	return true, nil
}

func (l *localSet) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, key)
	return nil
}

func (l *localSet) Close() error { return nil }

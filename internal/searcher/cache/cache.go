// Package cache keeps query results in Redis. Keys embed the version of every
// queried scope, so an update to a scope makes its old entries unreachable;
// Invalidate removes them once the scope commits a new generation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/resilience"
)

const keyPrefix = "query:"

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// Store is the subset of the Redis client used by the cache. Get returns
// pkgredis.Nil for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	store   Store
	ttl     time.Duration
	group   singleflight.Group
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New returns a cache over store. m may be nil.
func New(store Store, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	c := &QueryCache{
		store:   store,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
	c.breaker = resilience.NewCircuitBreaker("redis-cache", resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return c
}

func (c *QueryCache) Get(ctx context.Context, key string) (*executor.Result, bool) {
	var data []byte
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.store.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	if data == nil {
		c.miss()
		return nil, false
	}
	var result executor.Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	c.logger.Debug("cache hit", "key", key)
	return &result, true
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *QueryCache) Set(ctx context.Context, key string, result *executor.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		return c.store.Set(ctx, key, data, c.ttl)
	})
	if err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for req at the given scope versions,
// computing and storing it on a miss. Concurrent misses for the same key
// share one computation.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	req executor.Request,
	versions []uint64,
	computeFn func() (*executor.Result, error),
) (*executor.Result, bool, error) {
	key := BuildKey(req, versions)
	if result, ok := c.Get(ctx, key); ok {
		return result, true, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*executor.Result), false, nil
}

// Invalidate drops every entry involving scope.
func (c *QueryCache) Invalidate(ctx context.Context, scope string) error {
	pattern := keyPrefix + "*|" + globEscaper.Replace(scope) + "@*"
	deleted, err := c.store.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating cache of %s: %w", scope, err)
	}
	c.logger.Info("cache invalidated", "scope", scope, "keys_deleted", deleted)
	return nil
}

// InvalidateAll drops every cached query.
func (c *QueryCache) InvalidateAll(ctx context.Context) error {
	deleted, err := c.store.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

// OnCommit invalidates the committed scope.
func (c *QueryCache) OnCommit(ctx context.Context, g indexer.Generation) error {
	return c.Invalidate(ctx, g.Scope)
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// BuildKey derives the cache key of req. The scope part stays readable so that
// Invalidate can match it; the rest is hashed.
func BuildKey(req executor.Request, versions []uint64) string {
	req = req.Normalize()
	var scopes strings.Builder
	for i, s := range req.Scopes {
		scopes.WriteString("|")
		scopes.WriteString(s)
		scopes.WriteString("@")
		if i < len(versions) {
			fmt.Fprintf(&scopes, "%d", versions[i])
		}
	}
	raw := fmt.Sprintf("%s\x00%d\x00%d\x00%s", strings.Join(req.Categories, "\x00"), req.Rule, req.Limit, req.Key)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x%s|", keyPrefix, hash[:16], scopes.String())
}

package rbac

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// CacheScope is the tenant and user a cached result was computed for. A nil
// field means the result is not specific to one tenant or user.
type CacheScope struct {
	TenantID *string
	UserID   *int64
}

// affectedBy reports whether an invalidation for (tenantID, userID) reaches
// this scope. Nil on either side matches anything.
func (s CacheScope) affectedBy(tenantID *string, userID *int64) bool {
	if tenantID != nil && s.TenantID != nil && *tenantID != *s.TenantID {
		return false
	}
	if userID != nil && s.UserID != nil && *userID != *s.UserID {
		return false
	}
	return true
}

// QueryCache stores permission query results
type QueryCache interface {
	Get(ctx context.Context, scope CacheScope, key string) (*PermissionQueryResult, bool, error)
	Set(ctx context.Context, scope CacheScope, key string, result *PermissionQueryResult, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID *string, userID *int64) error
}

const cacheKeyPrefix = "permquery"

func tenantSegment(tenantID *string) string {
	if tenantID == nil {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(*tenantID))
}

func userSegment(userID *int64) string {
	if userID == nil {
		return "_"
	}
	return strconv.FormatInt(*userID, 10)
}

// scopedKey is "permquery:<tenant>:<user>:<key>". Tenant codes are base64url
// encoded so they never contain ':' or glob characters.
func scopedKey(scope CacheScope, key string) string {
	return strings.Join([]string{cacheKeyPrefix, tenantSegment(scope.TenantID), userSegment(scope.UserID), key}, ":")
}

func cloneResult(r *PermissionQueryResult) *PermissionQueryResult {
	out := *r
	out.Roles = slices.Clone(r.Roles)
	out.Permissions = slices.Clone(r.Permissions)
	return &out
}

type lruEntry struct {
	scope     CacheScope
	result    *PermissionQueryResult
	expiresAt time.Time
}

// LRUCache is an in-process QueryCache. Entries expire at the earlier of
// their own TTL and the cache-wide TTL.
type LRUCache struct {
	cache   *lru.LRU[string, *lruEntry]
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLRUCache creates an LRU cache holding at most size results
func NewLRUCache(size int, ttl time.Duration, metrics *observability.Metrics) *LRUCache {
	if size < 1 {
		size = 1
	}
	return &LRUCache{
		cache:   lru.NewLRU[string, *lruEntry](size, nil, ttl),
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns a copy of the cached result
func (c *LRUCache) Get(ctx context.Context, scope CacheScope, key string) (*PermissionQueryResult, bool, error) {
	k := scopedKey(scope, key)
	entry, ok := c.cache.Get(k)
	if ok && !c.now().Before(entry.expiresAt) {
		c.cache.Remove(k)
		ok = false
	}
	c.metrics.RecordCacheLookup("lru", ok)
	if !ok {
		return nil, false, nil
	}
	return cloneResult(entry.result), true, nil
}

// Set stores a copy of result
func (c *LRUCache) Set(ctx context.Context, scope CacheScope, key string, result *PermissionQueryResult, ttl time.Duration) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	c.cache.Add(scopedKey(scope, key), &lruEntry{
		scope:     scope,
		result:    cloneResult(result),
		expiresAt: c.now().Add(ttl),
	})
	return nil
}

// Invalidate removes every entry whose scope is affected
func (c *LRUCache) Invalidate(ctx context.Context, tenantID *string, userID *int64) error {
	for _, k := range c.cache.Keys() {
		entry, ok := c.cache.Peek(k)
		if ok && entry.scope.affectedBy(tenantID, userID) {
			c.cache.Remove(k)
		}
	}
	c.metrics.RecordCacheInvalidation("lru")
	return nil
}

// Len returns the number of cached results
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// RedisCache is a QueryCache shared between processes. Results are stored
// as JSON with a Redis TTL.
type RedisCache struct {
	client  *redis.Client
	metrics *observability.Metrics
}

// NewRedisCache creates a cache over an existing client
func NewRedisCache(client *redis.Client, metrics *observability.Metrics) *RedisCache {
	return &RedisCache{client: client, metrics: metrics}
}

// NewRedisCacheFromURL connects to redisURL and verifies the connection
func NewRedisCacheFromURL(ctx context.Context, redisURL, password string, db int, metrics *observability.Metrics) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisCache(client, metrics), nil
}

// Client returns the underlying client
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Get retrieves a cached result
func (c *RedisCache) Get(ctx context.Context, scope CacheScope, key string) (*PermissionQueryResult, bool, error) {
	data, err := c.client.Get(ctx, scopedKey(scope, key)).Bytes()
	if err == redis.Nil {
		c.metrics.RecordCacheLookup("redis", false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached query: %w", err)
	}

	var result PermissionQueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached query: %w", err)
	}
	c.metrics.RecordCacheLookup("redis", true)
	return &result, true, nil
}

// Set stores a result with ttl
func (c *RedisCache) Set(ctx context.Context, scope CacheScope, key string, result *PermissionQueryResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal query result: %w", err)
	}
	return c.client.Set(ctx, scopedKey(scope, key), data, ttl).Err()
}

// invalidationPatterns lists the SCAN patterns covering every scope an
// invalidation for (tenantID, userID) reaches
func invalidationPatterns(tenantID *string, userID *int64) []string {
	tenants := []string{"*"}
	if tenantID != nil {
		tenants = []string{tenantSegment(tenantID), "_"}
	}
	users := []string{"*"}
	if userID != nil {
		users = []string{userSegment(userID), "_"}
	}

	var patterns []string
	for _, t := range tenants {
		for _, u := range users {
			patterns = append(patterns, strings.Join([]string{cacheKeyPrefix, t, u, "*"}, ":"))
		}
	}
	return patterns
}

// Invalidate deletes every key whose scope is affected
func (c *RedisCache) Invalidate(ctx context.Context, tenantID *string, userID *int64) error {
	for _, pattern := range invalidationPatterns(tenantID, userID) {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to delete cached query: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan cached queries: %w", err)
		}
	}
	c.metrics.RecordCacheInvalidation("redis")
	return nil
}

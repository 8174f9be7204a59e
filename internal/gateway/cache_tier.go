package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
)

// CacheTier is the TTL-authoritative key/value store. Get and GetAndDelete
// return ErrCacheMiss when no live entry exists.
type CacheTier interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GetAndDelete(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// RedisCacheTier implements CacheTier on a Redis server.
type RedisCacheTier struct {
	client redis.UniversalClient
}

// NewRedisCacheTier builds the client without dialing; connectivity is verified by the probe.
func NewRedisCacheTier(configuration CacheConfig) *RedisCacheTier {
	username := configuration.Username
	if username == "" {
		username = "default"
	}
	port := configuration.Port
	if port == 0 {
		port = 6379
	}
	options := &redis.Options{
		Addr:         net.JoinHostPort(configuration.Host, strconv.Itoa(port)),
		Username:     username,
		Password:     configuration.Password,
		DialTimeout:  DefaultRedisDialTimeout,
		ReadTimeout:  DefaultRedisReadTimeout,
		WriteTimeout: DefaultRedisWriteTimeout,
	}
	if configuration.TLSEnabled {
		options.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: configuration.Host,
		}
	}
	return &RedisCacheTier{client: redis.NewClient(options)}
}

// NewRedisCacheTierWithClient wraps a pre-configured client, e.g. one pointed at miniredis.
func NewRedisCacheTierWithClient(client redis.UniversalClient) *RedisCacheTier {
	return &RedisCacheTier{client: client}
}

// Set writes the value with an expiration; a non-positive TTL is rejected.
func (tier *RedisCacheTier) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache.redis.set: %w", ErrMissingTTL)
	}
	if err := tier.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache.redis.set: %w", err)
	}
	return nil
}

// Get reads a live value.
func (tier *RedisCacheTier) Get(ctx context.Context, key string) (string, error) {
	value, err := tier.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache.redis.get: %w", err)
	}
	return value, nil
}

// GetAndDelete atomically reads and removes a value (GETDEL).
func (tier *RedisCacheTier) GetAndDelete(ctx context.Context, key string) (string, error) {
	value, err := tier.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache.redis.getdel: %w", err)
	}
	return value, nil
}

// Delete removes the keys; missing keys are not an error.
func (tier *RedisCacheTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := tier.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache.redis.del: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (tier *RedisCacheTier) Ping(ctx context.Context) error {
	return tier.client.Ping(ctx).Err()
}

// Close releases the client connections.
func (tier *RedisCacheTier) Close() error {
	return tier.client.Close()
}

// MemoryCacheTier is an in-process CacheTier intended for tests and local runs.
type MemoryCacheTier struct {
	mutex   sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCacheTier constructs an empty in-memory cache using the clock for expiry.
func NewMemoryCacheTier(clock Clock) *MemoryCacheTier {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryCacheTier{
		entries: make(map[string]memoryCacheEntry),
		now:     clock.Now,
	}
}

func (tier *MemoryCacheTier) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache.memory.set: %w", ErrMissingTTL)
	}
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	tier.purgeExpiredLocked()
	tier.entries[key] = memoryCacheEntry{value: value, expiresAt: tier.now().Add(ttl)}
	return nil
}

func (tier *MemoryCacheTier) Get(ctx context.Context, key string) (string, error) {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	entry, ok := tier.liveLocked(key)
	if !ok {
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (tier *MemoryCacheTier) GetAndDelete(ctx context.Context, key string) (string, error) {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	entry, ok := tier.liveLocked(key)
	if !ok {
		return "", ErrCacheMiss
	}
	delete(tier.entries, key)
	return entry.value, nil
}

func (tier *MemoryCacheTier) Delete(ctx context.Context, keys ...string) error {
	tier.mutex.Lock()
	defer tier.mutex.Unlock()
	for _, key := range keys {
		delete(tier.entries, key)
	}
	return nil
}

func (tier *MemoryCacheTier) Ping(ctx context.Context) error {
	return nil
}

func (tier *MemoryCacheTier) liveLocked(key string) (memoryCacheEntry, bool) {
	entry, ok := tier.entries[key]
	if !ok {
		return memoryCacheEntry{}, false
	}
	if !tier.now().Before(entry.expiresAt) {
		delete(tier.entries, key)
		return memoryCacheEntry{}, false
	}
	return entry, true
}

func (tier *MemoryCacheTier) purgeExpiredLocked() {
	if len(tier.entries) == 0 {
		return
	}
	now := tier.now()
	for key, entry := range tier.entries {
		if !now.Before(entry.expiresAt) {
			delete(tier.entries, key)
		}
	}
}

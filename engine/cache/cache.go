// Package cache is the Redis layer in front of the durable stores. It is
// write-through with invalidation-on-mutation, and it only ever accelerates
// decisions that are safe to serve stale: a cache hit may deny fast, but a
// grant always falls through to the database.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with the engine's key discipline.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing client; used by tests with miniature or
// mock servers.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// --- Consent Flags ---

// GetConsentFlag returns the cached consent decision. ok is false on a
// cache miss; errors are returned so callers can decide to fall through.
func (c *Cache) GetConsentFlag(ctx context.Context, accountID, documentType string) (granted bool, ok bool, err error) {
	val, err := c.client.Get(ctx, ConsentKey(accountID, documentType)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	granted, err = strconv.ParseBool(val)
	if err != nil {
		return false, false, nil
	}
	return granted, true, nil
}

// SetConsentFlag writes through the consent decision with the cache TTL.
func (c *Cache) SetConsentFlag(ctx context.Context, accountID, documentType string, granted bool) error {
	return c.client.Set(ctx, ConsentKey(accountID, documentType), strconv.FormatBool(granted), c.ttl).Err()
}

// InvalidateConsent drops the cached decision after a mutation.
func (c *Cache) InvalidateConsent(ctx context.Context, accountID, documentType string) error {
	return c.client.Del(ctx, ConsentKey(accountID, documentType)).Err()
}

// --- Revoked-token Deny List ---

// MarkTokenRevoked records a deny-list entry until the token's own expiry;
// past that point validation fails on expires_at anyway.
func (c *Cache) MarkTokenRevoked(ctx context.Context, tokenHash string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, RevokedTokenKey(tokenHash), "1", ttl).Err()
}

// IsTokenRevoked checks the deny list. A hit is authoritative for denial;
// a miss says nothing and the caller continues to the database.
func (c *Cache) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	err := c.client.Get(ctx, RevokedTokenKey(tokenHash)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- Consumer Idempotency ---

// ClaimOnce atomically claims an idempotency key with SET NX. The first
// caller gets true; every replay of the same event ID gets false.
func (c *Cache) ClaimOnce(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, IdempotencyKey(eventID), "1", ttl).Result()
}

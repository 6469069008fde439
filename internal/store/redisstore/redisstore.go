// Package redisstore implements the daily free-allowance flag on Redis.
// The flag is a set-once sentinel whose TTL expires at the next UTC midnight;
// the relational store stays the source of truth when Redis is unreachable.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usedSentinel = "used"
	pingTimeout  = 5 * time.Second
)

// Store implements credits.AllowanceStore using go-redis.
type Store struct {
	client *redis.Client
}

// New returns a Store over an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open parses the URL, connects, and verifies the connection with a ping.
func Open(ctx context.Context, url string) (*Store, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// HasUsedFreeCredit reports whether the flag key is set. A missing key means
// the allowance is still available.
func (store *Store) HasUsedFreeCredit(ctx context.Context, key string) (bool, error) {
	value, err := store.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value != "", nil
}

// MarkFreeCreditUsed sets the sentinel with the caller-computed TTL. Repeating
// the write is harmless: value and expiry are identical regardless of order.
func (store *Store) MarkFreeCreditUsed(ctx context.Context, key string, ttl time.Duration) error {
	return store.client.Set(ctx, key, usedSentinel, ttl).Err()
}

// Close releases the underlying client.
func (store *Store) Close() error {
	if store.client == nil {
		return nil
	}
	return store.client.Close()
}

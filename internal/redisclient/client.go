package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithRedis(rdb), nil
}

// NewWithRedis wraps an existing go-redis client
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// RunLockKey is the lock key of one (scope, snapshot_date) partition.
func RunLockKey(scope, snapshotDate string) string {
	return fmt.Sprintf("run-lock:%s:%s", scope, snapshotDate)
}

// RunResultKey is the cache key of one run's response.
func RunResultKey(runID string) string {
	return fmt.Sprintf("run-result:%s", runID)
}

// AcquireRunLock takes the partition lock for token. It returns false when
// another run holds it.
func (c *Client) AcquireRunLock(ctx context.Context, scope, snapshotDate, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, RunLockKey(scope, snapshotDate), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

// ReleaseRunLock releases the partition lock if token still owns it. A lock
// that expired and was taken by another run is left alone.
func (c *Client) ReleaseRunLock(ctx context.Context, scope, snapshotDate, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{RunLockKey(scope, snapshotDate)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// RunLockOwner returns the token holding the partition lock, or "" if free.
func (c *Client) RunLockOwner(ctx context.Context, scope, snapshotDate string) (string, error) {
	owner, err := c.rdb.Get(ctx, RunLockKey(scope, snapshotDate)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

// SetRunResult stores a serialized run response with TTL
func (c *Client) SetRunResult(ctx context.Context, runID string, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, RunResultKey(runID), payload, ttl).Err()
}

// GetRunResult retrieves a cached run response. found is false when the key
// is absent or expired.
func (c *Client) GetRunResult(ctx context.Context, runID string) (payload []byte, found bool, err error) {
	b, err := c.rdb.Get(ctx, RunResultKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

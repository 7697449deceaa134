// Package redis provides live operational state for the stratum server:
// the active connection gauge and the latest broadcast job, for dashboards
// and cross-instance visibility.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the stratum server
type Client struct {
	rdb      *redis.Client
	serverID uint8
}

// NewClient creates a new Redis client scoped to a server instance
func NewClient(addr string, serverID uint8) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, serverID: serverID}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetConnectionCount publishes the live session count for this instance.
// The key expires so a dead instance disappears from dashboards.
func (c *Client) SetConnectionCount(ctx context.Context, count int) error {
	key := fmt.Sprintf("sserver:%d:connections", c.serverID)
	if err := c.rdb.Set(ctx, key, count, 2*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set connection count: %w", err)
	}
	return nil
}

// SetLatestJob records the most recently broadcast job id and height.
func (c *Client) SetLatestJob(ctx context.Context, jobID uint64, height int32) error {
	key := fmt.Sprintf("sserver:%d:latest_job", c.serverID)
	value := fmt.Sprintf("%d:%d", jobID, height)
	if err := c.rdb.Set(ctx, key, value, 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set latest job: %w", err)
	}
	return nil
}

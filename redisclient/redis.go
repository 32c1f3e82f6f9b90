// Package redisclient wraps a go-redis client used as the optional
// distributed backend for the rate limiter's decision cache.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glmrelay/proxy/config"
)

type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

func (r *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Get returns the cached decision payload for key, or redis.Nil if absent.
func (r *Client) Get(ctx context.Context, key string) (string, error) {
	return r.c.Get(ctx, key).Result()
}

// Set stores a decision payload with the given TTL.
func (r *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// Del removes a cached value. The rate limiter's decision cache does not
// call it; remote entries expire through their TTL.
func (r *Client) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// IsNilErr reports whether err is redis.Nil, the "key does not exist" sentinel.
func IsNilErr(err error) bool { return err == redis.Nil }

// IsNilErr is the method form, satisfying ratelimit.RemoteBackend.
func (r *Client) IsNilErr(err error) bool { return IsNilErr(err) }

func (r *Client) Close() error { return r.c.Close() }

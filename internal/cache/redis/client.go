// Package redis provides the shared locks, rate limiter and settlement
// event bus on top of go-redis/v9. Every key and channel lives under one
// prefix so several deployments can share a server.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "flashexec"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// KeyPrefix namespaces every key; defaults to "flashexec".
	KeyPrefix string
	// DialTimeout also bounds the startup ping.
	DialTimeout time.Duration
}

// Client wraps a go-redis client with the deployment's key namespace.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects and pings the server. Locks and claims are only safe when
// every replica reaches the same server, so an unreachable Redis is an error.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := &Client{rdb: redis.NewClient(opts), prefix: strings.TrimSuffix(cfg.KeyPrefix, ":")}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Key joins parts under the client's prefix: Key("lock", "id") is
// "flashexec:lock:id".
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.rdb.Options().Addr, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/configs"
)

// RedisConnector hands out the shared Redis client. The connector owns the
// client lifetime; callers never close what they did not open.
type RedisConnector interface {
	Client() redis.UniversalClient
	Ping(ctx context.Context) error
	Close() error
}

type redisConnector struct {
	client redis.UniversalClient
	logger commons.Logger
}

// NewRedisConnector parses the configured URL, dials Redis, and verifies the
// connection with a bounded ping. A bad URL or unreachable server is a hard
// failure so misconfiguration surfaces at startup.
func NewRedisConnector(cfg configs.RedisConfig, logger commons.Logger) (RedisConnector, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url %q: %w", cfg.URL, err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}

	logger.Infof("redis: connected to %s db=%d", opts.Addr, opts.DB)
	return &redisConnector{client: client, logger: logger}, nil
}

// NewRedisConnectorFromClient wraps an existing client. Used by tests with
// redismock.
func NewRedisConnectorFromClient(client redis.UniversalClient, logger commons.Logger) RedisConnector {
	return &redisConnector{client: client, logger: logger}
}

func (c *redisConnector) Client() redis.UniversalClient { return c.client }

func (c *redisConnector) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisConnector) Close() error {
	return c.client.Close()
}

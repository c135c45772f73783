// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package pubsub

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/connectors"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"

	streamMaxLen = 100000
	readBlock    = 2 * time.Second
	readCount    = 64
)

// redisStreamAdapter is the durable keyed log backend. One Redis stream per
// topic: XADD preserves total append order, which subsumes per-key order, and
// consumer groups give at-least-once delivery with explicit XACK.
type redisStreamAdapter struct {
	redis  connectors.RedisConnector
	logger commons.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// NewRedisStreamAdapter wraps an established Redis connection.
func NewRedisStreamAdapter(rc connectors.RedisConnector, logger commons.Logger) Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &redisStreamAdapter{
		redis:  rc,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *redisStreamAdapter) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return a.redis.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldKey:     key,
			fieldPayload: payload,
		},
	}).Err()
}

func (a *redisStreamAdapter) Subscribe(ctx context.Context, topic, consumerGroup string, handler Handler) error {
	err := a.redis.Client().XGroupCreateMkStream(ctx, topic, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}

	consumer := consumerGroup + "-" + uuid.NewString()
	a.wg.Add(1)
	go a.consumeLoop(ctx, topic, consumerGroup, consumer, handler)
	return nil
}

func (a *redisStreamAdapter) consumeLoop(ctx context.Context, topic, group, consumer string, handler Handler) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.ctx.Done():
			return
		default:
		}

		streams, err := a.redis.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil || a.ctx.Err() != nil {
				continue
			}
			a.logger.Warnf("pubsub: xreadgroup on %s failed: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg := Message{}
				if k, ok := entry.Values[fieldKey].(string); ok {
					msg.Key = k
				}
				if p, ok := entry.Values[fieldPayload].(string); ok {
					msg.Payload = []byte(p)
				}
				if err := handler(ctx, msg); err != nil {
					// Leave unacked for redelivery; the consumer tolerates
					// duplicates.
					a.logger.Warnf("pubsub: handler failed on %s id=%s: %v", topic, entry.ID, err)
					continue
				}
				if err := a.redis.Client().XAck(ctx, topic, group, entry.ID).Err(); err != nil {
					a.logger.Warnf("pubsub: xack failed on %s id=%s: %v", topic, entry.ID, err)
				}
			}
		}
	}
}

func (a *redisStreamAdapter) Healthy(ctx context.Context) bool {
	return a.redis.Ping(ctx) == nil
}

func (a *redisStreamAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	a.wg.Wait()
	return a.redis.Close()
}

// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_call_registry

import (
	"context"
	"time"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/connectors"
)

const (
	registryKeyPrefix = "vocalis:call:"
	registryTTL       = 24 * time.Hour
	writeTimeout      = 2 * time.Second
)

// CallRegistry records live call metadata for external dashboards. All writes
// are fire-and-forget: a registry outage never affects the audio path.
type CallRegistry interface {
	Register(interactionID string, fields map[string]interface{})
	MarkEnded(interactionID string, reason string)
}

type redisCallRegistry struct {
	redis  connectors.RedisConnector
	logger commons.Logger
}

// New builds a Redis-backed registry.
func New(rc connectors.RedisConnector, logger commons.Logger) CallRegistry {
	return &redisCallRegistry{redis: rc, logger: logger}
}

func (r *redisCallRegistry) Register(interactionID string, fields map[string]interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		key := registryKeyPrefix + interactionID
		client := r.redis.Client()
		if err := client.HSet(ctx, key, fields).Err(); err != nil {
			r.logger.Warnf("registry: register %s failed: %v", interactionID, err)
			return
		}
		if err := client.Expire(ctx, key, registryTTL).Err(); err != nil {
			r.logger.Warnf("registry: expire %s failed: %v", interactionID, err)
		}
	}()
}

func (r *redisCallRegistry) MarkEnded(interactionID string, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		key := registryKeyPrefix + interactionID
		err := r.redis.Client().HSet(ctx, key, map[string]interface{}{
			"status":      "ended",
			"end_reason":  reason,
			"ended_at_ms": time.Now().UnixMilli(),
		}).Err()
		if err != nil {
			r.logger.Warnf("registry: mark-ended %s failed: %v", interactionID, err)
		}
	}()
}

// noopRegistry is used when no registry backend is configured.
type noopRegistry struct{}

// NewNoop builds a registry that records nothing.
func NewNoop() CallRegistry { return noopRegistry{} }

func (noopRegistry) Register(string, map[string]interface{}) {}
func (noopRegistry) MarkEnded(string, string)                {}

// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package pubsub

import (
	"context"
	"fmt"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/configs"
	"github.com/vocalisai/pkg/connectors"
)

// Adapter names accepted by PUBSUB__ADAPTER.
const (
	AdapterDurableLog = "durable-log"
	AdapterBroker     = "broker"
	AdapterInMemory   = "in-memory"
)

// Message is one delivered record. Key is the ordering key (interaction id);
// Payload is the JSON-encoded record.
type Message struct {
	Key     string
	Payload []byte
}

// Handler consumes one message. Returning an error leaves the message
// unacknowledged on backends that track delivery, so it may be redelivered
// (at-least-once semantics).
type Handler func(ctx context.Context, msg Message) error

// Adapter is the pluggable pub/sub fabric. Per-key ordering is preserved when
// the backend supports keyed streams; delivery is at-least-once.
type Adapter interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error

	// Subscribe registers handler for topic under consumerGroup and starts
	// consuming until ctx is cancelled or the adapter is closed.
	Subscribe(ctx context.Context, topic, consumerGroup string, handler Handler) error

	// Healthy reports whether the backend currently accepts publishes.
	Healthy(ctx context.Context) bool

	Close() error
}

// NewAdapter builds the configured backend. A missing backend URL for a
// non-in-memory adapter is a hard startup failure.
func NewAdapter(cfg configs.PubSubConfig, logger commons.Logger) (Adapter, error) {
	switch cfg.Adapter {
	case AdapterDurableLog:
		if cfg.Redis.URL == "" {
			return nil, fmt.Errorf("pubsub: durable-log adapter requires PUBSUB__REDIS__URL")
		}
		redis, err := connectors.NewRedisConnector(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return NewRedisStreamAdapter(redis, logger), nil
	case AdapterBroker:
		if cfg.Mqtt.BrokerURL == "" {
			return nil, fmt.Errorf("pubsub: broker adapter requires PUBSUB__MQTT__BROKER_URL")
		}
		return NewMqttAdapter(cfg.Mqtt, logger)
	case AdapterInMemory:
		return NewMemoryAdapter(logger), nil
	default:
		return nil, fmt.Errorf("pubsub: unknown adapter %q", cfg.Adapter)
	}
}

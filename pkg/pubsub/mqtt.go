// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package pubsub

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/configs"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// mqttAdapter is the broker backend. Messages are published at QoS 1
// (at-least-once) on "<topic>/<key>"; per-key ordering holds because MQTT
// preserves order per topic filter at QoS 1 on a single connection.
type mqttAdapter struct {
	client mqtt.Client
	logger commons.Logger
}

// NewMqttAdapter dials the broker and blocks until connected or timed out.
func NewMqttAdapter(cfg configs.MqttConfig, logger commons.Logger) (Adapter, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "vocalis-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warnf("pubsub: mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("pubsub: mqtt connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("pubsub: mqtt connect failed: %w", err)
	}

	logger.Infof("pubsub: mqtt connected to %s as %s", cfg.BrokerURL, clientID)
	return &mqttAdapter{client: client, logger: logger}, nil
}

func (a *mqttAdapter) Publish(ctx context.Context, topic, key string, payload []byte) error {
	token := a.client.Publish(topic+"/"+key, 1, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("pubsub: mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

func (a *mqttAdapter) Subscribe(ctx context.Context, topic, consumerGroup string, handler Handler) error {
	// Shared subscription scopes delivery to one member of the group.
	filter := "$share/" + consumerGroup + "/" + topic + "/#"
	token := a.client.Subscribe(filter, 1, func(_ mqtt.Client, m mqtt.Message) {
		key := ""
		if idx := strings.LastIndex(m.Topic(), "/"); idx >= 0 {
			key = m.Topic()[idx+1:]
		}
		if err := handler(ctx, Message{Key: key, Payload: m.Payload()}); err != nil {
			a.logger.Warnf("pubsub: mqtt handler failed on %s: %v", m.Topic(), err)
		}
	})
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("pubsub: mqtt subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (a *mqttAdapter) Healthy(ctx context.Context) bool {
	return a.client.IsConnectionOpen()
}

func (a *mqttAdapter) Close() error {
	a.client.Disconnect(250)
	return nil
}

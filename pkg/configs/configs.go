// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package configs

// RedisConfig carries connection settings for the Redis-backed pieces
// (durable keyed log, call registry).
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MqttConfig carries connection settings for the broker pub/sub backend.
type MqttConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// PubSubConfig selects and configures the pub/sub adapter backend.
// Adapter is one of "durable-log", "broker", "in-memory".
type PubSubConfig struct {
	Adapter string      `mapstructure:"adapter" validate:"required,oneof=durable-log broker in-memory"`
	Redis   RedisConfig `mapstructure:"redis"`
	Mqtt    MqttConfig  `mapstructure:"mqtt"`
}

// TLSConfig holds the optional listener certificate pair. Both paths must be
// set together or not at all.
type TLSConfig struct {
	KeyPath  string `mapstructure:"key_path"`
	CertPath string `mapstructure:"cert_path"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool { return t.KeyPath != "" && t.CertPath != "" }

// Valid reports whether the pair is consistent (both or neither).
func (t TLSConfig) Valid() bool {
	return (t.KeyPath == "") == (t.CertPath == "")
}

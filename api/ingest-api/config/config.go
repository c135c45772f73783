// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package ingest_config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/vocalisai/pkg/configs"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// Native-protocol replay ring, bounded by wall-clock duration of audio.
	BufferDurationMs int `mapstructure:"buffer_duration_ms" validate:"required,min=100,max=30000"`
	// Frames between ack messages on the native protocol.
	AckInterval int `mapstructure:"ack_interval" validate:"required,min=1,max=1000"`

	// TLS: both or neither.
	SSLKeyPath  string `mapstructure:"ssl_key_path"`
	SSLCertPath string `mapstructure:"ssl_cert_path"`

	PubSub configs.PubSubConfig `mapstructure:"pubsub" validate:"required"`

	// Telephony bridge (Exotel-style JSON-over-WebSocket ingress).
	SupportExotel    bool `mapstructure:"support_exotel"`
	ExoBridgeEnabled bool `mapstructure:"exo_bridge_enabled"`
	ExoMaxBufferMs   int  `mapstructure:"exo_max_buffer_ms" validate:"required,min=100,max=10000"`
	// Multiply 8 kHz samples by this factor before publishing; 1.0 disables.
	AmplificationFactor float64 `mapstructure:"amplification_factor" validate:"min=0"`

	// RS256 public key for native-protocol bearer tokens. Required only when
	// the telephony bridge is not the sole ingress.
	AuthPublicKeyPath string `mapstructure:"auth_public_key_path"`

	// Optional registry of live call metadata, keyed by interaction id.
	RegistryRedis configs.RedisConfig `mapstructure:"registry_redis"`
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c *AppConfig) TLSEnabled() bool {
	return c.SSLKeyPath != "" && c.SSLCertPath != ""
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "ingest-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("BUFFER_DURATION_MS", 5000)
	v.SetDefault("ACK_INTERVAL", 50)
	v.SetDefault("SSL_KEY_PATH", "")
	v.SetDefault("SSL_CERT_PATH", "")

	v.SetDefault("PUBSUB__ADAPTER", "durable-log")
	v.SetDefault("PUBSUB__REDIS__URL", "")
	v.SetDefault("PUBSUB__MQTT__BROKER_URL", "")

	v.SetDefault("SUPPORT_EXOTEL", true)
	v.SetDefault("EXO_BRIDGE_ENABLED", true)
	v.SetDefault("EXO_MAX_BUFFER_MS", 3000)
	v.SetDefault("AMPLIFICATION_FACTOR", 1.0)

	v.SetDefault("AUTH_PUBLIC_KEY_PATH", "")
	v.SetDefault("REGISTRY_REDIS__URL", "")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err = validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	if (config.SSLKeyPath == "") != (config.SSLCertPath == "") {
		return nil, fmt.Errorf("config: SSL_KEY_PATH and SSL_CERT_PATH must be set together")
	}
	return &config, nil
}

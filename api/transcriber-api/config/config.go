// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package transcriber_config

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

	PubSub configs.PubSubConfig `mapstructure:"pubsub" validate:"required"`
	// Consumer group name for the audio and call-end subscriptions.
	ConsumerGroup string `mapstructure:"consumer_group" validate:"required"`

	// ASR provider selection and credentials. Credential keys nest under the
	// provider name so DEEPGRAM__API_KEY splits on the viper key delimiter.
	ASRProvider string         `mapstructure:"asr_provider" validate:"required,oneof=deepgram sarvam"`
	Deepgram    DeepgramConfig `mapstructure:"deepgram"`
	Sarvam      SarvamConfig   `mapstructure:"sarvam"`

	// Recognition tuning, passed through to the provider session.
	Model             string `mapstructure:"asr_model"`
	Language          string `mapstructure:"asr_language" validate:"required"`
	IncludeTimestamps bool   `mapstructure:"asr_include_timestamps"`
	VadSilenceMs      int    `mapstructure:"asr_vad_silence_ms" validate:"min=0,max=10000"`
	MinSpeechMs       int    `mapstructure:"asr_min_speech_ms" validate:"min=0,max=10000"`
	CommitIntervalMs  int    `mapstructure:"asr_commit_interval_ms" validate:"min=0,max=300000"`

	// Chunks exempt from silence suppression at call start; 0 disables the
	// warm-up window entirely.
	SilenceWarmup int `mapstructure:"silence_warmup" validate:"min=0,max=1000"`

	// Session recovery.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" validate:"required,min=1,max=10"`
}

// DeepgramConfig carries the keyed-session provider credentials.
type DeepgramConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SarvamConfig carries the continuous-recognition provider credentials.
type SarvamConfig struct {
	APIKey string `mapstructure:"api_key"`
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

	v.SetDefault("SERVICE_NAME", "transcriber-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8081)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("PUBSUB__ADAPTER", "durable-log")
	v.SetDefault("PUBSUB__REDIS__URL", "")
	v.SetDefault("PUBSUB__MQTT__BROKER_URL", "")
	v.SetDefault("CONSUMER_GROUP", "transcriber")

	v.SetDefault("ASR_PROVIDER", "deepgram")
	v.SetDefault("DEEPGRAM__API_KEY", "")
	v.SetDefault("SARVAM__API_KEY", "")

	v.SetDefault("ASR_MODEL", "")
	v.SetDefault("ASR_LANGUAGE", "en")
	v.SetDefault("ASR_INCLUDE_TIMESTAMPS", false)
	v.SetDefault("ASR_VAD_SILENCE_MS", 1000)
	v.SetDefault("ASR_MIN_SPEECH_MS", 0)
	v.SetDefault("ASR_COMMIT_INTERVAL_MS", 0)

	v.SetDefault("SILENCE_WARMUP", 10)
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 3)
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

	// The selected provider must have its credential present; a missing key is
	// a startup failure, not a per-call one.
	switch config.ASRProvider {
	case "deepgram":
		if config.Deepgram.APIKey == "" {
			return nil, fmt.Errorf("config: DEEPGRAM__API_KEY is required when ASR_PROVIDER=deepgram")
		}
	case "sarvam":
		if config.Sarvam.APIKey == "" {
			return nil, fmt.Errorf("config: SARVAM__API_KEY is required when ASR_PROVIDER=sarvam")
		}
	}
	return &config, nil
}

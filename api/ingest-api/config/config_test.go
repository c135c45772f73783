package ingest_config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetApplicationConfig_Defaults(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)

	cfg, err := GetApplicationConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "ingest-api", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5000, cfg.BufferDurationMs)
	assert.Equal(t, 50, cfg.AckInterval)
	assert.Equal(t, "durable-log", cfg.PubSub.Adapter)
	assert.Equal(t, 3000, cfg.ExoMaxBufferMs)
	assert.True(t, cfg.SupportExotel)
	assert.False(t, cfg.TLSEnabled())
}

func TestGetApplicationConfig_RangeValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
	}{
		{"port zero", "PORT", 0},
		{"port too big", "PORT", 70000},
		{"buffer below floor", "BUFFER_DURATION_MS", 50},
		{"buffer above ceiling", "BUFFER_DURATION_MS", 60000},
		{"ack interval zero", "ACK_INTERVAL", 0},
		{"ack interval too big", "ACK_INTERVAL", 5000},
		{"exo buffer below floor", "EXO_MAX_BUFFER_MS", 10},
		{"exo buffer above ceiling", "EXO_MAX_BUFFER_MS", 20000},
		{"bad log level", "LOG_LEVEL", "chatty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := InitConfig()
			require.NoError(t, err)
			v.Set(tt.key, tt.value)

			_, err = GetApplicationConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestGetApplicationConfig_TLSBothOrNeither(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)
	v.Set("SSL_KEY_PATH", "/etc/vocalis/tls.key")

	_, err = GetApplicationConfig(v)
	assert.Error(t, err)

	v.Set("SSL_CERT_PATH", "/etc/vocalis/tls.crt")
	cfg, err := GetApplicationConfig(v)
	require.NoError(t, err)
	assert.True(t, cfg.TLSEnabled())
}

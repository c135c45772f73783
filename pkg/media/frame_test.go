package media

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmChunk(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestNewAudioFrame_Valid(t *testing.T) {
	f, err := NewAudioFrame("t1", "CA1", 1, 1700000000000, 8000, pcmChunk(640))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, EncodingPCM16, f.Encoding)
	assert.Equal(t, 8000, f.SampleRate)
	assert.Equal(t, 20, f.DurationMs(), "640 bytes at 8kHz is 20ms")
}

func TestNewAudioFrame_AssignsTimestamp(t *testing.T) {
	f, err := NewAudioFrame("t1", "CA1", 1, 0, 16000, pcmChunk(640))
	require.NoError(t, err)
	assert.NotZero(t, f.TimestampMs, "server assigns timestamp when origin omits it")
}

func TestNewAudioFrame_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		payload    []byte
	}{
		{"empty payload", 8000, nil},
		{"odd length", 8000, pcmChunk(641)},
		{"one byte", 8000, pcmChunk(1)},
		{"unsupported rate", 44100, pcmChunk(640)},
		{"unnormalized 24k", 24000, pcmChunk(960)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAudioFrame("t1", "CA1", 1, 0, tt.sampleRate, tt.payload)
			assert.Error(t, err)
		})
	}
}

func TestAudioFrame_JSONAudioIsBase64(t *testing.T) {
	payload := pcmChunk(640)
	f, err := NewAudioFrame("t1", "CA1", 3, 1700000000000, 8000, payload)
	require.NoError(t, err)

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &record))
	encoded, ok := record["audio"].(string)
	require.True(t, ok, "audio must serialize as a base64 string")

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded, "base64 round trip must be bit-identical")
	assert.Zero(t, len(decoded)%2, "decoded payload length must stay even")
}

func TestAudioFrame_JSONRoundTrip(t *testing.T) {
	f, err := NewAudioFrame("t1", "CA1", 7, 1700000000123, 16000, pcmChunk(1280))
	require.NoError(t, err)

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var back AudioFrame
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, *f, back)
}

func TestDurationMs(t *testing.T) {
	tests := []struct {
		name       string
		bytes      int
		sampleRate int
		expected   int
	}{
		{"20ms at 8k", 320, 8000, 20},
		{"20ms at 16k", 640, 16000, 20},
		{"recommended floor", 4096, 16000, 128},
		{"recommended ceiling", 8192, 16000, 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &AudioFrame{SampleRate: tt.sampleRate, Audio: pcmChunk(tt.bytes)}
			assert.Equal(t, tt.expected, f.DurationMs())
		})
	}
}

func TestSamples(t *testing.T) {
	payload := []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80} // 1, -1, -32768
	samples := Samples(payload, 0)
	require.Len(t, samples, 3)
	assert.Equal(t, int16(1), samples[0])
	assert.Equal(t, int16(-1), samples[1])
	assert.Equal(t, int16(-32768), samples[2])

	assert.Len(t, Samples(payload, 2), 2, "window cap applies")
}

func TestTranscript_Empty(t *testing.T) {
	assert.True(t, Transcript{}.Empty())
	assert.False(t, Transcript{Text: "hello"}.Empty())
}

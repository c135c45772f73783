package internal_audio_gate

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
)

func newGate(t *testing.T, warmup int) *Gate {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return New(warmup, logger)
}

// chunk builds a 4096-byte buffer whose first samples repeat amplitude.
func chunk(amplitude int16) []byte {
	buf := make([]byte, 4096)
	for i := 0; i+1 < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(amplitude))
	}
	return buf
}

func TestInspect_AllZeroIsSilence(t *testing.T) {
	gate := newGate(t, 10)
	verdict, err := gate.Inspect("CA1", chunk(0), media.SampleRateNarrowband, 11)
	require.NoError(t, err)
	assert.True(t, verdict.AllZero)
	assert.True(t, verdict.Silence)
	assert.True(t, verdict.Suppress)
}

func TestInspect_WarmupNeverSuppresses(t *testing.T) {
	gate := newGate(t, 10)
	for idx := uint64(1); idx <= 10; idx++ {
		verdict, err := gate.Inspect("CA1", chunk(0), media.SampleRateNarrowband, idx)
		require.NoError(t, err)
		assert.True(t, verdict.Silence)
		assert.False(t, verdict.Suppress, "chunk %d inside warm-up", idx)
	}

	verdict, err := gate.Inspect("CA1", chunk(0), media.SampleRateNarrowband, 11)
	require.NoError(t, err)
	assert.True(t, verdict.Suppress)
}

func TestInspect_ZeroWarmupSuppressesImmediately(t *testing.T) {
	gate := newGate(t, 0)
	verdict, err := gate.Inspect("CA1", chunk(0), media.SampleRateNarrowband, 1)
	require.NoError(t, err)
	assert.True(t, verdict.Suppress)
}

func TestInspect_ThresholdsPerRate(t *testing.T) {
	gate := newGate(t, 0)

	// Amplitude 500 is speech at 8 kHz but below the wideband floors.
	loud8k, err := gate.Inspect("CA1", chunk(500), media.SampleRateNarrowband, 1)
	require.NoError(t, err)
	assert.False(t, loud8k.Silence)

	quiet16k, err := gate.Inspect("CA1", chunk(50), media.SampleRateWideband, 1)
	require.NoError(t, err)
	assert.True(t, quiet16k.Silence)

	loud16k, err := gate.Inspect("CA1", chunk(2000), media.SampleRateWideband, 1)
	require.NoError(t, err)
	assert.False(t, loud16k.Silence)
}

func TestInspect_ErrorsOnBadInput(t *testing.T) {
	gate := newGate(t, 10)

	_, err := gate.Inspect("CA1", nil, media.SampleRateNarrowband, 1)
	assert.Error(t, err)

	_, err = gate.Inspect("CA1", chunk(100), 0, 1)
	assert.Error(t, err)
}

func TestInspect_BoundarySizesAccepted(t *testing.T) {
	gate := newGate(t, 10)

	verdict, err := gate.Inspect("CA1", make([]byte, 4096), media.SampleRateNarrowband, 1)
	require.NoError(t, err)
	assert.True(t, verdict.AllZero)

	verdict, err = gate.Inspect("CA1", make([]byte, 8192), media.SampleRateNarrowband, 1)
	require.NoError(t, err)
	assert.True(t, verdict.AllZero)
}

func TestInspect_EnergyReported(t *testing.T) {
	gate := newGate(t, 10)
	verdict, err := gate.Inspect("CA1", chunk(1000), media.SampleRateNarrowband, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, verdict.Energy, 1.0)
	assert.Equal(t, 1000, verdict.MaxAmp)
}

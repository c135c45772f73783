// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_audio_gate

import (
	"fmt"
	"math"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
)

const (
	// Energy/amplitude floors below which a frame counts as silence,
	// calibrated per session rate. Telephony narrowband needs far lower
	// floors than wideband.
	narrowbandEnergyThreshold    = 10.0
	narrowbandAmplitudeThreshold = 10
	widebandEnergyThreshold      = 100.0
	widebandAmplitudeThreshold   = 1000

	// The provider needs a baseline before suppression kicks in.
	defaultWarmupChunks = 10

	sampleWindow = 100

	recommendedMinBytes = 4096
	recommendedMaxBytes = 8192
)

// Verdict is the gate's decision for one outbound chunk.
type Verdict struct {
	Silence bool
	// Suppress is Silence past the warm-up window; suppressed chunks are
	// never transmitted to the provider.
	Suppress bool
	Energy   float64
	MaxAmp   int
	AllZero  bool
}

// Gate inspects outbound chunks per interaction and decides whether they are
// worth sending to the provider at all.
type Gate struct {
	logger       commons.Logger
	warmupChunks int
}

// New builds a gate with the standard 10-chunk warm-up. warmupChunks of 0
// disables warm-up entirely, suppressing silence from the first chunk.
func New(warmupChunks int, logger commons.Logger) *Gate {
	if warmupChunks < 0 {
		warmupChunks = defaultWarmupChunks
	}
	return &Gate{logger: logger, warmupChunks: warmupChunks}
}

// Inspect evaluates one chunk. chunkIndex is 1-based within the call.
func (g *Gate) Inspect(interactionID string, payload []byte, sampleRate int, chunkIndex uint64) (Verdict, error) {
	if len(payload) == 0 {
		return Verdict{}, fmt.Errorf("gate: empty chunk for %s", interactionID)
	}
	if sampleRate <= 0 {
		return Verdict{}, fmt.Errorf("gate: missing sample rate for %s", interactionID)
	}
	if len(payload) < recommendedMinBytes || len(payload) > recommendedMaxBytes {
		g.logger.Verbosef("gate:size:"+interactionID,
			"gate: %s chunk of %d bytes outside recommended %d-%d",
			interactionID, len(payload), recommendedMinBytes, recommendedMaxBytes)
	}

	verdict := g.measure(payload, sampleRate)
	verdict.Suppress = verdict.Silence && chunkIndex > uint64(g.warmupChunks)
	return verdict, nil
}

func (g *Gate) measure(payload []byte, sampleRate int) Verdict {
	samples := media.Samples(payload, sampleWindow)

	allZero := true
	var sumSquares float64
	maxAmp := 0
	for _, s := range samples {
		v := int(s)
		if v != 0 {
			allZero = false
		}
		if v < 0 {
			v = -v
		}
		if v > maxAmp {
			maxAmp = v
		}
		sumSquares += float64(s) * float64(s)
	}

	energy := 0.0
	if len(samples) > 0 {
		energy = math.Sqrt(sumSquares / float64(len(samples)))
	}

	energyThr := widebandEnergyThreshold
	ampThr := widebandAmplitudeThreshold
	if sampleRate == media.SampleRateNarrowband {
		energyThr = narrowbandEnergyThreshold
		ampThr = narrowbandAmplitudeThreshold
	}

	return Verdict{
		Silence: allZero || (energy < energyThr && maxAmp < ampThr),
		Energy:  energy,
		MaxAmp:  maxAmp,
		AllZero: allZero,
	}
}

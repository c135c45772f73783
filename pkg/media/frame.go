// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package media

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Topic names shared between the ingest service and the transcriber worker.
const (
	AudioTopic   = "vocalis.audio"
	CallEndTopic = "vocalis.call-end"
)

// EncodingPCM16 is the only payload encoding that travels on the audio topic:
// 16-bit signed linear PCM, little-endian, mono.
const EncodingPCM16 = "pcm16"

// Supported session sample rates. 24000 is accepted at the telephony edge and
// normalized to 16000 before a frame is ever constructed.
const (
	SampleRateNarrowband = 8000
	SampleRateWideband   = 16000
)

// AudioFrame is one unit of call audio as published on the audio topic.
// Frames are immutable after construction; Audio marshals as base64 through
// encoding/json's []byte handling so the wire record stays
// serialization-agnostic.
type AudioFrame struct {
	TenantID      string `json:"tenant_id"`
	InteractionID string `json:"interaction_id"`
	Seq           uint64 `json:"seq"`
	TimestampMs   int64  `json:"timestamp_ms"`
	SampleRate    int    `json:"sample_rate"`
	Encoding      string `json:"encoding"`
	Audio         []byte `json:"audio"`
}

// CallEnd is the control-topic record emitted when a call terminates.
type CallEnd struct {
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id"`
	CallSid       string `json:"call_sid,omitempty"`
	StreamSid     string `json:"stream_sid,omitempty"`
	Reason        string `json:"reason"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// TranscriptType distinguishes intermediate from segment-final results.
type TranscriptType string

const (
	TranscriptPartial TranscriptType = "partial"
	TranscriptFinal   TranscriptType = "final"
)

// Transcript is a recognition result for one interaction. Empty Text with
// IsFinal=false signals "processed, nothing to emit yet".
type Transcript struct {
	InteractionID string         `json:"interaction_id"`
	Seq           uint64         `json:"seq,omitempty"`
	Type          TranscriptType `json:"type"`
	Text          string         `json:"text"`
	Confidence    float64        `json:"confidence,omitempty"`
	IsFinal       bool           `json:"is_final"`
}

// Empty reports whether the transcript carries no recognized text.
func (t Transcript) Empty() bool { return t.Text == "" }

// NewAudioFrame validates payload shape and builds an immutable frame.
// The payload length must be even (whole int16 samples) and the sample rate
// must be one of the session rates.
func NewAudioFrame(tenantID, interactionID string, seq uint64, timestampMs int64, sampleRate int, payload []byte) (*AudioFrame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("media: empty payload for interaction %s seq %d", interactionID, seq)
	}
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("media: odd payload length %d is not valid pcm16", len(payload))
	}
	if sampleRate != SampleRateNarrowband && sampleRate != SampleRateWideband {
		return nil, fmt.Errorf("media: unsupported sample rate %d", sampleRate)
	}
	if timestampMs == 0 {
		timestampMs = time.Now().UnixMilli()
	}
	return &AudioFrame{
		TenantID:      tenantID,
		InteractionID: interactionID,
		Seq:           seq,
		TimestampMs:   timestampMs,
		SampleRate:    sampleRate,
		Encoding:      EncodingPCM16,
		Audio:         payload,
	}, nil
}

// DurationMs derives the wall-clock duration represented by the frame payload.
func (f *AudioFrame) DurationMs() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return len(f.Audio) / 2 * 1000 / f.SampleRate
}

// Samples decodes the payload window as little-endian int16, up to max
// samples (0 means all).
func Samples(payload []byte, max int) []int16 {
	n := len(payload) / 2
	if max > 0 && n > max {
		n = max
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out
}

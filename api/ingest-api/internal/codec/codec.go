// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_ingest_codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"regexp"

	"github.com/zaf/g711"

	"github.com/vocalisai/pkg/media"
)

// pcmScanWindow bounds the per-frame sample scan; frames are small so the
// first samples are representative.
const pcmScanWindow = 100

var base64Shape = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// FrameReport is the result of inspecting one decoded PCM16 buffer.
type FrameReport struct {
	DurationMs int
	AllZero    bool
	// Frame size differs wildly from the ~20 ms the telephony origin sends.
	SizeSuspicious bool
}

// IsControlMessage reports whether a buffer received on a binary frame is
// actually UTF-8 JSON. The telephony origin is known to deliver control
// events on binary frames.
func IsControlMessage(buf []byte) bool {
	trimmed := bytes.TrimLeft(buf, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// DecodeBase64 enforces the canonical alphabet shape before decoding.
// Padding in the middle, URL-safe characters, and whitespace are all
// rejected rather than silently tolerated.
func DecodeBase64(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("codec: empty payload")
	}
	if !base64Shape.MatchString(payload) {
		return nil, fmt.Errorf("codec: payload is not canonical base64")
	}
	buf, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: base64 decode failed: %w", err)
	}
	return buf, nil
}

// Inspect verifies a decoded buffer looks like PCM16 at the declared rate and
// derives its duration. It never rejects; callers decide what to drop.
func Inspect(buf []byte, sampleRate int) FrameReport {
	report := FrameReport{AllZero: true}
	if sampleRate > 0 {
		report.DurationMs = len(buf) / 2 * 1000 / sampleRate
	}

	samples := media.Samples(buf, pcmScanWindow)
	for _, s := range samples {
		if s != 0 {
			report.AllZero = false
		}
	}
	if len(samples) == 0 {
		report.AllZero = false
	}

	// Expected ~20 ms frames: bytes ≈ sample_rate * 0.04. Anything past 2x
	// either way is flagged, not dropped.
	if sampleRate > 0 {
		expected := sampleRate * 4 / 100
		if len(buf) > 2*expected || len(buf) < expected/2 {
			report.SizeSuspicious = true
		}
	}
	return report
}

// Amplify scales each sample in place by factor with a saturating clamp to
// the int16 range. A factor of 1 (or less than or equal to zero) is a no-op;
// silence stays silence under any factor.
func Amplify(buf []byte, factor float64) {
	if factor <= 0 || factor == 1 || len(buf) < 2 {
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		s := int16(binary.LittleEndian.Uint16(buf[i:]))
		scaled := float64(s) * factor
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(scaled)))
	}
}

// DecodeUlaw converts G.711 µ-law bytes to PCM16. Exotel trunks occasionally
// negotiate µ-law instead of raw linear PCM.
func DecodeUlaw(buf []byte) []byte {
	return g711.DecodeUlaw(buf)
}

// Downsample24kTo16k drops every third sample after averaging it into its
// neighbor, a fixed 3:2 decimation. The providers accept 8000 and 16000 only,
// so 24 kHz input is converted here and relabeled wideband.
func Downsample24kTo16k(buf []byte) []byte {
	in := media.Samples(buf, 0)
	// Every 3 input samples become 2: keep s0, blend s1 and s2.
	outLen := len(in) / 3 * 2
	rem := len(in) % 3
	if rem > 0 {
		outLen++ // a lone trailing sample (or pair) still contributes one
	}
	out := make([]byte, outLen*2)

	o := 0
	i := 0
	for ; i+2 < len(in); i += 3 {
		binary.LittleEndian.PutUint16(out[o*2:], uint16(in[i]))
		o++
		blended := (int32(in[i+1]) + int32(in[i+2])) / 2
		binary.LittleEndian.PutUint16(out[o*2:], uint16(int16(blended)))
		o++
	}
	if i < len(in) {
		binary.LittleEndian.PutUint16(out[o*2:], uint16(in[i]))
	}
	return out
}

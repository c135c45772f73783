// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_fallback_buffer

import (
	"sync"
	"time"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
)

type entry struct {
	frame      *media.AudioFrame
	enqueuedAt time.Time
}

// FallbackBuffer holds frames that failed to publish, per interaction, bounded
// by the wall-clock duration of the audio it contains rather than entry count.
// On overflow the oldest frames are dropped.
type FallbackBuffer struct {
	logger      commons.Logger
	maxBufferMs int

	mu    sync.Mutex
	calls map[string][]entry
}

// New builds a buffer bounded at maxBufferMs of audio per interaction.
func New(maxBufferMs int, logger commons.Logger) *FallbackBuffer {
	return &FallbackBuffer{
		logger:      logger,
		maxBufferMs: maxBufferMs,
		calls:       make(map[string][]entry),
	}
}

// Enqueue stores a frame that could not be published, evicting from the head
// until the duration bound holds again.
func (b *FallbackBuffer) Enqueue(frame *media.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := frame.InteractionID
	b.calls[id] = append(b.calls[id], entry{frame: frame, enqueuedAt: time.Now()})

	dropped := 0
	for b.totalDurationLocked(id) > b.maxBufferMs {
		b.calls[id] = b.calls[id][1:]
		dropped++
	}
	if dropped > 0 {
		b.logger.Warnf("buffer: %s over %dms bound, dropped %d oldest frames", id, b.maxBufferMs, dropped)
	}
}

func (b *FallbackBuffer) totalDurationLocked(id string) int {
	total := 0
	for _, e := range b.calls[id] {
		total += e.frame.DurationMs()
	}
	return total
}

// Drain hands buffered frames for an interaction to publish, in order, until
// one fails; the failed frame and everything after it are re-buffered. Returns
// true when nothing remains buffered for the call, so callers know newer
// frames may go out directly without overtaking older ones.
func (b *FallbackBuffer) Drain(interactionID string, publish func(*media.AudioFrame) error) bool {
	b.mu.Lock()
	pending := b.calls[interactionID]
	if len(pending) == 0 {
		b.mu.Unlock()
		return true
	}
	delete(b.calls, interactionID)
	b.mu.Unlock()

	for i, e := range pending {
		if err := publish(e.frame); err != nil {
			b.logger.Warnf("buffer: drain for %s stalled at seq %d: %v", interactionID, e.frame.Seq, err)
			b.mu.Lock()
			b.calls[interactionID] = append(pending[i:], b.calls[interactionID]...)
			b.mu.Unlock()
			return false
		}
	}
	b.logger.Infof("buffer: drained %d buffered frames for %s", len(pending), interactionID)
	return true
}

// Release discards all buffered frames for an ended call.
func (b *FallbackBuffer) Release(interactionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.calls, interactionID)
}

// Size reports the buffered frame count for an interaction.
func (b *FallbackBuffer) Size(interactionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls[interactionID])
}

// DurationMs reports the total buffered audio duration for an interaction.
func (b *FallbackBuffer) DurationMs(interactionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalDurationLocked(interactionID)
}

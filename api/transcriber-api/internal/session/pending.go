// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_session_manager

import (
	"sync"
	"time"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
)

// pendingCap bounds outstanding sends per call; over-cap drops the oldest.
const pendingCap = 100

type pendingSend struct {
	seq        uint64
	sendTime   time.Time
	bytes      int
	durationMs int
}

type resolver struct {
	seq uint64
	ch  chan media.Transcript
}

// PendingTracker matches transcript events back to outstanding sends for one
// interaction. Providers that echo sequence numbers are matched by seq;
// everything else falls back to FIFO.
type PendingTracker struct {
	logger        commons.Logger
	interactionID string

	mu        sync.Mutex
	sends     []pendingSend
	resolvers []*resolver

	timeoutCount uint64
}

// NewPendingTracker builds a tracker for one interaction.
func NewPendingTracker(interactionID string, logger commons.Logger) *PendingTracker {
	return &PendingTracker{logger: logger, interactionID: interactionID}
}

// Track registers an outstanding send and returns the channel its transcript
// will arrive on. The channel is buffered; resolution never blocks.
func (p *PendingTracker) Track(seq uint64, bytes, durationMs int) <-chan media.Transcript {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sends) >= pendingCap {
		dropped := p.sends[0]
		p.sends = p.sends[1:]
		p.logger.Warnf("pending: %s over %d outstanding, dropped seq %d", p.interactionID, pendingCap, dropped.seq)
	}
	if len(p.resolvers) >= pendingCap {
		stale := p.resolvers[0]
		p.resolvers = p.resolvers[1:]
		stale.ch <- media.Transcript{InteractionID: p.interactionID, Type: media.TranscriptPartial}
	}

	p.sends = append(p.sends, pendingSend{seq: seq, sendTime: time.Now(), bytes: bytes, durationMs: durationMs})
	res := &resolver{seq: seq, ch: make(chan media.Transcript, 1)}
	p.resolvers = append(p.resolvers, res)
	return res.ch
}

// Resolve delivers a transcript to the matching waiter. When the transcript
// carries a seq, the matching resolver is picked; otherwise the oldest one.
// Returns false when no waiter is outstanding.
func (p *PendingTracker) Resolve(t media.Transcript) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.resolvers) == 0 {
		return false
	}

	idx := 0
	if t.Seq != 0 {
		idx = -1
		for i, r := range p.resolvers {
			if r.seq == t.Seq {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Unknown echo; never hand text to the wrong waiter.
			p.logger.Warnf("pending: %s transcript for unknown seq %d", p.interactionID, t.Seq)
			return false
		}
	}

	res := p.resolvers[idx]
	p.resolvers = append(p.resolvers[:idx], p.resolvers[idx+1:]...)
	if send, ok := p.removeSendLocked(res.seq, t.Seq == 0); ok {
		p.logger.Verbosef("pending:latency:"+p.interactionID,
			"pending: %s seq %d resolved in %s", p.interactionID, res.seq, time.Since(send.sendTime))
	}

	t.InteractionID = p.interactionID
	res.ch <- t
	return true
}

// removeSendLocked drops the pending send for seq, or the oldest when fifo.
func (p *PendingTracker) removeSendLocked(seq uint64, fifo bool) (pendingSend, bool) {
	if len(p.sends) == 0 {
		return pendingSend{}, false
	}
	if fifo {
		send := p.sends[0]
		p.sends = p.sends[1:]
		return send, true
	}
	for i, send := range p.sends {
		if send.seq == seq {
			p.sends = append(p.sends[:i], p.sends[i+1:]...)
			return send, true
		}
	}
	return pendingSend{}, false
}

// Expire removes one outstanding send by seq and resolves its waiter with an
// empty transcript. Called when the transcript deadline elapses.
func (p *PendingTracker) Expire(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.resolvers {
		if r.seq == seq {
			p.resolvers = append(p.resolvers[:i], p.resolvers[i+1:]...)
			p.removeSendLocked(seq, false)
			p.timeoutCount++
			r.ch <- media.Transcript{InteractionID: p.interactionID, Type: media.TranscriptPartial}
			return
		}
	}
}

// DrainEmpty resolves every outstanding waiter with an empty transcript, used
// on graceful close so no waiter leaks.
func (p *PendingTracker) DrainEmpty() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	drained := len(p.resolvers)
	for _, r := range p.resolvers {
		r.ch <- media.Transcript{InteractionID: p.interactionID, Type: media.TranscriptPartial}
	}
	p.resolvers = nil
	p.sends = nil
	return drained
}

// Outstanding reports the number of unresolved sends.
func (p *PendingTracker) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resolvers)
}

// TimeoutCount reports how many waits expired.
func (p *PendingTracker) TimeoutCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeoutCount
}

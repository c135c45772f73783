// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_asr_worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	internal_session_manager "github.com/vocalisai/api/transcriber-api/internal/session"
	internal_transformer "github.com/vocalisai/api/transcriber-api/internal/transformer"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
	"github.com/vocalisai/pkg/pubsub"
)

const (
	// Queued frames per call before the subscription backs off.
	laneDepth = 64
	// Lanes with no traffic retire themselves; a later frame recreates one.
	laneIdleTimeout = 5 * time.Minute
)

// laneItem carries exactly one of: an audio frame or a call-end record. Both
// travel on the same per-call lane so call-end is processed after every frame
// that preceded it.
type laneItem struct {
	frame *media.AudioFrame
	end   *media.CallEnd
}

type lane struct {
	ch   chan laneItem
	gone chan struct{}
}

// Worker consumes the audio and call-end topics and drives the session
// manager. Messages for one interaction are processed strictly in order on a
// dedicated lane; different interactions run in parallel.
type Worker struct {
	logger  commons.Logger
	adapter pubsub.Adapter
	manager *internal_session_manager.Manager
	group   string

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
	stop  chan struct{}

	framesSeen   atomic.Uint64
	framesOk     atomic.Uint64
	framesEmpty  atomic.Uint64
	framesFailed atomic.Uint64
	callEnds     atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewWorker wires the consumer to the manager.
func NewWorker(adapter pubsub.Adapter, manager *internal_session_manager.Manager, consumerGroup string, logger commons.Logger) *Worker {
	return &Worker{
		logger:  logger,
		adapter: adapter,
		manager: manager,
		group:   consumerGroup,
		lanes:   make(map[string]*lane),
		stop:    make(chan struct{}),
	}
}

// Run subscribes both topics and blocks until ctx is cancelled, then performs
// the ordered shutdown: stop intake, close the adapter, drain lanes, close
// every provider session.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.adapter.Subscribe(ctx, media.AudioTopic, w.group, w.handleAudio); err != nil {
		return fmt.Errorf("worker: audio subscription failed: %w", err)
	}
	if err := w.adapter.Subscribe(ctx, media.CallEndTopic, w.group, w.handleCallEnd); err != nil {
		return fmt.Errorf("worker: call-end subscription failed: %w", err)
	}
	w.logger.Infof("worker: consuming %s and %s as group %s", media.AudioTopic, media.CallEndTopic, w.group)

	<-ctx.Done()

	w.logger.Infof("worker: shutting down, stopping intake")
	if err := w.adapter.Close(); err != nil {
		w.logger.Warnf("worker: adapter close failed: %v", err)
	}

	// Intake is stopped; tell every lane to drain and exit.
	close(w.stop)
	w.wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.manager.CloseAll(closeCtx)

	w.logger.Infof("worker: done, frames=%d ok=%d empty=%d failed=%d ends=%d decode_errors=%d",
		w.framesSeen.Load(), w.framesOk.Load(), w.framesEmpty.Load(),
		w.framesFailed.Load(), w.callEnds.Load(), w.decodeErrors.Load())
	return nil
}

// ===================== Topic handlers =====================

func (w *Worker) handleAudio(ctx context.Context, msg pubsub.Message) error {
	var frame media.AudioFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		w.decodeErrors.Add(1)
		w.logger.Warnf("worker: dropping undecodable audio record key=%s: %v", msg.Key, err)
		// Acked: a malformed record will never decode on redelivery.
		return nil
	}
	if frame.InteractionID == "" {
		w.decodeErrors.Add(1)
		return nil
	}
	w.framesSeen.Add(1)
	w.dispatch(ctx, frame.InteractionID, laneItem{frame: &frame})
	return nil
}

func (w *Worker) handleCallEnd(ctx context.Context, msg pubsub.Message) error {
	var end media.CallEnd
	if err := json.Unmarshal(msg.Payload, &end); err != nil {
		w.decodeErrors.Add(1)
		w.logger.Warnf("worker: dropping undecodable call-end record key=%s: %v", msg.Key, err)
		return nil
	}
	if end.InteractionID == "" {
		w.decodeErrors.Add(1)
		return nil
	}
	w.callEnds.Add(1)
	w.dispatch(ctx, end.InteractionID, laneItem{end: &end})
	return nil
}

// ===================== Lane dispatch =====================

// dispatch queues the item on the call's lane, creating one when needed. A
// full lane blocks the subscription, which is the backpressure signal.
func (w *Worker) dispatch(ctx context.Context, interactionID string, item laneItem) {
	for {
		w.mu.Lock()
		l, ok := w.lanes[interactionID]
		if !ok {
			l = &lane{
				ch:   make(chan laneItem, laneDepth),
				gone: make(chan struct{}),
			}
			w.lanes[interactionID] = l
			w.wg.Add(1)
			go w.runLane(interactionID, l)
		}
		w.mu.Unlock()

		select {
		case l.ch <- item:
			return
		case <-l.gone:
			// Lost the race with lane retirement; recreate and retry.
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runLane(interactionID string, l *lane) {
	defer w.wg.Done()

	idle := time.NewTimer(laneIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case item := <-l.ch:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(laneIdleTimeout)
			if w.process(interactionID, item) {
				w.retire(interactionID, l)
				return
			}
		case <-idle.C:
			w.logger.Debugf("worker: lane for %s idle, retiring", interactionID)
			w.retire(interactionID, l)
			return
		case <-w.stop:
			w.retire(interactionID, l)
			return
		}
	}
}

// retire removes the lane, then drains anything that raced in while the
// removal was happening.
func (w *Worker) retire(interactionID string, l *lane) {
	w.mu.Lock()
	if w.lanes[interactionID] == l {
		delete(w.lanes, interactionID)
	}
	w.mu.Unlock()
	close(l.gone)

	for {
		select {
		case item := <-l.ch:
			w.process(interactionID, item)
		default:
			return
		}
	}
}

// process handles one item; it reports true when the lane should retire.
func (w *Worker) process(interactionID string, item laneItem) bool {
	if item.end != nil {
		w.logger.Infof("worker: call %s ended, reason=%s", interactionID, item.end.Reason)
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w.manager.EndCall(endCtx, interactionID, item.end.Reason)
		cancel()
		return true
	}

	outcome := w.manager.SendChunk(context.Background(), item.frame)
	switch outcome.Kind {
	case internal_transformer.OutcomeOk:
		if outcome.Transcript.Empty() {
			w.framesEmpty.Add(1)
		} else {
			w.framesOk.Add(1)
		}
	case internal_transformer.OutcomeTimeout:
		w.framesEmpty.Add(1)
		w.logger.Verbosef("worker:timeout:"+interactionID,
			"worker: transcript wait for %s seq %d timed out", interactionID, item.frame.Seq)
	default:
		w.framesFailed.Add(1)
	}
	return false
}

// Stats exposes worker counters for the health endpoint.
type Stats struct {
	FramesSeen   uint64 `json:"frames_seen"`
	FramesOk     uint64 `json:"frames_ok"`
	FramesEmpty  uint64 `json:"frames_empty"`
	FramesFailed uint64 `json:"frames_failed"`
	CallEnds     uint64 `json:"call_ends"`
	DecodeErrors uint64 `json:"decode_errors"`
	ActiveLanes  int    `json:"active_lanes"`
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	active := len(w.lanes)
	w.mu.Unlock()
	return Stats{
		FramesSeen:   w.framesSeen.Load(),
		FramesOk:     w.framesOk.Load(),
		FramesEmpty:  w.framesEmpty.Load(),
		FramesFailed: w.framesFailed.Load(),
		CallEnds:     w.callEnds.Load(),
		DecodeErrors: w.decodeErrors.Load(),
		ActiveLanes:  active,
	}
}

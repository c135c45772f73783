// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_exotel_telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	internal_fallback_buffer "github.com/vocalisai/api/ingest-api/internal/buffer"
	internal_ingest_codec "github.com/vocalisai/api/ingest-api/internal/codec"
	internal_call_registry "github.com/vocalisai/api/ingest-api/internal/registry"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
	"github.com/vocalisai/pkg/pubsub"
	"github.com/vocalisai/pkg/utils"
)

// ===================== Wire shapes =====================

type inboundEvent struct {
	Event          string        `json:"event"`
	SequenceNumber json.Number   `json:"sequence_number,omitempty"`
	StreamSid      string        `json:"stream_sid,omitempty"`
	Start          *startDetails `json:"start,omitempty"`
	Media          *mediaDetails `json:"media,omitempty"`
	Stop           *stopDetails  `json:"stop,omitempty"`
}

type startDetails struct {
	CallSid          string            `json:"call_sid"`
	AccountSid       string            `json:"account_sid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	MediaFormat      mediaFormat       `json:"media_format"`
}

type mediaFormat struct {
	Encoding   string      `json:"encoding"`
	SampleRate json.Number `json:"sample_rate"`
	BitRate    json.Number `json:"bit_rate,omitempty"`
}

type mediaDetails struct {
	Chunk     json.Number `json:"chunk"`
	Timestamp string      `json:"timestamp"`
	Payload   string      `json:"payload"`
}

type stopDetails struct {
	CallSid    string `json:"call_sid"`
	AccountSid string `json:"account_sid"`
	Reason     string `json:"reason"`
}

// ===================== Call session =====================

// callSession is the per-stream state owned by one socket's read loop; no
// locking is needed because a socket is read by exactly one goroutine.
type callSession struct {
	streamSid        string
	callSid          string
	accountSid       string
	from             string
	to               string
	sampleRate       int
	ulaw             bool
	downsample24k    bool
	encoding         string
	seqCounter       uint64
	lastChunk        int64
	started          bool
	customParameters map[string]string
}

// interactionID prefers call_sid, falling back to stream_sid.
func (s *callSession) interactionID() string {
	return utils.FirstNonEmpty(s.callSid, s.streamSid)
}

// ===================== Bridge =====================

// Bridge terminates the Exotel-style JSON-over-WebSocket telephony protocol
// and republishes normalized audio frames on the pub/sub fabric.
type Bridge struct {
	logger   commons.Logger
	adapter  pubsub.Adapter
	buffer   *internal_fallback_buffer.FallbackBuffer
	registry internal_call_registry.CallRegistry

	publishEnabled      bool
	amplificationFactor float64
}

// NewBridge wires the telephony ingress against the pub/sub adapter.
func NewBridge(
	adapter pubsub.Adapter,
	buffer *internal_fallback_buffer.FallbackBuffer,
	registry internal_call_registry.CallRegistry,
	publishEnabled bool,
	amplificationFactor float64,
	logger commons.Logger,
) *Bridge {
	return &Bridge{
		logger:              logger,
		adapter:             adapter,
		buffer:              buffer,
		registry:            registry,
		publishEnabled:      publishEnabled,
		amplificationFactor: amplificationFactor,
	}
}

// HandleConnection runs the read loop for one telephony socket until the peer
// disconnects or ctx is cancelled. A socket close during an active call emits
// a call-end with reason "socket-close".
func (b *Bridge) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	session := &callSession{}
	defer func() {
		if session.started {
			b.endCall(ctx, session, "socket-close")
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warnf("telephony: socket read failed on %s: %v", session.interactionID(), err)
			}
			return
		}

		// The origin delivers control JSON on binary frames too.
		if !internal_ingest_codec.IsControlMessage(payload) {
			b.logger.Verbosef("telephony:malformed", "telephony: dropping non-JSON frame of %d bytes", len(payload))
			continue
		}
		if err := b.handleEvent(ctx, session, payload); err != nil {
			b.logger.Warnf("telephony: event on %s dropped: %v", session.interactionID(), err)
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, session *callSession, payload []byte) error {
	var event inboundEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("telephony: malformed control json: %w", err)
	}

	switch event.Event {
	case "connected":
		b.logger.Debugf("telephony: peer connected")
		return nil
	case "start":
		return b.handleStart(session, &event)
	case "media":
		return b.handleMedia(ctx, session, &event)
	case "stop":
		return b.handleStop(ctx, session, &event)
	case "dtmf", "mark":
		b.logger.Debugf("telephony: %s on %s", event.Event, session.interactionID())
		return nil
	default:
		return fmt.Errorf("telephony: unknown event %q", event.Event)
	}
}

func (b *Bridge) handleStart(session *callSession, event *inboundEvent) error {
	if event.Start == nil {
		return fmt.Errorf("telephony: start without details")
	}
	if session.started {
		return fmt.Errorf("telephony: duplicate start on stream %s", session.streamSid)
	}

	session.streamSid = event.StreamSid
	session.callSid = event.Start.CallSid
	session.accountSid = event.Start.AccountSid
	session.from = event.Start.From
	session.to = event.Start.To
	session.customParameters = event.Start.CustomParameters
	session.encoding = event.Start.MediaFormat.Encoding
	session.ulaw = strings.Contains(strings.ToLower(session.encoding), "mulaw")
	session.started = true

	// Sample rate is frozen here for the life of the call.
	declared, _ := event.Start.MediaFormat.SampleRate.Int64()
	switch declared {
	case 8000:
		session.sampleRate = media.SampleRateNarrowband
	case 16000:
		session.sampleRate = media.SampleRateWideband
	case 24000:
		// Providers take 8000 and 16000 only; 16000 transcribes better than
		// a drop to narrowband, so convert and relabel.
		session.sampleRate = media.SampleRateWideband
		session.downsample24k = true
	default:
		b.logger.Warnf("telephony: unknown sample rate %d on %s, defaulting to 8000", declared, session.interactionID())
		session.sampleRate = media.SampleRateNarrowband
	}

	b.registry.Register(session.interactionID(), map[string]interface{}{
		"status":        "active",
		"call_sid":      session.callSid,
		"stream_sid":    session.streamSid,
		"account_sid":   session.accountSid,
		"from":          session.from,
		"to":            session.to,
		"sample_rate":   session.sampleRate,
		"started_at_ms": time.Now().UnixMilli(),
	})
	b.logger.Infof("telephony: call %s started, rate=%d encoding=%s", session.interactionID(), session.sampleRate, session.encoding)
	return nil
}

func (b *Bridge) handleMedia(ctx context.Context, session *callSession, event *inboundEvent) error {
	if !session.started {
		return fmt.Errorf("telephony: media before start")
	}
	if event.Media == nil {
		return fmt.Errorf("telephony: media without details")
	}

	buf, err := internal_ingest_codec.DecodeBase64(event.Media.Payload)
	if err != nil {
		return err
	}
	if session.ulaw {
		buf = internal_ingest_codec.DecodeUlaw(buf)
	}
	if session.downsample24k {
		buf = internal_ingest_codec.Downsample24kTo16k(buf)
	}
	if session.sampleRate == media.SampleRateNarrowband {
		internal_ingest_codec.Amplify(buf, b.amplificationFactor)
	}

	report := internal_ingest_codec.Inspect(buf, session.sampleRate)
	if report.SizeSuspicious {
		b.logger.Verbosef("telephony:size:"+session.interactionID(),
			"telephony: %s frame of %d bytes outside expected size for %d Hz",
			session.interactionID(), len(buf), session.sampleRate)
	}

	session.lastChunk, _ = event.Media.Chunk.Int64()
	session.seqCounter++

	var timestampMs int64
	if ts, err := strconv.ParseInt(event.Media.Timestamp, 10, 64); err == nil {
		timestampMs = ts
	}

	frame, err := media.NewAudioFrame(
		session.accountSid,
		session.interactionID(),
		session.seqCounter,
		timestampMs,
		session.sampleRate,
		buf,
	)
	if err != nil {
		session.seqCounter--
		return err
	}
	return b.publishFrame(ctx, frame)
}

func (b *Bridge) publishFrame(ctx context.Context, frame *media.AudioFrame) error {
	if !b.publishEnabled {
		b.logger.Verbosef("telephony:bridge-off", "telephony: bridge disabled, dropping frame for %s", frame.InteractionID)
		return nil
	}

	// Older buffered frames must reach the topic before this one; if the
	// backlog cannot be cleared the new frame queues behind it.
	drained := b.buffer.Drain(frame.InteractionID, func(buffered *media.AudioFrame) error {
		body, err := json.Marshal(buffered)
		if err != nil {
			return err
		}
		return b.adapter.Publish(ctx, media.AudioTopic, buffered.InteractionID, body)
	})
	if !drained {
		b.buffer.Enqueue(frame)
		return nil
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("telephony: frame encode failed: %w", err)
	}
	if err := b.adapter.Publish(ctx, media.AudioTopic, frame.InteractionID, payload); err != nil {
		b.logger.Warnf("telephony: publish seq %d for %s failed, buffering: %v", frame.Seq, frame.InteractionID, err)
		b.buffer.Enqueue(frame)
	}
	return nil
}

func (b *Bridge) handleStop(ctx context.Context, session *callSession, event *inboundEvent) error {
	if !session.started {
		return fmt.Errorf("telephony: stop before start")
	}
	reason := "callended"
	if event.Stop != nil && event.Stop.Reason != "" {
		reason = event.Stop.Reason
	}
	b.endCall(ctx, session, reason)
	return nil
}

func (b *Bridge) endCall(ctx context.Context, session *callSession, reason string) {
	id := session.interactionID()
	end := media.CallEnd{
		InteractionID: id,
		TenantID:      session.accountSid,
		CallSid:       session.callSid,
		StreamSid:     session.streamSid,
		Reason:        reason,
		TimestampMs:   time.Now().UnixMilli(),
	}
	if b.publishEnabled {
		payload, err := json.Marshal(end)
		if err == nil {
			if err := b.adapter.Publish(ctx, media.CallEndTopic, id, payload); err != nil {
				b.logger.Warnf("telephony: call-end publish for %s failed: %v", id, err)
			}
		}
	}

	b.registry.MarkEnded(id, reason)
	b.buffer.Release(id)
	session.started = false
	b.logger.Infof("telephony: call %s ended after %d frames, reason=%s", id, session.seqCounter, reason)
}

// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_native_ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_fallback_buffer "github.com/vocalisai/api/ingest-api/internal/buffer"
	internal_ingest_codec "github.com/vocalisai/api/ingest-api/internal/codec"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
	"github.com/vocalisai/pkg/pubsub"
	"github.com/vocalisai/pkg/utils"
)

const writeDeadline = 5 * time.Second

type startMessage struct {
	Event         string `json:"event"`
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id"`
	SampleRate    int    `json:"sample_rate"`
	Encoding      string `json:"encoding"`
}

type ackMessage struct {
	Event string `json:"event"`
	Seq   uint64 `json:"seq"`
}

type startedMessage struct {
	Event         string `json:"event"`
	InteractionID string `json:"interaction_id"`
}

// Handler terminates the authenticated native protocol: one text start
// message, then raw binary PCM16 frames, acked every ackInterval frames.
type Handler struct {
	logger  commons.Logger
	adapter pubsub.Adapter

	ackInterval      int
	bufferDurationMs int
}

// NewHandler wires the native ingress against the pub/sub adapter.
func NewHandler(adapter pubsub.Adapter, ackInterval, bufferDurationMs int, logger commons.Logger) *Handler {
	return &Handler{
		logger:           logger,
		adapter:          adapter,
		ackInterval:      ackInterval,
		bufferDurationMs: bufferDurationMs,
	}
}

// HandleConnection runs one authenticated connection to completion. Fatal
// protocol errors close the socket with code 1011; a clean disconnect after
// start publishes a call-end with reason "socket-close".
func (h *Handler) HandleConnection(ctx context.Context, conn *websocket.Conn, claims jwt.MapClaims) {
	start, err := h.awaitStart(conn)
	if err != nil {
		h.logger.Warnf("native: handshake failed: %v", err)
		h.closeFatal(conn, err.Error())
		return
	}

	// The token is authoritative for tenancy; the start message only fills in
	// when the claim is absent.
	if tenant := utils.Option(claims).StringOr("tenant_id", ""); tenant != "" {
		start.TenantID = tenant
	}

	if err := h.writeJSON(conn, startedMessage{Event: "started", InteractionID: start.InteractionID}); err != nil {
		h.logger.Warnf("native: started ack failed for %s: %v", start.InteractionID, err)
		return
	}
	h.logger.Infof("native: stream %s started, tenant=%s rate=%d", start.InteractionID, start.TenantID, start.SampleRate)

	// Short replay window for transient pub/sub loss, bounded by duration.
	ring := internal_fallback_buffer.New(h.bufferDurationMs, h.logger)
	defer ring.Release(start.InteractionID)

	var seq uint64
	downsample := start.SampleRate == 24000
	sessionRate := start.SampleRate
	if downsample {
		sessionRate = media.SampleRateWideband
	}

	defer h.publishCallEnd(ctx, start, "socket-close")

	for {
		if ctx.Err() != nil {
			return
		}
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warnf("native: read on %s failed: %v", start.InteractionID, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			h.logger.Verbosef("native:text:"+start.InteractionID, "native: ignoring text frame on %s", start.InteractionID)
			continue
		}

		buf := payload
		if downsample {
			buf = internal_ingest_codec.Downsample24kTo16k(buf)
		}

		seq++
		frame, err := media.NewAudioFrame(start.TenantID, start.InteractionID, seq, 0, sessionRate, buf)
		if err != nil {
			seq--
			h.logger.Warnf("native: dropping frame on %s: %v", start.InteractionID, err)
			continue
		}
		h.publishFrame(ctx, ring, frame)

		if h.ackInterval > 0 && seq%uint64(h.ackInterval) == 0 {
			if err := h.writeJSON(conn, ackMessage{Event: "ack", Seq: seq}); err != nil {
				h.logger.Warnf("native: ack write on %s failed: %v", start.InteractionID, err)
				return
			}
		}
	}
}

func (h *Handler) awaitStart(conn *websocket.Conn) (*startMessage, error) {
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("native: reading start message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("native: expected text start message, got binary")
	}

	var start startMessage
	if err := json.Unmarshal(payload, &start); err != nil {
		return nil, fmt.Errorf("native: malformed start message: %w", err)
	}
	if start.Event != "start" {
		return nil, fmt.Errorf("native: expected start event, got %q", start.Event)
	}
	if utils.IsEmpty(start.TenantID) {
		return nil, fmt.Errorf("native: start missing tenant_id")
	}
	if utils.IsEmpty(start.InteractionID) {
		start.InteractionID = uuid.NewString()
	}
	if start.Encoding != media.EncodingPCM16 {
		return nil, fmt.Errorf("native: unsupported encoding %q", start.Encoding)
	}
	switch start.SampleRate {
	case media.SampleRateNarrowband, media.SampleRateWideband, 24000:
	default:
		return nil, fmt.Errorf("native: unsupported sample rate %d", start.SampleRate)
	}
	return &start, nil
}

func (h *Handler) publishFrame(ctx context.Context, ring *internal_fallback_buffer.FallbackBuffer, frame *media.AudioFrame) {
	// Ringed older frames go out first; a new frame never overtakes them.
	drained := ring.Drain(frame.InteractionID, func(buffered *media.AudioFrame) error {
		body, err := json.Marshal(buffered)
		if err != nil {
			return err
		}
		return h.adapter.Publish(ctx, media.AudioTopic, buffered.InteractionID, body)
	})
	if !drained {
		ring.Enqueue(frame)
		return
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warnf("native: frame encode on %s failed: %v", frame.InteractionID, err)
		return
	}
	if err := h.adapter.Publish(ctx, media.AudioTopic, frame.InteractionID, payload); err != nil {
		h.logger.Warnf("native: publish seq %d on %s failed, ringing: %v", frame.Seq, frame.InteractionID, err)
		ring.Enqueue(frame)
	}
}

func (h *Handler) publishCallEnd(ctx context.Context, start *startMessage, reason string) {
	end := media.CallEnd{
		InteractionID: start.InteractionID,
		TenantID:      start.TenantID,
		Reason:        reason,
		TimestampMs:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(end)
	if err != nil {
		return
	}
	if err := h.adapter.Publish(ctx, media.CallEndTopic, start.InteractionID, payload); err != nil {
		h.logger.Warnf("native: call-end publish on %s failed: %v", start.InteractionID, err)
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(v)
}

func (h *Handler) closeFatal(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_transformer_sarvam

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	internal_transformer "github.com/vocalisai/api/transcriber-api/internal/transformer"
	"github.com/vocalisai/pkg/commons"
)

const (
	defaultWsBase     = "wss://api.sarvam.ai"
	streamPath        = "/speech-to-text/ws"
	socketOpenTimeout = 5 * time.Second
	startedTimeout    = 10 * time.Second
	commitInterval    = 25 * time.Second
)

// sarvamSpeechToText is a continuous-recognition provider: audio is pushed as
// base64 JSON messages with an explicit periodic commit, and transcripts come
// back only through the event handler. SendAudio never returns text.
type sarvamSpeechToText struct {
	logger commons.Logger
	apiKey string
	wsBase string
}

// NewSarvamSpeechToText builds the provider.
func NewSarvamSpeechToText(apiKey string, logger commons.Logger) internal_transformer.SpeechToTextTransformer {
	return &sarvamSpeechToText{
		logger: logger,
		apiKey: apiKey,
		wsBase: defaultWsBase,
	}
}

// Name implements internal_transformer.SpeechToTextTransformer.
func (*sarvamSpeechToText) Name() string {
	return "sarvam-speech-to-text"
}

func (*sarvamSpeechToText) Has(capability internal_transformer.Capability) bool {
	return capability == internal_transformer.CapCallbackDelivery
}

// TokenTTL: the long-lived subscription key never rotates per session.
func (*sarvamSpeechToText) TokenTTL() (time.Duration, bool) {
	return 0, false
}

func (s *sarvamSpeechToText) Close(ctx context.Context) error {
	return nil
}

// ===================== Wire shapes =====================

// audioMessage is the push-stream payload. SampleRate is mandatory; sending
// without it is a programming error the server rejects the whole stream for.
type audioMessage struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
	Commit      bool   `json:"commit"`
}

type serverMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
	Code       string  `json:"code"`
}

// OpenSession dials the push stream and waits for the server ready message.
func (s *sarvamSpeechToText) OpenSession(ctx context.Context, opts internal_transformer.SessionOptions, handler internal_transformer.EventHandler) (internal_transformer.SpeechToTextSession, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("sarvam-stt: sample rate is mandatory for %s", opts.InteractionID)
	}

	query := fmt.Sprintf("?model=%s&language-code=%s", opts.Model, opts.Language)
	dialer := websocket.Dialer{HandshakeTimeout: socketOpenTimeout}
	header := http.Header{"api-subscription-key": []string{s.apiKey}}
	conn, _, err := dialer.DialContext(ctx, s.wsBase+streamPath+query, header)
	if err != nil {
		return nil, fmt.Errorf("sarvam-stt: socket open for %s failed: %w", opts.InteractionID, err)
	}

	commitEvery := commitInterval
	if opts.CommitEveryMs > 0 {
		commitEvery = time.Duration(opts.CommitEveryMs) * time.Millisecond
	}

	session := &sarvamSession{
		logger:        s.logger,
		interactionID: opts.InteractionID,
		sampleRate:    opts.SampleRate,
		conn:          conn,
		handler:       handler,
		started:       make(chan struct{}),
		done:          make(chan struct{}),
		commitEvery:   commitEvery,
	}
	session.open.Store(true)
	go session.readLoop()

	select {
	case <-session.started:
	case <-time.After(startedTimeout):
		_ = conn.Close()
		return nil, fmt.Errorf("sarvam-stt: session start for %s timed out", opts.InteractionID)
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}

	go session.commitLoop()
	s.logger.Infof("sarvam-stt: session for %s started, rate=%d commit=%s", opts.InteractionID, opts.SampleRate, commitEvery)
	return session, nil
}

type sarvamSession struct {
	logger        commons.Logger
	interactionID string
	sampleRate    int
	handler       internal_transformer.EventHandler
	commitEvery   time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	open        atomic.Bool
	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once

	chunksSent atomic.Uint64
	bytesSent  atomic.Uint64
}

func (s *sarvamSession) readLoop() {
	defer func() {
		s.open.Store(false)
		close(s.done)
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			code := 0
			reason := err.Error()
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
				reason = closeErr.Text
			}
			s.handler(internal_transformer.Event{
				Kind:          internal_transformer.EventClose,
				InteractionID: s.interactionID,
				CloseCode:     code,
				CloseReason:   reason,
			})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warnf("sarvam-stt: unparseable message for %s: %v", s.interactionID, err)
			continue
		}

		switch msg.Type {
		case "ready":
			s.startedOnce.Do(func() {
				close(s.started)
				s.handler(internal_transformer.Event{
					Kind:          internal_transformer.EventSessionStarted,
					InteractionID: s.interactionID,
				})
			})
		case "transcript":
			kind := internal_transformer.EventPartial
			if msg.IsFinal {
				kind = internal_transformer.EventCommitted
			}
			s.handler(internal_transformer.Event{
				Kind:          kind,
				InteractionID: s.interactionID,
				Text:          msg.Text,
				Confidence:    msg.Confidence,
			})
		case "error":
			s.handler(internal_transformer.Event{
				Kind:          internal_transformer.EventError,
				InteractionID: s.interactionID,
				ErrKind:       classifyError(msg.Code),
				Err:           fmt.Errorf("sarvam-stt: %s: %s", msg.Code, msg.Message),
			})
		default:
			s.logger.Debugf("sarvam-stt: ignoring %s message for %s", msg.Type, s.interactionID)
		}
	}
}

func classifyError(code string) internal_transformer.ErrorKind {
	switch code {
	case "invalid_api_key", "invalid_audio", "quota_exceeded":
		return internal_transformer.ErrorPermanent
	case "timeout", "rate_limited", "server_busy":
		return internal_transformer.ErrorTransient
	default:
		return internal_transformer.ErrorUnknown
	}
}

// commitLoop flushes the recognition segment periodically; the provider only
// finalizes text on commit.
func (s *sarvamSession) commitLoop() {
	ticker := time.NewTicker(s.commitEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.open.Load() {
				return
			}
			if err := s.writeJSON(audioMessage{SampleRate: s.sampleRate, Commit: true}); err != nil {
				s.logger.Warnf("sarvam-stt: commit for %s failed: %v", s.interactionID, err)
			}
		}
	}
}

func (s *sarvamSession) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// SendAudio pushes one chunk onto the stream. Text arrives asynchronously via
// the event handler; there is nothing to wait for here.
func (s *sarvamSession) SendAudio(ctx context.Context, seq uint64, payload []byte) error {
	if !s.open.Load() {
		return fmt.Errorf("sarvam-stt: session for %s is closed", s.interactionID)
	}
	msg := audioMessage{
		AudioBase64: base64.StdEncoding.EncodeToString(payload),
		SampleRate:  s.sampleRate,
		Commit:      false,
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("sarvam-stt: audio write for %s failed: %w", s.interactionID, err)
	}
	s.chunksSent.Add(1)
	s.bytesSent.Add(uint64(len(payload)))
	return nil
}

func (s *sarvamSession) IsOpen() bool {
	return s.open.Load()
}

func (s *sarvamSession) Stats() internal_transformer.SessionStats {
	return internal_transformer.SessionStats{
		ChunksSent: s.chunksSent.Load(),
		BytesSent:  s.bytesSent.Load(),
	}
}

// Close commits the trailing segment and tears the socket down.
func (s *sarvamSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.open.Load() {
			if werr := s.writeJSON(audioMessage{SampleRate: s.sampleRate, Commit: true}); werr == nil {
				select {
				case <-s.done:
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
				}
			}
		}
		s.open.Store(false)
		err = s.conn.Close()
		s.logger.Infof("sarvam-stt: session for %s closed, chunks=%d bytes=%d",
			s.interactionID, s.chunksSent.Load(), s.bytesSent.Load())
	})
	return err
}

// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_transformer_deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	internal_circuit_breaker "github.com/vocalisai/api/transcriber-api/internal/breaker"
	internal_transformer "github.com/vocalisai/api/transcriber-api/internal/transformer"
	"github.com/vocalisai/pkg/commons"
)

const (
	defaultAPIHost    = "api.deepgram.com"
	grantPath         = "/v1/auth/grant"
	listenPath        = "/v1/listen"
	socketOpenTimeout = 5 * time.Second
	startedTimeout    = 10 * time.Second
	keepaliveInterval = 3 * time.Second
	closeSentinelWait = 100 * time.Millisecond
	tokenTTL          = 15 * time.Minute
)

// ===================== Provider =====================

// deepgramSpeechToText is a keyed-session streaming provider: one long-lived
// WebSocket per interaction, binary audio in, transcript events out. The
// adapter owns its socket directly so keepalive and close-stream semantics
// stay explicit.
type deepgramSpeechToText struct {
	logger   commons.Logger
	apiKey   string
	restBase string
	wsBase   string
	rest     *resty.Client
	breaker  *internal_circuit_breaker.CircuitBreaker
}

// NewDeepgramSpeechToText builds the provider. Token minting runs through the
// supplied breaker.
func NewDeepgramSpeechToText(apiKey string, breaker *internal_circuit_breaker.CircuitBreaker, logger commons.Logger) internal_transformer.SpeechToTextTransformer {
	return &deepgramSpeechToText{
		logger:   logger,
		apiKey:   apiKey,
		restBase: "https://" + defaultAPIHost,
		wsBase:   "wss://" + defaultAPIHost,
		rest:     resty.New().SetTimeout(socketOpenTimeout),
		breaker:  breaker,
	}
}

// Name implements internal_transformer.SpeechToTextTransformer.
func (*deepgramSpeechToText) Name() string {
	return "deepgram-speech-to-text"
}

func (*deepgramSpeechToText) Has(capability internal_transformer.Capability) bool {
	switch capability {
	case internal_transformer.CapKeepalive, internal_transformer.CapCloseSentinel:
		return true
	default:
		return false
	}
}

func (*deepgramSpeechToText) TokenTTL() (time.Duration, bool) {
	return tokenTTL, true
}

func (d *deepgramSpeechToText) Close(ctx context.Context) error {
	return nil
}

// ===================== Token minting =====================

type grantResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// mintToken acquires a short-lived session token from the control plane.
func (d *deepgramSpeechToText) mintToken(ctx context.Context) (string, error) {
	var grant grantResponse
	err := d.breaker.Execute(func() error {
		res, err := d.rest.R().
			SetContext(ctx).
			SetHeader("Authorization", "Token "+d.apiKey).
			SetResult(&grant).
			Post(d.restBase + grantPath)
		if err != nil {
			return fmt.Errorf("deepgram-stt: token request failed: %w", err)
		}
		if res.StatusCode() != http.StatusOK {
			return fmt.Errorf("deepgram-stt: token request status %d", res.StatusCode())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if grant.AccessToken == "" {
		return "", fmt.Errorf("deepgram-stt: empty access token")
	}
	return grant.AccessToken, nil
}

// ===================== Session =====================

func (d *deepgramSpeechToText) listenURL(opts internal_transformer.SessionOptions) string {
	query := url.Values{}
	query.Set("encoding", "linear16")
	query.Set("channels", "1")
	query.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	query.Set("interim_results", "true")
	query.Set("punctuate", "true")
	if opts.Model != "" {
		query.Set("model", opts.Model)
	}
	if opts.Language != "" {
		query.Set("language", opts.Language)
	}
	if opts.VadSilenceMs > 0 {
		query.Set("endpointing", strconv.Itoa(opts.VadSilenceMs))
	}
	if opts.IncludeTimestamps {
		query.Set("words", "true")
	}
	return d.wsBase + listenPath + "?" + query.Encode()
}

// OpenSession mints a token, dials the streaming socket, and blocks until the
// server's session-started message arrives.
func (d *deepgramSpeechToText) OpenSession(ctx context.Context, opts internal_transformer.SessionOptions, handler internal_transformer.EventHandler) (internal_transformer.SpeechToTextSession, error) {
	token, err := d.mintToken(ctx)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: socketOpenTimeout}
	header := http.Header{"Authorization": []string{"Token " + token}}
	conn, _, err := dialer.DialContext(ctx, d.listenURL(opts), header)
	if err != nil {
		return nil, fmt.Errorf("deepgram-stt: socket open for %s failed: %w", opts.InteractionID, err)
	}

	session := &deepgramSession{
		logger:        d.logger,
		interactionID: opts.InteractionID,
		conn:          conn,
		handler:       handler,
		started:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	session.open.Store(true)
	go session.readLoop()

	select {
	case <-session.started:
	case <-time.After(startedTimeout):
		_ = conn.Close()
		return nil, fmt.Errorf("deepgram-stt: session start for %s timed out", opts.InteractionID)
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}

	go session.keepaliveLoop()
	d.logger.Infof("deepgram-stt: session for %s started, rate=%d", opts.InteractionID, opts.SampleRate)
	return session, nil
}

type deepgramSession struct {
	logger        commons.Logger
	interactionID string
	handler       internal_transformer.EventHandler

	writeMu sync.Mutex
	conn    *websocket.Conn

	open        atomic.Bool
	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once

	chunksSent    atomic.Uint64
	bytesSent     atomic.Uint64
	keepaliveOK   atomic.Uint64
	keepaliveFail atomic.Uint64
}

// serverMessage covers every message type the listen socket emits.
type serverMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     *struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Code        string `json:"code"`
}

func (s *deepgramSession) readLoop() {
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
			s.logger.Warnf("deepgram-stt: unparseable message for %s: %v", s.interactionID, err)
			continue
		}

		switch msg.Type {
		case "Metadata":
			s.startedOnce.Do(func() {
				close(s.started)
				s.handler(internal_transformer.Event{
					Kind:          internal_transformer.EventSessionStarted,
					InteractionID: s.interactionID,
				})
			})
		case "Results":
			text := ""
			confidence := 0.0
			if msg.Channel != nil && len(msg.Channel.Alternatives) > 0 {
				text = msg.Channel.Alternatives[0].Transcript
				confidence = msg.Channel.Alternatives[0].Confidence
			}
			kind := internal_transformer.EventPartial
			if msg.IsFinal || msg.SpeechFinal {
				kind = internal_transformer.EventCommitted
			}
			s.handler(internal_transformer.Event{
				Kind:          kind,
				InteractionID: s.interactionID,
				Text:          text,
				Confidence:    confidence,
			})
		case "Error":
			s.handler(internal_transformer.Event{
				Kind:          internal_transformer.EventError,
				InteractionID: s.interactionID,
				ErrKind:       classifyError(msg.Code),
				Err:           fmt.Errorf("deepgram-stt: %s: %s", msg.Code, msg.Description),
			})
		default:
			s.logger.Debugf("deepgram-stt: ignoring %s message for %s", msg.Type, s.interactionID)
		}
	}
}

func classifyError(code string) internal_transformer.ErrorKind {
	switch code {
	case "INVALID_AUTH", "INSUFFICIENT_PERMISSIONS", "UNSUPPORTED_ENCODING", "PAYMENT_REQUIRED":
		return internal_transformer.ErrorPermanent
	case "TIMEOUT", "INTERNAL_SERVER_ERROR", "RATE_LIMITED":
		return internal_transformer.ErrorTransient
	default:
		return internal_transformer.ErrorUnknown
	}
}

// keepaliveLoop sends the text keepalive sentinel until the socket closes.
// Keepalives ride the text channel, never the binary audio channel.
func (s *deepgramSession) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.open.Load() {
				return
			}
			if err := s.writeText([]byte(`{"type":"KeepAlive"}`)); err != nil {
				s.keepaliveFail.Add(1)
				s.logger.Warnf("deepgram-stt: keepalive for %s failed: %v", s.interactionID, err)
				continue
			}
			s.keepaliveOK.Add(1)
		}
	}
}

func (s *deepgramSession) writeText(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *deepgramSession) SendAudio(ctx context.Context, seq uint64, payload []byte) error {
	if !s.open.Load() {
		return fmt.Errorf("deepgram-stt: session for %s is closed", s.interactionID)
	}
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.BinaryMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("deepgram-stt: audio write for %s failed: %w", s.interactionID, err)
	}
	s.chunksSent.Add(1)
	s.bytesSent.Add(uint64(len(payload)))
	return nil
}

func (s *deepgramSession) IsOpen() bool {
	return s.open.Load()
}

func (s *deepgramSession) Stats() internal_transformer.SessionStats {
	return internal_transformer.SessionStats{
		ChunksSent:    s.chunksSent.Load(),
		BytesSent:     s.bytesSent.Load(),
		KeepaliveOK:   s.keepaliveOK.Load(),
		KeepaliveFail: s.keepaliveFail.Load(),
	}
}

// Close emits the close-stream sentinel, gives the server a beat to flush
// trailing transcripts, then tears the socket down.
func (s *deepgramSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.open.Load() {
			if werr := s.writeText([]byte(`{"type":"CloseStream"}`)); werr == nil {
				select {
				case <-s.done:
				case <-time.After(closeSentinelWait):
				case <-ctx.Done():
				}
			}
		}
		s.open.Store(false)
		err = s.conn.Close()
		s.logger.Infof("deepgram-stt: session for %s closed, chunks=%d bytes=%d",
			s.interactionID, s.chunksSent.Load(), s.bytesSent.Load())
	})
	return err
}

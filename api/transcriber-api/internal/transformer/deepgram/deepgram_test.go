package internal_transformer_deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_circuit_breaker "github.com/vocalisai/api/transcriber-api/internal/breaker"
	internal_transformer "github.com/vocalisai/api/transcriber-api/internal/transformer"
	"github.com/vocalisai/pkg/commons"
)

var upgrader = websocket.Upgrader{}

// mockListen is a minimal stand-in for the provider's streaming endpoint: it
// greets with Metadata, then answers every binary frame with a Results
// message.
func mockListen(t *testing.T, final bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case grantPath:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":900}`))
		case listenPath:
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`)))
			for {
				msgType, payload, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if msgType == websocket.TextMessage && strings.Contains(string(payload), "CloseStream") {
					return
				}
				if msgType != websocket.BinaryMessage {
					continue
				}
				result := map[string]interface{}{
					"type":     "Results",
					"is_final": final,
					"channel": map[string]interface{}{
						"alternatives": []map[string]interface{}{
							{"transcript": "hello world", "confidence": 0.97},
						},
					},
				}
				body, _ := json.Marshal(result)
				if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
					return
				}
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newProvider(t *testing.T, server *httptest.Server) *deepgramSpeechToText {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return &deepgramSpeechToText{
		logger:   logger,
		apiKey:   "key-1",
		restBase: server.URL,
		wsBase:   "ws" + strings.TrimPrefix(server.URL, "http"),
		rest:     resty.New().SetTimeout(socketOpenTimeout),
		breaker:  internal_circuit_breaker.New("deepgram", logger),
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []internal_transformer.Event
}

func (s *eventSink) handle(e internal_transformer.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) wait(t *testing.T, kind internal_transformer.EventKind) internal_transformer.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, e := range s.events {
			if e.Kind == kind {
				s.mu.Unlock()
				return e
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no event of kind %d", kind)
	return internal_transformer.Event{}
}

func TestOpenSession_StartsAndStreams(t *testing.T) {
	server := mockListen(t, false)
	defer server.Close()
	provider := newProvider(t, server)

	sink := &eventSink{}
	session, err := provider.OpenSession(context.Background(), internal_transformer.SessionOptions{
		InteractionID: "CA1",
		SampleRate:    8000,
		Model:         "nova-2",
		Language:      "en",
	}, sink.handle)
	require.NoError(t, err)
	defer session.Close(context.Background())

	assert.True(t, session.IsOpen())
	sink.wait(t, internal_transformer.EventSessionStarted)

	require.NoError(t, session.SendAudio(context.Background(), 1, make([]byte, 4096)))
	event := sink.wait(t, internal_transformer.EventPartial)
	assert.Equal(t, "hello world", event.Text)
	assert.InDelta(t, 0.97, event.Confidence, 0.001)

	stats := session.Stats()
	assert.Equal(t, uint64(1), stats.ChunksSent)
	assert.Equal(t, uint64(4096), stats.BytesSent)
}

func TestOpenSession_FinalResultsAreCommitted(t *testing.T) {
	server := mockListen(t, true)
	defer server.Close()
	provider := newProvider(t, server)

	sink := &eventSink{}
	session, err := provider.OpenSession(context.Background(), internal_transformer.SessionOptions{
		InteractionID: "CA2",
		SampleRate:    16000,
	}, sink.handle)
	require.NoError(t, err)
	defer session.Close(context.Background())

	require.NoError(t, session.SendAudio(context.Background(), 1, make([]byte, 640)))
	event := sink.wait(t, internal_transformer.EventCommitted)
	assert.Equal(t, "hello world", event.Text)
}

func TestOpenSession_TokenFailureTripsBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	provider := newProvider(t, server)

	for i := 0; i < 5; i++ {
		_, err := provider.OpenSession(context.Background(), internal_transformer.SessionOptions{
			InteractionID: "CA3", SampleRate: 8000,
		}, func(internal_transformer.Event) {})
		require.Error(t, err)
	}
	assert.Equal(t, internal_circuit_breaker.Open, provider.breaker.CurrentState())

	_, err := provider.OpenSession(context.Background(), internal_transformer.SessionOptions{
		InteractionID: "CA3", SampleRate: 8000,
	}, func(internal_transformer.Event) {})
	var open *internal_circuit_breaker.ErrOpen
	assert.ErrorAs(t, err, &open)
}

func TestSession_CloseEmitsSentinelAndRejectsSends(t *testing.T) {
	server := mockListen(t, false)
	defer server.Close()
	provider := newProvider(t, server)

	sink := &eventSink{}
	session, err := provider.OpenSession(context.Background(), internal_transformer.SessionOptions{
		InteractionID: "CA4", SampleRate: 8000,
	}, sink.handle)
	require.NoError(t, err)

	require.NoError(t, session.Close(context.Background()))
	assert.False(t, session.IsOpen())
	assert.Error(t, session.SendAudio(context.Background(), 2, make([]byte, 320)))
	sink.wait(t, internal_transformer.EventClose)
}

func TestListenURL_CarriesSessionParameters(t *testing.T) {
	server := mockListen(t, false)
	defer server.Close()
	provider := newProvider(t, server)

	url := provider.listenURL(internal_transformer.SessionOptions{
		SampleRate:   16000,
		Model:        "nova-2",
		Language:     "hi",
		VadSilenceMs: 1000,
	})
	assert.Contains(t, url, "encoding=linear16")
	assert.Contains(t, url, "sample_rate=16000")
	assert.Contains(t, url, "model=nova-2")
	assert.Contains(t, url, "language=hi")
	assert.Contains(t, url, "endpointing=1000")
	assert.Contains(t, url, "channels=1")
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, internal_transformer.ErrorPermanent, classifyError("INVALID_AUTH"))
	assert.Equal(t, internal_transformer.ErrorPermanent, classifyError("UNSUPPORTED_ENCODING"))
	assert.Equal(t, internal_transformer.ErrorTransient, classifyError("TIMEOUT"))
	assert.Equal(t, internal_transformer.ErrorTransient, classifyError("RATE_LIMITED"))
	assert.Equal(t, internal_transformer.ErrorUnknown, classifyError("SOMETHING_ELSE"))
}

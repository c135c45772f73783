package internal_session_manager

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio_gate "github.com/vocalisai/api/transcriber-api/internal/audio"
	internal_transformer "github.com/vocalisai/api/transcriber-api/internal/transformer"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
)

// ===================== Fake provider =====================

type fakeSession struct {
	mu       sync.Mutex
	open     bool
	failSend bool
	sent     [][]byte
	seqs     []uint64
	closed   bool
	stats    internal_transformer.SessionStats
}

func (f *fakeSession) SendAudio(_ context.Context, seq uint64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open || f.failSend {
		return fmt.Errorf("fake: session closed")
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	f.seqs = append(f.seqs, seq)
	f.stats.ChunksSent++
	f.stats.BytesSent += uint64(len(payload))
	return nil
}

func (f *fakeSession) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSession) Stats() internal_transformer.SessionStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSession) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	return nil
}

func (f *fakeSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeProvider struct {
	mu        sync.Mutex
	opens     int
	openErr   error
	openDelay time.Duration
	callback  bool
	sessions  []*fakeSession
	handlers  map[string]internal_transformer.EventHandler
	closed    bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handlers: make(map[string]internal_transformer.EventHandler)}
}

func (f *fakeProvider) Name() string { return "fake-speech-to-text" }

func (f *fakeProvider) Has(c internal_transformer.Capability) bool {
	return c == internal_transformer.CapCallbackDelivery && f.callback
}

func (f *fakeProvider) TokenTTL() (time.Duration, bool) { return 0, false }

func (f *fakeProvider) OpenSession(_ context.Context, opts internal_transformer.SessionOptions, handler internal_transformer.EventHandler) (internal_transformer.SpeechToTextSession, error) {
	if f.openDelay > 0 {
		time.Sleep(f.openDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	session := &fakeSession{open: true}
	f.sessions = append(f.sessions, session)
	f.handlers[opts.InteractionID] = handler
	return session, nil
}

func (f *fakeProvider) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProvider) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeProvider) lastSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeProvider) emit(interactionID string, event internal_transformer.Event) {
	f.mu.Lock()
	handler := f.handlers[interactionID]
	f.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

// ===================== Fixtures =====================

func newManager(t *testing.T, provider *fakeProvider, sink func(media.Transcript)) *Manager {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	gate := internal_audio_gate.New(10, logger)
	return NewManager(provider, gate, Config{Model: "test-model", Language: "en"}, sink, logger)
}

func speechFrame(t *testing.T, id string, seq uint64) *media.AudioFrame {
	t.Helper()
	buf := make([]byte, 4096)
	for i := 0; i+1 < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(3000)))
	}
	frame, err := media.NewAudioFrame("t1", id, seq, 0, media.SampleRateNarrowband, buf)
	require.NoError(t, err)
	return frame
}

func silentFrame(t *testing.T, id string, seq uint64) *media.AudioFrame {
	t.Helper()
	frame, err := media.NewAudioFrame("t1", id, seq, 0, media.SampleRateNarrowband, make([]byte, 4096))
	require.NoError(t, err)
	return frame
}

// ===================== Silence gate =====================

func TestSendChunk_SilenceSuppressedAfterWarmup(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	for seq := uint64(1); seq <= 10; seq++ {
		outcome := manager.SendChunk(context.Background(), silentFrame(t, "CA1", seq))
		assert.Equal(t, internal_transformer.OutcomeOk, outcome.Kind)
	}
	assert.Equal(t, 10, provider.lastSession().sentCount(), "warm-up chunks always transmitted")

	outcome := manager.SendChunk(context.Background(), silentFrame(t, "CA1", 11))
	assert.Equal(t, internal_transformer.OutcomeOk, outcome.Kind)
	assert.True(t, outcome.Transcript.Empty())
	assert.Equal(t, 10, provider.lastSession().sentCount(), "chunk 11 suppressed")
}

// ===================== Creation =====================

func TestSendChunk_SingleFlightCreation(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	provider.openDelay = 100 * time.Millisecond
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			outcome := manager.SendChunk(context.Background(), speechFrame(t, "CA1", seq))
			assert.Equal(t, internal_transformer.OutcomeOk, outcome.Kind)
		}(uint64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, provider.openCount(), "concurrent senders share one creation")
	assert.Equal(t, 8, provider.lastSession().sentCount())
}

func TestSendChunk_SessionReusedAcrossChunks(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	for seq := uint64(1); seq <= 5; seq++ {
		manager.SendChunk(context.Background(), speechFrame(t, "CA1", seq))
	}
	assert.Equal(t, 1, provider.openCount())
}

func TestSendChunk_RateChangeRecreatesSession(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	manager.SendChunk(context.Background(), speechFrame(t, "CA1", 1))

	wideband := make([]byte, 4096)
	for i := 0; i+1 < len(wideband); i += 2 {
		binary.LittleEndian.PutUint16(wideband[i:], uint16(int16(3000)))
	}
	frame, err := media.NewAudioFrame("t1", "CA1", 2, 0, media.SampleRateWideband, wideband)
	require.NoError(t, err)
	manager.SendChunk(context.Background(), frame)

	assert.Equal(t, 2, provider.openCount(), "rate mismatch forces a fresh session")
}

// ===================== Transcript matching =====================

func TestSendChunk_MatchedTranscriptReturned(t *testing.T) {
	provider := newFakeProvider()
	var sunk []media.Transcript
	var sinkMu sync.Mutex
	manager := newManager(t, provider, func(tr media.Transcript) {
		sinkMu.Lock()
		sunk = append(sunk, tr)
		sinkMu.Unlock()
	})
	defer manager.CloseAll(context.Background())

	outcomes := make(chan internal_transformer.Outcome, 1)
	go func() {
		outcomes <- manager.SendChunk(context.Background(), speechFrame(t, "CA1", 1))
	}()

	require.Eventually(t, func() bool {
		session := provider.lastSession()
		return session != nil && session.sentCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	provider.emit("CA1", internal_transformer.Event{
		Kind:          internal_transformer.EventCommitted,
		InteractionID: "CA1",
		Text:          "hello there",
		Confidence:    0.95,
	})

	outcome := <-outcomes
	assert.Equal(t, internal_transformer.OutcomeOk, outcome.Kind)
	assert.Equal(t, "hello there", outcome.Transcript.Text)
	assert.True(t, outcome.Transcript.IsFinal)

	sinkMu.Lock()
	defer sinkMu.Unlock()
	require.Len(t, sunk, 1)
	assert.Equal(t, "hello there", sunk[0].Text)
}

func TestSendChunk_ContextCancelDrops(t *testing.T) {
	provider := newFakeProvider()
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	outcomes := make(chan internal_transformer.Outcome, 1)
	go func() {
		outcomes <- manager.SendChunk(ctx, speechFrame(t, "CA1", 1))
	}()

	require.Eventually(t, func() bool {
		session := provider.lastSession()
		return session != nil && session.sentCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	outcome := <-outcomes
	assert.Equal(t, internal_transformer.OutcomeDropped, outcome.Kind)
	assert.True(t, outcome.Transcript.Empty())
}

// ===================== Errors and reconnect =====================

func TestPermanentErrorStopsCallWithoutReconnect(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	manager.SendChunk(context.Background(), speechFrame(t, "CA1", 1))
	require.Equal(t, 1, provider.openCount())

	provider.emit("CA1", internal_transformer.Event{
		Kind:    internal_transformer.EventError,
		ErrKind: internal_transformer.ErrorPermanent,
		Err:     fmt.Errorf("invalid credentials"),
	})

	outcome := manager.SendChunk(context.Background(), speechFrame(t, "CA1", 2))
	assert.Equal(t, internal_transformer.OutcomeDropped, outcome.Kind)
	assert.Equal(t, 1, provider.openCount(), "permanent errors never reconnect")
}

func TestTransientCloseReconnectsWithBackoff(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	manager.SendChunk(context.Background(), speechFrame(t, "CA1", 1))
	require.Equal(t, 1, provider.openCount())

	provider.emit("CA1", internal_transformer.Event{
		Kind:        internal_transformer.EventClose,
		CloseCode:   1011,
		CloseReason: "server restarting",
	})

	// First backoff step is one second.
	require.Eventually(t, func() bool {
		return provider.openCount() == 2
	}, 3*time.Second, 50*time.Millisecond)

	outcome := manager.SendChunk(context.Background(), speechFrame(t, "CA1", 2))
	assert.Equal(t, internal_transformer.OutcomeOk, outcome.Kind)
}

// ===================== Call end =====================

func TestEndCall_NoAudioAfterEnd(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)

	manager.SendChunk(context.Background(), speechFrame(t, "CA1", 1))
	session := provider.lastSession()
	require.NotNil(t, session)

	manager.EndCall(context.Background(), "CA1", "callended")
	assert.True(t, session.closed)

	outcome := manager.SendChunk(context.Background(), speechFrame(t, "CA1", 2))
	assert.Equal(t, internal_transformer.OutcomeDropped, outcome.Kind)
	assert.Equal(t, 1, session.sentCount(), "no audio written after call end")
	manager.CloseAll(context.Background())
}

func TestEndCall_UnknownCallIsNoop(t *testing.T) {
	provider := newFakeProvider()
	manager := newManager(t, provider, nil)
	manager.EndCall(context.Background(), "ghost", "callended")
	manager.CloseAll(context.Background())
}

func TestCloseAll_ClosesEverySessionAndProvider(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)

	manager.SendChunk(context.Background(), speechFrame(t, "CA1", 1))
	manager.SendChunk(context.Background(), speechFrame(t, "CB2", 1))
	require.Equal(t, 2, provider.openCount())

	manager.CloseAll(context.Background())
	for _, session := range provider.sessions {
		assert.True(t, session.closed)
	}
	assert.True(t, provider.closed)

	outcome := manager.SendChunk(context.Background(), speechFrame(t, "CA1", 2))
	assert.Equal(t, internal_transformer.OutcomeDropped, outcome.Kind)
}

// ===================== Stats =====================

func TestStats_SnapshotsLiveCalls(t *testing.T) {
	provider := newFakeProvider()
	provider.callback = true
	manager := newManager(t, provider, nil)
	defer manager.CloseAll(context.Background())

	manager.SendChunk(context.Background(), speechFrame(t, "CA1", 1))
	provider.emit("CA1", internal_transformer.Event{
		Kind: internal_transformer.EventCommitted,
		Text: "snapshot",
	})

	stats := manager.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "CA1", stats[0].InteractionID)
	assert.True(t, stats[0].Ready)
	assert.Equal(t, media.SampleRateNarrowband, stats[0].SampleRate)
	assert.Equal(t, uint64(1), stats[0].ChunksSent)
	assert.Equal(t, uint64(1), stats[0].TranscriptsReceived)
	assert.Equal(t, "snapshot", stats[0].LastTranscript)
}

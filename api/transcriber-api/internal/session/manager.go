// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_session_manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	internal_audio_gate "github.com/vocalisai/api/transcriber-api/internal/audio"
	internal_circuit_breaker "github.com/vocalisai/api/transcriber-api/internal/breaker"
	internal_transformer "github.com/vocalisai/api/transcriber-api/internal/transformer"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
)

const (
	readyWaitTimeout    = 5 * time.Second
	readyPollInterval   = 50 * time.Millisecond
	creationLockTimeout = 30 * time.Second
	tokenRefreshMargin  = time.Minute
	healthCheckInterval = 30 * time.Second

	// Transcript deadlines: long frames answer fast, short frames need slack.
	longFrameDurationMs   = 200
	longFrameWaitTimeout  = 5 * time.Second
	shortFrameWaitTimeout = 10 * time.Second

	defaultMaxReconnectAttempts = 3
	reconnectBaseBackoff        = time.Second

	// Ended calls linger briefly so late frames drop instead of opening a
	// fresh provider session.
	endedRetention = time.Minute

	keepaliveFailFloor = 10
)

// Config tunes the manager.
type Config struct {
	Model                string
	Language             string
	IncludeTimestamps    bool
	VadSilenceMs         int
	MinSpeechMs          int
	CommitEveryMs        int
	MaxReconnectAttempts int
}

// CallStats is a read-only snapshot of one call's session counters.
type CallStats struct {
	InteractionID        string
	Ready                bool
	Broken               bool
	SampleRate           int
	CreatedAt            time.Time
	ChunksSent           uint64
	BytesSent            uint64
	TranscriptsReceived  uint64
	TranscriptsEmpty     uint64
	TranscriptTimeouts   uint64
	KeepaliveOK          uint64
	KeepaliveFail        uint64
	ReconnectAttempts    int
	OutstandingSends     int
	LastTranscript       string
}

// callState is all mutable state for one interaction. It survives session
// recreation so chunk counting and reconnect accounting stay per call, not
// per socket.
type callState struct {
	id string

	mu             sync.Mutex
	session        internal_transformer.SpeechToTextSession
	ready          bool
	broken         bool
	ended          bool
	sampleRate     int
	createdAt      time.Time
	tokenExpiresAt time.Time // zero means the credentials never expire

	chunkIndex          uint64
	reconnectAttempts   int
	transcriptsReceived uint64
	transcriptsEmpty    uint64
	lastTranscript      string

	tracker    *PendingTracker
	healthStop chan struct{}
}

// Manager owns one live provider session per interaction: creation with
// single-flight, reuse, reconnection with backoff, and transcript matching.
type Manager struct {
	logger   commons.Logger
	provider internal_transformer.SpeechToTextTransformer
	gate     *internal_audio_gate.Gate
	cfg      Config

	// TranscriptSink receives every non-empty transcript, both matched
	// responses and callback deliveries.
	sink func(media.Transcript)

	group singleflight.Group

	mu     sync.Mutex
	calls  map[string]*callState
	closed bool
}

// NewManager builds a manager around one provider.
func NewManager(
	provider internal_transformer.SpeechToTextTransformer,
	gate *internal_audio_gate.Gate,
	cfg Config,
	sink func(media.Transcript),
	logger commons.Logger,
) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if sink == nil {
		sink = func(media.Transcript) {}
	}
	return &Manager{
		logger:   logger,
		provider: provider,
		gate:     gate,
		cfg:      cfg,
		sink:     sink,
		calls:    make(map[string]*callState),
	}
}

// ===================== Send path =====================

// SendChunk pushes one audio frame toward the provider and waits for its
// transcript. Per-call callers are serialized by the worker; concurrent calls
// for different interactions are independent.
func (m *Manager) SendChunk(ctx context.Context, frame *media.AudioFrame) internal_transformer.Outcome {
	st := m.stateFor(frame.InteractionID)
	if st == nil {
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeDropped)
	}

	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeDropped)
	}
	st.chunkIndex++
	chunkIndex := st.chunkIndex
	st.mu.Unlock()

	verdict, err := m.gate.Inspect(frame.InteractionID, frame.Audio, frame.SampleRate, chunkIndex)
	if err != nil {
		m.logger.Warnf("session: %s chunk %d rejected by gate: %v", frame.InteractionID, chunkIndex, err)
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeDropped)
	}
	if verdict.Suppress {
		m.logger.Verbosef("session:silence:"+frame.InteractionID,
			"session: %s suppressing silent chunk %d (energy=%.1f max=%d)",
			frame.InteractionID, chunkIndex, verdict.Energy, verdict.MaxAmp)
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeOk)
	}

	session, err := m.ensureSession(ctx, st, frame.SampleRate)
	if err != nil {
		m.logger.Warnf("session: %s has no usable session: %v", frame.InteractionID, err)
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeDropped)
	}

	// Continuous-recognition providers deliver text only via callback; the
	// submitted chunk is acknowledged immediately.
	if m.provider.Has(internal_transformer.CapCallbackDelivery) {
		if err := session.SendAudio(ctx, frame.Seq, frame.Audio); err != nil {
			m.noteSendFailure(st, err)
			return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeProviderClosed)
		}
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeOk)
	}

	st.mu.Lock()
	tracker := st.tracker
	st.mu.Unlock()

	wait := tracker.Track(frame.Seq, len(frame.Audio), frame.DurationMs())
	if err := session.SendAudio(ctx, frame.Seq, frame.Audio); err != nil {
		tracker.Expire(frame.Seq)
		m.noteSendFailure(st, err)
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeProviderClosed)
	}

	deadline := shortFrameWaitTimeout
	if frame.DurationMs() >= longFrameDurationMs {
		deadline = longFrameWaitTimeout
	}

	select {
	case transcript := <-wait:
		return internal_transformer.Ok(transcript)
	case <-time.After(deadline):
		tracker.Expire(frame.Seq)
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeTimeout)
	case <-ctx.Done():
		tracker.Expire(frame.Seq)
		return internal_transformer.Empty(frame.InteractionID, internal_transformer.OutcomeDropped)
	}
}

func (m *Manager) noteSendFailure(st *callState, err error) {
	if internal_circuit_breaker.IsTransient(err) {
		m.logger.Warnf("session: %s send hit transient network error, will recreate: %v", st.id, err)
	} else {
		m.logger.Warnf("session: %s send failed: %v", st.id, err)
	}
	st.mu.Lock()
	st.ready = false
	st.mu.Unlock()
}

// ===================== Session lifecycle =====================

func (m *Manager) stateFor(interactionID string) *callState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	st, ok := m.calls[interactionID]
	if !ok {
		st = &callState{
			id:      interactionID,
			tracker: NewPendingTracker(interactionID, m.logger),
		}
		m.calls[interactionID] = st
	}
	return st
}

func (m *Manager) lookup(interactionID string) *callState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[interactionID]
}

// ensureSession returns a usable session for the call, creating or recreating
// one when needed. Concurrent callers for the same interaction collapse onto
// a single creation attempt.
func (m *Manager) ensureSession(ctx context.Context, st *callState, sampleRate int) (internal_transformer.SpeechToTextSession, error) {
	if session, ok := m.reusable(st, sampleRate); ok {
		return session, nil
	}

	result := m.group.DoChan(st.id, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have won.
		if session, ok := m.reusable(st, sampleRate); ok {
			return session, nil
		}
		return m.createSession(ctx, st, sampleRate)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(internal_transformer.SpeechToTextSession), nil
	case <-time.After(creationLockTimeout):
		return nil, fmt.Errorf("session: creation lock for %s timed out", st.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reusable checks the reuse rules: ready, same rate, fresh token, healthy
// socket, and not flagged by the breaker interlock.
func (m *Manager) reusable(st *callState, sampleRate int) (internal_transformer.SpeechToTextSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session == nil || st.broken || st.ended {
		return nil, false
	}
	if !st.ready {
		// A reconnect may be mid-flight; give it a bounded chance.
		if !m.awaitReadyLocked(st) {
			return nil, false
		}
	}
	if st.sampleRate != sampleRate {
		m.logger.Infof("session: %s rate changed %d -> %d, recreating", st.id, st.sampleRate, sampleRate)
		return nil, false
	}
	if !st.tokenExpiresAt.IsZero() && time.Now().After(st.tokenExpiresAt.Add(-tokenRefreshMargin)) {
		m.logger.Infof("session: %s token near expiry, recreating", st.id)
		return nil, false
	}
	if !st.session.IsOpen() {
		return nil, false
	}
	if m.unhealthyLocked(st) {
		m.logger.Warnf("session: %s flagged unhealthy, forcing recreation", st.id)
		st.broken = false
		return nil, false
	}
	return st.session, true
}

// awaitReadyLocked polls for readiness with st.mu held between probes.
func (m *Manager) awaitReadyLocked(st *callState) bool {
	deadline := time.Now().Add(readyWaitTimeout)
	for !st.ready {
		if time.Now().After(deadline) || st.broken || st.ended {
			return false
		}
		st.mu.Unlock()
		time.Sleep(readyPollInterval)
		st.mu.Lock()
	}
	return true
}

func (m *Manager) unhealthyLocked(st *callState) bool {
	if st.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		return true
	}
	if st.session == nil {
		return false
	}
	stats := st.session.Stats()
	return stats.KeepaliveFail > keepaliveFailFloor && stats.KeepaliveFail > stats.KeepaliveOK
}

// createSession opens a fresh provider session, closing any stale one first.
func (m *Manager) createSession(ctx context.Context, st *callState, sampleRate int) (internal_transformer.SpeechToTextSession, error) {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return nil, fmt.Errorf("session: %s already ended", st.id)
	}
	if st.broken {
		st.mu.Unlock()
		return nil, fmt.Errorf("session: %s is permanently failed", st.id)
	}
	stale := st.session
	st.session = nil
	st.ready = false
	if st.healthStop != nil {
		close(st.healthStop)
		st.healthStop = nil
	}
	st.mu.Unlock()

	if stale != nil {
		_ = stale.Close(ctx)
	}

	opts := internal_transformer.SessionOptions{
		InteractionID:     st.id,
		SampleRate:        sampleRate,
		Model:             m.cfg.Model,
		Language:          m.cfg.Language,
		IncludeTimestamps: m.cfg.IncludeTimestamps,
		VadSilenceMs:      m.cfg.VadSilenceMs,
		MinSpeechMs:       m.cfg.MinSpeechMs,
		CommitEveryMs:     m.cfg.CommitEveryMs,
	}

	id := st.id
	session, err := m.provider.OpenSession(ctx, opts, func(event internal_transformer.Event) {
		m.handleEvent(id, event)
	})
	if err != nil {
		st.mu.Lock()
		st.broken = st.reconnectAttempts >= m.cfg.MaxReconnectAttempts
		st.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	st.mu.Lock()
	st.session = session
	st.ready = true
	st.broken = false
	st.sampleRate = sampleRate
	st.createdAt = now
	st.tokenExpiresAt = time.Time{}
	if ttl, ok := m.provider.TokenTTL(); ok {
		st.tokenExpiresAt = now.Add(ttl)
	}
	st.reconnectAttempts = 0
	st.healthStop = make(chan struct{})
	stop := st.healthStop
	st.mu.Unlock()

	go m.healthLoop(id, stop)
	return session, nil
}

// healthLoop periodically verifies the socket is still open. It carries only
// the interaction id and re-resolves on every tick, so it no-ops harmlessly
// once the call is gone.
func (m *Manager) healthLoop(interactionID string, stop <-chan struct{}) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st := m.lookup(interactionID)
			if st == nil {
				return
			}
			st.mu.Lock()
			session := st.session
			st.mu.Unlock()
			if session == nil {
				return
			}
			if !session.IsOpen() {
				// The next send will force recreation.
				m.logger.Warnf("session: %s socket not open at health check", interactionID)
				st.mu.Lock()
				st.ready = false
				st.mu.Unlock()
			}
		}
	}
}

// ===================== Event handling =====================

func (m *Manager) handleEvent(interactionID string, event internal_transformer.Event) {
	st := m.lookup(interactionID)
	if st == nil {
		return
	}

	switch event.Kind {
	case internal_transformer.EventSessionStarted:
		st.mu.Lock()
		st.ready = true
		st.mu.Unlock()

	case internal_transformer.EventPartial, internal_transformer.EventCommitted:
		transcript := media.Transcript{
			InteractionID: interactionID,
			Seq:           event.Seq,
			Type:          media.TranscriptPartial,
			Text:          event.Text,
			Confidence:    event.Confidence,
		}
		if event.Kind == internal_transformer.EventCommitted {
			transcript.Type = media.TranscriptFinal
			transcript.IsFinal = true
		}

		st.mu.Lock()
		st.transcriptsReceived++
		if transcript.Empty() {
			st.transcriptsEmpty++
		} else {
			st.lastTranscript = transcript.Text
		}
		tracker := st.tracker
		st.mu.Unlock()

		// Empty transcripts unblock waiters but never reach the sink.
		tracker.Resolve(transcript)
		if !transcript.Empty() {
			m.sink(transcript)
		}

	case internal_transformer.EventError:
		switch event.ErrKind {
		case internal_transformer.ErrorPermanent:
			m.logger.Errorf("session: %s permanent provider error: %v", interactionID, event.Err)
			m.teardown(st, false)
		case internal_transformer.ErrorTransient:
			m.logger.Warnf("session: %s transient provider error: %v", interactionID, event.Err)
			m.scheduleReconnect(st)
		default:
			m.logger.Warnf("session: %s provider error: %v", interactionID, event.Err)
		}

	case internal_transformer.EventClose:
		st.mu.Lock()
		ended := st.ended
		st.ready = false
		st.mu.Unlock()
		if ended {
			return
		}
		m.logger.Warnf("session: %s provider closed (code=%d reason=%s)", interactionID, event.CloseCode, event.CloseReason)
		m.scheduleReconnect(st)
	}
}

// scheduleReconnect arms an exponential backoff retry: 1 s, 2 s, 4 s, up to
// the attempt cap. The timer carries only the interaction id.
func (m *Manager) scheduleReconnect(st *callState) {
	st.mu.Lock()
	if st.ended || st.broken {
		st.mu.Unlock()
		return
	}
	st.ready = false
	st.reconnectAttempts++
	attempt := st.reconnectAttempts
	rate := st.sampleRate
	if attempt > m.cfg.MaxReconnectAttempts {
		st.broken = true
		st.mu.Unlock()
		m.logger.Errorf("session: %s exhausted %d reconnect attempts, giving up", st.id, m.cfg.MaxReconnectAttempts)
		st.tracker.DrainEmpty()
		return
	}
	st.mu.Unlock()

	backoff := reconnectBaseBackoff << (attempt - 1)
	m.logger.Infof("session: %s reconnect attempt %d in %s", st.id, attempt, backoff)

	id := st.id
	time.AfterFunc(backoff, func() {
		st := m.lookup(id)
		if st == nil {
			return
		}
		st.mu.Lock()
		if st.ended || st.broken {
			st.mu.Unlock()
			return
		}
		st.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), creationLockTimeout)
		defer cancel()
		if _, err := m.ensureSession(ctx, st, rate); err != nil {
			m.logger.Warnf("session: %s reconnect attempt %d failed: %v", id, attempt, err)
			m.scheduleReconnect(st)
		}
	})
}

// teardown closes the provider session without reconnecting. When remove is
// true the ended call state is retained briefly and then deleted.
func (m *Manager) teardown(st *callState, remove bool) {
	st.mu.Lock()
	session := st.session
	st.session = nil
	st.ready = false
	if !remove {
		st.broken = true
	}
	st.ended = st.ended || remove
	if st.healthStop != nil {
		close(st.healthStop)
		st.healthStop = nil
	}
	tracker := st.tracker
	st.mu.Unlock()

	drained := tracker.DrainEmpty()
	if drained > 0 {
		m.logger.Infof("session: %s drained %d waiters on teardown", st.id, drained)
	}

	if session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), readyWaitTimeout)
		defer cancel()
		stats := session.Stats()
		_ = session.Close(ctx)
		st.mu.Lock()
		duration := time.Since(st.createdAt)
		st.mu.Unlock()
		m.logger.Infof("session: %s closed after %s, chunks=%d bytes=%d",
			st.id, duration.Round(time.Millisecond), stats.ChunksSent, stats.BytesSent)
	}

	if remove {
		id := st.id
		time.AfterFunc(endedRetention, func() {
			m.mu.Lock()
			delete(m.calls, id)
			m.mu.Unlock()
		})
	}
}

// ===================== Lifecycle =====================

// EndCall gracefully closes the call's session. After this, no further audio
// for the interaction reaches the provider.
func (m *Manager) EndCall(ctx context.Context, interactionID, reason string) {
	st := m.lookup(interactionID)
	if st == nil {
		return
	}
	m.logger.Infof("session: %s ending, reason=%s", interactionID, reason)
	st.mu.Lock()
	st.ended = true
	st.mu.Unlock()
	m.teardown(st, true)
}

// CloseAll tears every session down in parallel, for process shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	states := make([]*callState, 0, len(m.calls))
	for _, st := range m.calls {
		states = append(states, st)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *callState) {
			defer wg.Done()
			st.mu.Lock()
			st.ended = true
			st.mu.Unlock()
			m.teardown(st, true)
		}(st)
	}
	wg.Wait()

	_ = m.provider.Close(ctx)
	m.logger.Infof("session: all sessions closed")
}

// Stats snapshots every live call for observability endpoints.
func (m *Manager) Stats() []CallStats {
	m.mu.Lock()
	states := make([]*callState, 0, len(m.calls))
	for _, st := range m.calls {
		states = append(states, st)
	}
	m.mu.Unlock()

	out := make([]CallStats, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		stats := CallStats{
			InteractionID:       st.id,
			Ready:               st.ready,
			Broken:              st.broken,
			SampleRate:          st.sampleRate,
			CreatedAt:           st.createdAt,
			TranscriptsReceived: st.transcriptsReceived,
			TranscriptsEmpty:    st.transcriptsEmpty,
			TranscriptTimeouts:  st.tracker.TimeoutCount(),
			ReconnectAttempts:   st.reconnectAttempts,
			OutstandingSends:    st.tracker.Outstanding(),
			LastTranscript:      st.lastTranscript,
		}
		if st.session != nil {
			ss := st.session.Stats()
			stats.ChunksSent = ss.ChunksSent
			stats.BytesSent = ss.BytesSent
			stats.KeepaliveOK = ss.KeepaliveOK
			stats.KeepaliveFail = ss.KeepaliveFail
		}
		st.mu.Unlock()
		out = append(out, stats)
	}
	return out
}

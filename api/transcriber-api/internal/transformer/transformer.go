// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package internal_transformer

import (
	"context"
	"time"

	"github.com/vocalisai/pkg/media"
)

// ===================== Events =====================

// EventKind tags provider callback events. Provider adapters translate raw
// SDK payloads into these variants exactly once; everything downstream
// switches on the tag.
type EventKind int

const (
	EventSessionStarted EventKind = iota
	EventPartial
	EventCommitted
	EventError
	EventClose
)

// ErrorKind classifies provider-reported failures into the three recovery
// categories.
type ErrorKind int

const (
	// ErrorPermanent: invalid audio format, rejected credentials, quota
	// exhausted. Close the session, never reconnect.
	ErrorPermanent ErrorKind = iota
	// ErrorTransient: network flaps, idle timeouts, 1011 closes. Reconnect
	// with backoff.
	ErrorTransient
	// ErrorUnknown: log and continue.
	ErrorUnknown
)

// Event is one provider callback delivery.
type Event struct {
	Kind          EventKind
	InteractionID string

	// Partial / Committed
	Text       string
	Confidence float64
	Seq        uint64 // zero when the provider does not echo sequence numbers

	// Error
	ErrKind ErrorKind
	Err     error

	// Close
	CloseCode   int
	CloseReason string
}

// EventHandler receives provider events. Handlers must not block; the
// adapter's read loop delivers them inline.
type EventHandler func(Event)

// ===================== Outcomes =====================

// OutcomeKind is the explicit result variant of a send, replacing
// control-flow-by-exception around socket state and deadlines.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeTimeout
	OutcomeDropped
	OutcomeProviderClosed
)

// Outcome wraps a transcript result for one submitted chunk.
type Outcome struct {
	Kind       OutcomeKind
	Transcript media.Transcript
}

// Ok builds a successful outcome.
func Ok(t media.Transcript) Outcome { return Outcome{Kind: OutcomeOk, Transcript: t} }

// Empty builds a successful outcome carrying no text, used for suppressed
// silence and timed-out waits.
func Empty(interactionID string, kind OutcomeKind) Outcome {
	return Outcome{
		Kind: kind,
		Transcript: media.Transcript{
			InteractionID: interactionID,
			Type:          media.TranscriptPartial,
		},
	}
}

// ===================== Session options =====================

// SessionOptions declares the streaming parameters for one provider session.
type SessionOptions struct {
	InteractionID string
	SampleRate    int
	Model         string
	Language      string
	// Punctuation and word timing flags are passed through where supported.
	IncludeTimestamps bool
	// VAD tuning, milliseconds.
	VadSilenceMs  int
	MinSpeechMs   int
	KeepaliveMs   int
	CommitEveryMs int
}

// ===================== Contract =====================

// Capability flags let the session manager adapt without type switches.
type Capability int

const (
	// CapKeepalive: the provider idles out and needs periodic text
	// keepalives.
	CapKeepalive Capability = iota
	// CapCloseSentinel: the provider accepts an explicit close-stream text
	// message before socket teardown.
	CapCloseSentinel
	// CapSeqEcho: the provider echoes submitted sequence numbers on
	// transcripts.
	CapSeqEcho
	// CapCallbackDelivery: transcripts arrive only via the event handler;
	// SendAudio always returns an immediate empty transcript.
	CapCallbackDelivery
)

// SessionStats is a read-only counter snapshot for one session.
type SessionStats struct {
	ChunksSent    uint64
	BytesSent     uint64
	KeepaliveOK   uint64
	KeepaliveFail uint64
}

// SpeechToTextSession is one live streaming connection for one interaction.
type SpeechToTextSession interface {
	// SendAudio writes one chunk. Keyed-session providers return transcripts
	// through events matched by the caller; continuous-recognition providers
	// return an immediate empty transcript here and deliver text via the
	// handler.
	SendAudio(ctx context.Context, seq uint64, payload []byte) error

	// IsOpen reports whether the underlying socket is usable.
	IsOpen() bool

	// Stats snapshots the session counters.
	Stats() SessionStats

	// Close tears the session down, emitting the provider's close sentinel
	// first when it has one.
	Close(ctx context.Context) error
}

// SpeechToTextTransformer is a streaming ASR provider.
type SpeechToTextTransformer interface {
	Name() string
	Has(capability Capability) bool

	// OpenSession dials a new streaming session and blocks until the
	// session-started milestone or a timeout. Events flow to handler for the
	// life of the session.
	OpenSession(ctx context.Context, opts SessionOptions, handler EventHandler) (SpeechToTextSession, error)

	// TokenTTL reports how long a session's credentials stay valid; ok is
	// false when sessions never expire.
	TokenTTL() (time.Duration, bool)

	Close(ctx context.Context) error
}

// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, Cartesia) and
// presents a uniform session-oriented streaming interface: a caller connects
// once per utterance, feeds it text fragments as they arrive from the Chat
// Pipeline, and drains audio chunks (each carrying word-level timing where
// available) until the session signals it is done.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
)

// Session represents one in-progress synthesis connection. A Session is
// created by Provider.Connect and is valid for exactly one utterance: once
// CloseInput has been called and the Chunks channel has been drained to
// closure, the Session must be closed and discarded.
//
// All methods must be safe to call from a different goroutine than the one
// draining Chunks.
type Session interface {
	// SendText pushes a fragment of text into the synthesis pipeline. flush
	// requests that the provider begin generating audio for everything sent
	// so far rather than waiting to accumulate more text (providers that
	// schedule generation in chunks, like ElevenLabs, use this to bound
	// latency at sentence boundaries).
	SendText(ctx context.Context, fragment string, flush bool) error

	// CloseInput signals that no more text will be sent for this utterance.
	// The provider should synthesize any remaining buffered text and then
	// emit a final chunk before closing the Chunks channel. CloseInput is
	// idempotent.
	CloseInput() error

	// Chunks returns the channel of synthesized audio. It is closed by the
	// implementation when the provider reports completion, the underlying
	// connection fails, or Close is called. Callers must drain it to avoid
	// leaking the session's internal goroutine.
	Chunks() <-chan AudioChunk

	// Err returns the error that caused Chunks to close, if any. It is only
	// meaningful after Chunks has been observed closed, and returns nil for a
	// clean completion.
	Err() error

	// Close tears down the session immediately, regardless of whether
	// CloseInput was called or Chunks has finished draining. Close is
	// idempotent and safe to call even after a clean completion.
	Close() error
}

// Provider is the abstraction over any streaming TTS backend.
//
// Implementations must be safe for concurrent use; multiple sessions (one per
// in-flight character utterance) may run concurrently against the same
// Provider value.
type Provider interface {
	// Connect opens a new synthesis Session for the given voice. The
	// returned Session is scoped to a single utterance.
	Connect(ctx context.Context, voice VoiceProfile) (Session, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// CloneVoice creates a new voice profile by training on the supplied
	// audio samples. A nil or empty samples slice returns an error rather
	// than panicking. This is an expensive operation and must not be called
	// in the synthesis hot path.
	CloneVoice(ctx context.Context, samples [][]byte) (*VoiceProfile, error)
}

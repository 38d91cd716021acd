// Package ttsstream implements the TTS Streamer: the atomic unit of speech
// output. It drives one upstream TTS session end to end for a single
// generation, forwarding synthesized audio and word timing to the overlay
// in the order the overlay's protocol requires, and tracks the "spoken
// text" actually heard so a preempted generation can be reconciled later.
package ttsstream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/castwire/castwire/pkg/provider/tts"
)

// Hooks are the six callbacks into the Overlay Command Protocol that a
// Streamer drives, in the order the protocol requires them.
type Hooks struct {
	TextStart  func(ctx context.Context) error
	TextEnd    func(ctx context.Context) error
	AudioStart func(ctx context.Context) error
	AudioChunk func(ctx context.Context, audio []byte) error
	AudioEnd   func(ctx context.Context) error
	WordTiming func(ctx context.Context, words []tts.WordTiming) error
}

// Source is the text driving a single generation: either a complete string
// or a lazy, finite token sequence delivered on a channel. Construct one
// with StringSource or TokenSource.
type Source struct {
	text     string
	tokens   <-chan string
	isTokens bool
}

// StringSource wraps a literal string to be sent to the TTS session in one
// fragment.
func StringSource(text string) Source { return Source{text: text} }

// TokenSource wraps a channel of text fragments (e.g. streamed from an LLM)
// to be forwarded one at a time. The channel must be closed by the
// producer when exhausted.
func TokenSource(tokens <-chan string) Source { return Source{tokens: tokens, isTokens: true} }

// Streamer drives one upstream TTS session for a single generation.
// A Streamer is single-use: construct a new one per generation.
type Streamer struct {
	provider     tts.Provider
	voice        tts.VoiceProfile
	showCaptions bool
	hooks        Hooks

	mu         sync.Mutex
	cancelled  bool
	cancelCh   chan struct{}
	session    tts.Session
	spokenText strings.Builder
}

// New constructs a Streamer for one generation against provider, using
// voice and the given hooks. showCaptions gates the text-start/text-end
// hooks and the word-timing hook.
func New(provider tts.Provider, voice tts.VoiceProfile, showCaptions bool, hooks Hooks) *Streamer {
	return &Streamer{
		provider:     provider,
		voice:        voice,
		showCaptions: showCaptions,
		hooks:        hooks,
		cancelCh:     make(chan struct{}),
	}
}

// Stream drives source through a fresh upstream TTS session and forwards
// the result to the overlay via the configured hooks, in order:
// text-start? → connect → audio-start → (word-timing, audio-chunk)* →
// close-input → audio-end → text-end?. It returns the full text that was
// sent into the TTS session, which may be larger than GetSpokenText if the
// stream was cancelled mid-flight.
func (s *Streamer) Stream(ctx context.Context, source Source) (string, error) {
	var textStarted, audioStarted bool

	cleanup := func() {
		if audioStarted && s.hooks.AudioEnd != nil {
			_ = s.hooks.AudioEnd(ctx)
		}
		if textStarted && s.hooks.TextEnd != nil {
			_ = s.hooks.TextEnd(ctx)
		}
	}

	if s.showCaptions && s.hooks.TextStart != nil {
		if err := s.hooks.TextStart(ctx); err != nil {
			return "", fmt.Errorf("ttsstream: text-start hook: %w", err)
		}
		textStarted = true
	}

	session, err := s.provider.Connect(ctx, s.voice)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("ttsstream: connect: %w", err)
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	if s.hooks.AudioStart != nil {
		if err := s.hooks.AudioStart(ctx); err != nil {
			_ = session.Close()
			cleanup()
			return "", fmt.Errorf("ttsstream: audio-start hook: %w", err)
		}
	}
	audioStarted = true

	receiveErrCh := make(chan error, 1)
	go func() { receiveErrCh <- s.receive(ctx, session) }()

	fullText, sendErr := s.drive(ctx, session, source)

	if !s.isCancelled() {
		_ = session.CloseInput()
	}
	receiveErr := <-receiveErrCh
	_ = session.Close()

	if sendErr != nil {
		cleanup()
		return fullText, fmt.Errorf("ttsstream: send: %w", sendErr)
	}
	if receiveErr != nil {
		cleanup()
		return fullText, fmt.Errorf("ttsstream: receive: %w", receiveErr)
	}

	if s.hooks.AudioEnd != nil {
		if err := s.hooks.AudioEnd(ctx); err != nil {
			if s.showCaptions && textStarted && s.hooks.TextEnd != nil {
				_ = s.hooks.TextEnd(ctx)
			}
			return fullText, fmt.Errorf("ttsstream: audio-end hook: %w", err)
		}
	}
	audioStarted = false

	if s.showCaptions && s.hooks.TextEnd != nil {
		if err := s.hooks.TextEnd(ctx); err != nil {
			return fullText, fmt.Errorf("ttsstream: text-end hook: %w", err)
		}
	}
	textStarted = false

	return fullText, nil
}

// drive sends source into session, either as one fragment (string source)
// or token-by-token (token source), exiting the loop immediately on
// cooperative cancel.
func (s *Streamer) drive(ctx context.Context, session tts.Session, source Source) (string, error) {
	if !source.isTokens {
		if err := session.SendText(ctx, source.text, false); err != nil {
			return "", err
		}
		return source.text, nil
	}

	var sent strings.Builder
	for {
		if s.isCancelled() {
			return sent.String(), nil
		}
		select {
		case tok, ok := <-source.tokens:
			if !ok {
				return sent.String(), nil
			}
			if err := session.SendText(ctx, tok, false); err != nil {
				return sent.String(), err
			}
			sent.WriteString(tok)
		case <-s.cancelCh:
			return sent.String(), nil
		case <-ctx.Done():
			return sent.String(), nil
		}
	}
}

// receive drains session.Chunks(), forwarding each chunk's word timing
// (before audio, when captions are requested) and audio bytes to the
// overlay hooks, and accumulates the spoken-text buffer.
func (s *Streamer) receive(ctx context.Context, session tts.Session) error {
	for chunk := range session.Chunks() {
		if len(chunk.Words) > 0 {
			s.appendSpokenWords(chunk.Words)
			if s.showCaptions && s.hooks.WordTiming != nil {
				if err := s.hooks.WordTiming(ctx, chunk.Words); err != nil {
					return err
				}
			}
		}
		if len(chunk.Audio) > 0 && s.hooks.AudioChunk != nil {
			if err := s.hooks.AudioChunk(ctx, chunk.Audio); err != nil {
				return err
			}
		}
	}
	return session.Err()
}

func (s *Streamer) appendSpokenWords(words []tts.WordTiming) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range words {
		if s.spokenText.Len() > 0 && !strings.HasSuffix(s.spokenText.String(), " ") {
			s.spokenText.WriteByte(' ')
		}
		s.spokenText.WriteString(w.Word)
	}
}

// GetSpokenText returns the text accumulated so far from word-timing data
// actually received from the upstream session — the source of truth for
// what was audible, independent of how much text was sent.
func (s *Streamer) GetSpokenText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spokenText.String()
}

func (s *Streamer) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// IsCancelled reports whether Cancel was called on this Streamer, so a
// caller can tell a normal completion from an interrupted one after Stream
// returns.
func (s *Streamer) IsCancelled() bool { return s.isCancelled() }

// Cancel stops the stream: it sets the cancel flag and force-closes the
// upstream TTS session so its chunk iterator terminates, unblocking the
// receive goroutine and the foreground drive loop.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	if !s.cancelled {
		close(s.cancelCh)
	}
	s.cancelled = true
	session := s.session
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
}

// Package mock provides test doubles for the tts.Provider/tts.Session
// interfaces.
//
// Example:
//
//	p := &mock.Provider{
//	    ConnectChunks: []tts.AudioChunk{{Audio: []byte("pcm1")}},
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	sess, _ := p.Connect(ctx, voice)
package mock

import (
	"context"
	"sync"

	"github.com/castwire/castwire/pkg/provider/tts"
)

// ConnectCall records a single invocation of Connect.
type ConnectCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	Ctx context.Context
}

// CloneVoiceCall records a single invocation of CloneVoice.
type CloneVoiceCall struct {
	Ctx     context.Context
	Samples [][]byte
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectChunks is the sequence of chunks each returned Session emits on
	// Chunks() once CloseInput is called.
	ConnectChunks []tts.AudioChunk

	// ConnectErr, if non-nil, is returned as the error from Connect instead
	// of a Session.
	ConnectErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile
	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// CloneVoiceResult is returned by CloneVoice. May be nil.
	CloneVoiceResult *tts.VoiceProfile
	// CloneVoiceErr, if non-nil, is returned as the error from CloneVoice.
	CloneVoiceErr error

	ConnectCalls    []ConnectCall
	ListVoicesCalls []ListVoicesCall
	CloneVoiceCalls []CloneVoiceCall

	// Sessions records every Session handed out by Connect, in order.
	Sessions []*Session
}

// Connect records the call and, if ConnectErr is nil, returns a new Session
// pre-seeded with ConnectChunks.
func (p *Provider) Connect(ctx context.Context, voice tts.VoiceProfile) (tts.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Voice: voice})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	chunks := make([]tts.AudioChunk, len(p.ConnectChunks))
	copy(chunks, p.ConnectChunks)

	sess := &Session{
		pending: chunks,
		ch:      make(chan tts.AudioChunk, len(chunks)+1),
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// CloneVoice records the call and returns CloneVoiceResult, CloneVoiceErr.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	samplesCopy := make([][]byte, len(samples))
	copy(samplesCopy, samples)
	p.CloneVoiceCalls = append(p.CloneVoiceCalls, CloneVoiceCall{Ctx: ctx, Samples: samplesCopy})
	return p.CloneVoiceResult, p.CloneVoiceErr
}

// Reset clears all recorded calls and sessions. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.ListVoicesCalls = nil
	p.CloneVoiceCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Session is a mock implementation of tts.Session. It records every fragment
// sent to it and emits its pre-seeded chunks once CloseInput is called.
type Session struct {
	mu        sync.Mutex
	pending   []tts.AudioChunk
	ch        chan tts.AudioChunk
	sentTexts []sentText
	closed    bool
	inputDone bool
	err       error
}

type sentText struct {
	Fragment string
	Flush    bool
}

// SendText records the fragment. It does not itself emit audio; call
// CloseInput to flush the pre-seeded chunks.
func (s *Session) SendText(ctx context.Context, fragment string, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosedSession
	}
	s.sentTexts = append(s.sentTexts, sentText{Fragment: fragment, Flush: flush})
	return nil
}

// SentTexts returns a copy of every fragment passed to SendText, in order.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sentTexts))
	for i, t := range s.sentTexts {
		out[i] = t.Fragment
	}
	return out
}

// CloseInput emits the pre-seeded chunks and closes the Chunks channel.
func (s *Session) CloseInput() error {
	s.mu.Lock()
	if s.inputDone {
		s.mu.Unlock()
		return nil
	}
	s.inputDone = true
	chunks := s.pending
	s.mu.Unlock()

	for _, c := range chunks {
		s.ch <- c
	}
	close(s.ch)
	return nil
}

// Chunks returns the output channel.
func (s *Session) Chunks() <-chan tts.AudioChunk {
	return s.ch
}

// Err returns the terminal error, if any was set via SetErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetErr sets the error Err will report. For test setup only.
func (s *Session) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var errClosedSession = &closedSessionError{}

type closedSessionError struct{}

func (*closedSessionError) Error() string { return "mock: session is closed" }

// Ensure Session implements tts.Session at compile time.
var _ tts.Session = (*Session)(nil)

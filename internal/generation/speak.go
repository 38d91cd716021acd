package generation

import (
	"context"

	"github.com/castwire/castwire/internal/ttsstream"
)

// SpeakGeneration adapts a bare TTS Streamer (no LLM involved — a forced
// verdict line, a scripted greeting, a direct /speak request) into a
// Generation the Coordinator can run.
type SpeakGeneration struct {
	streamer *ttsstream.Streamer
	text     string
}

// NewSpeakGeneration wraps streamer to speak text as one generation.
func NewSpeakGeneration(streamer *ttsstream.Streamer, text string) *SpeakGeneration {
	return &SpeakGeneration{streamer: streamer, text: text}
}

// Run drives the streamer to completion, returning text itself as the "full
// text" (a bare speak has no model output to diverge from).
func (g *SpeakGeneration) Run(ctx context.Context) (string, error) {
	_, err := g.streamer.Stream(ctx, ttsstream.StringSource(g.text))
	return g.text, err
}

// GetSpokenText delegates to the underlying streamer.
func (g *SpeakGeneration) GetSpokenText() string { return g.streamer.GetSpokenText() }

// Cancel delegates to the underlying streamer.
func (g *SpeakGeneration) Cancel() { g.streamer.Cancel() }

// IsCancelled delegates to the underlying streamer.
func (g *SpeakGeneration) IsCancelled() bool { return g.streamer.IsCancelled() }

package httpapi

import (
	"context"

	"github.com/castwire/castwire/internal/character"
	"github.com/castwire/castwire/internal/overlay"
	"github.com/castwire/castwire/internal/registry"
	"github.com/castwire/castwire/internal/ttsstream"
	"github.com/castwire/castwire/pkg/provider/tts"
)

// newOverlayHooks builds the TTS Streamer hooks that forward one
// generation's protocol events to every overlay session registered for
// name, using style's typography for the streaming-caption frames.
func newOverlayHooks(reg *registry.Registry, name string, style character.TextStyle) ttsstream.Hooks {
	typography := overlay.Typography{FontFamily: style.FontFamily, FontSize: style.FontSize}

	return ttsstream.Hooks{
		TextStart: func(ctx context.Context) error {
			reg.SendJSON(ctx, name, overlay.TextStreamStart(typography, false))
			return nil
		},
		TextEnd: func(ctx context.Context) error {
			reg.SendJSON(ctx, name, overlay.TextStreamEnd())
			return nil
		},
		AudioStart: func(ctx context.Context) error {
			reg.SetChannelState(name, "streaming", true)
			reg.SendJSON(ctx, name, overlay.StreamStart(overlay.DefaultSampleRate, overlay.DefaultChannels, overlay.DefaultFormat))
			return nil
		},
		AudioChunk: func(ctx context.Context, audio []byte) error {
			reg.SendBytes(ctx, name, audio)
			return nil
		},
		AudioEnd: func(ctx context.Context) error {
			// streaming clears when the overlay acks stream_ended/stream_stopped
			// (internal/httpapi/ws.go), not the instant the server writes
			// stream_end: the browser may still be draining buffered audio.
			reg.SendJSON(ctx, name, overlay.StreamEnd())
			return nil
		},
		WordTiming: func(ctx context.Context, words []tts.WordTiming) error {
			entries := make([]overlay.WordTimingEntry, len(words))
			for i, w := range words {
				entries[i] = overlay.WordTimingEntry{Word: w.Word, Start: w.StartSecond, End: w.EndSecond}
			}
			reg.SendJSON(ctx, name, overlay.WordTimingFrame(entries))
			return nil
		},
	}
}

// voiceProfileFor builds the VoiceProfile passed to the TTS provider for c,
// reading a voice_id override out of its provider-specific settings map.
func voiceProfileFor(c *character.Character) tts.VoiceProfile {
	profile := tts.VoiceProfile{Provider: c.Provider}
	if id, ok := c.ProviderSettings["voice_id"].(string); ok {
		profile.ID = id
	}
	if name, ok := c.ProviderSettings["voice_name"].(string); ok {
		profile.Name = name
	}
	return profile
}

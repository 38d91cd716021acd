// Package overlay defines the wire protocol between castwire and the browser
// overlay pages embedded in a broadcaster's streaming scene: typed JSON
// command frames sent to the overlay, typed JSON events received from it, and
// the binary audio frame convention used for raw PCM playback.
package overlay

// Default audio framing, per the negotiated stream contract.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
	DefaultFormat     = "pcm16"
)

// Action tags recognized in server→overlay JSON frames.
const (
	ActionPlay            = "play"
	ActionStop            = "stop"
	ActionVolume          = "volume"
	ActionStreamStart     = "stream_start"
	ActionStreamEnd       = "stream_end"
	ActionStopStream      = "stop_stream"
	ActionText            = "text"
	ActionClearText       = "clear_text"
	ActionTextStreamStart = "text_stream_start"
	ActionTextChunk       = "text_chunk"
	ActionTextStreamEnd   = "text_stream_end"
	ActionWordTiming      = "word_timing"
	ActionPing            = "ping"
	ActionHello           = "hello"
)

// Event tags recognized in overlay→server JSON events.
const (
	EventEnded         = "ended"
	EventStreamEnded   = "stream_ended"
	EventStreamStopped = "stream_stopped"
	EventPong          = "pong"
	EventError         = "error"
)

// Position is a normalized (x,y) coordinate in [0,1] for caption placement.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TextStyle carries the static caption styling for a "text" frame.
type TextStyle struct {
	FontFamily  string   `json:"font_family"`
	FontSize    int      `json:"font_size"`
	FillColor   string   `json:"fill_color"`
	StrokeColor string   `json:"stroke_color,omitempty"`
	StrokeWidth float64  `json:"stroke_width,omitempty"`
	Position    Position `json:"position"`
}

// Typography is the caption typography used by streaming-text frames.
type Typography struct {
	FontFamily string `json:"font_family"`
	FontSize   int    `json:"font_size"`
}

// WordTimingEntry is one word's timing within a word_timing frame.
type WordTimingEntry struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Frame is a server→overlay JSON command. Only the fields relevant to Action
// are populated; the rest are omitted from the wire encoding via omitempty.
type Frame struct {
	Action string `json:"action"`

	Volume float64 `json:"volume,omitempty"`

	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Format     string `json:"format,omitempty"`

	Style         *TextStyle  `json:"style,omitempty"`
	DurationMs    int         `json:"duration_ms,omitempty"`
	Position      *Position   `json:"position,omitempty"`
	Typography    *Typography `json:"typography,omitempty"`
	InstantReveal bool        `json:"instant_reveal,omitempty"`

	Text string `json:"text,omitempty"`

	Words []WordTimingEntry `json:"words,omitempty"`

	Timestamp int64 `json:"ts,omitempty"`

	Version string `json:"version,omitempty"`
	BuildID string `json:"build_id,omitempty"`
}

// Play returns a "play" frame.
func Play() Frame { return Frame{Action: ActionPlay} }

// Stop returns a "stop" frame.
func Stop() Frame { return Frame{Action: ActionStop} }

// Volume returns a "volume" frame.
func Volume(level float64) Frame { return Frame{Action: ActionVolume, Volume: level} }

// StreamStart returns a "stream_start" frame with the negotiated audio format.
func StreamStart(sampleRate, channels int, format string) Frame {
	return Frame{Action: ActionStreamStart, SampleRate: sampleRate, Channels: channels, Format: format}
}

// StreamEnd returns a "stream_end" frame.
func StreamEnd() Frame { return Frame{Action: ActionStreamEnd} }

// StopStream returns a "stop_stream" frame, truncating any buffered playback.
func StopStream() Frame { return Frame{Action: ActionStopStream} }

// Text returns a "text" frame carrying a static caption.
func Text(text string, style TextStyle, durationMs int) Frame {
	return Frame{Action: ActionText, Text: text, Style: &style, DurationMs: durationMs}
}

// ClearText returns a "clear_text" frame.
func ClearText() Frame { return Frame{Action: ActionClearText} }

// TextStreamStart returns a "text_stream_start" frame.
func TextStreamStart(typ Typography, instantReveal bool) Frame {
	return Frame{Action: ActionTextStreamStart, Typography: &typ, InstantReveal: instantReveal}
}

// TextChunk returns a "text_chunk" frame carrying an incremental caption fragment.
func TextChunk(text string) Frame { return Frame{Action: ActionTextChunk, Text: text} }

// TextStreamEnd returns a "text_stream_end" frame.
func TextStreamEnd() Frame { return Frame{Action: ActionTextStreamEnd} }

// WordTimingFrame returns a "word_timing" frame carrying one or more word
// timings for the generation currently streaming.
func WordTimingFrame(words []WordTimingEntry) Frame {
	return Frame{Action: ActionWordTiming, Words: words}
}

// Ping returns a "ping" frame carrying the current server timestamp, distinct
// from transport-level keepalive.
func Ping(ts int64) Frame { return Frame{Action: ActionPing, Timestamp: ts} }

// Hello returns a "hello" frame announcing server version/build to a newly
// connected overlay.
func Hello(version, buildID string) Frame {
	return Frame{Action: ActionHello, Version: version, BuildID: buildID}
}

// Event is an overlay→server JSON event.
type Event struct {
	Event string `json:"event"`

	SpokenText   string  `json:"spoken_text,omitempty"`
	PlaybackTime float64 `json:"playback_time,omitempty"`
	WordCount    int     `json:"word_count,omitempty"`

	Timestamp int64 `json:"ts,omitempty"`

	Error string `json:"error,omitempty"`
}

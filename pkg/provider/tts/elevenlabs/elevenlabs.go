// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider and
// tts.Session interfaces.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/castwire/castwire/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	defaultWSHost    = "wss://api.elevenlabs.io"
	wsPathFmt        = "/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	audioChanBuffer  = 256

	minSpeed = 0.7
	maxSpeed = 1.2

	connectMaxRetries = 3
	connectBaseDelay  = time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the WebSocket host ("wss://api.elevenlabs.io").
// Primarily used in tests to point Connect at a local server.
func WithBaseURL(host string) Option {
	return func(p *Provider) {
		p.wsHost = host
	}
}

// WithVoicesEndpoint overrides the GET /v1/voices URL. Primarily used in
// tests to point ListVoices at a local server.
func WithVoicesEndpoint(url string) Option {
	return func(p *Provider) {
		p.voicesEndpoint = url
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey         string
	model          string
	outputFormat   string
	wsHost         string
	voicesEndpoint string
	httpClient     *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		model:          defaultModel,
		outputFormat:   defaultOutputFmt,
		wsHost:         defaultWSHost,
		voicesEndpoint: voicesEndpoint,
		httpClient:     &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

// alignmentData is the per-character timing block ElevenLabs attaches to an
// audio message. All *Ms fields are milliseconds relative to the start of
// this utterance's audio.
type alignmentData struct {
	Chars            []string `json:"chars"`
	CharStartTimesMs []int    `json:"charStartTimesMs"`
	CharDurationsMs  []int    `json:"charDurationsMs"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio               string         `json:"audio"` // base64-encoded PCM
	IsFinal             bool           `json:"isFinal"`
	Alignment           *alignmentData `json:"alignment,omitempty"`
	NormalizedAlignment *alignmentData `json:"normalizedAlignment,omitempty"`
	Message             string         `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

func defaultVoiceSettings(voice tts.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if s, ok := voice.Metadata["stability"]; ok {
		fmt.Sscanf(s, "%f", &vs.Stability)
	}
	if s, ok := voice.Metadata["similarity_boost"]; ok {
		fmt.Sscanf(s, "%f", &vs.SimilarityBoost)
	}
	if voice.SpeedFactor != 0 {
		clamped := voice.SpeedFactor
		if clamped < minSpeed {
			clamped = minSpeed
		}
		if clamped > maxSpeed {
			clamped = maxSpeed
		}
		if clamped != voice.SpeedFactor {
			slog.Warn("elevenlabs: speed out of range, clamped", "requested", voice.SpeedFactor, "clamped", clamped)
		}
		vs.Speed = &clamped
	}
	return vs
}

// Connect opens a WebSocket session to ElevenLabs for the given voice,
// retrying with exponential backoff on dial failure.
func (p *Provider) Connect(ctx context.Context, voice tts.VoiceProfile) (tts.Session, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := p.wsHost + fmt.Sprintf(wsPathFmt, voice.ID, p.model)

	var conn *websocket.Conn
	var lastErr error
	for attempt := 0; attempt < connectMaxRetries; attempt++ {
		var err error
		conn, _, err = websocket.Dial(ctx, wsURL, nil)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if attempt < connectMaxRetries-1 {
			delay := connectBaseDelay * time.Duration(1<<attempt)
			slog.Warn("elevenlabs: connect attempt failed, retrying", "attempt", attempt+1, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("elevenlabs: dial after %d attempts: %w", connectMaxRetries, lastErr)
	}

	vs := defaultVoiceSettings(voice)
	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	sess := &session{
		conn:          conn,
		firstWrite:    true,
		voiceSettings: vs,
		ch:            make(chan tts.AudioChunk, audioChanBuffer),
		done:          make(chan struct{}),
	}
	sess.wg.Add(1)
	go sess.receiveLoop()

	return sess, nil
}

// session is a single ElevenLabs streaming synthesis connection.
type session struct {
	conn *websocket.Conn

	writeMu       sync.Mutex
	firstWrite    bool
	voiceSettings *voiceSettings

	ch   chan tts.AudioChunk
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
	closed    bool

	mu       sync.Mutex
	err      error
	aligner  wordAligner
	inputEnd bool
}

var _ tts.Session = (*session)(nil)

// SendText implements tts.Session.
func (s *session) SendText(ctx context.Context, fragment string, flush bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := textMessage{Text: fragment, Flush: flush}
	if s.firstWrite {
		msg.VoiceSettings = s.voiceSettings
		s.firstWrite = false
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal text message: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, body); err != nil {
		return fmt.Errorf("elevenlabs: write text message: %w", err)
	}
	return nil
}

// CloseInput implements tts.Session.
func (s *session) CloseInput() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.inputEnd {
		return nil
	}
	s.inputEnd = true
	body, _ := json.Marshal(textMessage{Text: ""})
	return s.conn.Write(context.Background(), websocket.MessageText, body)
}

// Chunks implements tts.Session.
func (s *session) Chunks() <-chan tts.AudioChunk {
	return s.ch
}

// Err implements tts.Session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements tts.Session.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "done")
	})
	s.wg.Wait()
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// receiveLoop reads audio/alignment messages until the connection closes,
// reconstructs word timings from the per-character alignment data, and emits
// AudioChunk values. It owns s.aligner exclusively, so no locking is needed
// around it.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.ch)

	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(err)
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			slog.Warn("elevenlabs: malformed message", "error", err)
			continue
		}
		if resp.Message != "" && resp.Audio == "" && resp.Alignment == nil {
			slog.Debug("elevenlabs: info message", "message", resp.Message)
		}

		var chunk tts.AudioChunk
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				slog.Warn("elevenlabs: bad base64 audio", "error", err)
			} else {
				chunk.Audio = pcm
			}
		}

		align := resp.NormalizedAlignment
		if align == nil {
			align = resp.Alignment
		}
		if align != nil {
			chunk.Words = s.aligner.feed(align)
		}

		if resp.IsFinal {
			if w := s.aligner.flush(); w != nil {
				chunk.Words = append(chunk.Words, *w)
			}
		}

		if len(chunk.Audio) > 0 || len(chunk.Words) > 0 {
			select {
			case s.ch <- chunk:
			case <-s.done:
				return
			}
		}

		if resp.IsFinal {
			return
		}
	}
}

// wordAligner reconstructs word-level timings from ElevenLabs' per-character
// alignment stream. Characters accumulate into the current word; a space
// character is a word boundary, and punctuation is appended to whichever word
// precedes it rather than treated as a boundary of its own. A run of
// characters with no letters or digits (pure punctuation between spaces) is
// dropped instead of surfaced as a standalone word.
type wordAligner struct {
	text        strings.Builder
	startMs     int
	lastEndMs   int
	hasWordChar bool
	active      bool
}

func (a *wordAligner) feed(align *alignmentData) []tts.WordTiming {
	var completed []tts.WordTiming
	for i, ch := range align.Chars {
		startMs := 0
		if i < len(align.CharStartTimesMs) {
			startMs = align.CharStartTimesMs[i]
		}
		durMs := 0
		if i < len(align.CharDurationsMs) {
			durMs = align.CharDurationsMs[i]
		}
		if w := a.feedChar(ch, startMs, durMs); w != nil {
			completed = append(completed, *w)
		}
	}
	return completed
}

func (a *wordAligner) feedChar(ch string, startMs, durMs int) *tts.WordTiming {
	if ch == " " || ch == "\n" || ch == "\t" {
		if !a.active {
			return nil
		}
		return a.flushWord()
	}

	if !a.active {
		a.active = true
		a.startMs = startMs
	}
	a.text.WriteString(ch)
	a.lastEndMs = startMs + durMs
	if isWordRune(ch) {
		a.hasWordChar = true
	}
	return nil
}

// flush emits any pending word at end-of-stream (no trailing space seen).
func (a *wordAligner) flush() *tts.WordTiming {
	if !a.active {
		return nil
	}
	return a.flushWord()
}

func (a *wordAligner) flushWord() *tts.WordTiming {
	defer a.reset()
	if !a.hasWordChar {
		return nil
	}
	return &tts.WordTiming{
		Word:        a.text.String(),
		StartSecond: float64(a.startMs) / 1000,
		EndSecond:   float64(a.lastEndMs) / 1000,
	}
}

func (a *wordAligner) reset() {
	a.text.Reset()
	a.active = false
	a.hasWordChar = false
}

func isWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return parseVoicesResponse2(vr), nil
}

// CloneVoice is not implemented yet.
// TODO: implement voice cloning via POST /v1/voices/add
func (p *Provider) CloneVoice(_ context.Context, samples [][]byte) (*tts.VoiceProfile, error) {
	if len(samples) == 0 {
		return nil, errors.New("elevenlabs: CloneVoice requires at least one sample")
	}
	return nil, errors.New("elevenlabs: CloneVoice is not implemented")
}

// ---- helpers kept separate from network code for unit testability ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings, flush bool) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs, Flush: flush})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return defaultWSHost + fmt.Sprintf(wsPathFmt, voiceID, model)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return parseVoicesResponse2(vr), nil
}

func parseVoicesResponse2(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}

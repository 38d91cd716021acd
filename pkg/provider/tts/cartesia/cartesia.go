// Package cartesia provides a Cartesia-backed TTS provider using Cartesia's
// streaming WebSocket API. It implements the tts.Provider and tts.Session
// interfaces.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/castwire/castwire/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	wsURLFmt        = "wss://api.cartesia.ai/tts/websocket?cartesia_version=%s&api_key=%s"
	apiVersion      = "2024-06-10"
	defaultModel    = "sonic-2024-12-12"
	defaultLanguage = "en"
	defaultEncoding = "pcm_s16le"
	defaultSampleHz = 24000
	audioChanBuffer = 256

	minSpeed = 0.6
	maxSpeed = 1.5

	connectMaxRetries = 3
	connectBaseDelay  = time.Second
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID (e.g. "sonic-2024-12-12").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language code (e.g. "en").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(hz int) Option {
	return func(p *Provider) { p.sampleRate = hz }
}

// Provider implements tts.Provider backed by the Cartesia streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleHz,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

type voiceConfig struct {
	Mode                 string                 `json:"mode"`
	ID                   string                 `json:"id"`
	ExperimentalControls *experimentalControls  `json:"__experimental_controls,omitempty"`
}

type experimentalControls struct {
	Emotion []string `json:"emotion"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type generationConfig struct {
	Speed float64 `json:"speed"`
}

type generateMessage struct {
	ModelID          string            `json:"model_id"`
	Transcript       string            `json:"transcript"`
	Voice            voiceConfig       `json:"voice"`
	Language         string            `json:"language,omitempty"`
	ContextID        string            `json:"context_id"`
	OutputFormat     outputFormat      `json:"output_format"`
	AddTimestamps    bool              `json:"add_timestamps"`
	Continue         bool              `json:"continue"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

// wordTimestamps is the per-word timing block Cartesia attaches to a
// "timestamps" message.
type wordTimestamps struct {
	Words []string  `json:"words"`
	Start []float64 `json:"start"`
	End   []float64 `json:"end"`
}

// wsResponse is the JSON message received from Cartesia over the WebSocket.
// Cartesia multiplexes several context_ids over one connection, so every
// message must be filtered by ContextID before use.
type wsResponse struct {
	Type           string          `json:"type"`
	ContextID      string          `json:"context_id"`
	Data           string          `json:"data"` // base64-encoded audio, "chunk" messages only
	WordTimestamps *wordTimestamps `json:"word_timestamps,omitempty"`
	Done           bool            `json:"done"`
	Message        string          `json:"message,omitempty"`
	Code           string          `json:"code,omitempty"`
}

func buildMessage(modelID, transcript, voiceID, language string, sampleRate int, contextID string, speed float64, hasSpeed bool, emotion string, isFinal bool) generateMessage {
	msg := generateMessage{
		ModelID:    modelID,
		Transcript: transcript,
		Voice:      voiceConfig{Mode: "id", ID: voiceID},
		Language:   language,
		ContextID:  contextID,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   defaultEncoding,
			SampleRate: sampleRate,
		},
		AddTimestamps: true,
		Continue:      !isFinal,
	}
	if hasSpeed {
		clamped := speed
		if clamped < minSpeed {
			clamped = minSpeed
		}
		if clamped > maxSpeed {
			clamped = maxSpeed
		}
		if clamped != speed {
			slog.Warn("cartesia: speed out of range, clamped", "requested", speed, "clamped", clamped)
		}
		msg.GenerationConfig = &generationConfig{Speed: clamped}
	}
	if emotion != "" {
		msg.Voice.ExperimentalControls = &experimentalControls{Emotion: []string{emotion}}
	}
	return msg
}

// newContextID returns a fresh per-utterance context identifier. Cartesia
// requires one per concurrent generation sharing a connection; castwire opens
// one connection per Session, so this just needs to be unique enough to
// never collide with a context this session has already used.
func newContextID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// Connect opens a WebSocket session to Cartesia for the given voice, retrying
// with exponential backoff on dial failure.
func (p *Provider) Connect(ctx context.Context, voice tts.VoiceProfile) (tts.Session, error) {
	if voice.ID == "" {
		return nil, errors.New("cartesia: voice.ID must not be empty")
	}

	wsURL := fmt.Sprintf(wsURLFmt, apiVersion, p.apiKey)

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
			slog.Warn("cartesia: connect attempt failed, retrying", "attempt", attempt+1, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("cartesia: dial after %d attempts: %w", connectMaxRetries, lastErr)
	}

	emotion := voice.Metadata["emotion"]

	sess := &session{
		conn:       conn,
		contextID:  newContextID(),
		modelID:    p.model,
		voiceID:    voice.ID,
		language:   p.language,
		sampleRate: p.sampleRate,
		speed:      voice.SpeedFactor,
		hasSpeed:   voice.SpeedFactor != 0,
		emotion:    emotion,
		ch:         make(chan tts.AudioChunk, audioChanBuffer),
		done:       make(chan struct{}),
	}
	sess.wg.Add(1)
	go sess.receiveLoop()

	return sess, nil
}

// session is a single Cartesia streaming synthesis connection, scoped to one
// context_id.
type session struct {
	conn *websocket.Conn

	contextID  string
	modelID    string
	voiceID    string
	language   string
	sampleRate int
	speed      float64
	hasSpeed   bool
	emotion    string

	writeMu  sync.Mutex
	inputEnd bool

	ch   chan tts.AudioChunk
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ tts.Session = (*session)(nil)

// SendText implements tts.Session. flush maps to Cartesia's "continue: false",
// which finalizes the current generation rather than keeping the context open
// for more transcript.
func (s *session) SendText(ctx context.Context, fragment string, flush bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := buildMessage(s.modelID, fragment, s.voiceID, s.language, s.sampleRate, s.contextID, s.speed, s.hasSpeed, s.emotion, flush)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cartesia: marshal message: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, body); err != nil {
		return fmt.Errorf("cartesia: write message: %w", err)
	}
	if flush {
		s.inputEnd = true
	}
	return nil
}

// CloseInput implements tts.Session. It sends an empty transcript with
// continue=false to finalize the generation, matching Cartesia's documented
// end-of-input signal.
func (s *session) CloseInput() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.inputEnd {
		return nil
	}
	s.inputEnd = true
	msg := buildMessage(s.modelID, "", s.voiceID, s.language, s.sampleRate, s.contextID, s.speed, s.hasSpeed, s.emotion, true)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cartesia: marshal close message: %w", err)
	}
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

// receiveLoop reads chunk/timestamps/done/error messages until the
// generation completes, pairing buffered audio with word timings the way
// Cartesia's own streaming client does: audio is emitted as soon as it
// arrives if no timing is pending yet (to keep first-byte latency low), and a
// "timestamps" message flushes whatever audio and words have accumulated
// together.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.ch)

	var pendingAudio []byte
	var pendingWords []tts.WordTiming

	emit := func() {
		if len(pendingAudio) == 0 && len(pendingWords) == 0 {
			return
		}
		chunk := tts.AudioChunk{Audio: pendingAudio, Words: pendingWords}
		pendingAudio = nil
		pendingWords = nil
		select {
		case s.ch <- chunk:
		case <-s.done:
		}
	}

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

		var resp wsResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			slog.Warn("cartesia: malformed message", "error", err)
			continue
		}
		if resp.ContextID != "" && resp.ContextID != s.contextID {
			continue
		}

		switch resp.Type {
		case "chunk":
			if resp.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.Data)
			if err != nil {
				slog.Warn("cartesia: bad base64 audio", "error", err)
				continue
			}
			pendingAudio = append(pendingAudio, pcm...)
			if len(pendingWords) == 0 {
				emit()
			}

		case "timestamps":
			if resp.WordTimestamps != nil {
				words := resp.WordTimestamps.Words
				starts := resp.WordTimestamps.Start
				ends := resp.WordTimestamps.End
				for i, w := range words {
					var start, end float64
					if i < len(starts) {
						start = starts[i]
					}
					if i < len(ends) {
						end = ends[i]
					}
					pendingWords = append(pendingWords, tts.WordTiming{
						Word:        w,
						StartSecond: start,
						EndSecond:   end,
					})
				}
			}
			emit()

		case "done":
			emit()
			return

		case "error":
			emit()
			s.setErr(fmt.Errorf("cartesia: [%s] %s", resp.Code, resp.Message))
			return

		default:
			slog.Debug("cartesia: unhandled message type", "type", resp.Type)
		}
	}
}

// ---- ListVoices / CloneVoice ----

// ListVoices is not implemented: Cartesia's voice catalog is queried through
// its REST API, which castwire does not yet need beyond the voice IDs
// operators configure directly.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return nil, errors.New("cartesia: ListVoices not implemented")
}

// CloneVoice is not implemented.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*tts.VoiceProfile, error) {
	if len(samples) == 0 {
		return nil, errors.New("cartesia: CloneVoice requires at least one sample")
	}
	return nil, errors.New("cartesia: CloneVoice not implemented")
}

var _ tts.Provider = (*Provider)(nil)

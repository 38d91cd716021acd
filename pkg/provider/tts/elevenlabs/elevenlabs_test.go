package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/castwire/castwire/pkg/provider/tts"
	"github.com/coder/websocket"
)

// ---- WebSocket message construction ----

func TestBuildWSMessage_WithVoiceSettings(t *testing.T) {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	data, err := buildWSMessage("Hello there", vs, false)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "Hello there" {
		t.Errorf("expected text 'Hello there', got %q", msg.Text)
	}
	if msg.VoiceSettings == nil {
		t.Fatal("expected non-nil voice settings")
	}
	if msg.VoiceSettings.Stability != 0.5 {
		t.Errorf("expected stability 0.5, got %f", msg.VoiceSettings.Stability)
	}
	if msg.VoiceSettings.SimilarityBoost != 0.75 {
		t.Errorf("expected similarity_boost 0.75, got %f", msg.VoiceSettings.SimilarityBoost)
	}
}

func TestBuildWSMessage_WithoutVoiceSettings(t *testing.T) {
	data, err := buildWSMessage("Flush", nil, false)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "Flush" {
		t.Errorf("expected text 'Flush', got %q", msg.Text)
	}
	if msg.VoiceSettings != nil {
		t.Error("expected nil voice_settings when omitempty")
	}
}

func TestBuildWSMessage_EndOfInputMessage(t *testing.T) {
	// The end-of-input message CloseInput sends is {"text":""} with no
	// other fields.
	data, err := buildWSMessage("", nil, false)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal end-of-input: %v", err)
	}
	textVal, ok := raw["text"]
	if !ok {
		t.Fatal("expected 'text' field in end-of-input message")
	}
	if string(textVal) != `""` {
		t.Errorf("expected empty string for text, got %s", textVal)
	}
	if _, exists := raw["voice_settings"]; exists {
		t.Error("end-of-input message should not contain voice_settings")
	}
}

// ---- URL construction ----

func TestBuildURLForVoice(t *testing.T) {
	url := buildURLForVoice("voice-abc123", "eleven_flash_v2_5")
	if !strings.Contains(url, "voice-abc123") {
		t.Errorf("URL should contain voice ID, got: %s", url)
	}
	if !strings.Contains(url, "eleven_flash_v2_5") {
		t.Errorf("URL should contain model ID, got: %s", url)
	}
	if !strings.HasPrefix(url, "wss://") {
		t.Errorf("URL should be a WebSocket URL, got: %s", url)
	}
}

// ---- Voice list response parsing ----

func TestParseVoicesResponse_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Provider != "elevenlabs" {
		t.Errorf("expected Provider 'elevenlabs', got %q", rachel.Provider)
	}
	if rachel.Metadata["gender"] != "female" {
		t.Errorf("expected gender 'female', got %q", rachel.Metadata["gender"])
	}
	if rachel.Metadata["category"] != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Metadata["category"])
	}

	adam := profiles[1]
	if adam.ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", adam.ID)
	}
}

func TestParseVoicesResponse_Empty(t *testing.T) {
	raw := []byte(`{"voices":[]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected 0 profiles, got %d", len(profiles))
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	_, err := parseVoicesResponse([]byte(`{invalid`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseVoicesResponse_NoLabels(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
		]
	}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	// category is empty, so it should not appear in metadata.
	if _, ok := profiles[0].Metadata["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("expected outputFormat 'pcm_24000', got %q", p.outputFormat)
	}
}

// ---- Connect / SendText over a real WebSocket ----

// wsHost converts an httptest server HTTP URL to a WebSocket host.
func wsHost(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startElevenLabsServer launches a test WebSocket server. The handler
// receives the accepted conn. The server is automatically closed when the
// test finishes.
func startElevenLabsServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func TestConnect_SendsBOIWithVoiceSettings(t *testing.T) {
	t.Parallel()

	type boi struct {
		Text          string `json:"text"`
		VoiceSettings struct {
			Stability       float64  `json:"stability"`
			SimilarityBoost float64  `json:"similarity_boost"`
			Speed           *float64 `json:"speed"`
		} `json:"voice_settings"`
		XiAPIKey     string `json:"xi_api_key"`
		OutputFormat string `json:"output_format"`
	}

	received := make(chan boi, 1)
	srv := startElevenLabsServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg boi
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p, err := New("secret-key", WithBaseURL(wsHost(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := p.Connect(context.Background(), tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.XiAPIKey != "secret-key" {
			t.Errorf("xi_api_key = %q; want secret-key", msg.XiAPIKey)
		}
		if msg.VoiceSettings.Stability != 0.5 {
			t.Errorf("stability = %v; want 0.5", msg.VoiceSettings.Stability)
		}
		if msg.VoiceSettings.Speed != nil {
			t.Errorf("speed = %v; want nil (no SpeedFactor requested)", *msg.VoiceSettings.Speed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for BOI message")
	}
}

func TestConnect_SpeedFactorClampedAndSent(t *testing.T) {
	t.Parallel()

	type boi struct {
		VoiceSettings struct {
			Speed *float64 `json:"speed"`
		} `json:"voice_settings"`
	}

	received := make(chan boi, 1)
	srv := startElevenLabsServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg boi
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p, err := New("key", WithBaseURL(wsHost(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 2.0 is above ElevenLabs' [0.7, 1.2] range and must be clamped to 1.2.
	sess, err := p.Connect(context.Background(), tts.VoiceProfile{ID: "voice-1", SpeedFactor: 2.0})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.VoiceSettings.Speed == nil {
			t.Fatal("expected speed to be set")
		}
		if *msg.VoiceSettings.Speed != maxSpeed {
			t.Errorf("speed = %v; want clamped %v", *msg.VoiceSettings.Speed, maxSpeed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for BOI message")
	}
}

func TestConnect_EmptyVoiceID_ReturnsError(t *testing.T) {
	t.Parallel()
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Connect(context.Background(), tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestConnect_RetriesOnDialFailure(t *testing.T) {
	t.Parallel()

	// Start and immediately close a server: the port is released, so every
	// dial attempt fails with connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := wsHost(srv)
	srv.Close()

	p, err := New("key", WithBaseURL(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, err = p.Connect(context.Background(), tts.VoiceProfile{ID: "voice-1"})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// connectMaxRetries attempts with exponential backoff between them
	// (1s, then 2s) means the call can't return before ~connectBaseDelay.
	if elapsed < connectBaseDelay {
		t.Errorf("expected Connect to retry with backoff, returned after only %v", elapsed)
	}
}

func TestConnect_CancelledDuringBackoff_ReturnsPromptly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := wsHost(srv)
	srv.Close()

	p, err := New("key", WithBaseURL(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Connect(ctx, tts.VoiceProfile{ID: "voice-1"})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed > connectBaseDelay {
		t.Errorf("expected Connect to return as soon as ctx was cancelled, took %v", elapsed)
	}
}

func TestSendText_FirstWriteIncludesVoiceSettingsThenOmits(t *testing.T) {
	t.Parallel()

	type textMsg struct {
		Text          string           `json:"text"`
		VoiceSettings *json.RawMessage `json:"voice_settings"`
	}
	results := make(chan textMsg, 4)

	srv := startElevenLabsServer(t, func(conn *websocket.Conn, r *http.Request) {
		var boiMsg map[string]any
		readJSON(t, conn, &boiMsg) // BOI handshake
		for {
			var msg textMsg
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			results <- msg
		}
	})

	p, err := New("key", WithBaseURL(wsHost(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Connect(context.Background(), tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendText(context.Background(), "hello", false); err != nil {
		t.Fatalf("SendText 1: %v", err)
	}
	if err := sess.SendText(context.Background(), "world", true); err != nil {
		t.Fatalf("SendText 2: %v", err)
	}

	var first, second textMsg
	select {
	case first = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for first SendText")
	}
	select {
	case second = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for second SendText")
	}

	if first.VoiceSettings == nil {
		t.Error("expected voice_settings on first SendText")
	}
	if second.VoiceSettings != nil {
		t.Error("expected no voice_settings on subsequent SendText")
	}
	if first.Text != "hello" || second.Text != "world" {
		t.Errorf("unexpected text order: %q, %q", first.Text, second.Text)
	}
}

// ---- ListVoices over real HTTP ----

func TestListVoices_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key-123" {
			t.Errorf("xi-api-key = %q; want key-123", r.Header.Get("xi-api-key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"gender":"female"}}]}`))
	}))
	defer srv.Close()

	p, err := New("key-123", WithVoicesEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("expected 1 voice, got %d", len(voices))
	}
	if voices[0].ID != "v1" || voices[0].Name != "Rachel" {
		t.Errorf("unexpected voice: %+v", voices[0])
	}
}

func TestListVoices_NonOKStatus_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := New("key", WithVoicesEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Error("expected error for non-200 status")
	}
}

package cartesia

import (
	"encoding/json"
	"testing"
)

// ---- message construction ----

func TestBuildMessage_Defaults(t *testing.T) {
	msg := buildMessage(defaultModel, "hello", "voice-1", "en", 24000, "ctx-1", 0, false, "", false)

	if msg.ModelID != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, msg.ModelID)
	}
	if msg.Transcript != "hello" {
		t.Errorf("expected transcript 'hello', got %q", msg.Transcript)
	}
	if msg.Voice.ID != "voice-1" {
		t.Errorf("expected voice ID 'voice-1', got %q", msg.Voice.ID)
	}
	if msg.ContextID != "ctx-1" {
		t.Errorf("expected context_id 'ctx-1', got %q", msg.ContextID)
	}
	if !msg.Continue {
		t.Error("expected continue=true when isFinal=false")
	}
	if msg.GenerationConfig != nil {
		t.Error("expected nil generation_config when hasSpeed=false")
	}
	if msg.Voice.ExperimentalControls != nil {
		t.Error("expected nil experimental controls when emotion is empty")
	}
}

func TestBuildMessage_FinalSetsContinueFalse(t *testing.T) {
	msg := buildMessage(defaultModel, "", "voice-1", "en", 24000, "ctx-1", 0, false, "", true)
	if msg.Continue {
		t.Error("expected continue=false when isFinal=true")
	}
}

func TestBuildMessage_SpeedClamped(t *testing.T) {
	msg := buildMessage(defaultModel, "hi", "voice-1", "en", 24000, "ctx-1", 3.0, true, "", false)
	if msg.GenerationConfig == nil {
		t.Fatal("expected non-nil generation_config when hasSpeed=true")
	}
	if msg.GenerationConfig.Speed != maxSpeed {
		t.Errorf("expected speed clamped to %v, got %v", maxSpeed, msg.GenerationConfig.Speed)
	}
}

func TestBuildMessage_SpeedClampedLowerBound(t *testing.T) {
	msg := buildMessage(defaultModel, "hi", "voice-1", "en", 24000, "ctx-1", 0.1, true, "", false)
	if msg.GenerationConfig.Speed != minSpeed {
		t.Errorf("expected speed clamped to %v, got %v", minSpeed, msg.GenerationConfig.Speed)
	}
}

func TestBuildMessage_SpeedWithinRangeUnchanged(t *testing.T) {
	msg := buildMessage(defaultModel, "hi", "voice-1", "en", 24000, "ctx-1", 1.0, true, "", false)
	if msg.GenerationConfig.Speed != 1.0 {
		t.Errorf("expected speed 1.0 unchanged, got %v", msg.GenerationConfig.Speed)
	}
}

func TestBuildMessage_Emotion(t *testing.T) {
	msg := buildMessage(defaultModel, "hi", "voice-1", "en", 24000, "ctx-1", 0, false, "happy", false)
	if msg.Voice.ExperimentalControls == nil {
		t.Fatal("expected non-nil experimental controls when emotion is set")
	}
	if len(msg.Voice.ExperimentalControls.Emotion) != 1 || msg.Voice.ExperimentalControls.Emotion[0] != "happy" {
		t.Errorf("expected emotion ['happy'], got %v", msg.Voice.ExperimentalControls.Emotion)
	}
}

func TestBuildMessage_MarshalsOutputFormat(t *testing.T) {
	msg := buildMessage(defaultModel, "hi", "voice-1", "en", 24000, "ctx-1", 0, false, "", false)
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["output_format"]; !ok {
		t.Error("expected output_format field in marshaled message")
	}
	if _, ok := raw["add_timestamps"]; !ok {
		t.Error("expected add_timestamps field in marshaled message")
	}
}

// ---- context ID ----

func TestNewContextID_Unique(t *testing.T) {
	a := newContextID()
	b := newContextID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty context IDs")
	}
	if a == b {
		t.Error("expected distinct context IDs across calls")
	}
}

// ---- constructor ----

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
	if p.language != defaultLanguage {
		t.Errorf("expected language %q, got %q", defaultLanguage, p.language)
	}
	if p.sampleRate != defaultSampleHz {
		t.Errorf("expected sample rate %d, got %d", defaultSampleHz, p.sampleRate)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("sonic-turbo"), WithLanguage("de"), WithSampleRate(44100))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "sonic-turbo" {
		t.Errorf("expected model 'sonic-turbo', got %q", p.model)
	}
	if p.language != "de" {
		t.Errorf("expected language 'de', got %q", p.language)
	}
	if p.sampleRate != 44100 {
		t.Errorf("expected sample rate 44100, got %d", p.sampleRate)
	}
}

// ---- CloneVoice ----

func TestCloneVoice_EmptySamples(t *testing.T) {
	p, _ := New("key")
	_, err := p.CloneVoice(nil, nil)
	if err == nil {
		t.Error("expected error for empty samples")
	}
}

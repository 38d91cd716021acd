package convo

import (
	"context"
	"sync"
	"testing"

	"github.com/castwire/castwire/pkg/provider/llm"
)

type fakePersistent struct {
	mu         sync.Mutex
	entries    map[string][]Message
	failAppend bool
}

func newFakePersistent() *fakePersistent {
	return &fakePersistent{entries: make(map[string][]Message)}
}

func (f *fakePersistent) Append(ctx context.Context, msg Message) error {
	if f.failAppend {
		return errTest
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[msg.Character] = append(f.entries[msg.Character], msg)
	return nil
}

func (f *fakePersistent) LoadAll(ctx context.Context, character string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.entries[character]...), nil
}

func (f *fakePersistent) UpdateLatest(ctx context.Context, character, content string, interrupted bool, generatedText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.entries[character]
	if len(entries) == 0 {
		return errTest
	}
	entries[len(entries)-1].Content = content
	entries[len(entries)-1].Interrupted = interrupted
	entries[len(entries)-1].GeneratedText = generatedText
	return nil
}

func (f *fakePersistent) Clear(ctx context.Context, character string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, character)
	return nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTest = testErr("persistent store failure")

func TestAppendUserMessage_PlainText_NonPersistent(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	if err := s.AppendUserMessage(ctx, "aria", "hello there", nil); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	history := s.History("aria")
	if len(history) != 1 || history[0].Content != "hello there" || history[0].Role != "user" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestAppendUserMessage_WithImages_RoundTripsThroughEncoding(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	images := []llm.ImageData{{MediaType: "image/png", Base64Data: "AAA="}}
	if err := s.AppendUserMessage(ctx, "aria", "look at this", images); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	history := s.History("aria")
	if len(history) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(history))
	}
	if history[0].Content != "look at this" {
		t.Errorf("expected decoded text %q, got %q", "look at this", history[0].Content)
	}
	if len(history[0].Images) != 1 || history[0].Images[0].Base64Data != "AAA=" {
		t.Errorf("expected decoded image, got %+v", history[0].Images)
	}
}

func TestHistory_ReprojectsContextAsUserMessage(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.AppendContextMessage(ctx, "aria", "[viewer1]: hi aria")

	history := s.History("aria")
	if len(history) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(history))
	}
	if history[0].Role != "user" {
		t.Errorf("expected context entry reprojected as user, got role %q", history[0].Role)
	}
	want := "[Twitch chat at the time]:\n[viewer1]: hi aria"
	if history[0].Content != want {
		t.Errorf("Content = %q, want %q", history[0].Content, want)
	}
}

func TestRecordCompleted_AppendsAssistantTurn(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	if err := s.RecordCompleted(ctx, "aria", "full reply"); err != nil {
		t.Fatalf("RecordCompleted: %v", err)
	}
	history := s.History("aria")
	if len(history) != 1 || history[0].Role != "assistant" || history[0].Content != "full reply" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestRecordInterrupted_ThenReconcile_UpdatesContent(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	handle, err := s.RecordInterrupted(ctx, "aria", "partial spo", "full generated text")
	if err != nil {
		t.Fatalf("RecordInterrupted: %v", err)
	}

	if err := s.Reconcile(ctx, handle, "partial spoken final"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	history := s.History("aria")
	if len(history) != 1 || history[0].Content != "partial spoken final" {
		t.Errorf("unexpected history after reconcile: %+v", history)
	}
}

func TestReconcile_StaleHandle_IsNoop(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	handle, err := s.RecordInterrupted(ctx, "aria", "partial", "full")
	if err != nil {
		t.Fatalf("RecordInterrupted: %v", err)
	}
	_ = s.Clear(ctx, "aria")

	if err := s.Reconcile(ctx, handle, "too late"); err != nil {
		t.Errorf("expected stale handle to be a no-op, got error: %v", err)
	}
}

func TestPersistentTier_WriteThroughAndLoadOnEnable(t *testing.T) {
	persistent := newFakePersistent()
	s := New(persistent)
	ctx := context.Background()

	if err := s.EnablePersistence(ctx, "aria"); err != nil {
		t.Fatalf("EnablePersistence: %v", err)
	}
	if err := s.RecordCompleted(ctx, "aria", "hi"); err != nil {
		t.Fatalf("RecordCompleted: %v", err)
	}

	// Simulate a restart: a fresh Store loads from the same persistent tier.
	fresh := New(persistent)
	if err := fresh.EnablePersistence(ctx, "aria"); err != nil {
		t.Fatalf("EnablePersistence on fresh store: %v", err)
	}
	history := fresh.History("aria")
	if len(history) != 1 || history[0].Content != "hi" {
		t.Errorf("expected reloaded history, got %+v", history)
	}
}

func TestAppend_PersistentFailure_RollsBackInMemoryCopy(t *testing.T) {
	persistent := newFakePersistent()
	persistent.failAppend = true
	s := New(persistent)
	ctx := context.Background()
	_ = s.EnablePersistence(ctx, "aria")

	err := s.RecordCompleted(ctx, "aria", "hi")
	if err == nil {
		t.Fatal("expected error from failing persistent tier")
	}
	if len(s.History("aria")) != 0 {
		t.Error("expected in-memory mutation to be rolled back on persistent failure")
	}
}

func TestClear_RemovesFromBothTiers(t *testing.T) {
	persistent := newFakePersistent()
	s := New(persistent)
	ctx := context.Background()
	_ = s.EnablePersistence(ctx, "aria")
	_ = s.RecordCompleted(ctx, "aria", "hi")

	if err := s.Clear(ctx, "aria"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(s.History("aria")) != 0 {
		t.Error("expected in-memory history cleared")
	}
	loaded, _ := persistent.LoadAll(ctx, "aria")
	if len(loaded) != 0 {
		t.Error("expected persistent tier cleared")
	}
}

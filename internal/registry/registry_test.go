package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	mu      sync.Mutex
	jsonMsg []any
	bytes   [][]byte
	closed  bool
	failAll bool
}

func (f *fakeSession) SendJSON(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("send failed")
	}
	f.jsonMsg = append(f.jsonMsg, v)
	return nil
}

func (f *fakeSession) SendBytes(_ context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("send failed")
	}
	f.bytes = append(f.bytes, b)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func alwaysExists(string) bool { return true }

func TestRegisterOverlay_RejectsUnknownCharacter(t *testing.T) {
	r := New(func(string) bool { return false })
	err := r.RegisterOverlay(context.Background(), "ghost", &fakeSession{})
	var unknown *ErrUnknownCharacter
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownCharacter, got %v", err)
	}
}

func TestRegisterOverlay_InitializesStateAndRoster(t *testing.T) {
	r := New(alwaysExists)
	if err := r.RegisterOverlay(context.Background(), "aria", &fakeSession{}); err != nil {
		t.Fatalf("RegisterOverlay: %v", err)
	}
	roster := r.GetRoster()
	if len(roster) != 1 || roster[0].Name != "aria" || roster[0].Playing || roster[0].Streaming {
		t.Fatalf("unexpected roster: %+v", roster)
	}
}

func TestSendJSON_RemovesFailingSessionAndReportsRemaining(t *testing.T) {
	r := New(alwaysExists)
	good := &fakeSession{}
	bad := &fakeSession{failAll: true}
	ctx := context.Background()
	_ = r.RegisterOverlay(ctx, "nova", good)
	_ = r.RegisterOverlay(ctx, "nova", bad)

	remaining := r.SendJSON(ctx, "nova", map[string]string{"action": "play"})
	if !remaining {
		t.Fatal("expected at least one session to remain")
	}
	if len(good.jsonMsg) != 1 {
		t.Errorf("good session got %d messages, want 1", len(good.jsonMsg))
	}

	r.mu.Lock()
	n := len(r.sessions["nova"])
	r.mu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 surviving session, got %d", n)
	}
}

func TestSendJSON_AllFail_ReturnsFalse(t *testing.T) {
	r := New(alwaysExists)
	bad := &fakeSession{failAll: true}
	ctx := context.Background()
	_ = r.RegisterOverlay(ctx, "nova", bad)

	if r.SendJSON(ctx, "nova", "x") {
		t.Fatal("expected no sessions to remain")
	}
}

func TestUnregisterOverlay_EmptiesEntryOnLastSession(t *testing.T) {
	r := New(alwaysExists)
	s := &fakeSession{}
	ctx := context.Background()
	_ = r.RegisterOverlay(ctx, "nova", s)
	r.UnregisterOverlay("nova", s)

	if len(r.GetRoster()) != 0 {
		t.Fatal("expected roster to be empty after last session leaves")
	}
}

func TestSetChannelState_ReflectsInRoster(t *testing.T) {
	r := New(alwaysExists)
	ctx := context.Background()
	_ = r.RegisterOverlay(ctx, "nova", &fakeSession{})
	r.SetChannelState("nova", "streaming", true)

	roster := r.GetRoster()
	if len(roster) != 1 || !roster[0].Streaming {
		t.Fatalf("expected streaming=true in roster: %+v", roster)
	}
}

func TestBroadcastDashboard_DropsFailingSubscriber(t *testing.T) {
	r := New(alwaysExists)
	good := &fakeSession{}
	bad := &fakeSession{failAll: true}
	r.RegisterDashboard(good)
	r.RegisterDashboard(bad)

	r.BroadcastDashboard(context.Background(), map[string]string{"type": "ping"})

	if len(good.jsonMsg) != 1 {
		t.Errorf("good dashboard got %d messages, want 1", len(good.jsonMsg))
	}
	if len(r.dashboards.snapshot()) != 1 {
		t.Errorf("expected failing subscriber to be dropped, have %d left", len(r.dashboards.snapshot()))
	}
}

func TestTick_EvictsStaleSessionAndPings(t *testing.T) {
	r := New(alwaysExists)
	ctx := context.Background()
	s := &fakeSession{}
	_ = r.RegisterOverlay(ctx, "nova", s)

	r.mu.Lock()
	r.sessions["nova"][0].lastPong = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	r.tick(ctx)

	if !s.closed {
		t.Error("expected stale session to be closed")
	}
	if len(r.GetRoster()) != 0 {
		t.Error("expected stale session's character entry to be emptied")
	}
}

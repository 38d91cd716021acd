// Package registry implements the Connection Registry: the in-process
// fan-out table from character names to the overlay sessions currently
// displaying that character, plus the dashboard-style subscriber lists that
// watch aggregate state. It also runs the application-level ping/pong
// liveness loop that keeps sessions honest under proxies with short idle
// cutoffs.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/castwire/castwire/internal/overlay"
)

// Default liveness timings, per the fan-out contract. Exposed as variables
// so tests can shrink them.
var (
	PingInterval = 25 * time.Second
	PongTimeout  = 60 * time.Second
)

// Session is a single bidirectional overlay connection: one browser source
// showing one character. Multiple sessions may exist for the same
// character (mirrored scenes).
type Session interface {
	SendJSON(ctx context.Context, v any) error
	SendBytes(ctx context.Context, b []byte) error
	Close() error
}

// Subscriber is a connection interested only in JSON broadcasts: the
// dashboard, the wish-session dashboard, or a live-chat-view page.
type Subscriber interface {
	SendJSON(ctx context.Context, v any) error
	Close() error
}

// ChannelState is the transient, non-authoritative playback state the
// registry tracks per character, as reported by overlay events.
type ChannelState struct {
	Playing   bool
	Streaming bool
}

// RosterEntry is one row of the dashboard-facing character roster.
type RosterEntry struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Playing   bool   `json:"playing"`
	Streaming bool   `json:"streaming"`
}

type overlayEntry struct {
	session  Session
	lastPong time.Time
}

// ExistsFunc reports whether a character name is known. The registry
// refuses to register an overlay session for an unknown character.
type ExistsFunc func(character string) bool

// Registry is the Connection Registry. Zero value is not usable; construct
// with New.
type Registry struct {
	exists ExistsFunc
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string][]*overlayEntry
	state    map[string]*ChannelState

	dashboards     *subscriberSet
	wishDashboards *subscriberSet
	liveChatViews  *subscriberSet
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New constructs a Registry. exists is consulted by RegisterOverlay to
// reject sessions for characters that don't exist (or have been deleted).
func New(exists ExistsFunc, opts ...Option) *Registry {
	r := &Registry{
		exists:         exists,
		logger:         slog.Default(),
		sessions:       make(map[string][]*overlayEntry),
		state:          make(map[string]*ChannelState),
		dashboards:     newSubscriberSet(),
		wishDashboards: newSubscriberSet(),
		liveChatViews:  newSubscriberSet(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrUnknownCharacter is returned by RegisterOverlay when exists(character)
// is false.
type ErrUnknownCharacter struct{ Character string }

func (e *ErrUnknownCharacter) Error() string {
	return "registry: unknown character " + e.Character
}

// RegisterOverlay adds session to character's session list. The character
// must already exist; its channel state is (re)initialized to
// {playing:false, streaming:false} and the updated roster is broadcast to
// dashboards.
func (r *Registry) RegisterOverlay(ctx context.Context, character string, session Session) error {
	if !r.exists(character) {
		return &ErrUnknownCharacter{Character: character}
	}

	r.mu.Lock()
	r.sessions[character] = append(r.sessions[character], &overlayEntry{session: session, lastPong: time.Now()})
	r.state[character] = &ChannelState{}
	r.mu.Unlock()

	r.logger.Info("overlay registered", "character", character)
	r.broadcastRoster(ctx)
	return nil
}

// UnregisterOverlay removes session from character's list. The character
// entry (state + session slice) is emptied once the last session leaves.
func (r *Registry) UnregisterOverlay(character string, session Session) {
	r.mu.Lock()
	entries := r.sessions[character]
	for i, e := range entries {
		if e.session == session {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(r.sessions, character)
		delete(r.state, character)
	} else {
		r.sessions[character] = entries
	}
	r.mu.Unlock()
}

// snapshot returns a copy of character's current session list, so senders
// never iterate under the registry lock.
func (r *Registry) snapshot(character string) []*overlayEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.sessions[character]
	out := make([]*overlayEntry, len(entries))
	copy(out, entries)
	return out
}

// SendJSON writes v to every session currently registered for character.
// Any session whose write fails is removed. Returns true iff at least one
// session remains registered for character after the write.
func (r *Registry) SendJSON(ctx context.Context, character string, v any) bool {
	for _, e := range r.snapshot(character) {
		if err := e.session.SendJSON(ctx, v); err != nil {
			r.logger.Warn("overlay send failed, dropping session", "character", character, "error", err)
			r.UnregisterOverlay(character, e.session)
		}
	}
	return r.hasSessions(character)
}

// SendBytes writes raw audio bytes to every session currently registered
// for character, with the same remove-on-error semantics as SendJSON.
func (r *Registry) SendBytes(ctx context.Context, character string, data []byte) bool {
	for _, e := range r.snapshot(character) {
		if err := e.session.SendBytes(ctx, data); err != nil {
			r.logger.Warn("overlay send failed, dropping session", "character", character, "error", err)
			r.UnregisterOverlay(character, e.session)
		}
	}
	return r.hasSessions(character)
}

func (r *Registry) hasSessions(character string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[character]) > 0
}

// SetChannelState updates one field of character's transient channel
// state. key is "playing" or "streaming".
func (r *Registry) SetChannelState(character string, key string, value bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[character]
	if !ok {
		return
	}
	switch key {
	case "playing":
		st.Playing = value
	case "streaming":
		st.Streaming = value
	}
}

// RecordPong updates session's last-pong timestamp for character, called
// when an inbound "pong" event arrives.
func (r *Registry) RecordPong(character string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions[character] {
		if e.session == session {
			e.lastPong = time.Now()
			return
		}
	}
}

// GetRoster returns the current character roster, authoritative for
// dashboard broadcasts.
func (r *Registry) GetRoster() []RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	roster := make([]RosterEntry, 0, len(r.sessions))
	for name := range r.sessions {
		st := r.state[name]
		roster = append(roster, RosterEntry{
			Name:      name,
			Connected: true,
			Playing:   st != nil && st.Playing,
			Streaming: st != nil && st.Streaming,
		})
	}
	return roster
}

// RegisterDashboard subscribes sub to aggregate dashboard broadcasts.
func (r *Registry) RegisterDashboard(sub Subscriber) { r.dashboards.register(sub) }

// UnregisterDashboard removes sub from the dashboard subscriber list.
func (r *Registry) UnregisterDashboard(sub Subscriber) { r.dashboards.unregister(sub) }

// RegisterWishDashboard subscribes sub to wish-session state broadcasts.
func (r *Registry) RegisterWishDashboard(sub Subscriber) { r.wishDashboards.register(sub) }

// UnregisterWishDashboard removes sub from the wish-dashboard subscriber list.
func (r *Registry) UnregisterWishDashboard(sub Subscriber) { r.wishDashboards.unregister(sub) }

// RegisterLiveChatView subscribes sub to live-chat-context broadcasts.
func (r *Registry) RegisterLiveChatView(sub Subscriber) { r.liveChatViews.register(sub) }

// UnregisterLiveChatView removes sub from the live-chat-view subscriber list.
func (r *Registry) UnregisterLiveChatView(sub Subscriber) { r.liveChatViews.unregister(sub) }

// BroadcastDashboard fans frame out to every dashboard subscriber,
// dropping any that error.
func (r *Registry) BroadcastDashboard(ctx context.Context, frame any) {
	r.dashboards.broadcast(ctx, frame, r.logger)
}

// BroadcastWishDashboard fans frame out to every wish-dashboard subscriber.
func (r *Registry) BroadcastWishDashboard(ctx context.Context, frame any) {
	r.wishDashboards.broadcast(ctx, frame, r.logger)
}

// BroadcastLiveChatView fans frame out to every live-chat-view subscriber.
func (r *Registry) BroadcastLiveChatView(ctx context.Context, frame any) {
	r.liveChatViews.broadcast(ctx, frame, r.logger)
}

// BroadcastCharsSync sends the current roster to every dashboard
// subscriber.
func (r *Registry) BroadcastCharsSync(ctx context.Context) {
	r.BroadcastDashboard(ctx, charsSyncFrame{Type: "channels", Channels: r.GetRoster()})
}

func (r *Registry) broadcastRoster(ctx context.Context) {
	r.BroadcastCharsSync(ctx)
}

type charsSyncFrame struct {
	Type     string        `json:"type"`
	Channels []RosterEntry `json:"channels"`
}

// Run drives the application-level ping/pong liveness loop until ctx is
// canceled: every PingInterval it sends a "ping" frame to every overlay
// session, then evicts any session whose last recorded pong is older than
// PongTimeout.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Registry) tick(ctx context.Context) {
	now := time.Now()
	ping := overlay.Ping(now.Unix())

	r.mu.Lock()
	stale := make(map[string][]Session)
	characters := make([]string, 0, len(r.sessions))
	for character, entries := range r.sessions {
		characters = append(characters, character)
		for _, e := range entries {
			if now.Sub(e.lastPong) > PongTimeout {
				stale[character] = append(stale[character], e.session)
			}
		}
	}
	r.mu.Unlock()

	for _, character := range characters {
		r.SendJSON(ctx, character, ping)
	}
	for character, sessions := range stale {
		for _, s := range sessions {
			r.logger.Warn("evicting stale overlay session", "character", character)
			_ = s.Close()
			r.UnregisterOverlay(character, s)
		}
	}
}

// subscriberSet is a thread-safe, dedup-free list of Subscribers shared by
// the dashboard, wish-dashboard, and live-chat-view broadcast groups.
type subscriberSet struct {
	mu   sync.Mutex
	subs []Subscriber
}

func newSubscriberSet() *subscriberSet { return &subscriberSet{} }

func (s *subscriberSet) register(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *subscriberSet) unregister(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *subscriberSet) snapshot() []Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

func (s *subscriberSet) broadcast(ctx context.Context, frame any, logger *slog.Logger) {
	for _, sub := range s.snapshot() {
		if err := sub.SendJSON(ctx, frame); err != nil {
			logger.Warn("subscriber send failed, dropping", "error", err)
			s.unregister(sub)
		}
	}
}

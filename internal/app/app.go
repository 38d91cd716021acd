// Package app wires together the Character Store, Connection Registry,
// Generation Coordinator, Conversation Memory, Chat Buffer, and Wish-Session
// State Machine into one running castwire instance, and exposes the HTTP API
// and WebSocket endpoints that front them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castwire/castwire/internal/chatbuffer"
	"github.com/castwire/castwire/internal/character"
	"github.com/castwire/castwire/internal/config"
	"github.com/castwire/castwire/internal/convo"
	"github.com/castwire/castwire/internal/generation"
	"github.com/castwire/castwire/internal/httpapi"
	"github.com/castwire/castwire/internal/overlay"
	"github.com/castwire/castwire/internal/registry"
	"github.com/castwire/castwire/internal/ttsstream"
	"github.com/castwire/castwire/internal/wish"
	"github.com/castwire/castwire/pkg/provider/llm"
	"github.com/castwire/castwire/pkg/provider/tts"
)

// Providers bundles the two provider-kind implementations an App needs: one
// LLM backend for chat generation, one TTS backend for speech synthesis.
type Providers struct {
	LLM llm.Provider
	TTS tts.Provider
}

// closer is a named shutdown step, run in reverse registration order by
// Shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App owns every long-lived component of a running castwire instance.
// Construct with New; stop with Shutdown.
type App struct {
	cfg       config.Config
	providers Providers
	logger    *slog.Logger

	characters  character.Store
	convo       *convo.Store
	chat        *chatbuffer.Buffer
	registry    *registry.Registry
	coordinator *generation.Coordinator
	wish        *wish.Manager

	server *httpapi.Server

	closers  []closer
	stopOnce sync.Once
}

// Option customizes App construction, primarily to substitute fakes in
// tests.
type Option func(*options)

type options struct {
	characters      character.Store
	persistentSet   bool
	persistentStore convo.PersistentStore
}

// WithCharacterStore overrides the Character Store that would otherwise be
// derived from cfg.Database.URL. Tests use this to inject a
// character.MemStore.
func WithCharacterStore(store character.Store) Option {
	return func(o *options) { o.characters = store }
}

// WithConvoPersistentStore overrides the Conversation Memory durable tier
// that would otherwise be derived from cfg.Database.URL. Pass nil to run
// with no durable tier at all (in-memory history only), which is what tests
// normally want rather than touching disk.
func WithConvoPersistentStore(store convo.PersistentStore) Option {
	return func(o *options) {
		o.persistentSet = true
		o.persistentStore = store
	}
}

// New builds and wires a full App: opens the Character Store, loads
// persisted Conversation Memory for characters that request it, constructs
// the Connection Registry, Generation Coordinator, and Wish-Session State
// Machine, and assembles the HTTP API that fronts them all. It does not
// start listening for connections; call Run for that.
func New(ctx context.Context, cfg config.Config, providers Providers, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := slog.Default()

	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    logger,
	}

	var err error

	if o.characters != nil {
		a.characters = o.characters
	} else {
		var closeStore func(context.Context) error
		a.characters, closeStore, err = openCharacterStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("app: open character store: %w", err)
		}
		if closeStore != nil {
			a.addCloser("character store", closeStore)
		}
	}

	a.chat = chatbuffer.New()

	var persistent convo.PersistentStore
	if o.persistentSet {
		persistent = o.persistentStore
	} else {
		var closePersistent func(context.Context) error
		persistent, closePersistent, err = openConvoPersistence(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("app: open conversation store: %w", err)
		}
		if closePersistent != nil {
			a.addCloser("conversation store", closePersistent)
		}
	}
	a.convo = convo.New(persistent)

	if err := a.enablePersistenceForExistingCharacters(ctx); err != nil {
		return nil, err
	}

	existsFn := func(name string) bool { return a.characters.Exists(context.Background(), name) }
	a.registry = registry.New(existsFn, registry.WithLogger(logger))

	a.coordinator = generation.New(a.registry, a.convo)

	wishMgr, err := a.buildWishManager(cfg.Wish)
	if err != nil {
		return nil, fmt.Errorf("app: build wish manager: %w", err)
	}
	a.wish = wishMgr

	a.server = httpapi.NewServer(httpapi.Deps{
		Characters:  a.characters,
		Registry:    a.registry,
		Coordinator: a.coordinator,
		Convo:       a.convo,
		Chat:        a.chat,
		Wish:        a.wish,
		LLM:         providers.LLM,
		TTS:         providers.TTS,
		Logger:      logger,
	})

	return a, nil
}

// Handler returns the combined HTTP handler (REST API and WebSocket
// endpoints) for this App.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the Connection Registry's ping/pong liveness loop and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.registry.Run(ctx)
	<-ctx.Done()
	return nil
}

// Shutdown runs every registered closer in reverse order, each bounded by
// ctx's deadline. Safe to call once; subsequent calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
	})
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("app: shutdown: %s", strings.Join(msgs, "; "))
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// enablePersistenceForExistingCharacters walks the Character Store at
// startup and loads durable conversation history for every character whose
// memory policy requests cross-restart persistence.
func (a *App) enablePersistenceForExistingCharacters(ctx context.Context) error {
	chars, err := a.characters.List(ctx)
	if err != nil {
		return fmt.Errorf("app: list characters: %w", err)
	}
	for _, c := range chars {
		if !c.Memory.PersistAcrossRestart {
			continue
		}
		if err := a.convo.EnablePersistence(ctx, c.Name); err != nil {
			a.logger.Warn("enable persistence failed", "character", c.Name, "error", err)
		}
	}
	return nil
}

// buildWishManager wires a wish.Manager whose speaker factory drives the
// configured wish character's voice through a dedicated TTS Streamer, using
// the same overlay event plumbing a /speak request would.
func (a *App) buildWishManager(cfg config.WishConfig) (*wish.Manager, error) {
	wish.ConfigureTimings(0, 0, time.Duration(cfg.ChatVoteSeconds)*time.Second, 0)

	speaker := func(text string) generation.Generation {
		ctx := context.Background()
		c, err := a.characters.Get(ctx, cfg.Character)
		if err != nil {
			a.logger.Error("wish speaker: character lookup failed", "character", cfg.Character, "error", err)
			return generation.NewSpeakGeneration(ttsstream.New(a.providers.TTS, tts.VoiceProfile{}, true, ttsstream.Hooks{}), text)
		}
		hooks := wishOverlayHooks(a.registry, c.Name, c.TextStyle)
		voice := wishVoiceProfile(c)
		streamer := ttsstream.New(a.providers.TTS, voice, true, hooks)
		return generation.NewSpeakGeneration(streamer, text)
	}

	return wish.New(
		wish.Config{
			Character:    cfg.Character,
			SystemPrompt: cfg.SystemPrompt,
			MaxFollowups: cfg.MaxFollowups,
		},
		a.coordinator,
		a.providers.LLM,
		a.registry,
		a.chat,
		wish.NewMemArchive(),
		speaker,
	), nil
}

// wishOverlayHooks mirrors internal/httpapi's overlay-hook wiring for the
// Wish-Session State Machine's own speaking turns, which run outside any
// HTTP request.
func wishOverlayHooks(reg *registry.Registry, name string, style character.TextStyle) ttsstream.Hooks {
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

// wishVoiceProfile reads a voice_id/voice_name override out of c's
// provider-specific settings, the same convention internal/httpapi's
// handlers use for a plain /speak request.
func wishVoiceProfile(c *character.Character) tts.VoiceProfile {
	profile := tts.VoiceProfile{Provider: c.Provider}
	if id, ok := c.ProviderSettings["voice_id"].(string); ok {
		profile.ID = id
	}
	if name, ok := c.ProviderSettings["voice_name"].(string); ok {
		profile.Name = name
	}
	return profile
}

// openCharacterStore selects and opens the Character Store backend named by
// cfg.URL: a "postgres://" DSN selects PostgresStore, anything else is
// treated as a SQLite file path. Returns a close function for the
// underlying connection, or nil if there is nothing to close.
func openCharacterStore(ctx context.Context, cfg config.DatabaseConfig) (character.Store, func(context.Context) error, error) {
	if isPostgresURL(cfg.URL) {
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := character.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate characters: %w", err)
		}
		return store, func(context.Context) error { pool.Close(); return nil }, nil
	}

	path := cfg.URL
	if path == "" {
		path = "castwire.db"
	}
	store, err := character.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite characters: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate characters: %w", err)
	}
	return store, func(context.Context) error { return store.Close() }, nil
}

// openConvoPersistence mirrors openCharacterStore's backend selection for
// the Conversation Memory durable tier. Postgres uses a dedicated pool
// (convo.PostgresStore requires a concrete *pgxpool.Pool, not the generic
// DB interface the character store accepts) rather than sharing the
// character store's connection.
func openConvoPersistence(ctx context.Context, cfg config.DatabaseConfig) (convo.PersistentStore, func(context.Context) error, error) {
	if isPostgresURL(cfg.URL) {
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := convo.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate conversation memory: %w", err)
		}
		return store, func(context.Context) error { pool.Close(); return nil }, nil
	}

	path := cfg.URL
	if path == "" {
		path = "castwire.db"
	}
	store, err := convo.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite conversation memory: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate conversation memory: %w", err)
	}
	return store, func(context.Context) error { return store.Close() }, nil
}

func isPostgresURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "postgres" || u.Scheme == "postgresql"
}

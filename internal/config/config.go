// Package config provides the configuration schema, loader, and provider
// registry for the castwire media-orchestration server.
package config

// Config is the root configuration structure for castwire. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Database  DatabaseConfig    `yaml:"database"`
	Providers ProvidersConfig   `yaml:"providers"`
	Character CharacterDefaults `yaml:"character_defaults"`
	Wish      WishConfig        `yaml:"wish"`
}

// httpsPortOffset is added to the configured HTTP port to derive the HTTPS
// port. This mirrors the original deployment's fixed port pairing
// (e.g. 8080/8443) without hard-coding either value.
const httpsPortOffset = 363

// ServerConfig holds network, TLS, and logging settings for the castwire
// server.
type ServerConfig struct {
	// Host is the interface the server binds to (e.g. "0.0.0.0", "127.0.0.1").
	Host string `yaml:"host"`

	// Port is the HTTP listen port. The HTTPS port, if TLS is enabled via
	// CertDir, is derived as Port+363.
	Port int `yaml:"port"`

	// CertDir, if non-empty, points at a directory containing (or where
	// castwire should generate) a self-signed TLS certificate and key for
	// the derived HTTPS port. Empty disables HTTPS entirely.
	CertDir string `yaml:"cert_dir"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel names the verbosity of structured logging.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// HTTPSPort returns the derived HTTPS port, or 0 if TLS is disabled.
func (s ServerConfig) HTTPSPort() int {
	if s.CertDir == "" {
		return 0
	}
	return s.Port + httpsPortOffset
}

// DatabaseConfig selects the persistence backend for the Character Store.
type DatabaseConfig struct {
	// URL is the database connection string. A "postgres://" URL selects
	// the Postgres-backed store; anything else (including the default) is
	// treated as a path to an embedded SQLite database file.
	URL string `yaml:"url"`
}

// defaultDatabaseURL points at an embedded SQLite file, matching the
// original deployment's sqlite-by-default behaviour.
const defaultDatabaseURL = "castwire.db"

// ProvidersConfig declares which provider implementation to use for the LLM
// and TTS pipeline stages. Each field selects a named provider registered in
// the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// LLMFallbacks lists additional LLM providers tried in order, each behind
	// its own circuit breaker, when LLM's own requests fail. Empty means no
	// failover: a primary-provider failure surfaces directly to the caller.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// TTSFallbacks lists additional TTS providers tried in order, each behind
	// its own circuit breaker, when TTS's own requests fail.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by the LLM and TTS
// provider kinds.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "openrouter", "elevenlabs", "cartesia").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g.,
	// "anthropic/claude-3.5-sonnet", "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}

// CharacterDefaults supplies fallback values applied to a Character when its
// own configuration omits them (e.g. overlay style, AI settings).
type CharacterDefaults struct {
	// SystemPrompt is used when a character defines no system_prompt of its
	// own.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens is the default response token budget.
	MaxTokens int `yaml:"max_tokens"`

	// OverlayFontFamily is the default text-overlay font.
	OverlayFontFamily string `yaml:"overlay_font_family"`

	// OverlayFontSize is the default text-overlay font size in pixels.
	OverlayFontSize int `yaml:"overlay_font_size"`

	// LiveChatWindowSeconds is the default live-chat-context window.
	LiveChatWindowSeconds int `yaml:"live_chat_window_seconds"`

	// LiveChatMaxMessages is the default live-chat-context message cap.
	LiveChatMaxMessages int `yaml:"live_chat_max_messages"`
}

// WishConfig configures the Wish-Session State Machine's singleton
// behavior: which character voices it and the model instructions driving
// its turn loop.
type WishConfig struct {
	// Character names the character (already defined in the Character
	// Store) used to voice the wish session's side of the conversation.
	Character string `yaml:"character"`

	// SystemPrompt instructs the model to reply with a {"speech",
	// "action"} JSON object on every turn.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxFollowups caps how many followup questions a session may ask
	// before being coerced into the chat-vote phase. Zero permits none.
	MaxFollowups int `yaml:"max_followups"`

	// ChatVoteSeconds is the duration of the chat-vote window.
	ChatVoteSeconds int `yaml:"chat_vote_seconds"`
}

// Package character implements the Character Store: the unit of
// configuration for one streaming persona, with optimistic-concurrency
// updates and a pluggable persistence tier.
package character

import "time"

// TextStyle is the overlay's text-rendering configuration for one character.
type TextStyle struct {
	FontFamily   string  `json:"font_family"`
	FontSize     int     `json:"font_size"`
	FillColor    string  `json:"fill_color"`
	StrokeColor  string  `json:"stroke_color"`
	StrokeWidth  float64 `json:"stroke_width"`
	PositionX    float64 `json:"position_x"`
	PositionY    float64 `json:"position_y"`
	DurationMS   int     `json:"duration_ms"`
}

// AISettings configures the Chat Pipeline for one character. A zero value
// means the character has no chat generation configured (speak-only).
type AISettings struct {
	SystemPrompt    string   `json:"system_prompt"`
	Model           string   `json:"model"`
	ProviderRouting []string `json:"provider_routing,omitempty"`
	Temperature     float64  `json:"temperature"`
	MaxTokens       int      `json:"max_tokens"`
}

// LiveChatPolicy controls whether and how much live-chat context is folded
// into chat generations for this character.
type LiveChatPolicy struct {
	Enabled      bool `json:"enabled"`
	WindowSecs   int  `json:"window_seconds"`
	MaxMessages  int  `json:"max_messages"`
}

// MemoryPolicy controls Conversation Memory behavior for this character.
type MemoryPolicy struct {
	Enabled              bool `json:"enabled"`
	PersistAcrossRestart bool `json:"persist_across_restart"`
}

// Character is the unit of configuration: a streaming persona with its
// display metadata, overlay text style, speech-provider selection, optional
// AI settings, and memory/live-chat policies.
type Character struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Icon        string `json:"icon"`
	Description string `json:"description"`

	TextStyle TextStyle `json:"text_style"`

	Provider         string         `json:"provider"`
	ProviderSettings map[string]any `json:"provider_settings"`

	AI AISettings `json:"ai_settings"`

	LiveChat LiveChatPolicy `json:"live_chat_policy"`
	Memory   MemoryPolicy   `json:"memory_policy"`

	LastModified time.Time `json:"last_modified"`
}

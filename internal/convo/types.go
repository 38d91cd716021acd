// Package convo implements Conversation Memory: a two-tier, per-character
// message history (in-memory cache plus an optional durable tier), the
// serialization rules for multimodal content, and the history-reconstruction
// projection used to build an LLM request.
package convo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/castwire/castwire/pkg/provider/llm"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleContext entries capture live-chat context folded into a
	// generation; they are re-projected as user messages on reconstruction
	// so the model never mistakes them for prior conversational turns.
	RoleContext Role = "context"
)

// Message is one ordered entry in a character's conversation history.
type Message struct {
	Character string
	Role      Role
	// Content holds either plain text, or — for a user message carrying
	// inline images — the JSON-encoded array form produced by
	// encodeContent.
	Content string
	// Interrupted is true when this assistant entry was cut off mid-speech.
	Interrupted bool
	// GeneratedText holds the model's full output when Interrupted is true;
	// Content in that case holds what was actually spoken before cutoff.
	GeneratedText string
	CreatedAt     time.Time
}

// contentPart is the wire shape of one element of a structured multimodal
// message, used only for serializing/deserializing Message.Content.
type contentPart struct {
	Text  string         `json:"text,omitempty"`
	Image *llm.ImageData `json:"image,omitempty"`
}

// encodeContent produces the string stored in Message.Content for a user
// message: plain text when there are no images, otherwise a JSON-encoded
// array of parts.
func encodeContent(text string, images []llm.ImageData) string {
	if len(images) == 0 {
		return text
	}
	parts := make([]contentPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, contentPart{Text: text})
	}
	for i := range images {
		parts = append(parts, contentPart{Image: &images[i]})
	}
	encoded, err := json.Marshal(parts)
	if err != nil {
		// Marshalling a slice of plain structs cannot fail; fall back to
		// the text alone if it somehow does.
		return text
	}
	return string(encoded)
}

// decodeContent reverses encodeContent: strings beginning with "[" are
// tried for JSON decode as a structured part list, falling back to the
// literal string (as plain text) on parse failure or when the prefix check
// fails outright.
func decodeContent(raw string) (text string, images []llm.ImageData) {
	if !strings.HasPrefix(raw, "[") {
		return raw, nil
	}
	var parts []contentPart
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return raw, nil
	}
	var textParts []string
	for _, p := range parts {
		if p.Text != "" {
			textParts = append(textParts, p.Text)
		}
		if p.Image != nil {
			images = append(images, *p.Image)
		}
	}
	return strings.Join(textParts, "\n"), images
}

// reconstructionHandle is the concrete ReconciliationHandle returned by
// RecordInterrupted: it identifies the character and index of the pending
// entry so Reconcile can update it in both tiers.
type reconstructionHandle struct {
	character string
	index     int
}

func (h reconstructionHandle) String() string {
	return fmt.Sprintf("convo.handle{%s[%d]}", h.character, h.index)
}

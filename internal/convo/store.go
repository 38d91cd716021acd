package convo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/castwire/castwire/pkg/provider/llm"
)

// PersistentStore is the durable tier for characters whose memory policy
// enables cross-restart persistence. Implementations must be safe for
// concurrent use.
type PersistentStore interface {
	// Append writes msg as the next entry for its character.
	Append(ctx context.Context, msg Message) error

	// LoadAll returns every persisted message for character, in created-at
	// order. Called once at startup per persistent character.
	LoadAll(ctx context.Context, character string) ([]Message, error)

	// UpdateLatest overwrites the most recently appended entry for
	// character (by created-at) with the given content/interrupted/
	// generatedText, used for interrupted-turn reconciliation.
	UpdateLatest(ctx context.Context, character string, content string, interrupted bool, generatedText string) error

	// Clear deletes all persisted entries for character.
	Clear(ctx context.Context, character string) error
}

// Store is the two-tier Conversation Memory: an in-memory cache per
// character, optionally backed by a PersistentStore for characters whose
// memory policy requests cross-restart durability.
//
// Store satisfies the Memory interface the Generation Coordinator depends
// on (RecordCompleted, RecordInterrupted, Reconcile).
type Store struct {
	persistent PersistentStore

	mu      sync.Mutex
	history map[string][]Message
	// persistCharacters marks which characters' mutations should also be
	// written through to the persistent tier.
	persistCharacters map[string]bool
}

// New constructs a Store. persistent may be nil, in which case no character
// is ever durable regardless of EnablePersistence.
func New(persistent PersistentStore) *Store {
	return &Store{
		persistent:        persistent,
		history:           make(map[string][]Message),
		persistCharacters: make(map[string]bool),
	}
}

// EnablePersistence marks character as persistent and loads its existing
// durable history into the in-memory cache, in created-at order. Call once
// at startup for every character whose memory policy has
// persist_across_restart set.
func (s *Store) EnablePersistence(ctx context.Context, character string) error {
	if s.persistent == nil {
		return fmt.Errorf("convo: no persistent tier configured")
	}
	loaded, err := s.persistent.LoadAll(ctx, character)
	if err != nil {
		return fmt.Errorf("convo: load %q: %w", character, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistCharacters[character] = true
	s.history[character] = loaded
	return nil
}

// append mutates the in-memory copy first, then (if character is
// persistent) the durable copy; on durable failure the in-memory mutation
// is rolled back so the two tiers stay in agreement.
func (s *Store) append(ctx context.Context, msg Message) error {
	msg.CreatedAt = time.Now()

	s.mu.Lock()
	s.history[msg.Character] = append(s.history[msg.Character], msg)
	persist := s.persistCharacters[msg.Character]
	s.mu.Unlock()

	if !persist {
		return nil
	}
	if err := s.persistent.Append(ctx, msg); err != nil {
		s.mu.Lock()
		entries := s.history[msg.Character]
		if len(entries) > 0 {
			s.history[msg.Character] = entries[:len(entries)-1]
		}
		s.mu.Unlock()
		return fmt.Errorf("convo: append: %w", err)
	}
	return nil
}

// AppendUserMessage records a user turn, carrying inline images when
// present.
func (s *Store) AppendUserMessage(ctx context.Context, character, text string, images []llm.ImageData) error {
	return s.append(ctx, Message{
		Character: character,
		Role:      RoleUser,
		Content:   encodeContent(text, images),
	})
}

// AppendContextMessage records a live-chat-context snapshot folded into a
// generation.
func (s *Store) AppendContextMessage(ctx context.Context, character, chatText string) error {
	return s.append(ctx, Message{
		Character: character,
		Role:      RoleContext,
		Content:   chatText,
	})
}

// RecordCompleted implements the Memory interface the Generation
// Coordinator depends on: it appends a completed assistant turn.
func (s *Store) RecordCompleted(ctx context.Context, character, content string) error {
	return s.append(ctx, Message{
		Character: character,
		Role:      RoleAssistant,
		Content:   content,
	})
}

// RecordInterrupted implements the Memory interface: it appends an
// interrupted assistant turn and returns a handle identifying it for later
// reconciliation.
func (s *Store) RecordInterrupted(ctx context.Context, character, content, generatedText string) (any, error) {
	msg := Message{
		Character:     character,
		Role:          RoleAssistant,
		Content:       content,
		Interrupted:   true,
		GeneratedText: generatedText,
	}
	if err := s.append(ctx, msg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	idx := len(s.history[character]) - 1
	s.mu.Unlock()

	return reconstructionHandle{character: character, index: idx}, nil
}

// Reconcile implements the Memory interface: it overwrites the entry
// identified by handle with the overlay's authoritative spoken-text report.
// A handle from a different (now-cleared or re-indexed) history is a
// silent no-op, matching the coordinator's documented stale-entry
// tolerance.
func (s *Store) Reconcile(ctx context.Context, handle any, authoritativeSpokenText string) error {
	h, ok := handle.(reconstructionHandle)
	if !ok {
		return fmt.Errorf("convo: reconcile: unrecognized handle type %T", handle)
	}

	s.mu.Lock()
	entries := s.history[h.character]
	if h.index < 0 || h.index >= len(entries) || !entries[h.index].Interrupted {
		s.mu.Unlock()
		return nil
	}
	entries[h.index].Content = authoritativeSpokenText
	persist := s.persistCharacters[h.character]
	generatedText := entries[h.index].GeneratedText
	s.mu.Unlock()

	if !persist {
		return nil
	}
	if err := s.persistent.UpdateLatest(ctx, h.character, authoritativeSpokenText, true, generatedText); err != nil {
		return fmt.Errorf("convo: reconcile: %w", err)
	}
	return nil
}

// Clear deletes a character's history from both tiers.
func (s *Store) Clear(ctx context.Context, character string) error {
	s.mu.Lock()
	delete(s.history, character)
	persist := s.persistCharacters[character]
	s.mu.Unlock()

	if !persist {
		return nil
	}
	if err := s.persistent.Clear(ctx, character); err != nil {
		return fmt.Errorf("convo: clear %q: %w", character, err)
	}
	return nil
}

// History returns character's reconstructed message list for an LLM
// request: user/assistant entries verbatim, context entries re-projected
// as a user message prefixed "[Twitch chat at the time]:\n".
func (s *Store) History(character string) []llm.Message {
	s.mu.Lock()
	entries := append([]Message(nil), s.history[character]...)
	s.mu.Unlock()

	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case RoleUser:
			text, images := decodeContent(e.Content)
			out = append(out, llm.Message{Role: "user", Content: text, Images: images})
		case RoleAssistant:
			out = append(out, llm.Message{Role: "assistant", Content: e.Content})
		case RoleContext:
			out = append(out, llm.Message{
				Role:    "user",
				Content: "[Twitch chat at the time]:\n" + e.Content,
			})
		}
	}
	return out
}

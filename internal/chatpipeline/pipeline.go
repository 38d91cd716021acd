// Package chatpipeline builds the message list for one chat-style
// generation and drives it through an LLM stream into a TTS Streamer,
// reporting usage once the generation completes.
package chatpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/castwire/castwire/internal/ttsstream"
	"github.com/castwire/castwire/pkg/provider/llm"
)

const liveChatPreamble = "\n\n---\nRecent Twitch chat (you can see what viewers are saying):\n"

// Config carries everything the pipeline needs to build one request and
// run it to completion.
type Config struct {
	SystemPrompt string
	Model        string
	// ProviderRouting is an explicit provider-ordering hint. Run does not
	// forward it: llm.CompletionRequest has no routing field, so provider
	// order and any configured fallbacks are the same with or without it.
	ProviderRouting []string
	Temperature     float64
	MaxTokens       int

	// LiveChatContext, when non-empty, is appended to the system prompt.
	LiveChatContext string

	// History is appended verbatim after the system prompt.
	History []llm.Message

	// UserMessage is the final user turn's text.
	UserMessage string

	// Images, when non-empty, attach inline image references to the final
	// user message.
	Images []llm.ImageData
}

// Pipeline builds and runs one chat generation against provider, streaming
// its output through streamer.
type Pipeline struct {
	provider llm.Provider
	streamer *ttsstream.Streamer
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	cancelled bool
}

// New constructs a Pipeline for one generation.
func New(provider llm.Provider, streamer *ttsstream.Streamer, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{provider: provider, streamer: streamer, cfg: cfg, logger: logger}
}

// BuildMessages assembles the request's message list: a system message
// (system prompt, plus the live-chat block iff LiveChatContext is
// non-empty) is carried via CompletionRequest.SystemPrompt so the provider
// adapter can place it according to its own convention; History is
// appended verbatim; the final user message is a plain string, or carries
// Images when any are attached.
func (p *Pipeline) BuildMessages() (systemPrompt string, messages []llm.Message) {
	systemPrompt = p.cfg.SystemPrompt
	if p.cfg.LiveChatContext != "" {
		systemPrompt += liveChatPreamble + p.cfg.LiveChatContext
	}

	messages = make([]llm.Message, 0, len(p.cfg.History)+1)
	messages = append(messages, p.cfg.History...)

	user := llm.Message{Role: "user", Content: p.cfg.UserMessage}
	if len(p.cfg.Images) > 0 {
		user.Images = p.cfg.Images
	}
	messages = append(messages, user)

	return systemPrompt, messages
}

// Run builds the request, opens an LLM stream, forwards its tokens into
// the configured TTS Streamer, and returns the full text the LLM produced
// (which GetSpokenText may differ from if the generation was interrupted
// mid-speech).
func (p *Pipeline) Run(ctx context.Context) (fullText string, err error) {
	systemPrompt, messages := p.BuildMessages()

	req := llm.CompletionRequest{
		Messages:     messages,
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		SystemPrompt: systemPrompt,
	}

	chunks, err := p.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chatpipeline: stream completion: %w", err)
	}

	var llmText strings.Builder
	var streamErr error
	var usage llm.Usage

	tokens := make(chan string)
	go func() {
		defer close(tokens)
		for chunk := range chunks {
			if p.isCancelled() {
				return
			}
			if chunk.FinishReason == "error" {
				streamErr = fmt.Errorf("chatpipeline: upstream error chunk")
				return
			}
			if chunk.Usage.TotalTokens > 0 {
				usage = chunk.Usage
			}
			if chunk.Text != "" {
				llmText.WriteString(chunk.Text)
				select {
				case tokens <- chunk.Text:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	_, ttsErr := p.streamer.Stream(ctx, ttsstream.TokenSource(tokens))

	if streamErr != nil {
		return llmText.String(), streamErr
	}
	if ttsErr != nil {
		return llmText.String(), fmt.Errorf("chatpipeline: tts streamer: %w", ttsErr)
	}

	// Prefer the provider's own reported usage; fall back to the
	// approximate CountTokens estimate when the stream never reported one
	// (e.g. a provider that doesn't support stream usage accounting).
	completionTokens := usage.CompletionTokens
	estimated := false
	if usage.TotalTokens == 0 {
		var tokErr error
		completionTokens, tokErr = p.provider.CountTokens([]llm.Message{{Role: "assistant", Content: llmText.String()}})
		if tokErr != nil {
			completionTokens = 0
		}
		estimated = true
	}
	p.logger.Info("chat generation complete",
		"model", shortModelName(p.cfg.Model),
		"completion_tokens", completionTokens,
		"prompt_tokens", usage.PromptTokens,
		"total_tokens", usage.TotalTokens,
		"cost", usage.Cost,
		"tokens_estimated", estimated,
	)

	return llmText.String(), nil
}

// GetSpokenText delegates to the underlying TTS Streamer.
func (p *Pipeline) GetSpokenText() string { return p.streamer.GetSpokenText() }

// Cancel sets the pipeline's cancel flag and forwards cancellation to the
// TTS Streamer.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.streamer.Cancel()
}

func (p *Pipeline) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// IsCancelled reports whether Cancel was called on this Pipeline, so the
// Generation Coordinator can tell a normal completion from an interrupted
// one after Run returns.
func (p *Pipeline) IsCancelled() bool { return p.isCancelled() }

func shortModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/castwire/castwire/internal/character"
	"github.com/castwire/castwire/internal/chatbuffer"
	"github.com/castwire/castwire/internal/chatpipeline"
	"github.com/castwire/castwire/internal/generation"
	"github.com/castwire/castwire/internal/ttsstream"
	"github.com/castwire/castwire/pkg/provider/llm"
)

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	c, err := s.deps.Characters.Get(r.Context(), name)
	if err != nil {
		writeCharacterLookupError(w, err)
		return
	}

	var req speakRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	streamer := ttsstream.New(s.deps.TTS, voiceProfileFor(c), true, newOverlayHooks(s.deps.Registry, c.Name, c.TextStyle))
	gen := generation.NewSpeakGeneration(streamer, req.Text)

	if err := s.deps.Coordinator.Speak(r.Context(), c.Name, gen); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"spoken": true})
}

type chatRequest struct {
	Message string          `json:"message"`
	Images  []llm.ImageData `json:"images,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	c, err := s.deps.Characters.Get(r.Context(), name)
	if err != nil {
		writeCharacterLookupError(w, err)
		return
	}
	if c.AI.SystemPrompt == "" {
		writeError(w, http.StatusUnprocessableEntity, "character has no AI settings configured")
		return
	}

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	var history []llm.Message
	if c.Memory.Enabled {
		history = s.deps.Convo.History(c.Name)
		if err := s.deps.Convo.AppendUserMessage(r.Context(), c.Name, req.Message, req.Images); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	var liveChatContext string
	if c.LiveChat.Enabled {
		recent := s.deps.Chat.GetRecent(c.LiveChat.WindowSecs)
		liveChatContext = chatbuffer.FormatMessages(recent, c.LiveChat.MaxMessages)
	}

	streamer := ttsstream.New(s.deps.TTS, voiceProfileFor(c), true, newOverlayHooks(s.deps.Registry, c.Name, c.TextStyle))
	pipeline := chatpipeline.New(s.deps.LLM, streamer, chatpipeline.Config{
		SystemPrompt:    c.AI.SystemPrompt,
		Model:           c.AI.Model,
		ProviderRouting: c.AI.ProviderRouting,
		Temperature:     c.AI.Temperature,
		MaxTokens:       c.AI.MaxTokens,
		LiveChatContext: liveChatContext,
		History:         history,
		UserMessage:     req.Message,
		Images:          req.Images,
	}, s.deps.Logger)

	if err := s.deps.Coordinator.Speak(r.Context(), c.Name, pipeline); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"spoken": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.deps.Characters.Exists(r.Context(), name) {
		writeError(w, http.StatusNotFound, "character not found")
		return
	}

	spokenText, wasActive := s.deps.Coordinator.ActiveGenerationInfo(name)
	s.deps.Coordinator.Stop(r.Context(), name)

	resp := map[string]any{"was_active": wasActive}
	if wasActive {
		resp["spoken_text"] = spokenText
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeCharacterLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, character.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

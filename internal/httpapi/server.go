// Package httpapi implements the REST Surface: a plain net/http.ServeMux
// exposing character CRUD, speak/chat/stop, memory inspection, voice/model
// listing, wish-session status/override, and the overlay/dashboard
// WebSocket upgrades, plus a version probe. Health probes are served by
// internal/health, mounted next to this handler in cmd/castwire.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/castwire/castwire/internal/character"
	"github.com/castwire/castwire/internal/chatbuffer"
	"github.com/castwire/castwire/internal/convo"
	"github.com/castwire/castwire/internal/generation"
	"github.com/castwire/castwire/internal/registry"
	"github.com/castwire/castwire/internal/wish"
	"github.com/castwire/castwire/pkg/provider/llm"
	"github.com/castwire/castwire/pkg/provider/tts"
)

// Version is the build version string reported by GET /api/version. Set by
// main at build time via -ldflags, or left as "dev".
var Version = "dev"

// Deps holds every subsystem the REST surface dispatches into. All fields
// are required except Logger, which defaults to slog.Default().
type Deps struct {
	Characters  character.Store
	Registry    *registry.Registry
	Coordinator *generation.Coordinator
	Convo       *convo.Store
	Chat        *chatbuffer.Buffer
	Wish        *wish.Manager
	LLM         llm.Provider
	TTS         tts.Provider
	Logger      *slog.Logger
}

// Server wires Deps into a routed http.Handler.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

// NewServer builds a Server and registers every route.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the routed http.Handler, ready to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	s.mux.HandleFunc("GET /api/characters", s.handleListCharacters)
	s.mux.HandleFunc("POST /api/characters", s.handleCreateCharacter)
	s.mux.HandleFunc("GET /api/characters/{name}", s.handleGetCharacter)
	s.mux.HandleFunc("PUT /api/characters/{name}", s.handleUpdateCharacter)
	s.mux.HandleFunc("DELETE /api/characters/{name}", s.handleDeleteCharacter)

	s.mux.HandleFunc("POST /api/characters/{name}/speak", s.handleSpeak)
	s.mux.HandleFunc("POST /api/characters/{name}/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/characters/{name}/stop", s.handleStop)

	s.mux.HandleFunc("GET /api/characters/{name}/memory", s.handleMemoryGet)
	s.mux.HandleFunc("DELETE /api/characters/{name}/memory", s.handleMemoryClear)

	s.mux.HandleFunc("GET /api/voices", s.handleListVoices)
	s.mux.HandleFunc("GET /api/models", s.handleListModels)

	s.mux.HandleFunc("GET /api/wish", s.handleWishStatus)
	s.mux.HandleFunc("POST /api/wish/override", s.handleWishOverride)

	s.mux.HandleFunc("GET /ws/overlay/{name}", s.handleOverlayWS)
	s.mux.HandleFunc("GET /ws/dashboard", s.handleDashboardWS)
	s.mux.HandleFunc("GET /ws/wish-dashboard", s.handleWishDashboardWS)
	s.mux.HandleFunc("GET /ws/live-chat/{name}", s.handleLiveChatViewWS)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

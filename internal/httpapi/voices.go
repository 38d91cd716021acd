package httpapi

import "net/http"

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.deps.TTS.ListVoices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

// handleListModels reports the configured llm.Provider's static
// capabilities. The provider exposes no model-listing call of its own, so
// no model names are returned.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	caps := s.deps.LLM.Capabilities()
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

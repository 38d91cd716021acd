package httpapi

import "net/http"

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.deps.Characters.Exists(r.Context(), name) {
		writeError(w, http.StatusNotFound, "character not found")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Convo.History(name))
}

func (s *Server) handleMemoryClear(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.deps.Characters.Exists(r.Context(), name) {
		writeError(w, http.StatusNotFound, "character not found")
		return
	}
	if err := s.deps.Convo.Clear(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

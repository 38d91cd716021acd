package httpapi

import "net/http"

func (s *Server) handleWishStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Wish.Status())
}

type wishOverrideRequest struct {
	Grant bool `json:"grant"`
}

func (s *Server) handleWishOverride(w http.ResponseWriter, r *http.Request) {
	var req wishOverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Wish.ForceVerdict(r.Context(), req.Grant); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Wish.Status())
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/castwire/castwire/internal/character"
)

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.deps.Characters.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chars)
}

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var c character.Character
	if !decodeJSON(w, r, &c) {
		return
	}
	if c.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.deps.Characters.Create(r.Context(), &c); err != nil {
		if errors.Is(err, character.ErrDuplicateName) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	c, err := s.deps.Characters.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, character.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// updateCharacterRequest carries the replacement character body plus the
// optimistic-concurrency token for an update. A zero expected_updated_at
// disables the conflict check entirely (force-overwrite).
type updateCharacterRequest struct {
	character.Character
	ExpectedUpdatedAt int64 `json:"expected_updated_at"`
}

func (s *Server) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req updateCharacterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Character.Name = name

	if err := s.deps.Characters.Update(r.Context(), &req.Character, req.ExpectedUpdatedAt); err != nil {
		var conflict *character.ErrConflict
		switch {
		case errors.As(err, &conflict):
			writeError(w, http.StatusPreconditionFailed, conflict.Error())
		case errors.Is(err, character.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, req.Character)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Characters.Delete(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

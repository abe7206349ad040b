package editor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"layer-editor/internal/collection"
	"layer-editor/internal/entity"
	"layer-editor/internal/history"
)

// itemRequest is the body of item create and update calls.
type itemRequest struct {
	Values collection.Values `json:"values"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Service) handleSaveVersion(w http.ResponseWriter, r *http.Request) {
	var rec history.VersionRecord
	if !s.decode(w, r, &rec) {
		return
	}
	stored, err := s.config.Versions.SaveVersion(r.Context(), &rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Service) handleListVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ref := entity.NewRef(entity.Type(vars["type"]), vars["id"])
	if err := ref.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	recs, err := s.config.Versions.ListVersions(r.Context(), ref, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*history.VersionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.config.Items.ListItems(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []collection.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !s.decode(w, r, &req) {
		return
	}
	it, err := s.config.Items.CreateItem(r.Context(), mux.Vars(r)["id"], req.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (s *Service) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.config.Items.GetItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Service) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !s.decode(w, r, &req) {
		return
	}
	it, err := s.config.Items.UpdateItem(r.Context(), mux.Vars(r)["id"], req.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Service) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Items.DeleteItem(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps store errors onto status codes.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collection.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collection.ErrInvalidItem), errors.Is(err, history.ErrInvalidRecord):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

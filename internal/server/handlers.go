package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vinayprograms/warden/internal/approval"
	"github.com/vinayprograms/warden/internal/registry"
	"github.com/vinayprograms/warden/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeRegistryError maps control surface errors to HTTP responses.
func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, registry.ErrNotPending):
		writeError(w, http.StatusConflict, "not_pending", err.Error())
	case errors.Is(err, registry.ErrRunFinished):
		writeError(w, http.StatusConflict, "run_finished", err.Error())
	case errors.Is(err, approval.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, "invalid_decision", err.Error())
	case errors.Is(err, registry.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, registry.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closing", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.Health())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": s.runs.List()})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var rc registry.RunConfig
	if !decodeBody(w, r, &rc) {
		return
	}
	id, err := s.runs.Create(r.Context(), rc)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	snap, err := s.runs.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleListEvents returns the run's events, optionally only those with a
// seq greater than ?after=.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		after = n
	}

	seq, err := s.runs.Events(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	events := []session.Event{}
	for ev := range seq {
		if ev.SeqID > after {
			events = append(events, ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": id, "events": events})
}

type approveRequest struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Always    bool   `json:"always,omitempty"`
	Note      string `json:"note,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body approveRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	res, err := approval.ParseDecision(body.Decision)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if body.Always && res.Decision == approval.Reject {
		res.Sticky = true
	}
	res.Note = body.Note

	if err := s.runs.Resolve(r.Context(), id, body.RequestID, res); err != nil {
		writeRegistryError(w, err)
		return
	}
	snap, err := s.runs.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runs.Abort(r.Context(), id); err != nil {
		writeRegistryError(w, err)
		return
	}
	snap, err := s.runs.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

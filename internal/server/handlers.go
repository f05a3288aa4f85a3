package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/runbox/internal/api"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) storeUnavailable(w http.ResponseWriter, err error) {
	metrics.StoreErrors.WithLabelValues("api").Inc()
	s.logger.Error().Err(err).Msg("store request failed")
	writeError(w, http.StatusServiceUnavailable, "Store is unavailable.")
}

// --- Job handlers ---

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if _, err := s.languages.Batch(req.Language); err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported language.")
		return
	}

	job := &storage.Job{
		ID:       uuid.NewString(),
		UserID:   callerID(r),
		Status:   storage.StatusQueued,
		Language: req.Language,
		Code:     req.Code,
		Stdin:    req.Stdin,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.storeUnavailable(w, err)
		return
	}

	s.logger.Info().Str("job_id", job.ID).Str("user_id", job.UserID).Str("language", job.Language).Msg("job submitted")
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.storeUnavailable(w, err)
		return
	}
	if job.UserID != callerID(r) {
		writeError(w, http.StatusForbidden, "Not authorized to view this job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), callerID(r))
	if err != nil {
		s.storeUnavailable(w, err)
		return
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// --- Interactive session handlers ---

func (s *Server) handleStartREPL(w http.ResponseWriter, r *http.Request) {
	var req api.StartREPLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	// Unsupported languages never get a descriptor.
	if _, err := s.languages.Interactive(req.Language); err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported language for REPL.")
		return
	}

	sess := &storage.Session{
		ID:       uuid.NewString(),
		Language: req.Language,
		UserID:   callerID(r),
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.storeUnavailable(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, api.StartREPLResponse{SessionID: sess.ID})
}

// --- Connection handlers ---

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	conns := []api.Connection{}
	for _, as := range s.sessions.List() {
		if as.UserID != caller {
			continue
		}
		conns = append(conns, api.Connection{
			ID:      as.ID,
			Kind:    string(as.Kind),
			Target:  as.Target,
			Started: as.Started,
		})
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	as, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	if as.UserID != callerID(r) {
		writeError(w, http.StatusForbidden, "Not authorized to close this connection")
		return
	}

	s.sessions.Remove(id)
	s.logger.Info().Str("connection_id", id).Str("kind", string(as.Kind)).Msg("connection closed by caller")
	w.WriteHeader(http.StatusNoContent)
}

// --- Misc handlers ---

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	resp := api.LanguagesResponse{Batch: []string{}, Interactive: []string{}}
	for _, p := range s.languages.BatchProfiles() {
		resp.Batch = append(resp.Batch, p.Language)
	}
	for _, p := range s.languages.InteractiveProfiles() {
		resp.Interactive = append(resp.Interactive, p.Language)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"interactive": s.sessions.Count(KindInteractive),
		"watchers":    s.sessions.Count(KindWatch),
	})
}

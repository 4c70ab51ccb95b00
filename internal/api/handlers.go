package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/mirror/internal/chunker"
	"github.com/MikeSquared-Agency/mirror/internal/embedding"
	"github.com/MikeSquared-Agency/mirror/internal/engine"
	"github.com/MikeSquared-Agency/mirror/internal/index"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
)

type ingestRequest struct {
	TenantID    string `json:"tenant_id"`
	SourceType  string `json:"source_type"`
	SourceID    string `json:"source_id"`
	Temporary   bool   `json:"temporary"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Text        string `json:"text"`
	Force       bool   `json:"force"`
}

type reconcileRequest struct {
	TenantID    string `json:"tenant_id"`
	TempID      string `json:"temp_id"`
	PermanentID string `json:"permanent_id"`
}

type profileRequest struct {
	TenantID string            `json:"tenant_id"`
	Fields   map[string]string `json:"fields"`
}

// POST /api/v1/ingest
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := index.ParseSourceType(req.SourceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.IngestSource(r.Context(), ingest.Source{
		SourceRef: ingest.SourceRef{
			TenantID:   req.TenantID,
			SourceType: st,
			SourceID:   req.SourceID,
			Temporary:  req.Temporary || ingest.LooksTemporary(req.SourceID),
		},
		Title:       req.Title,
		Description: req.Description,
		Text:        req.Text,
		Force:       req.Force,
	})
	if err != nil {
		writeJSON(w, statusFor(err), struct {
			Error string `json:"error"`
			ingest.Result
		}{Error: err.Error(), Result: res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/v1/reconcile
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.ReconcileID(r.Context(), req.TenantID, req.TempID, req.PermanentID)
	switch {
	case errors.Is(err, ingest.ErrReconciliationPending):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case err != nil:
		writeError(w, statusFor(err), err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /api/v1/profile
func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.engine.IngestProfile(r.Context(), req.TenantID, req.Fields)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "fields": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": results})
}

// DELETE /api/v1/tenants/{tenant}/sources/{source}
func (s *Server) forget(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	source := chi.URLParam(r, "source")

	n, err := s.engine.Forget(r.Context(), tenant, source)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// POST /api/v1/answer answers even when the engine is degraded. Only a
// malformed request gets a non-200 status.
func (s *Server) answer(w http.ResponseWriter, r *http.Request) {
	var req engine.AnswerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.engine.Answer(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case engine.IsInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, chunker.ErrInvalidParams):
		return http.StatusUnprocessableEntity
	case errors.Is(err, embedding.ErrEmbeddingUnavailable), errors.Is(err, index.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package casefile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/auth"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/logging"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

// Handler provides HTTP handlers for cases
type Handler struct {
	service *Service
	logger  logrus.FieldLogger
}

// NewHandler creates a new case handler
func NewHandler(service *Service, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{service: service, logger: logger}
}

// Routes registers the case routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{caseID}", func(r chi.Router) {
		r.With(auth.RequireRoles(auth.RoleAdmin)).Delete("/", h.DeleteCase)

		r.Get("/artifacts", h.ListArtifacts)
		r.Post("/artifacts", h.RegisterArtifact)
		r.Post("/artifacts/{artifactID}/extractions", h.SubmitExtraction)

		r.Post("/analyze", h.Analyze)
		r.Get("/analysis", h.GetAnalysis)
	})

	return r
}

// ListRules lists the detection rules in evaluation order
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.service.pipeline.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  rules,
		"total": len(rules),
	})
}

// RegisterArtifact uploads a document to a case
func (h *Handler) RegisterArtifact(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var req RegisterArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	a, err := h.service.RegisterArtifact(r.Context(), caseID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListArtifacts lists a case's artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	artifacts, err := h.service.Artifacts(r.Context(), caseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  artifacts,
		"total": len(artifacts),
	})
}

// SubmitExtraction accepts one provider's document for an artifact
func (h *Handler) SubmitExtraction(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}
	artifactID, err := types.ParseID(chi.URLParam(r, "artifactID"))
	if err != nil {
		writeError(w, apperrors.BadRequest("invalid artifact ID"))
		return
	}

	var req SubmitExtractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	ex, err := h.service.SubmitExtraction(r.Context(), caseID, artifactID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"case_id":     ex.CaseID,
		"artifact_id": ex.ArtifactID,
		"vendor":      ex.Vendor,
		"job_seq":     ex.JobSeq,
		"rows":        len(ex.Document.Rows),
	})
}

// Analyze runs the analysis of a case
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	a, err := h.service.Analyze(r.Context(), caseID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAnalysis returns the last analysis of a case
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	a, err := h.service.Analysis(r.Context(), caseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteCase removes a case and its guard bindings
func (h *Handler) DeleteCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := h.caseID(w, r)
	if !ok {
		return
	}

	res, err := h.service.DeleteCase(r.Context(), caseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) caseID(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	id, err := types.ParseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, apperrors.BadRequest("invalid case ID"))
		return "", false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.HTTPStatus >= 500 {
		logging.LogError(h.logger, "casefile", "handler", r.Method+" "+r.URL.Path, nil, err)
	}
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "analysis canceled"})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}

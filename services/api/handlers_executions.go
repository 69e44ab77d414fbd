package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// handleListExecutions returns execution history for a POC, newest first.
func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("poc_id"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, errors.New("poc_id query parameter is required"))
		return
	}
	pocID, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid poc_id query parameter is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	logs, err := a.logs.ListByPOC(ctx, pocID, listLimit(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"executions": logs})
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entry, err := a.logs.GetByID(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"execution": entry})
}

func (a *API) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.exec.Cancel(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "cancelled": true})
}

// handleExecutionOutputURL presigns a download link for the archived output of
// a finished execution.
func (a *API) handleExecutionOutputURL(w http.ResponseWriter, r *http.Request) {
	if a.store.S3 == nil {
		respondError(w, http.StatusFailedDependency, errors.New("s3 client not configured"))
		return
	}

	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entry, err := a.logs.GetByID(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !entry.Status.Terminal() {
		respondError(w, http.StatusConflict, errors.New("execution still running"))
		return
	}

	key := fmt.Sprintf("executions/%s/output.txt.zst", id)
	url, err := a.store.S3.PresignGet(ctx, a.config.ArtifactBucket, key, presignURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign get: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"download_url": url})
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// handleArtifacts registers an artifact record and presigns an upload URL for
// its content. Callers PUT the bytes directly against the object store.
func (a *API) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if a.store.S3 == nil {
		respondError(w, http.StatusFailedDependency, errors.New("s3 client not configured"))
		return
	}
	if a.config.ArtifactBucket == "" {
		respondError(w, http.StatusFailedDependency, errors.New("artifact bucket not configured"))
		return
	}

	var req struct {
		Kind   string         `json:"kind"`
		SHA256 string         `json:"sha256"`
		Meta   map[string]any `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Kind = strings.TrimSpace(req.Kind)
	req.SHA256 = strings.ToLower(strings.TrimSpace(req.SHA256))
	if req.Kind == "" || req.SHA256 == "" {
		respondError(w, http.StatusBadRequest, errors.New("kind and sha256 are required"))
		return
	}
	if req.Meta == nil {
		req.Meta = map[string]any{}
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	artifactID := uuid.New()
	key := fmt.Sprintf("artifacts/%s/%s", req.Kind, artifactID)
	location := fmt.Sprintf("s3://%s/%s", a.config.ArtifactBucket, key)

	model := artifactModel{
		ID:     artifactID,
		Kind:   req.Kind,
		SHA256: req.SHA256,
		URL:    location,
		Meta:   datatypes.JSONMap(req.Meta),
	}
	if err := a.store.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	uploadURL, err := a.store.S3.PresignPut(ctx, a.config.ArtifactBucket, key, presignURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign put: %w", err))
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"artifact":   model.toAPI(),
		"upload_url": uploadURL,
	})
}

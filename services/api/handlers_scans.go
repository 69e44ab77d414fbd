package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"reconx/services/scans"
)

// handleCreateScan persists a pending scan and announces it on the bus; the
// scan orchestrator picks it up asynchronously.
func (a *API) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Target = strings.ToLower(strings.TrimSpace(req.Target))
	if req.Target == "" {
		respondError(w, http.StatusBadRequest, errors.New("target is required"))
		return
	}
	if strings.ContainsAny(req.Target, " /\\") {
		respondError(w, http.StatusBadRequest, errors.New("target must be a bare domain"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	scan := &scans.Scan{
		ID:        uuid.New(),
		Target:    req.Target,
		Status:    scans.ScanPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.scanStore.Create(ctx, scan); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.publishJSON(ctx, scans.ScanCreatedSubject, scans.ScanCreatedEvent{
		ScanID: scan.ID,
		Target: scan.Target,
	})

	respondJSON(w, http.StatusAccepted, map[string]any{"scan": scan})
}

func (a *API) handleListScans(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.scanStore.List(ctx, listLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"scans": list})
}

func (a *API) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	scan, err := a.scanStore.GetByID(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"scan": scan})
}

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"reconx/services/execution"
)

type pocRequest struct {
	CVEID       *uuid.UUID `json:"cve_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Language    string     `json:"language"`
	ScriptPath  string     `json:"script_path"`
	Command     string     `json:"command"`
	Author      string     `json:"author"`
}

func (req *pocRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	req.Language = strings.TrimSpace(req.Language)
	req.ScriptPath = strings.TrimSpace(req.ScriptPath)

	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.Language == "" {
		return errors.New("language is required")
	}
	if req.ScriptPath == "" {
		return errors.New("script_path is required")
	}
	return nil
}

func (a *API) handleCreatePOC(w http.ResponseWriter, r *http.Request) {
	var req pocRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	model := pocModel{
		ID:          uuid.New(),
		CVEID:       req.CVEID,
		Name:        req.Name,
		Description: req.Description,
		Language:    req.Language,
		ScriptPath:  req.ScriptPath,
		Command:     req.Command,
		Author:      req.Author,
	}
	if err := a.store.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"poc": model.toAPI()})
}

func (a *API) handleListPOCs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	q := a.store.ORM.WithContext(ctx).Order("created_at DESC").Limit(listLimit(r))
	if raw := strings.TrimSpace(r.URL.Query().Get("cve_id")); raw != "" {
		cveID, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("valid cve_id query parameter is required"))
			return
		}
		q = q.Where("cve_id = ?", cveID)
	}

	var models []pocModel
	if err := q.Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	pocs := make([]POC, 0, len(models))
	for _, m := range models {
		pocs = append(pocs, m.toAPI())
	}
	respondJSON(w, http.StatusOK, map[string]any{"pocs": pocs})
}

func (a *API) handleGetPOC(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var model pocModel
	if err := a.store.ORM.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, errors.New("poc not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"poc": model.toAPI()})
}

func (a *API) handleUpdatePOC(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req pocRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res := a.store.ORM.WithContext(ctx).Model(&pocModel{}).Where("id = ?", id).Updates(map[string]any{
		"cve_id":      req.CVEID,
		"name":        req.Name,
		"description": req.Description,
		"language":    req.Language,
		"script_path": req.ScriptPath,
		"command":     req.Command,
		"author":      req.Author,
	})
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, errors.New("poc not found"))
		return
	}

	var model pocModel
	if err := a.store.ORM.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"poc": model.toAPI()})
}

func (a *API) handleDeletePOC(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res := a.store.ORM.WithContext(ctx).Delete(&pocModel{}, "id = ?", id)
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, errors.New("poc not found"))
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// handleExecutePOC admits an execution request and returns the execution id
// immediately; output streams over the logs websocket.
func (a *API) handleExecutePOC(w http.ResponseWriter, r *http.Request) {
	pocID, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		TargetURL string         `json:"target_url"`
		Command   string         `json:"command"`
		Params    map[string]any `json:"params"`
		TimeoutMS int            `json:"timeout_ms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	id, err := a.exec.Execute(r.Context(), execution.ExecuteRequest{
		POCID:     pocID,
		TargetURL: strings.TrimSpace(req.TargetURL),
		Command:   req.Command,
		Params:    req.Params,
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"execution_id": id})
}

func (a *API) handleListPOCExecutions(w http.ResponseWriter, r *http.Request) {
	pocID, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
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

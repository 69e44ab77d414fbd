package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var validSeverities = map[string]bool{
	"LOW":      true,
	"MEDIUM":   true,
	"HIGH":     true,
	"CRITICAL": true,
}

type cveRequest struct {
	CVEID            string     `json:"cve_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Severity         string     `json:"severity"`
	CVSSScore        *float64   `json:"cvss_score"`
	PublishedDate    *time.Time `json:"published_date"`
	AffectedProducts []string   `json:"affected_products"`
	References       []string   `json:"references"`
}

func (req *cveRequest) validate() error {
	req.CVEID = strings.TrimSpace(req.CVEID)
	req.Title = strings.TrimSpace(req.Title)
	req.Severity = strings.ToUpper(strings.TrimSpace(req.Severity))

	if req.CVEID == "" {
		return errors.New("cve_id is required")
	}
	if req.Title == "" {
		return errors.New("title is required")
	}
	if !validSeverities[req.Severity] {
		return errors.New("severity must be one of LOW, MEDIUM, HIGH, CRITICAL")
	}
	if req.CVSSScore != nil && (*req.CVSSScore < 0 || *req.CVSSScore > 10) {
		return errors.New("cvss_score must be between 0 and 10")
	}
	return nil
}

func (a *API) handleCreateCVE(w http.ResponseWriter, r *http.Request) {
	var req cveRequest
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

	model := cveModel{
		ID:               uuid.New(),
		CVEID:            req.CVEID,
		Title:            req.Title,
		Description:      req.Description,
		Severity:         req.Severity,
		CVSSScore:        req.CVSSScore,
		PublishedDate:    req.PublishedDate,
		AffectedProducts: encodeStrings(req.AffectedProducts),
		References:       encodeStrings(req.References),
	}
	if err := a.store.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(w, http.StatusConflict, errors.New("cve_id already exists"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"cve": model.toAPI()})
}

func (a *API) handleListCVEs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	q := a.store.ORM.WithContext(ctx).Order("created_at DESC").Limit(listLimit(r))
	if severity := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("severity"))); severity != "" {
		q = q.Where("severity = ?", severity)
	}

	var models []cveModel
	if err := q.Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	cves := make([]CVE, 0, len(models))
	for _, m := range models {
		cves = append(cves, m.toAPI())
	}
	respondJSON(w, http.StatusOK, map[string]any{"cves": cves})
}

func (a *API) handleGetCVE(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var model cveModel
	if err := a.store.ORM.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, errors.New("cve not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"cve": model.toAPI()})
}

func (a *API) handleUpdateCVE(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req cveRequest
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

	res := a.store.ORM.WithContext(ctx).Model(&cveModel{}).Where("id = ?", id).Updates(map[string]any{
		"cve_id":            req.CVEID,
		"title":             req.Title,
		"description":       req.Description,
		"severity":          req.Severity,
		"cvss_score":        req.CVSSScore,
		"published_date":    req.PublishedDate,
		"affected_products": encodeStrings(req.AffectedProducts),
		"references":        encodeStrings(req.References),
	})
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, errors.New("cve not found"))
		return
	}

	var model cveModel
	if err := a.store.ORM.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cve": model.toAPI()})
}

func (a *API) handleDeleteCVE(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res := a.store.ORM.WithContext(ctx).Delete(&cveModel{}, "id = ?", id)
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, errors.New("cve not found"))
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

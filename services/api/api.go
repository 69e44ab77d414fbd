package api

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"reconx/services/execution"
	"reconx/services/scans"
)

const presignURLExpiry = 15 * time.Minute

// Config controls runtime behaviour for the API handlers.
type Config struct {
	ArtifactBucket string
}

// API wires storage, the execution pipeline, and the scan pipeline behind the
// HTTP surface.
type API struct {
	store  *Store
	config Config
	logger *log.Logger

	exec      *execution.Orchestrator
	broker    *execution.Broker
	logs      execution.LogStore
	scanStore scans.Store
}

// Deps carries the domain collaborators the handlers dispatch into.
type Deps struct {
	Exec      *execution.Orchestrator
	Broker    *execution.Broker
	Logs      execution.LogStore
	ScanStore scans.Store
}

// New initialises the API layer with sane defaults applied to the provided
// configuration.
func New(store *Store, deps Deps, cfg Config, logger *log.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if deps.Exec == nil {
		return nil, errors.New("execution orchestrator is required")
	}
	if deps.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if deps.Logs == nil {
		return nil, errors.New("log store is required")
	}
	if deps.ScanStore == nil {
		return nil, errors.New("scan store is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	if cfg.ArtifactBucket == "" {
		cfg.ArtifactBucket = os.Getenv("S3_BUCKET")
	}

	return &API{
		store:     store,
		config:    cfg,
		logger:    logger,
		exec:      deps.Exec,
		broker:    deps.Broker,
		logs:      deps.Logs,
		scanStore: deps.ScanStore,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/cves", func(r chi.Router) {
			r.Post("/", a.handleCreateCVE)
			r.Get("/", a.handleListCVEs)
			r.Get("/{id}", a.handleGetCVE)
			r.Put("/{id}", a.handleUpdateCVE)
			r.Delete("/{id}", a.handleDeleteCVE)
		})

		r.Route("/pocs", func(r chi.Router) {
			r.Post("/", a.handleCreatePOC)
			r.Get("/", a.handleListPOCs)
			r.Get("/{id}", a.handleGetPOC)
			r.Put("/{id}", a.handleUpdatePOC)
			r.Delete("/{id}", a.handleDeletePOC)
			r.Post("/{id}/execute", a.handleExecutePOC)
			r.Get("/{id}/executions", a.handleListPOCExecutions)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", a.handleListExecutions)
			r.Get("/{id}", a.handleGetExecution)
			r.Post("/{id}/cancel", a.handleCancelExecution)
			r.Get("/{id}/logs", a.handleExecutionLogsWS)
			r.Get("/{id}/output", a.handleExecutionOutputURL)
		})

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", a.handleCreateScan)
			r.Get("/", a.handleListScans)
			r.Get("/{id}", a.handleGetScan)
		})

		r.Post("/artifacts/presign", a.handleArtifacts)
	})

	return r, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("valid id path parameter is required")
	}
	return id, nil
}

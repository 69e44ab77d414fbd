package scans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScanStatus tracks a scan job's lifecycle.
type ScanStatus string

const (
	ScanPending   ScanStatus = "PENDING"
	ScanRunning   ScanStatus = "RUNNING"
	ScanCompleted ScanStatus = "COMPLETED"
	ScanFailed    ScanStatus = "FAILED"
)

// ErrNotFound marks a reference to a scan that does not exist.
var ErrNotFound = errors.New("scan not found")

// SubdomainResult is one discovered subdomain.
type SubdomainResult struct {
	Subdomain    string   `json:"subdomain"`
	IP           []string `json:"ip,omitempty"`
	DiscoveredAt string   `json:"discovered_at,omitempty"`
}

// PortResult is one discovered open port on a host.
type PortResult struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	State   string `json:"state"`
	Service string `json:"service,omitempty"`
}

// Scan is a reconnaissance job against one target domain.
type Scan struct {
	ID          uuid.UUID         `json:"id"`
	Target      string            `json:"target"`
	Status      ScanStatus        `json:"status"`
	Progress    int               `json:"progress"`
	Subdomains  []SubdomainResult `json:"subdomains,omitempty"`
	Ports       []PortResult      `json:"ports,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Store is the durable store for scan jobs. The orchestrator is the sole
// writer after creation.
type Store interface {
	Create(ctx context.Context, scan *Scan) error
	GetByID(ctx context.Context, id uuid.UUID) (*Scan, error)
	List(ctx context.Context, limit int) ([]Scan, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error
	AppendSubdomain(ctx context.Context, id uuid.UUID, result SubdomainResult) error
	AppendPort(ctx context.Context, id uuid.UUID, result PortResult) error
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

type scanModel struct {
	ID          uuid.UUID                            `gorm:"type:uuid;primaryKey"`
	Target      string                               `gorm:"type:text;not null"`
	Status      string                               `gorm:"type:text;index"`
	Progress    int                                  `gorm:"type:int"`
	Subdomains  datatypes.JSONSlice[SubdomainResult] `gorm:"type:jsonb"`
	Ports       datatypes.JSONSlice[PortResult]      `gorm:"type:jsonb"`
	Error       string                               `gorm:"type:text"`
	CreatedAt   time.Time                            `gorm:"type:timestamptz;autoCreateTime"`
	CompletedAt *time.Time                           `gorm:"type:timestamptz"`
}

func (scanModel) TableName() string { return "scans" }

func (m scanModel) toAPI() Scan {
	return Scan{
		ID:          m.ID,
		Target:      m.Target,
		Status:      ScanStatus(m.Status),
		Progress:    m.Progress,
		Subdomains:  m.Subdomains,
		Ports:       m.Ports,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
	}
}

// GormStore implements Store on Postgres via gorm.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore wraps the provided gorm handle.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

func (s *GormStore) Create(ctx context.Context, scan *Scan) error {
	if scan == nil {
		return errors.New("nil scan")
	}
	model := scanModel{
		ID:        scan.ID,
		Target:    scan.Target,
		Status:    string(scan.Status),
		Progress:  scan.Progress,
		CreatedAt: scan.CreatedAt,
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) GetByID(ctx context.Context, id uuid.UUID) (*Scan, error) {
	var model scanModel
	if err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	scan := model.toAPI()
	return &scan, nil
}

func (s *GormStore) List(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var models []scanModel
	if err := s.orm.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	scans := make([]Scan, 0, len(models))
	for _, m := range models {
		scans = append(scans, m.toAPI())
	}
	return scans, nil
}

func (s *GormStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, map[string]any{"status": string(ScanRunning), "progress": 0})
}

func (s *GormStore) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return s.update(ctx, id, map[string]any{"progress": percent})
}

func (s *GormStore) AppendSubdomain(ctx context.Context, id uuid.UUID, result SubdomainResult) error {
	scan, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	updated := datatypes.NewJSONSlice(append(scan.Subdomains, result))
	return s.update(ctx, id, map[string]any{"subdomains": updated})
}

func (s *GormStore) AppendPort(ctx context.Context, id uuid.UUID, result PortResult) error {
	scan, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	updated := datatypes.NewJSONSlice(append(scan.Ports, result))
	return s.update(ctx, id, map[string]any{"ports": updated})
}

func (s *GormStore) Complete(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return s.update(ctx, id, map[string]any{
		"status":       string(ScanCompleted),
		"progress":     100,
		"completed_at": now,
	})
}

func (s *GormStore) Fail(ctx context.Context, id uuid.UUID, message string) error {
	now := time.Now().UTC()
	return s.update(ctx, id, map[string]any{
		"status":       string(ScanFailed),
		"error":        message,
		"completed_at": now,
	})
}

func (s *GormStore) update(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	res := s.orm.WithContext(ctx).Model(&scanModel{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	return nil
}

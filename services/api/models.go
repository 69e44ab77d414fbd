package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CVE is a tracked vulnerability record.
type CVE struct {
	ID               uuid.UUID  `json:"id"`
	CVEID            string     `json:"cve_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Severity         string     `json:"severity"`
	CVSSScore        *float64   `json:"cvss_score,omitempty"`
	PublishedDate    *time.Time `json:"published_date,omitempty"`
	AffectedProducts []string   `json:"affected_products,omitempty"`
	References       []string   `json:"references,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// POC is an executable proof-of-concept script, optionally linked to a CVE.
type POC struct {
	ID          uuid.UUID  `json:"id"`
	CVEID       *uuid.UUID `json:"cve_id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Language    string     `json:"language"`
	ScriptPath  string     `json:"script_path"`
	Command     string     `json:"command,omitempty"`
	Author      string     `json:"author,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Artifact tracks files stored in the object store for later consumption.
type Artifact struct {
	ID        uuid.UUID      `json:"id"`
	Kind      string         `json:"kind"`
	SHA256    string         `json:"sha256"`
	URL       string         `json:"url"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

type cveModel struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	CVEID            string         `gorm:"column:cve_id;uniqueIndex"`
	Title            string         `gorm:"type:text"`
	Description      string         `gorm:"type:text"`
	Severity         string         `gorm:"type:text"`
	CVSSScore        *float64       `gorm:"column:cvss_score"`
	PublishedDate    *time.Time     `gorm:"type:timestamptz"`
	AffectedProducts datatypes.JSON `gorm:"type:jsonb"`
	References       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"type:timestamptz;autoUpdateTime"`
}

func (cveModel) TableName() string { return "cves" }

func (m cveModel) toAPI() CVE {
	return CVE{
		ID:               m.ID,
		CVEID:            m.CVEID,
		Title:            m.Title,
		Description:      m.Description,
		Severity:         m.Severity,
		CVSSScore:        m.CVSSScore,
		PublishedDate:    m.PublishedDate,
		AffectedProducts: decodeStrings(m.AffectedProducts),
		References:       decodeStrings(m.References),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

type pocModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	CVEID       *uuid.UUID `gorm:"type:uuid;index;column:cve_id"`
	Name        string     `gorm:"type:text"`
	Description string     `gorm:"type:text"`
	Language    string     `gorm:"type:text"`
	ScriptPath  string     `gorm:"type:text"`
	Command     string     `gorm:"type:text"`
	Author      string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (pocModel) TableName() string { return "pocs" }

func (m pocModel) toAPI() POC {
	return POC{
		ID:          m.ID,
		CVEID:       m.CVEID,
		Name:        m.Name,
		Description: m.Description,
		Language:    m.Language,
		ScriptPath:  m.ScriptPath,
		Command:     m.Command,
		Author:      m.Author,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

type artifactModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Kind      string            `gorm:"type:text"`
	SHA256    string            `gorm:"type:text"`
	URL       string            `gorm:"type:text"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;autoCreateTime"`
}

func (artifactModel) TableName() string { return "artifacts" }

func (m artifactModel) toAPI() Artifact {
	meta := map[string]any(m.Meta)
	if meta == nil {
		meta = map[string]any{}
	}
	return Artifact{
		ID:        m.ID,
		Kind:      m.Kind,
		SHA256:    m.SHA256,
		URL:       m.URL,
		Meta:      meta,
		CreatedAt: m.CreatedAt,
	}
}

func encodeStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

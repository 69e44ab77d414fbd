package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type CVE struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	CVEID            string         `gorm:"type:text;uniqueIndex;not null;column:cve_id"`
	Title            string         `gorm:"type:text;not null"`
	Description      string         `gorm:"type:text"`
	Severity         string         `gorm:"type:text;not null"`
	CVSSScore        *float64       `gorm:"type:numeric(3,1);column:cvss_score"`
	PublishedDate    *time.Time     `gorm:"type:timestamptz"`
	AffectedProducts datatypes.JSON `gorm:"type:jsonb"`
	References       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (CVE) TableName() string { return "cves" }

type POC struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	CVEID       *uuid.UUID `gorm:"type:uuid;index;column:cve_id"`
	Name        string     `gorm:"type:text;not null"`
	Description string     `gorm:"type:text"`
	Language    string     `gorm:"type:text;not null"`
	ScriptPath  string     `gorm:"type:text;not null"`
	Command     string     `gorm:"type:text"`
	Author      string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	CVE         CVE        `gorm:"foreignKey:CVEID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

func (POC) TableName() string { return "pocs" }

type ExecutionLog struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	POCID       uuid.UUID         `gorm:"type:uuid;index;not null;column:poc_id"`
	TargetURL   string            `gorm:"type:text"`
	Command     string            `gorm:"type:text"`
	Output      string            `gorm:"type:text"`
	Error       string            `gorm:"type:text"`
	Status      string            `gorm:"type:text;index;not null"`
	Params      datatypes.JSONMap `gorm:"type:jsonb"`
	ExecutedAt  time.Time         `gorm:"type:timestamptz;not null"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
	POC         POC               `gorm:"foreignKey:POCID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (ExecutionLog) TableName() string { return "execution_logs" }

type Scan struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Target      string         `gorm:"type:text;not null"`
	Status      string         `gorm:"type:text;index"`
	Progress    int            `gorm:"type:int"`
	Subdomains  datatypes.JSON `gorm:"type:jsonb"`
	Ports       datatypes.JSON `gorm:"type:jsonb"`
	Error       string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	CompletedAt *time.Time     `gorm:"type:timestamptz"`
}

func (Scan) TableName() string { return "scans" }

type Artifact struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Kind      string            `gorm:"type:text;not null"`
	SHA256    string            `gorm:"type:text;not null"`
	URL       string            `gorm:"type:text;not null"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Artifact) TableName() string { return "artifacts" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&CVE{},
		&POC{},
		&ExecutionLog{},
		&Scan{},
		&Artifact{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&POC{}, "CVE"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&ExecutionLog{}, "POC"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Artifact{},
		&Scan{},
		&ExecutionLog{},
		&POC{},
		&CVE{},
	); err != nil {
		return err
	}

	return nil
}

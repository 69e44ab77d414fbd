package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"reconx/pkg/db"
)

// Log is one row per execution attempt. The orchestrator is its sole writer;
// API consumers only read it.
type Log struct {
	ID          uuid.UUID      `json:"id"`
	POCID       uuid.UUID      `json:"poc_id"`
	TargetURL   string         `json:"target_url"`
	Command     string         `json:"command"`
	Output      string         `json:"output"`
	Error       string         `json:"error,omitempty"`
	Status      Status         `json:"status"`
	Params      map[string]any `json:"params,omitempty"`
	ExecutedAt  time.Time      `json:"executed_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// LogStore is the durable store for execution logs. Finalize must be a no-op
// when the row already reached a terminal status.
type LogStore interface {
	Create(ctx context.Context, entry *Log) error
	Finalize(ctx context.Context, id uuid.UUID, status Status, output, errMsg string, completedAt time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*Log, error)
	ListByPOC(ctx context.Context, pocID uuid.UUID, limit int) ([]Log, error)
}

type logModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	POCID       uuid.UUID         `gorm:"type:uuid;index;column:poc_id"`
	TargetURL   string            `gorm:"type:text"`
	Command     string            `gorm:"type:text"`
	Output      string            `gorm:"type:text"`
	Error       string            `gorm:"type:text"`
	Status      string            `gorm:"type:text;index"`
	Params      datatypes.JSONMap `gorm:"type:jsonb"`
	ExecutedAt  time.Time         `gorm:"type:timestamptz"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
}

func (logModel) TableName() string { return "execution_logs" }

const logColumns = `id, poc_id, target_url, command, output, error, status, params, executed_at, completed_at`

type logRow struct {
	ID          uuid.UUID  `db:"id"`
	POCID       uuid.UUID  `db:"poc_id"`
	TargetURL   string     `db:"target_url"`
	Command     string     `db:"command"`
	Output      string     `db:"output"`
	Error       string     `db:"error"`
	Status      string     `db:"status"`
	Params      []byte     `db:"params"`
	ExecutedAt  time.Time  `db:"executed_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (row logRow) toLog() (Log, error) {
	entry := Log{
		ID:          row.ID,
		POCID:       row.POCID,
		TargetURL:   row.TargetURL,
		Command:     row.Command,
		Output:      row.Output,
		Error:       row.Error,
		Status:      Status(row.Status),
		ExecutedAt:  row.ExecutedAt,
		CompletedAt: row.CompletedAt,
	}
	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &entry.Params); err != nil {
			return Log{}, fmt.Errorf("decode params for %s: %w", row.ID, err)
		}
	}
	return entry, nil
}

// PostgresLogStore implements LogStore on Postgres. Inserts go through gorm
// so the jsonb codec stays aligned with the migrations; reads and the
// terminal update are plain SQL over the pgx pool.
type PostgresLogStore struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewPostgresLogStore wraps the provided gorm handle and pgx pool.
func NewPostgresLogStore(orm *gorm.DB, pool *pgxpool.Pool) (*PostgresLogStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresLogStore{orm: orm, pool: pool}, nil
}

// Create inserts the row in its initial state.
func (s *PostgresLogStore) Create(ctx context.Context, entry *Log) error {
	if entry == nil {
		return errors.New("nil log entry")
	}

	model := logModel{
		ID:          entry.ID,
		POCID:       entry.POCID,
		TargetURL:   entry.TargetURL,
		Command:     entry.Command,
		Output:      entry.Output,
		Error:       entry.Error,
		Status:      string(entry.Status),
		Params:      datatypes.JSONMap(entry.Params),
		ExecutedAt:  entry.ExecutedAt,
		CompletedAt: entry.CompletedAt,
	}
	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("execution log %s: %w", entry.ID, ErrConflict)
		}
		return err
	}
	return nil
}

// Finalize applies the terminal status. The guard on the current status keeps
// the transition one-directional: a second terminal write finds zero rows in
// RUNNING state and leaves the record untouched.
func (s *PostgresLogStore) Finalize(ctx context.Context, id uuid.UUID, status Status, output, errMsg string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s: %w", status, ErrValidation)
	}

	tag, err := db.Exec(ctx, s.pool, `
		UPDATE execution_logs
		SET status = $1, output = $2, error = $3, completed_at = $4
		WHERE id = $5 AND status = $6`,
		string(status), output, errMsg, completedAt, id, string(StatusRunning))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var count int
		if err := db.Get(ctx, s.pool, &count,
			`SELECT count(*) FROM execution_logs WHERE id = $1`, id); err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("execution log %s: %w", id, ErrNotFound)
		}
		// Already terminal; deliberately a no-op.
	}
	return nil
}

// GetByID returns the row or ErrNotFound.
func (s *PostgresLogStore) GetByID(ctx context.Context, id uuid.UUID) (*Log, error) {
	var row logRow
	err := db.Get(ctx, s.pool, &row,
		`SELECT `+logColumns+` FROM execution_logs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution log %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	entry, err := row.toLog()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListByPOC returns up to limit rows for the POC, newest first.
func (s *PostgresLogStore) ListByPOC(ctx context.Context, pocID uuid.UUID, limit int) ([]Log, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []logRow
	err := db.Select(ctx, s.pool, &rows, `
		SELECT `+logColumns+`
		FROM execution_logs
		WHERE poc_id = $1
		ORDER BY executed_at DESC
		LIMIT $2`, pocID, limit)
	if err != nil {
		return nil, err
	}

	logs := make([]Log, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

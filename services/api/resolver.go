package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"reconx/services/execution"
)

// POCResolver resolves POC references for the execution orchestrator against
// the pocs table.
type POCResolver struct {
	orm *gorm.DB
}

// NewPOCResolver wraps the provided gorm handle.
func NewPOCResolver(orm *gorm.DB) (*POCResolver, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &POCResolver{orm: orm}, nil
}

// ResolvePOC returns the executable slice of the POC or
// execution.ErrNotFound.
func (p *POCResolver) ResolvePOC(ctx context.Context, id uuid.UUID) (*execution.POCRef, error) {
	var model pocModel
	if err := p.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("poc %s: %w", id, execution.ErrNotFound)
		}
		return nil, err
	}
	return &execution.POCRef{
		ID:      model.ID,
		Name:    model.Name,
		Command: model.Command,
	}, nil
}

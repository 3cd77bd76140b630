package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.WorkflowVersionRepository = (*WorkflowVersionRepository)(nil)

// WorkflowVersionRepository implements repository.WorkflowVersionRepository
// using bun.
type WorkflowVersionRepository struct {
	db *bun.DB
}

func NewWorkflowVersionRepository(db *bun.DB) *WorkflowVersionRepository {
	return &WorkflowVersionRepository{db: db}
}

// Insert inserts a new version row, treating a conflict on the unique
// (workflow_id, version_hash) pair as idempotent re-registration: the
// caller gets back the row as it actually exists, new or pre-existing.
func (r *WorkflowVersionRepository) Insert(ctx context.Context, v *model.WorkflowVersion) (*model.WorkflowVersion, error) {
	row := toWorkflowVersionModel(v)
	_, err := r.db.NewInsert().
		Model(row).
		On("CONFLICT (workflow_id, version_hash) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert workflow version: %w", err)
	}
	return r.Get(ctx, v.WorkflowID, v.VersionHash)
}

func (r *WorkflowVersionRepository) Get(ctx context.Context, workflowID, versionHash string) (*model.WorkflowVersion, error) {
	row := new(models.WorkflowVersionModel)
	err := r.db.NewSelect().
		Model(row).
		Where("workflow_id = ?", workflowID).
		Where("version_hash = ?", versionHash).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nexumerr.NotFound("workflow version %s/%s not found", workflowID, versionHash)
		}
		return nil, fmt.Errorf("select workflow version: %w", err)
	}
	return fromWorkflowVersionModel(row), nil
}

func (r *WorkflowVersionRepository) LatestForWorkflow(ctx context.Context, workflowID string) (*model.WorkflowVersion, error) {
	row := new(models.WorkflowVersionModel)
	err := r.db.NewSelect().
		Model(row).
		Where("workflow_id = ?", workflowID).
		OrderExpr("registered_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select latest workflow version: %w", err)
	}
	return fromWorkflowVersionModel(row), nil
}

func (r *WorkflowVersionRepository) ListForWorkflow(ctx context.Context, workflowID string) ([]*model.WorkflowVersion, error) {
	var rows []*models.WorkflowVersionModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("workflow_id = ?", workflowID).
		OrderExpr("registered_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	return fromWorkflowVersionModels(rows), nil
}

func (r *WorkflowVersionRepository) All(ctx context.Context) ([]*model.WorkflowVersion, error) {
	var rows []*models.WorkflowVersionModel
	err := r.db.NewSelect().
		Model(&rows).
		OrderExpr("registered_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list all workflow versions: %w", err)
	}
	return fromWorkflowVersionModels(rows), nil
}

func toWorkflowVersionModel(v *model.WorkflowVersion) *models.WorkflowVersionModel {
	return &models.WorkflowVersionModel{
		WorkflowID:    v.WorkflowID,
		VersionHash:   v.VersionHash,
		IRJSON:        v.IRJSON,
		Compatibility: string(v.Compatibility),
	}
}

func fromWorkflowVersionModel(row *models.WorkflowVersionModel) *model.WorkflowVersion {
	return &model.WorkflowVersion{
		WorkflowID:    row.WorkflowID,
		VersionHash:   row.VersionHash,
		IRJSON:        row.IRJSON,
		Compatibility: model.Compatibility(row.Compatibility),
		RegisteredAt:  row.RegisteredAt,
	}
}

func fromWorkflowVersionModels(rows []*models.WorkflowVersionModel) []*model.WorkflowVersion {
	out := make([]*model.WorkflowVersion, len(rows))
	for i, row := range rows {
		out[i] = fromWorkflowVersionModel(row)
	}
	return out
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.ExecutionRepository = (*ExecutionRepository)(nil)

// ExecutionRepository implements repository.ExecutionRepository using bun.
type ExecutionRepository struct {
	db *bun.DB
}

func NewExecutionRepository(db *bun.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, e *model.Execution) error {
	row := toExecutionModel(e)
	_, err := r.db.NewInsert().Model(row).Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	e.ExecutionID = row.ExecutionID.String()
	e.CreatedAt = row.CreatedAt
	return nil
}

func (r *ExecutionRepository) Get(ctx context.Context, executionID string) (*model.Execution, error) {
	id, err := uuid.Parse(executionID)
	if err != nil {
		return nil, nexumerr.InvalidArgument("malformed execution id %q", executionID)
	}
	row := new(models.ExecutionModel)
	err = r.db.NewSelect().Model(row).Where("execution_id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nexumerr.NotFound("execution %s not found", executionID)
		}
		return nil, fmt.Errorf("select execution: %w", err)
	}
	return fromExecutionModel(row), nil
}

// UpdateStatus applies the transition only if the execution is not already
// terminal, matching the at-least-once completion semantics of §4.7: a
// redelivered completion/failure for an already-terminal execution is a
// silent no-op, not an error.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, executionID string, status model.ExecutionStatus) (bool, error) {
	id, err := uuid.Parse(executionID)
	if err != nil {
		return false, nexumerr.InvalidArgument("malformed execution id %q", executionID)
	}
	res, err := r.db.NewUpdate().
		Model((*models.ExecutionModel)(nil)).
		Set("status = ?", string(status)).
		Where("execution_id = ?", id).
		Where("status NOT IN (?)", bun.In([]string{
			string(model.ExecutionCompleted),
			string(model.ExecutionFailed),
			string(model.ExecutionCancelled),
		})).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update execution status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *ExecutionRepository) List(ctx context.Context, workflowID, status string, limit int) ([]*model.Execution, error) {
	var rows []*models.ExecutionModel
	q := r.db.NewSelect().Model(&rows).OrderExpr("created_at DESC")
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*model.Execution, len(rows))
	for i, row := range rows {
		out[i] = fromExecutionModel(row)
	}
	return out, nil
}

func (r *ExecutionRepository) CountActiveForWorkflow(ctx context.Context, workflowID string) (int, error) {
	n, err := r.db.NewSelect().
		Model((*models.ExecutionModel)(nil)).
		Where("workflow_id = ?", workflowID).
		Where("status = ?", string(model.ExecutionRunning)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

func toExecutionModel(e *model.Execution) *models.ExecutionModel {
	row := &models.ExecutionModel{
		WorkflowID:        e.WorkflowID,
		VersionHash:       e.VersionHash,
		Status:            string(e.Status),
		InputJSON:         e.InputJSON,
		ParentExecutionID: e.ParentExecutionID,
		ParentNodeID:      e.ParentNodeID,
	}
	if e.ExecutionID != "" {
		if id, err := uuid.Parse(e.ExecutionID); err == nil {
			row.ExecutionID = id
		}
	}
	return row
}

func fromExecutionModel(row *models.ExecutionModel) *model.Execution {
	return &model.Execution{
		ExecutionID:       row.ExecutionID.String(),
		WorkflowID:        row.WorkflowID,
		VersionHash:       row.VersionHash,
		Status:            model.ExecutionStatus(row.Status),
		InputJSON:         row.InputJSON,
		ParentExecutionID: row.ParentExecutionID,
		ParentNodeID:      row.ParentNodeID,
		CreatedAt:         row.CreatedAt,
	}
}

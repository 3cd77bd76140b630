package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.TaskRepository = (*TaskRepository)(nil)

// TaskRepository implements repository.TaskRepository using bun.
type TaskRepository struct {
	db *bun.DB
}

func NewTaskRepository(db *bun.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Insert inserts a READY task, treating a conflict on the unique
// idempotency_key as "a live task already covers this node" rather than
// an error, per the at-least-once scheduling invariant in §4.5.
func (r *TaskRepository) Insert(ctx context.Context, t *model.Task) error {
	row := toTaskModel(t)
	_, err := r.db.NewInsert().
		Model(row).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.TaskID = row.TaskID.String()
	t.CreatedAt = row.CreatedAt
	t.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, taskID string) (*model.Task, error) {
	id, err := uuid.Parse(taskID)
	if err != nil {
		return nil, nexumerr.InvalidArgument("malformed task id %q", taskID)
	}
	row := new(models.TaskModel)
	err = r.db.NewSelect().Model(row).Where("task_id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nexumerr.NotFound("task %s not found", taskID)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return fromTaskModel(row), nil
}

func (r *TaskRepository) ListLiveNodeIDs(ctx context.Context, executionID string) ([]string, error) {
	var ids []string
	err := r.db.NewSelect().
		Model((*models.TaskModel)(nil)).
		Column("node_id").
		Distinct().
		Where("execution_id = ?", executionID).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list live node ids: %w", err)
	}
	return ids, nil
}

// AcquireLease atomically selects one READY task matching versionHash
// with scheduled_at <= now and transitions it to RUNNING, locking the
// row with FOR UPDATE SKIP LOCKED so concurrent workers never double
// lease the same task (§4.5's "durable, leased task queue").
func (r *TaskRepository) AcquireLease(ctx context.Context, versionHash, workerID string) (*model.Task, error) {
	var leased *models.TaskModel
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		candidate := new(models.TaskModel)
		err := tx.NewSelect().
			Model(candidate).
			Where("version_hash = ?", versionHash).
			Where("status = ?", models.TaskStatusReady).
			Where("scheduled_at <= ?", time.Now()).
			OrderExpr("scheduled_at ASC").
			Limit(1).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select ready task: %w", err)
		}

		now := time.Now()
		candidate.Status = models.TaskStatusRunning
		candidate.LockedBy = workerID
		candidate.LockedAt = &now
		if candidate.NodeType == string(model.NodeTypeHumanApproval) {
			candidate.ApprovalStatus = models.ApprovalStatusPending
		}

		_, err = tx.NewUpdate().
			Model(candidate).
			Column("status", "locked_by", "locked_at", "approval_status", "updated_at").
			Where("task_id = ?", candidate.TaskID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("lease task: %w", err)
		}
		leased = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	if leased == nil {
		return nil, nil
	}
	return fromTaskModel(leased), nil
}

// CompareAndUpdate reads the task row under a row lock, applies fn, and
// persists the result only if fn reports ok, so completion/failure
// handlers never clobber a concurrently reaped or cancelled task.
func (r *TaskRepository) CompareAndUpdate(ctx context.Context, taskID string, fn func(*model.Task) (bool, error)) (*model.Task, error) {
	id, err := uuid.Parse(taskID)
	if err != nil {
		return nil, nexumerr.InvalidArgument("malformed task id %q", taskID)
	}

	var result *model.Task
	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(models.TaskModel)
		err := tx.NewSelect().Model(row).Where("task_id = ?", id).For("UPDATE").Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nexumerr.NotFound("task %s not found", taskID)
			}
			return fmt.Errorf("select task for update: %w", err)
		}

		current := fromTaskModel(row)
		ok, err := fn(current)
		if err != nil {
			return err
		}
		if !ok {
			result = current
			return nil
		}

		updated := toTaskModel(current)
		updated.TaskID = row.TaskID
		updated.CreatedAt = row.CreatedAt
		_, err = tx.NewUpdate().Model(updated).Where("task_id = ?", row.TaskID).Exec(ctx)
		if err != nil {
			return fmt.Errorf("persist task: %w", err)
		}
		result = fromTaskModel(updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *TaskRepository) FindRunningByNode(ctx context.Context, executionID, nodeID string) (*model.Task, error) {
	row := new(models.TaskModel)
	err := r.db.NewSelect().
		Model(row).
		Where("execution_id = ?", executionID).
		Where("node_id = ?", nodeID).
		Where("status = ?", models.TaskStatusRunning).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nexumerr.NotFound("no running task for %s/%s", executionID, nodeID)
		}
		return nil, fmt.Errorf("find running task: %w", err)
	}
	return fromTaskModel(row), nil
}

func (r *TaskRepository) CancelLive(ctx context.Context, executionID string) (int, error) {
	res, err := r.db.NewUpdate().
		Model((*models.TaskModel)(nil)).
		Set("status = ?", models.TaskStatusCancelled).
		Set("updated_at = ?", time.Now()).
		Where("execution_id = ?", executionID).
		Where("status IN (?)", bun.In([]string{models.TaskStatusReady, models.TaskStatusRunning})).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel live tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// ListStaleRunning returns RUNNING tasks whose lease expired before
// olderThan, excluding pending human approvals (which wait on an
// out-of-band decision, not a worker) and sub-workflow-coupled tasks
// (which wait on a child execution's own lifecycle), per C8 and the
// resolved PENDING-race decision in the design notes.
func (r *TaskRepository) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*model.Task, error) {
	var rows []*models.TaskModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("status = ?", models.TaskStatusRunning).
		Where("locked_at IS NOT NULL AND locked_at < ?", olderThan).
		Where("approval_status IS DISTINCT FROM ?", models.ApprovalStatusPending).
		Where("sub_execution_id IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stale running tasks: %w", err)
	}
	out := make([]*model.Task, len(rows))
	for i, row := range rows {
		out[i] = fromTaskModel(row)
	}
	return out, nil
}

func (r *TaskRepository) ListPendingApprovals(ctx context.Context) ([]*model.Task, error) {
	var rows []*models.TaskModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("approval_status = ?", models.ApprovalStatusPending).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	out := make([]*model.Task, len(rows))
	for i, row := range rows {
		out[i] = fromTaskModel(row)
	}
	return out, nil
}

func toTaskModel(t *model.Task) *models.TaskModel {
	row := &models.TaskModel{
		ExecutionID:     t.ExecutionID,
		NodeID:          t.NodeID,
		VersionHash:     t.VersionHash,
		NodeType:        string(t.NodeType),
		IdempotencyKey:  t.IdempotencyKey,
		Status:          string(t.Status),
		LockedBy:        t.LockedBy,
		LockedAt:        t.LockedAt,
		RetryCount:      t.RetryCount,
		ScheduledAt:     t.ScheduledAt,
		MapItemJSON:     t.MapItemJSON,
		MapIndex:        t.MapIndex,
		MapTotal:        t.MapTotal,
		MapParentNodeID: t.MapParentNodeID,
		SubExecutionID:  t.SubExecutionID,
		SubWorkflowID:   t.SubWorkflowID,
		SubInputJSON:    t.SubInputJSON,
		ApprovalStatus:  string(t.ApprovalStatus),
		Approver:        t.Approver,
		ApprovalComment: t.ApprovalComment,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.TaskID != "" {
		if id, err := uuid.Parse(t.TaskID); err == nil {
			row.TaskID = id
		}
	}
	return row
}

func fromTaskModel(row *models.TaskModel) *model.Task {
	return &model.Task{
		TaskID:          row.TaskID.String(),
		ExecutionID:     row.ExecutionID,
		NodeID:          row.NodeID,
		VersionHash:     row.VersionHash,
		NodeType:        model.NodeType(row.NodeType),
		IdempotencyKey:  row.IdempotencyKey,
		Status:          model.TaskStatus(row.Status),
		LockedBy:        row.LockedBy,
		LockedAt:        row.LockedAt,
		RetryCount:      row.RetryCount,
		ScheduledAt:     row.ScheduledAt,
		MapItemJSON:     row.MapItemJSON,
		MapIndex:        row.MapIndex,
		MapTotal:        row.MapTotal,
		MapParentNodeID: row.MapParentNodeID,
		SubExecutionID:  row.SubExecutionID,
		SubWorkflowID:   row.SubWorkflowID,
		SubInputJSON:    row.SubInputJSON,
		ApprovalStatus:  model.ApprovalStatus(row.ApprovalStatus),
		Approver:        row.Approver,
		ApprovalComment: row.ApprovalComment,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

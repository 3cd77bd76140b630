package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.MapResultRepository = (*MapResultRepository)(nil)

// MapResultRepository implements repository.MapResultRepository using bun.
type MapResultRepository struct {
	db *bun.DB
}

func NewMapResultRepository(db *bun.DB) *MapResultRepository {
	return &MapResultRepository{db: db}
}

// Upsert stores or replaces the staged result for (execution, map_node,
// index) and returns the current row count for that pair in the same
// transaction, so the caller can compare against MapTotal to decide
// fan-in readiness without a second round trip (§4.6).
func (r *MapResultRepository) Upsert(ctx context.Context, res *model.MapResult) (int, error) {
	var count int
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := &models.MapResultModel{
			ExecutionID: res.ExecutionID,
			MapNodeID:   res.MapNodeID,
			ItemIndex:   res.ItemIndex,
			ResultJSON:  res.ResultJSON,
		}
		_, err := tx.NewInsert().
			Model(row).
			On("CONFLICT (execution_id, map_node_id, item_index) DO UPDATE").
			Set("result_json = EXCLUDED.result_json").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upsert map result: %w", err)
		}

		count, err = tx.NewSelect().
			Model((*models.MapResultModel)(nil)).
			Where("execution_id = ?", res.ExecutionID).
			Where("map_node_id = ?", res.MapNodeID).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("count map results: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MapResultRepository) GatherOrdered(ctx context.Context, executionID, mapNodeID string) ([]*model.MapResult, error) {
	var rows []*models.MapResultModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("execution_id = ?", executionID).
		Where("map_node_id = ?", mapNodeID).
		OrderExpr("item_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("gather map results: %w", err)
	}
	out := make([]*model.MapResult, len(rows))
	for i, row := range rows {
		out[i] = &model.MapResult{
			ExecutionID: row.ExecutionID,
			MapNodeID:   row.MapNodeID,
			ItemIndex:   row.ItemIndex,
			ResultJSON:  row.ResultJSON,
			CreatedAt:   row.CreatedAt,
		}
	}
	return out, nil
}

// PruneOlderThan deletes staged fan-in rows belonging to terminal
// executions past the retention window, the supplemented maintenance
// sweep described in SPEC_FULL.md §11 (robfig/cron).
func (r *MapResultRepository) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	res, err := r.db.NewDelete().
		Model((*models.MapResultModel)(nil)).
		Where("created_at < ?", cutoff).
		Where("execution_id IN (SELECT execution_id::text FROM executions WHERE status IN (?))",
			bun.In([]string{string(model.ExecutionCompleted), string(model.ExecutionFailed), string(model.ExecutionCancelled)})).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune map results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.EventRepository = (*EventRepository)(nil)

// EventRepository implements repository.EventRepository using bun.
type EventRepository struct {
	db *bun.DB
}

func NewEventRepository(db *bun.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append assigns the next dense sequence_id for executionID and inserts
// the event in the same transaction. The event table's UNIQUE(execution_id,
// sequence_id) constraint makes a concurrent insert race visible as a
// constraint violation rather than a silently skipped sequence number, so
// on conflict we retry the whole read-then-insert with a fresh sequence
// read (§4.3, §5).
func (r *EventRepository) Append(ctx context.Context, executionID string, eventType model.EventType, payloadJSON string) (*model.Event, error) {
	const maxAttempts = 5
	var row *models.EventModel
	var err error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		row, err = r.tryAppend(ctx, executionID, eventType, payloadJSON)
		if err == nil {
			return fromEventModel(row), nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("append event: exhausted retries on sequence conflict: %w", err)
}

func (r *EventRepository) tryAppend(ctx context.Context, executionID string, eventType model.EventType, payloadJSON string) (*models.EventModel, error) {
	var row *models.EventModel
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var next int64
		err := tx.NewSelect().
			Model((*models.EventModel)(nil)).
			ColumnExpr("COALESCE(MAX(sequence_id), 0) + 1").
			Where("execution_id = ?", executionID).
			Scan(ctx, &next)
		if err != nil {
			return fmt.Errorf("read next sequence: %w", err)
		}

		row = &models.EventModel{
			ExecutionID: executionID,
			SequenceID:  next,
			EventType:   string(eventType),
			Payload:     payloadJSON,
		}
		_, err = tx.NewInsert().Model(row).Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	return row, err
}

func (r *EventRepository) ListByExecution(ctx context.Context, executionID string) ([]*model.Event, error) {
	var rows []*models.EventModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("execution_id = ?", executionID).
		OrderExpr("sequence_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*model.Event, len(rows))
	for i, row := range rows {
		out[i] = fromEventModel(row)
	}
	return out, nil
}

func (r *EventRepository) LatestNodeCompleted(ctx context.Context, executionID string) (*model.Event, error) {
	row := new(models.EventModel)
	err := r.db.NewSelect().
		Model(row).
		Where("execution_id = ?", executionID).
		Where("event_type = ?", models.EventTypeNodeCompleted).
		OrderExpr("sequence_id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nexumerr.NotFound("no NodeCompleted event for execution %s", executionID)
		}
		return nil, fmt.Errorf("latest node completed: %w", err)
	}
	return fromEventModel(row), nil
}

func (r *EventRepository) FindNodeCompleted(ctx context.Context, executionID, nodeID string) (*model.Event, error) {
	var rows []*models.EventModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("execution_id = ?", executionID).
		Where("event_type = ?", models.EventTypeNodeCompleted).
		Where("payload->>'node_id' = ?", nodeID).
		OrderExpr("sequence_id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find node completed: %w", err)
	}
	if len(rows) == 0 {
		return nil, nexumerr.NotFound("no NodeCompleted event for %s/%s", executionID, nodeID)
	}
	return fromEventModel(rows[0]), nil
}

func fromEventModel(row *models.EventModel) *model.Event {
	return &model.Event{
		EventID:     row.EventID.String(),
		ExecutionID: row.ExecutionID,
		SequenceID:  row.SequenceID,
		EventType:   model.EventType(row.EventType),
		Payload:     row.Payload,
		CreatedAt:   row.CreatedAt,
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// bun's pgdriver surfaces Postgres errors without exporting a typed
	// wrapper we can errors.As against cleanly across driver versions;
	// the SQLSTATE 23505 substring check mirrors the driver's own error
	// string formatting.
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}

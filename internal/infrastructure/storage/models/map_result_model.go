package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MapResultModel is the bun row for one staged per-item output awaiting
// fan-in. (execution_id, map_node_id, item_index) is unique: an upsert
// replaces a re-delivered item's result rather than duplicating it, which
// is what keeps the fan-in COUNT in §4.6 accurate under at-least-once
// redelivery.
type MapResultModel struct {
	bun.BaseModel `bun:"table:map_results,alias:mr"`

	ID          uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	ExecutionID string    `bun:"execution_id,notnull"`
	MapNodeID   string    `bun:"map_node_id,notnull"`
	ItemIndex   int       `bun:"item_index,notnull"`
	ResultJSON  string    `bun:"result_json,type:jsonb,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func (MapResultModel) TableName() string { return "map_results" }

func (m *MapResultModel) BeforeInsert(_ interface{}) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}

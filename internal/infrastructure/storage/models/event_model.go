package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Event type constants mirror model.EventType; kept as strings at the
// storage layer so the column accepts values the domain package owns.
const (
	EventTypeNodeCompleted      = "NodeCompleted"
	EventTypeNodeFailed         = "NodeFailed"
	EventTypeExecutionCancelled = "ExecutionCancelled"
)

// EventModel is the bun row for one entry in an execution's append-only
// event log. SequenceID is dense and monotonic per execution_id (§4.3);
// it is assigned by the repository inside the insert transaction, never
// by the database's own autoincrement, since gaps must never occur even
// across retried inserts.
type EventModel struct {
	bun.BaseModel `bun:"table:events,alias:ev"`

	EventID     uuid.UUID `bun:"event_id,pk,type:uuid,default:uuid_generate_v4()"`
	ExecutionID string    `bun:"execution_id,notnull"`
	SequenceID  int64     `bun:"sequence_id,notnull"`
	EventType   string    `bun:"event_type,notnull"`
	Payload     string    `bun:"payload,type:jsonb,notnull,default:'{}'"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`

	Execution *ExecutionModel `bun:"rel:belongs-to,join:execution_id=execution_id"`
}

func (EventModel) TableName() string { return "events" }

func (e *EventModel) BeforeInsert(_ interface{}) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return nil
}

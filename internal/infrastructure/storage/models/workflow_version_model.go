package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Compatibility constants mirror model.Compatibility.
const (
	CompatibilityNew       = "NEW"
	CompatibilityIdentical = "IDENTICAL"
	CompatibilitySafe      = "SAFE"
	CompatibilityBreaking  = "BREAKING"
)

// WorkflowVersionModel is the bun row for one immutable IR registration.
// (workflow_id, version_hash) is unique: re-registering the same hash is
// a no-op at the repository layer, never a duplicate row.
type WorkflowVersionModel struct {
	bun.BaseModel `bun:"table:workflow_versions,alias:wv"`

	ID            uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowID    string    `bun:"workflow_id,notnull"`
	VersionHash   string    `bun:"version_hash,notnull"`
	IRJSON        string    `bun:"ir_json,type:jsonb,notnull"`
	Compatibility string    `bun:"compatibility,notnull"`
	RegisteredAt  time.Time `bun:"registered_at,notnull,default:current_timestamp"`
}

func (WorkflowVersionModel) TableName() string { return "workflow_versions" }

func (w *WorkflowVersionModel) BeforeInsert(_ interface{}) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = time.Now()
	}
	return nil
}

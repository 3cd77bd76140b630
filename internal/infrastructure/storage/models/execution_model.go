package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ExecutionModel is the bun row for one workflow execution.
type ExecutionModel struct {
	bun.BaseModel `bun:"table:executions,alias:ex"`

	ExecutionID       uuid.UUID `bun:"execution_id,pk,type:uuid,default:uuid_generate_v4()"`
	WorkflowID        string    `bun:"workflow_id,notnull"`
	VersionHash       string    `bun:"version_hash,notnull"`
	Status            string    `bun:"status,notnull,default:'RUNNING'"`
	InputJSON         string    `bun:"input_json,type:jsonb,notnull,default:'{}'"`
	ParentExecutionID string    `bun:"parent_execution_id,nullzero"`
	ParentNodeID      string    `bun:"parent_node_id,nullzero"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func (ExecutionModel) TableName() string { return "executions" }

func (e *ExecutionModel) BeforeInsert(_ interface{}) error {
	if e.ExecutionID == uuid.Nil {
		e.ExecutionID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = "RUNNING"
	}
	return nil
}

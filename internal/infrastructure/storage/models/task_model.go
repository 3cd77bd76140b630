package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Task status constants mirror model.TaskStatus.
const (
	TaskStatusReady     = "READY"
	TaskStatusRunning   = "RUNNING"
	TaskStatusDone      = "DONE"
	TaskStatusFailed    = "FAILED"
	TaskStatusCancelled = "CANCELLED"
)

// Approval status constants mirror model.ApprovalStatus.
const (
	ApprovalStatusPending  = "PENDING"
	ApprovalStatusApproved = "APPROVED"
	ApprovalStatusRejected = "REJECTED"
)

// TaskModel is the bun row for one queued attempt at one node of one
// execution. A single table carries the base dispatch columns plus the
// three node-kind-specific sub-field groups (map fan-out/fan-in,
// sub-workflow coupling, human approval) rather than splitting into
// per-kind tables, mirroring how this codebase keeps polymorphic rows
// in one wide table with nullable group columns.
type TaskModel struct {
	bun.BaseModel `bun:"table:tasks,alias:tk"`

	TaskID         uuid.UUID  `bun:"task_id,pk,type:uuid,default:uuid_generate_v4()"`
	ExecutionID    string     `bun:"execution_id,notnull"`
	NodeID         string     `bun:"node_id,notnull"`
	VersionHash    string     `bun:"version_hash,notnull"`
	NodeType       string     `bun:"node_type,notnull"`
	IdempotencyKey string     `bun:"idempotency_key,unique,notnull"`
	Status         string     `bun:"status,notnull,default:'READY'"`
	LockedBy       string     `bun:"locked_by,nullzero"`
	LockedAt       *time.Time `bun:"locked_at"`
	RetryCount     int        `bun:"retry_count,notnull,default:0"`
	ScheduledAt    time.Time  `bun:"scheduled_at,notnull,default:current_timestamp"`

	MapItemJSON     string `bun:"map_item_json,type:jsonb,nullzero"`
	MapIndex        int    `bun:"map_index,notnull,default:0"`
	MapTotal        int    `bun:"map_total,notnull,default:0"`
	MapParentNodeID string `bun:"map_parent_node_id,nullzero"`

	SubExecutionID string `bun:"sub_execution_id,nullzero"`
	SubWorkflowID  string `bun:"sub_workflow_id,nullzero"`
	SubInputJSON   string `bun:"sub_input_json,type:jsonb,nullzero"`

	ApprovalStatus  string `bun:"approval_status,nullzero"`
	Approver        string `bun:"approver,nullzero"`
	ApprovalComment string `bun:"approval_comment,nullzero"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func (TaskModel) TableName() string { return "tasks" }

func (t *TaskModel) BeforeInsert(_ interface{}) error {
	if t.TaskID == uuid.Nil {
		t.TaskID = uuid.New()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	if t.Status == "" {
		t.Status = TaskStatusReady
	}
	return nil
}

func (t *TaskModel) BeforeUpdate(_ interface{}) error {
	t.UpdatedAt = time.Now()
	return nil
}

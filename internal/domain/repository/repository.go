// Package repository defines the storage contracts the engine is built
// against (C1, §4.1 of the specification). Implementations live in
// internal/infrastructure/storage.
package repository

import (
	"context"
	"time"

	"github.com/kuro6061/nexum/internal/domain/model"
)

// WorkflowVersionRepository persists the immutable version catalogue.
type WorkflowVersionRepository interface {
	// Insert inserts a new version row, ignoring the insert if
	// (workflow_id, version_hash) already exists (idempotent registration).
	// Returns the row as actually persisted (pre-existing or new).
	Insert(ctx context.Context, v *model.WorkflowVersion) (*model.WorkflowVersion, error)

	Get(ctx context.Context, workflowID, versionHash string) (*model.WorkflowVersion, error)

	// LatestForWorkflow returns the most recently registered version of a
	// workflow, or nil if none has been registered.
	LatestForWorkflow(ctx context.Context, workflowID string) (*model.WorkflowVersion, error)

	ListForWorkflow(ctx context.Context, workflowID string) ([]*model.WorkflowVersion, error)

	// All loads the entire catalogue, used once at startup to rehydrate
	// the in-memory IR registry (C2).
	All(ctx context.Context) ([]*model.WorkflowVersion, error)
}

// ExecutionRepository persists execution rows.
type ExecutionRepository interface {
	Create(ctx context.Context, e *model.Execution) error
	Get(ctx context.Context, executionID string) (*model.Execution, error)

	// UpdateStatus performs a conditional transition: it only applies when
	// the execution is not already terminal, returning ok=false otherwise.
	UpdateStatus(ctx context.Context, executionID string, status model.ExecutionStatus) (ok bool, err error)

	List(ctx context.Context, workflowID, status string, limit int) ([]*model.Execution, error)

	// CountActiveForWorkflow reports executions of a workflow not yet terminal.
	CountActiveForWorkflow(ctx context.Context, workflowID string) (int, error)
}

// EventRepository persists the append-only per-execution event log.
type EventRepository interface {
	// Append assigns the next dense sequence_id for the execution and
	// inserts the event within the same transaction, retrying on a
	// unique-constraint race per §5.
	Append(ctx context.Context, executionID string, eventType model.EventType, payloadJSON string) (*model.Event, error)

	ListByExecution(ctx context.Context, executionID string) ([]*model.Event, error)

	// LatestNodeCompleted returns the most recently appended NodeCompleted
	// event for the execution, used to read a sub-workflow's final output.
	LatestNodeCompleted(ctx context.Context, executionID string) (*model.Event, error)

	// FindNodeCompleted returns the NodeCompleted event for a specific node,
	// if any, used by the dispatcher to hydrate dependency outputs.
	FindNodeCompleted(ctx context.Context, executionID, nodeID string) (*model.Event, error)
}

// TaskRepository persists the mutable task queue.
type TaskRepository interface {
	// Insert inserts a new READY task, ignoring the insert if a live task
	// already exists with the same idempotency key.
	Insert(ctx context.Context, t *model.Task) error

	Get(ctx context.Context, taskID string) (*model.Task, error)

	// ListLiveNodeIDs returns the node_id of every task row for an
	// execution regardless of status (the "scheduled" set in §4.5).
	ListLiveNodeIDs(ctx context.Context, executionID string) ([]string, error)

	// AcquireLease atomically selects and leases one READY task matching
	// versionHash with scheduled_at <= now, transitioning it to RUNNING.
	// Returns nil, nil if none is available.
	AcquireLease(ctx context.Context, versionHash, workerID string) (*model.Task, error)

	// CompareAndUpdate applies fn to the task inside a transaction holding
	// a row lock, persisting the result if fn returns ok.
	CompareAndUpdate(ctx context.Context, taskID string, fn func(*model.Task) (bool, error)) (*model.Task, error)

	// FindRunningByNode returns the unique RUNNING task for (execution, node).
	FindRunningByNode(ctx context.Context, executionID, nodeID string) (*model.Task, error)

	// CancelLive transitions every READY/RUNNING task of an execution to
	// CANCELLED, returning the number of rows affected.
	CancelLive(ctx context.Context, executionID string) (int, error)

	// ListStaleRunning returns RUNNING tasks whose lease has expired,
	// excluding pending approvals and sub-workflow-coupled tasks (C8).
	ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*model.Task, error)

	ListPendingApprovals(ctx context.Context) ([]*model.Task, error)
}

// MapResultRepository persists fan-in staging rows.
type MapResultRepository interface {
	// Upsert stores or replaces the result for (execution, map_node, index)
	// and returns the current count of staged rows for that pair.
	Upsert(ctx context.Context, r *model.MapResult) (count int, err error)

	// GatherOrdered returns all staged results for (execution, map_node)
	// ordered by item index.
	GatherOrdered(ctx context.Context, executionID, mapNodeID string) ([]*model.MapResult, error)

	// PruneOlderThan deletes staging rows for terminal executions past a
	// retention window (the supplemented maintenance sweep, §12).
	PruneOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// BlobStore is the claim-check byte backend (C4). Implementations live in
// internal/infrastructure/blob.
type BlobStore interface {
	Put(ctx context.Context, blobID string, payload []byte) (size int, path string, err error)
	Get(ctx context.Context, blobID string) ([]byte, error)
}

// Store aggregates every repository the engine depends on, mirroring how
// this codebase's application layer is constructed against a bundle of
// narrow repository interfaces rather than one god-interface.
type Store struct {
	Workflows  WorkflowVersionRepository
	Executions ExecutionRepository
	Events     EventRepository
	Tasks      TaskRepository
	MapResults MapResultRepository
}

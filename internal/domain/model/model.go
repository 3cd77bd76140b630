// Package model defines the storage-agnostic shapes the engine reasons
// about: executions, events, tasks, workflow versions and map results.
package model

import "time"

// NodeType is the closed set of node kinds the IR may declare.
type NodeType string

const (
	NodeTypeCompute        NodeType = "COMPUTE"
	NodeTypeEffect         NodeType = "EFFECT"
	NodeTypeReduce         NodeType = "REDUCE"
	NodeTypeRouter         NodeType = "ROUTER"
	NodeTypeMap            NodeType = "MAP"
	NodeTypeMapSubtask     NodeType = "MAP_SUBTASK"
	NodeTypeTimer          NodeType = "TIMER"
	NodeTypeHumanApproval  NodeType = "HUMAN_APPROVAL"
	NodeTypeSubworkflow    NodeType = "SUBWORKFLOW"
)

// ExecutionStatus is the closed set of execution lifecycle states.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the execution accepts no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// TaskStatus is the closed set of task-queue states.
type TaskStatus string

const (
	TaskReady     TaskStatus = "READY"
	TaskRunning   TaskStatus = "RUNNING"
	TaskDone      TaskStatus = "DONE"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// ApprovalStatus tracks a HUMAN_APPROVAL task's out-of-band resolution.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// EventType is the closed set of event kinds appended to the event log.
type EventType string

const (
	EventNodeCompleted      EventType = "NodeCompleted"
	EventNodeFailed         EventType = "NodeFailed"
	EventExecutionCancelled EventType = "ExecutionCancelled"
)

// Compatibility is the result of comparing a new IR against the prior
// version of the same workflow.
type Compatibility string

const (
	CompatibilityNew       Compatibility = "NEW"
	CompatibilityIdentical Compatibility = "IDENTICAL"
	CompatibilitySafe      Compatibility = "SAFE"
	CompatibilityBreaking  Compatibility = "BREAKING"
)

// WorkflowVersion is one immutable registration of a workflow's IR.
type WorkflowVersion struct {
	WorkflowID    string
	VersionHash   string
	IRJSON        string
	Compatibility Compatibility
	RegisteredAt  time.Time
}

// Execution is one run of a workflow against a root input.
type Execution struct {
	ExecutionID       string
	WorkflowID        string
	VersionHash       string
	Status            ExecutionStatus
	InputJSON         string
	ParentExecutionID string
	ParentNodeID      string
	CreatedAt         time.Time
}

// HasParent reports whether this execution was spawned by a SUBWORKFLOW node.
func (e *Execution) HasParent() bool {
	return e.ParentExecutionID != ""
}

// Event is one append-only entry in an execution's causal log.
type Event struct {
	EventID     string
	ExecutionID string
	SequenceID  int64
	EventType   EventType
	Payload     string // serialized JSON
	CreatedAt   time.Time
}

// NodeCompletedPayload is the structured shape of a NodeCompleted event.
type NodeCompletedPayload struct {
	NodeID string `json:"node_id"`
	Output any    `json:"output"`
}

// NodeFailedPayload is the structured shape of a NodeFailed event.
type NodeFailedPayload struct {
	NodeID     string `json:"node_id"`
	Error      string `json:"error"`
	FinalRetry int    `json:"final_retry"`
}

// Task is one work-queue entry tracking a single attempt at a single node
// of a single execution.
type Task struct {
	TaskID         string
	ExecutionID    string
	NodeID         string
	VersionHash    string
	NodeType       NodeType
	IdempotencyKey string
	Status         TaskStatus
	LockedBy       string
	LockedAt       *time.Time
	RetryCount     int
	ScheduledAt    time.Time

	// Map fan-out/fan-in.
	MapItemJSON      string
	MapIndex         int
	MapTotal         int
	MapParentNodeID  string

	// Sub-workflow coupling.
	SubExecutionID string
	SubWorkflowID  string
	SubInputJSON   string

	// Human approval.
	ApprovalStatus  ApprovalStatus
	Approver        string
	ApprovalComment string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsLive reports whether the task occupies a non-terminal slot for its
// (execution_id, node_id) pair.
func (t *Task) IsLive() bool {
	return t.Status == TaskReady || t.Status == TaskRunning
}

// MapResult is one staged per-item output awaiting fan-in.
type MapResult struct {
	ExecutionID string
	MapNodeID   string
	ItemIndex   int
	ResultJSON  string
	CreatedAt   time.Time
}

// IdempotencyKey builds the canonical "exec_id:node_id:version_hash" key.
func IdempotencyKey(executionID, nodeID, versionHash string) string {
	return executionID + ":" + nodeID + ":" + versionHash
}

// BlobID builds the canonical "exec_id-node_id" claim-check key.
func BlobID(executionID, nodeID string) string {
	return executionID + "-" + nodeID
}

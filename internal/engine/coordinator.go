package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kuro6061/nexum/internal/application/observer"
	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
	"github.com/kuro6061/nexum/internal/metrics"
)

// Coordinator implements C7: recording task outcomes, driving
// kind-specific fan-out/fan-in and sub-workflow coupling, and the retry
// ledger.
type Coordinator struct {
	registry        *Registry
	store           *repository.Store
	blobs           ClaimCheck
	scheduler       *Scheduler
	claimCheckLimit int
	maxRetries      int
	backoffCap      time.Duration
	log             *logger.Logger
	obs             *observer.ObserverManager
	metrics         *metrics.Metrics
}

func NewCoordinator(registry *Registry, store *repository.Store, blobs ClaimCheck, scheduler *Scheduler, claimCheckLimit, maxRetries int, backoffCap time.Duration, log *logger.Logger) *Coordinator {
	return &Coordinator{
		registry:        registry,
		store:           store,
		blobs:           blobs,
		scheduler:       scheduler,
		claimCheckLimit: claimCheckLimit,
		maxRetries:      maxRetries,
		backoffCap:      backoffCap,
		log:             log,
	}
}

// SetObserver wires an optional observer manager for node/execution
// lifecycle notifications (e.g. the websocket stream). A nil manager (the
// default) makes every notification a no-op.
func (c *Coordinator) SetObserver(obs *observer.ObserverManager) {
	c.obs = obs
}

// SetMetrics wires an optional counters instance. A nil instance (the
// default) makes every increment a no-op.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Coordinator) notify(ctx context.Context, event observer.Event) {
	if c.obs == nil {
		return
	}
	event.Timestamp = time.Now()
	c.obs.Notify(ctx, event)
}

type subworkflowOutput struct {
	SubWorkflowID string `json:"subWorkflowId"`
	ChildInput    any    `json:"childInput"`
}

// CompleteTask implements §4.7's CompleteTask, branching on the task's
// recorded node_type.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID, outputJSON string) error {
	task, err := c.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskRunning {
		// Completion against a non-RUNNING task (e.g. cancelled, or
		// already completed by a redelivered worker report) is a no-op
		// that still returns success.
		return nil
	}

	var err2 error
	switch task.NodeType {
	case model.NodeTypeSubworkflow:
		// The task stays RUNNING until the child execution completes and
		// the scheduler's parent-chain walk marks it DONE (§4.5); a worker
		// reports only the initial spawn request.
		err2 = c.completeSubworkflowFirst(ctx, task, outputJSON)
	case model.NodeTypeMap:
		err2 = c.completeMap(ctx, task, outputJSON)
	case model.NodeTypeMapSubtask:
		err2 = c.completeMapSubtask(ctx, task, outputJSON)
	default:
		err2 = c.completeGeneric(ctx, task, outputJSON)
	}
	if err2 == nil && c.metrics != nil {
		c.metrics.IncTasksCompleted()
	}
	return err2
}

func (c *Coordinator) completeSubworkflowFirst(ctx context.Context, task *model.Task, outputJSON string) error {
	var out subworkflowOutput
	if err := json.Unmarshal([]byte(outputJSON), &out); err != nil || out.SubWorkflowID == "" {
		return nexumerr.InvalidArgument("malformed SUBWORKFLOW output: %v", err)
	}

	childVersion, err := c.store.Workflows.LatestForWorkflow(ctx, out.SubWorkflowID)
	if err != nil {
		return fmt.Errorf("lookup sub-workflow %q: %w", out.SubWorkflowID, err)
	}
	if childVersion == nil {
		return nexumerr.NotFound("sub-workflow %q is not registered", out.SubWorkflowID)
	}

	childInputJSON, err := json.Marshal(out.ChildInput)
	if err != nil {
		return fmt.Errorf("encode child input: %w", err)
	}

	child := &model.Execution{
		ExecutionID:       uuid.New().String(),
		WorkflowID:        out.SubWorkflowID,
		VersionHash:       childVersion.VersionHash,
		Status:            model.ExecutionRunning,
		InputJSON:         string(childInputJSON),
		ParentExecutionID: task.ExecutionID,
		ParentNodeID:      task.NodeID,
	}
	if err := c.store.Executions.Create(ctx, child); err != nil {
		return fmt.Errorf("create child execution: %w", err)
	}

	if _, err := c.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.SubExecutionID = child.ExecutionID
		t.SubWorkflowID = out.SubWorkflowID
		t.SubInputJSON = string(childInputJSON)
		return true, nil
	}); err != nil {
		return fmt.Errorf("record sub-execution on parent task: %w", err)
	}

	if err := c.scheduler.ScheduleReadyNodes(ctx, child.ExecutionID, child.WorkflowID, child.VersionHash); err != nil {
		return fmt.Errorf("schedule child ready nodes: %w", err)
	}
	c.log.Info("subworkflow started", "parent_execution_id", task.ExecutionID, "parent_node_id", task.NodeID, "child_execution_id", child.ExecutionID)
	return nil
}

func (c *Coordinator) completeMap(ctx context.Context, task *model.Task, outputJSON string) error {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(outputJSON), &items); err != nil {
		return nexumerr.InvalidArgument("MAP output is not a JSON array: %v", err)
	}

	if _, err := c.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.Status = model.TaskDone
		return true, nil
	}); err != nil {
		return fmt.Errorf("mark MAP task done: %w", err)
	}

	for i, item := range items {
		subtask := &model.Task{
			TaskID:          uuid.New().String(),
			ExecutionID:     task.ExecutionID,
			NodeID:          fmt.Sprintf("%s__%d", task.NodeID, i),
			VersionHash:     task.VersionHash,
			NodeType:        model.NodeTypeMapSubtask,
			IdempotencyKey:  model.IdempotencyKey(task.ExecutionID, fmt.Sprintf("%s__%d", task.NodeID, i), task.VersionHash),
			Status:          model.TaskReady,
			ScheduledAt:     time.Now(),
			MapItemJSON:     string(item),
			MapIndex:        i,
			MapTotal:        len(items),
			MapParentNodeID: task.NodeID,
		}
		if err := c.store.Tasks.Insert(ctx, subtask); err != nil {
			return fmt.Errorf("insert MAP_SUBTASK %d: %w", i, err)
		}
	}
	c.log.Info("map fanned out", "execution_id", task.ExecutionID, "node_id", task.NodeID, "count", len(items))
	return nil
}

func (c *Coordinator) completeMapSubtask(ctx context.Context, task *model.Task, outputJSON string) error {
	if _, err := c.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.Status = model.TaskDone
		return true, nil
	}); err != nil {
		return fmt.Errorf("mark MAP_SUBTASK done: %w", err)
	}

	if !json.Valid([]byte(outputJSON)) {
		return nexumerr.InvalidArgument("MAP_SUBTASK output is not valid JSON")
	}

	count, err := c.store.MapResults.Upsert(ctx, &model.MapResult{
		ExecutionID: task.ExecutionID,
		MapNodeID:   task.MapParentNodeID,
		ItemIndex:   task.MapIndex,
		ResultJSON:  outputJSON,
	})
	if err != nil {
		return fmt.Errorf("upsert map result: %w", err)
	}

	if count < task.MapTotal {
		return nil
	}

	staged, err := c.store.MapResults.GatherOrdered(ctx, task.ExecutionID, task.MapParentNodeID)
	if err != nil {
		return fmt.Errorf("gather map results: %w", err)
	}
	ordered := make([]any, len(staged))
	for i, r := range staged {
		var v any
		if err := json.Unmarshal([]byte(r.ResultJSON), &v); err != nil {
			return fmt.Errorf("decode staged map result %d: %w", r.ItemIndex, err)
		}
		ordered[i] = v
	}

	offloaded, err := OffloadIfNeeded(ctx, c.blobs, task.ExecutionID, task.MapParentNodeID, ordered, c.claimCheckLimit)
	if err != nil {
		return fmt.Errorf("offload map fan-in output: %w", err)
	}
	payload, err := json.Marshal(model.NodeCompletedPayload{NodeID: task.MapParentNodeID, Output: offloaded})
	if err != nil {
		return fmt.Errorf("encode MAP NodeCompleted: %w", err)
	}
	if _, err := c.store.Events.Append(ctx, task.ExecutionID, model.EventNodeCompleted, string(payload)); err != nil {
		return fmt.Errorf("append MAP NodeCompleted: %w", err)
	}

	exec, err := c.store.Executions.Get(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if err := c.scheduler.ScheduleReadyNodes(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash); err != nil {
		return err
	}
	return c.scheduler.CheckExecutionComplete(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash)
}

func (c *Coordinator) completeGeneric(ctx context.Context, task *model.Task, outputJSON string) error {
	var rawOutput any
	if err := json.Unmarshal([]byte(outputJSON), &rawOutput); err != nil {
		return nexumerr.InvalidArgument("task output is not valid JSON: %v", err)
	}

	if _, err := c.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.Status = model.TaskDone
		return true, nil
	}); err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}

	offloaded, err := OffloadIfNeeded(ctx, c.blobs, task.ExecutionID, task.NodeID, rawOutput, c.claimCheckLimit)
	if err != nil {
		return fmt.Errorf("offload output: %w", err)
	}
	payload, err := json.Marshal(model.NodeCompletedPayload{NodeID: task.NodeID, Output: offloaded})
	if err != nil {
		return fmt.Errorf("encode NodeCompleted: %w", err)
	}
	if _, err := c.store.Events.Append(ctx, task.ExecutionID, model.EventNodeCompleted, string(payload)); err != nil {
		return fmt.Errorf("append NodeCompleted: %w", err)
	}

	exec, err := c.store.Executions.Get(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	nodeID, nodeType := task.NodeID, string(task.NodeType)
	c.notify(ctx, observer.Event{
		Type:        observer.EventTypeNodeCompleted,
		ExecutionID: task.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      string(model.TaskDone),
		NodeID:      &nodeID,
		NodeType:    &nodeType,
	})

	if task.NodeType == model.NodeTypeRouter {
		routedTo := routedToFrom(rawOutput)
		if routedTo == "" {
			return nexumerr.InvalidArgument("ROUTER output missing routed_to for node %q", task.NodeID)
		}
		if err := c.enqueueRouteTarget(ctx, task, routedTo); err != nil {
			return err
		}
	} else {
		if err := c.scheduler.ScheduleReadyNodes(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash); err != nil {
			return err
		}
	}

	return c.scheduler.CheckExecutionComplete(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash)
}

func routedToFrom(output any) string {
	m, ok := output.(map[string]any)
	if !ok {
		return ""
	}
	routedTo, _ := m["routed_to"].(string)
	return routedTo
}

// enqueueRouteTarget enqueues a READY task for the ROUTER's taken branch
// only, bypassing ScheduleReadyNodes' eligibility scan so the other route
// targets remain unscheduled (they fall into the skipped set instead,
// per §4.5).
func (c *Coordinator) enqueueRouteTarget(ctx context.Context, routerTask *model.Task, routedTo string) error {
	exec, err := c.store.Executions.Get(ctx, routerTask.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	ir := c.registry.Get(exec.WorkflowID, routerTask.VersionHash)
	if ir == nil {
		return nexumerr.NotFound("workflow %q version %q not registered", exec.WorkflowID, routerTask.VersionHash)
	}
	def, ok := ir.Nodes[routedTo]
	if !ok {
		return nexumerr.InvalidArgument("ROUTER routed to unknown node %q", routedTo)
	}

	scheduledAt := time.Now()
	if def.Type == model.NodeTypeTimer {
		scheduledAt = scheduledAt.Add(time.Duration(def.DelaySeconds) * time.Second)
	}

	task := &model.Task{
		TaskID:         uuid.New().String(),
		ExecutionID:    routerTask.ExecutionID,
		NodeID:         routedTo,
		VersionHash:    routerTask.VersionHash,
		NodeType:       def.Type,
		IdempotencyKey: model.IdempotencyKey(routerTask.ExecutionID, routedTo, routerTask.VersionHash),
		Status:         model.TaskReady,
		ScheduledAt:    scheduledAt,
	}
	return c.store.Tasks.Insert(ctx, task)
}

// FailTask implements §4.7's FailTask: retry with exponential backoff up
// to maxRetries, otherwise terminal failure of task and execution.
func (c *Coordinator) FailTask(ctx context.Context, taskID, errorMessage string) error {
	task, err := c.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if task.RetryCount < c.maxRetries {
		_, err := c.store.Tasks.CompareAndUpdate(ctx, taskID, func(t *model.Task) (bool, error) {
			t.Status = model.TaskReady
			t.LockedBy = ""
			t.LockedAt = nil
			t.ScheduledAt = time.Now().Add(backoffDuration(t.RetryCount, c.backoffCap))
			t.RetryCount++
			return true, nil
		})
		if err == nil && c.metrics != nil {
			c.metrics.IncTasksRetried()
		}
		return err
	}

	if _, err := c.store.Tasks.CompareAndUpdate(ctx, taskID, func(t *model.Task) (bool, error) {
		t.Status = model.TaskFailed
		return true, nil
	}); err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}

	payload, err := json.Marshal(model.NodeFailedPayload{NodeID: task.NodeID, Error: errorMessage, FinalRetry: task.RetryCount})
	if err != nil {
		return fmt.Errorf("encode NodeFailed: %w", err)
	}
	if _, err := c.store.Events.Append(ctx, task.ExecutionID, model.EventNodeFailed, string(payload)); err != nil {
		return fmt.Errorf("append NodeFailed: %w", err)
	}
	if _, err := c.store.Executions.UpdateStatus(ctx, task.ExecutionID, model.ExecutionFailed); err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	c.log.Info("task failed terminally", "execution_id", task.ExecutionID, "node_id", task.NodeID, "error", errorMessage)
	if c.metrics != nil {
		c.metrics.IncTasksFailed()
		c.metrics.IncExecutionsFailed()
	}

	nodeID := task.NodeID
	c.notify(ctx, observer.Event{
		Type:        observer.EventTypeNodeFailed,
		ExecutionID: task.ExecutionID,
		Status:      string(model.ExecutionFailed),
		NodeID:      &nodeID,
		Error:       fmt.Errorf("%s", errorMessage),
	})
	return nil
}

func backoffDuration(retryCount int, capDuration time.Duration) time.Duration {
	seconds := math.Pow(2, float64(retryCount))
	capSeconds := capDuration.Seconds()
	if seconds > capSeconds {
		seconds = capSeconds
	}
	return time.Duration(seconds) * time.Second
}

// ApproveTask implements the approve branch of §4.7's Approve/Reject.
func (c *Coordinator) ApproveTask(ctx context.Context, executionID, nodeID, approver, comment string) error {
	task, err := c.store.Tasks.FindRunningByNode(ctx, executionID, nodeID)
	if err != nil {
		return err
	}
	if task == nil || task.ApprovalStatus != model.ApprovalPending {
		return nexumerr.NotFound("no pending approval for execution %q node %q", executionID, nodeID)
	}

	output := map[string]any{"approved": true, "approver": approver, "comment": comment}
	payload, err := json.Marshal(model.NodeCompletedPayload{NodeID: nodeID, Output: output})
	if err != nil {
		return fmt.Errorf("encode approval NodeCompleted: %w", err)
	}

	if _, err := c.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.ApprovalStatus = model.ApprovalApproved
		t.Approver = approver
		t.ApprovalComment = comment
		t.Status = model.TaskDone
		return true, nil
	}); err != nil {
		return fmt.Errorf("mark approval task done: %w", err)
	}
	if _, err := c.store.Events.Append(ctx, executionID, model.EventNodeCompleted, string(payload)); err != nil {
		return fmt.Errorf("append approval NodeCompleted: %w", err)
	}

	exec, err := c.store.Executions.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if err := c.scheduler.ScheduleReadyNodes(ctx, executionID, exec.WorkflowID, exec.VersionHash); err != nil {
		return err
	}
	return c.scheduler.CheckExecutionComplete(ctx, executionID, exec.WorkflowID, exec.VersionHash)
}

// RejectTask implements the reject branch of §4.7's Approve/Reject.
func (c *Coordinator) RejectTask(ctx context.Context, executionID, nodeID, approver, reason string) error {
	task, err := c.store.Tasks.FindRunningByNode(ctx, executionID, nodeID)
	if err != nil {
		return err
	}
	if task == nil || task.ApprovalStatus != model.ApprovalPending {
		return nexumerr.NotFound("no pending approval for execution %q node %q", executionID, nodeID)
	}

	payload, err := json.Marshal(model.NodeFailedPayload{
		NodeID:     nodeID,
		Error:      fmt.Sprintf("Rejected by %s: %s", approver, reason),
		FinalRetry: task.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("encode rejection NodeFailed: %w", err)
	}

	if _, err := c.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.ApprovalStatus = model.ApprovalRejected
		t.Approver = approver
		t.ApprovalComment = reason
		t.Status = model.TaskFailed
		return true, nil
	}); err != nil {
		return fmt.Errorf("mark approval task failed: %w", err)
	}
	if _, err := c.store.Events.Append(ctx, executionID, model.EventNodeFailed, string(payload)); err != nil {
		return fmt.Errorf("append rejection NodeFailed: %w", err)
	}
	if _, err := c.store.Executions.UpdateStatus(ctx, executionID, model.ExecutionFailed); err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}

	rejectedNodeID := nodeID
	c.notify(ctx, observer.Event{
		Type:        observer.EventTypeNodeFailed,
		ExecutionID: executionID,
		Status:      string(model.ExecutionFailed),
		NodeID:      &rejectedNodeID,
	})
	return nil
}

// CancelExecution implements §4.7's CancelExecution.
func (c *Coordinator) CancelExecution(ctx context.Context, executionID string) error {
	if _, err := c.store.Tasks.CancelLive(ctx, executionID); err != nil {
		return fmt.Errorf("cancel live tasks: %w", err)
	}
	if _, err := c.store.Executions.UpdateStatus(ctx, executionID, model.ExecutionCancelled); err != nil {
		return fmt.Errorf("cancel execution: %w", err)
	}
	if _, err := c.store.Events.Append(ctx, executionID, model.EventExecutionCancelled, "{}"); err != nil {
		return fmt.Errorf("append ExecutionCancelled: %w", err)
	}
	c.notify(ctx, observer.Event{
		Type:        observer.EventTypeExecutionCancelled,
		ExecutionID: executionID,
		Status:      string(model.ExecutionCancelled),
	})
	return nil
}

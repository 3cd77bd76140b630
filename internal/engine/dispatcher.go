package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// PolledTask is what PollTask hands back to a worker: task/node identity,
// the hydrated input and the kind-specific channels.
type PolledTask struct {
	HasTask        bool
	TaskID         string
	ExecutionID    string
	NodeID         string
	NodeType       model.NodeType
	InputJSON      string
	IdempotencyKey string
	MapItemJSON    string
	IsMapSubtask   bool
	MapIndex       int
	MapTotal       int
	SubExecutionID string
	SubWorkflowID  string
	SubInputJSON   string
}

// Dispatcher implements C6: atomic lease acquisition and server-side
// auto-handling of TIMER and HUMAN_APPROVAL nodes.
type Dispatcher struct {
	registry        *Registry
	store           *repository.Store
	blobs           ClaimCheck
	scheduler       *Scheduler
	claimCheckLimit int
	log             *logger.Logger
}

// ClaimCheck is the subset of repository.BlobStore the dispatcher needs,
// named separately so offload.go's helpers can take either the real
// store or a test double.
type ClaimCheck = repository.BlobStore

func NewDispatcher(registry *Registry, store *repository.Store, blobs ClaimCheck, scheduler *Scheduler, claimCheckLimit int, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:        registry,
		store:           store,
		blobs:           blobs,
		scheduler:       scheduler,
		claimCheckLimit: claimCheckLimit,
		log:             log,
	}
}

// PollTask implements §4.6. It atomically leases one READY task and, for
// TIMER/HUMAN_APPROVAL node types, resolves or parks it server-side
// before the worker ever sees it.
func (d *Dispatcher) PollTask(ctx context.Context, workerID, versionHash string) (*PolledTask, error) {
	task, err := d.store.Tasks.AcquireLease(ctx, versionHash, workerID)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if task == nil {
		return &PolledTask{HasTask: false}, nil
	}

	switch task.NodeType {
	case model.NodeTypeTimer:
		return &PolledTask{HasTask: false}, d.completeTimer(ctx, task)
	case model.NodeTypeReduce:
		handled, err := d.tryCompleteReduce(ctx, task)
		if err != nil {
			return nil, err
		}
		if handled {
			return &PolledTask{HasTask: false}, nil
		}
		return d.hydrate(ctx, task)
	case model.NodeTypeHumanApproval:
		if _, err := d.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
			t.ApprovalStatus = model.ApprovalPending
			return true, nil
		}); err != nil {
			return nil, fmt.Errorf("mark approval pending: %w", err)
		}
		return d.hydrate(ctx, task)
	default:
		return d.hydrate(ctx, task)
	}
}

func (d *Dispatcher) completeTimer(ctx context.Context, task *model.Task) error {
	exec, err := d.store.Executions.Get(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	delaySeconds := 0
	if ir := d.registry.Get(exec.WorkflowID, task.VersionHash); ir != nil {
		if def, ok := ir.Nodes[task.NodeID]; ok {
			delaySeconds = def.DelaySeconds
		}
	}

	output := map[string]any{
		"waited_until":  time.Now().UTC().Format(time.RFC3339),
		"delay_seconds": delaySeconds,
	}
	payload, err := json.Marshal(model.NodeCompletedPayload{NodeID: task.NodeID, Output: output})
	if err != nil {
		return fmt.Errorf("encode timer completion: %w", err)
	}

	if _, err := d.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.Status = model.TaskDone
		return true, nil
	}); err != nil {
		return fmt.Errorf("mark timer task done: %w", err)
	}
	if _, err := d.store.Events.Append(ctx, task.ExecutionID, model.EventNodeCompleted, string(payload)); err != nil {
		return fmt.Errorf("append timer NodeCompleted: %w", err)
	}

	if err := d.scheduler.ScheduleReadyNodes(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash); err != nil {
		return err
	}
	return d.scheduler.CheckExecutionComplete(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash)
}

// tryCompleteReduce implements §11.1: when a REDUCE node-def carries a
// non-empty reduce_expr, it is compiled and run against
// {input: {<dependency node id>: <its output>, ...}} via expr-lang/expr and the result
// becomes the node's output, exactly as completeTimer synthesizes TIMER
// completions. Returns handled=false when reduce_expr is empty, leaving
// the node to go through the normal worker lease path.
func (d *Dispatcher) tryCompleteReduce(ctx context.Context, task *model.Task) (bool, error) {
	exec, err := d.store.Executions.Get(ctx, task.ExecutionID)
	if err != nil {
		return false, fmt.Errorf("load execution: %w", err)
	}

	ir := d.registry.Get(exec.WorkflowID, task.VersionHash)
	if ir == nil {
		return false, nexumerr.NotFound("workflow %q version %q not registered", exec.WorkflowID, task.VersionHash)
	}
	def, ok := ir.Nodes[task.NodeID]
	if !ok {
		return false, nexumerr.NotFound("node %q not present in IR", task.NodeID)
	}
	if def.ReduceExpr == "" {
		return false, nil
	}

	deps, err := d.resolveDependencyOutputs(ctx, task.ExecutionID, def.Dependencies)
	if err != nil {
		return false, err
	}

	env := map[string]any{"input": deps}
	program, err := expr.Compile(def.ReduceExpr, expr.Env(env))
	if err != nil {
		return false, nexumerr.InvalidArgument("reduce_expr for node %q does not compile: %v", task.NodeID, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("reduce_expr for node %q failed: %w", task.NodeID, err)
	}

	payload, err := json.Marshal(model.NodeCompletedPayload{NodeID: task.NodeID, Output: output})
	if err != nil {
		return false, fmt.Errorf("encode reduce completion: %w", err)
	}

	if _, err := d.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
		t.Status = model.TaskDone
		return true, nil
	}); err != nil {
		return false, fmt.Errorf("mark reduce task done: %w", err)
	}
	if _, err := d.store.Events.Append(ctx, task.ExecutionID, model.EventNodeCompleted, string(payload)); err != nil {
		return false, fmt.Errorf("append reduce NodeCompleted: %w", err)
	}

	if err := d.scheduler.ScheduleReadyNodes(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash); err != nil {
		return true, err
	}
	return true, d.scheduler.CheckExecutionComplete(ctx, task.ExecutionID, exec.WorkflowID, exec.VersionHash)
}

// resolveDependencyOutputs loads each dependency's NodeCompleted payload
// and resolves any claim-check pointer, keyed by node ID.
func (d *Dispatcher) resolveDependencyOutputs(ctx context.Context, executionID string, dependencies []string) (map[string]any, error) {
	deps := make(map[string]any, len(dependencies))
	for _, depID := range dependencies {
		ev, err := d.store.Events.FindNodeCompleted(ctx, executionID, depID)
		if err != nil {
			return nil, fmt.Errorf("find dependency %q: %w", depID, err)
		}
		if ev == nil {
			continue
		}
		var payload model.NodeCompletedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			continue
		}
		resolved, err := ResolveClaimCheck(ctx, d.blobs, payload.Output)
		if err != nil {
			return nil, fmt.Errorf("resolve claim check for dependency %q: %w", depID, err)
		}
		deps[depID] = resolved
	}
	return deps, nil
}

func (d *Dispatcher) hydrate(ctx context.Context, task *model.Task) (*PolledTask, error) {
	exec, err := d.store.Executions.Get(ctx, task.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	ir := d.registry.Get(exec.WorkflowID, task.VersionHash)
	if ir == nil {
		return nil, nexumerr.NotFound("workflow %q version %q not registered", exec.WorkflowID, task.VersionHash)
	}

	lookupNodeID := task.NodeID
	if task.NodeType == model.NodeTypeMapSubtask {
		lookupNodeID = task.MapParentNodeID
	}
	def, ok := ir.Nodes[lookupNodeID]
	if !ok {
		return nil, nexumerr.NotFound("node %q not present in IR", lookupNodeID)
	}

	var input any
	if err := json.Unmarshal([]byte(exec.InputJSON), &input); err != nil {
		return nil, nexumerr.InvalidArgument("execution input is not valid JSON: %v", err)
	}

	deps, err := d.resolveDependencyOutputs(ctx, task.ExecutionID, def.Dependencies)
	if err != nil {
		return nil, err
	}

	inputJSON, err := json.Marshal(map[string]any{"input": input, "deps": deps})
	if err != nil {
		return nil, fmt.Errorf("encode hydrated input: %w", err)
	}

	result := &PolledTask{
		HasTask:        true,
		TaskID:         task.TaskID,
		ExecutionID:    task.ExecutionID,
		NodeID:         task.NodeID,
		NodeType:       task.NodeType,
		InputJSON:      string(inputJSON),
		IdempotencyKey: task.IdempotencyKey,
		MapItemJSON:    task.MapItemJSON,
		IsMapSubtask:   task.NodeType == model.NodeTypeMapSubtask,
		MapIndex:       task.MapIndex,
		MapTotal:       task.MapTotal,
		SubExecutionID: task.SubExecutionID,
		SubWorkflowID:  task.SubWorkflowID,
		SubInputJSON:   task.SubInputJSON,
	}
	if task.NodeType == model.NodeTypeMapSubtask {
		result.NodeID = task.MapParentNodeID
	}
	return result, nil
}

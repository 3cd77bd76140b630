package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kuro6061/nexum/internal/application/observer"
	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
	"github.com/kuro6061/nexum/internal/metrics"
)

// Scheduler implements C5: turning completed/skipped node state into
// newly eligible task rows, and detecting execution completion
// (including the iterative walk up a sub-workflow parent chain).
type Scheduler struct {
	registry *Registry
	store    *repository.Store
	log      *logger.Logger
	obs      *observer.ObserverManager
	metrics  *metrics.Metrics
}

func NewScheduler(registry *Registry, store *repository.Store, log *logger.Logger) *Scheduler {
	return &Scheduler{registry: registry, store: store, log: log}
}

// SetObserver wires an optional observer manager; events are pushed to it
// (e.g. for the websocket stream) without affecting persisted state.
func (s *Scheduler) SetObserver(obs *observer.ObserverManager) {
	s.obs = obs
}

// SetMetrics wires an optional counters instance. A nil instance (the
// default) makes every increment a no-op.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

type routerOutput struct {
	RoutedTo string `json:"routed_to"`
}

// nodeSets computes the completed, scheduled and skipped node id sets
// for an execution, per §4.5.
func (s *Scheduler) nodeSets(ctx context.Context, executionID string, ir *model.IR) (completed, scheduled, skipped map[string]bool, err error) {
	events, err := s.store.Events.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list events: %w", err)
	}

	completed = make(map[string]bool)
	skipped = make(map[string]bool)
	for _, ev := range events {
		if ev.EventType != model.EventNodeCompleted {
			continue
		}
		var payload model.NodeCompletedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			continue
		}
		completed[payload.NodeID] = true

		def, ok := ir.Nodes[payload.NodeID]
		if !ok || def.Type != model.NodeTypeRouter {
			continue
		}
		var out routerOutput
		outBytes, err := json.Marshal(payload.Output)
		if err != nil {
			continue
		}
		_ = json.Unmarshal(outBytes, &out)
		for _, route := range def.Routes {
			if route.Target != out.RoutedTo {
				skipped[route.Target] = true
			}
		}
	}

	nodeIDs, err := s.store.Tasks.ListLiveNodeIDs(ctx, executionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list scheduled node ids: %w", err)
	}
	scheduled = make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		scheduled[id] = true
	}

	return completed, scheduled, skipped, nil
}

// ScheduleReadyNodes inserts a READY task for every node whose
// dependencies are all satisfied and that has not already been scheduled
// or completed. Idempotent: calling it with nothing newly eligible is a
// no-op.
func (s *Scheduler) ScheduleReadyNodes(ctx context.Context, executionID, workflowID, versionHash string) error {
	ir := s.registry.Get(workflowID, versionHash)
	if ir == nil {
		return nexumerr.NotFound("workflow %q version %q not registered", workflowID, versionHash)
	}

	completed, scheduled, skipped, err := s.nodeSets(ctx, executionID, ir)
	if err != nil {
		return err
	}
	satisfied := unionSets(completed, skipped)

	for nodeID, def := range ir.Nodes {
		if completed[nodeID] || scheduled[nodeID] || skipped[nodeID] {
			continue
		}
		if !allSatisfied(def.Dependencies, satisfied) {
			continue
		}

		scheduledAt := time.Now()
		if def.Type == model.NodeTypeTimer {
			scheduledAt = scheduledAt.Add(time.Duration(def.DelaySeconds) * time.Second)
		}

		task := &model.Task{
			TaskID:         uuid.New().String(),
			ExecutionID:    executionID,
			NodeID:         nodeID,
			VersionHash:    versionHash,
			NodeType:       def.Type,
			IdempotencyKey: model.IdempotencyKey(executionID, nodeID, versionHash),
			Status:         model.TaskReady,
			ScheduledAt:    scheduledAt,
		}
		if err := s.store.Tasks.Insert(ctx, task); err != nil {
			return fmt.Errorf("insert task for node %q: %w", nodeID, err)
		}
		s.log.Info("node scheduled", "execution_id", executionID, "node_id", nodeID, "node_type", string(def.Type))
	}

	return nil
}

// CheckExecutionComplete transitions an execution to COMPLETED once every
// node is covered by completed ∪ skipped, then propagates up a
// sub-workflow parent chain iteratively (no recursion, unbounded depth).
func (s *Scheduler) CheckExecutionComplete(ctx context.Context, executionID, workflowID, versionHash string) error {
	currentExecID := executionID
	currentWorkflowID := workflowID
	currentVersionHash := versionHash

	for {
		ir := s.registry.Get(currentWorkflowID, currentVersionHash)
		if ir == nil {
			return nexumerr.NotFound("workflow %q version %q not registered", currentWorkflowID, currentVersionHash)
		}

		completed, _, skipped, err := s.nodeSets(ctx, currentExecID, ir)
		if err != nil {
			return err
		}
		covered := unionSets(completed, skipped)
		if !coversAll(ir.Nodes, covered) {
			return nil
		}

		ok, err := s.store.Executions.UpdateStatus(ctx, currentExecID, model.ExecutionCompleted)
		if err != nil {
			return fmt.Errorf("complete execution %q: %w", currentExecID, err)
		}
		if !ok {
			// Already terminal (e.g. raced with a cancellation); nothing
			// further to propagate.
			return nil
		}
		s.log.Info("execution completed", "execution_id", currentExecID, "workflow_id", currentWorkflowID)
		if s.metrics != nil {
			s.metrics.IncExecutionsCompleted()
		}
		if s.obs != nil {
			s.obs.Notify(ctx, observer.Event{
				Type:        observer.EventTypeExecutionCompleted,
				ExecutionID: currentExecID,
				WorkflowID:  currentWorkflowID,
				Timestamp:   time.Now(),
				Status:      string(model.ExecutionCompleted),
			})
		}

		exec, err := s.store.Executions.Get(ctx, currentExecID)
		if err != nil {
			return fmt.Errorf("reload execution %q: %w", currentExecID, err)
		}
		if !exec.HasParent() {
			return nil
		}

		lastEvent, err := s.store.Events.LatestNodeCompleted(ctx, currentExecID)
		if err != nil {
			return fmt.Errorf("load final output of %q: %w", currentExecID, err)
		}
		var finalOutput any
		if lastEvent != nil {
			var payload model.NodeCompletedPayload
			if err := json.Unmarshal([]byte(lastEvent.Payload), &payload); err == nil {
				finalOutput = payload.Output
			}
		}

		parentExecID := exec.ParentExecutionID
		parentNodeID := exec.ParentNodeID

		parentPayload, err := json.Marshal(model.NodeCompletedPayload{NodeID: parentNodeID, Output: finalOutput})
		if err != nil {
			return fmt.Errorf("encode parent completion payload: %w", err)
		}
		if _, err := s.store.Events.Append(ctx, parentExecID, model.EventNodeCompleted, string(parentPayload)); err != nil {
			return fmt.Errorf("append parent NodeCompleted: %w", err)
		}

		parentTask, err := s.store.Tasks.FindRunningByNode(ctx, parentExecID, parentNodeID)
		if err != nil {
			return fmt.Errorf("find parent subworkflow task: %w", err)
		}
		if parentTask != nil {
			if _, err := s.store.Tasks.CompareAndUpdate(ctx, parentTask.TaskID, func(t *model.Task) (bool, error) {
				t.Status = model.TaskDone
				return true, nil
			}); err != nil {
				return fmt.Errorf("mark parent subworkflow task done: %w", err)
			}
		}

		parentExec, err := s.store.Executions.Get(ctx, parentExecID)
		if err != nil {
			return fmt.Errorf("load parent execution %q: %w", parentExecID, err)
		}

		if err := s.ScheduleReadyNodes(ctx, parentExecID, parentExec.WorkflowID, parentExec.VersionHash); err != nil {
			return fmt.Errorf("schedule parent ready nodes: %w", err)
		}

		currentExecID = parentExecID
		currentWorkflowID = parentExec.WorkflowID
		currentVersionHash = parentExec.VersionHash
	}
}

func unionSets(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func allSatisfied(deps []string, satisfied map[string]bool) bool {
	for _, d := range deps {
		if !satisfied[d] {
			return false
		}
	}
	return true
}

func coversAll(nodes map[string]model.NodeDef, covered map[string]bool) bool {
	for id := range nodes {
		if !covered[id] {
			return false
		}
	}
	return true
}

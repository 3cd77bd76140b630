package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Registry, *fakeWorkflowVersionRepository) {
	t.Helper()
	store := newFakeStore()
	wf := store.Workflows.(*fakeWorkflowVersionRepository)
	registry := NewRegistry(wf)
	log := logger.Default()
	return NewScheduler(registry, store, log), registry, wf
}

func registerIR(t *testing.T, registry *Registry, workflowID, versionHash, irJSON string) {
	t.Helper()
	if _, err := registry.Register(context.Background(), workflowID, versionHash, irJSON); err != nil {
		t.Fatalf("register %s/%s: %v", workflowID, versionHash, err)
	}
}

const linearIR = `{"nodes":{
	"a":{"type":"COMPUTE","dependencies":[]},
	"b":{"type":"COMPUTE","dependencies":["a"]}
}}`

func TestScheduleReadyNodes_RootNodeBecomesReady(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	registerIR(t, registry, "wf1", "v1", linearIR)

	ctx := context.Background()
	if err := sched.ScheduleReadyNodes(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}

	ids, err := sched.store.Tasks.ListLiveNodeIDs(ctx, "exec1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("expected only node 'a' scheduled, got %v", ids)
	}
}

func TestScheduleReadyNodes_DependentWaitsForCompletion(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	registerIR(t, registry, "wf1", "v1", linearIR)
	ctx := context.Background()

	if err := sched.ScheduleReadyNodes(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}
	ids, _ := sched.store.Tasks.ListLiveNodeIDs(ctx, "exec1")
	if len(ids) != 1 {
		t.Fatalf("expected node b to stay unscheduled, got %v", ids)
	}

	payload, _ := json.Marshal(model.NodeCompletedPayload{NodeID: "a", Output: map[string]any{"x": 1.0}})
	if _, err := sched.store.Events.Append(ctx, "exec1", model.EventNodeCompleted, string(payload)); err != nil {
		t.Fatal(err)
	}

	if err := sched.ScheduleReadyNodes(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}
	ids, _ = sched.store.Tasks.ListLiveNodeIDs(ctx, "exec1")
	if len(ids) != 2 {
		t.Errorf("expected both nodes scheduled after 'a' completes, got %v", ids)
	}
}

func TestScheduleReadyNodes_IdempotentNoNewTasks(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	registerIR(t, registry, "wf1", "v1", linearIR)
	ctx := context.Background()

	if err := sched.ScheduleReadyNodes(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := sched.ScheduleReadyNodes(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}

	ids, _ := sched.store.Tasks.ListLiveNodeIDs(ctx, "exec1")
	if len(ids) != 1 {
		t.Errorf("expected no duplicate task rows, got %v", ids)
	}
}

func TestScheduleReadyNodes_TimerGetsDelayedScheduledAt(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	const timerIR = `{"nodes":{"t":{"type":"TIMER","dependencies":[],"delay_seconds":300}}}`
	registerIR(t, registry, "wf1", "v1", timerIR)
	ctx := context.Background()

	before := time.Now()
	if err := sched.ScheduleReadyNodes(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}

	fake := sched.store.Tasks.(*fakeTaskRepository)
	var found *model.Task
	for _, row := range fake.rows {
		if row.NodeID == "t" {
			found = row
		}
	}
	if found == nil {
		t.Fatal("expected timer task to be scheduled")
	}
	if !found.ScheduledAt.After(before.Add(290 * time.Second)) {
		t.Errorf("expected scheduled_at roughly 300s out, got %v (now %v)", found.ScheduledAt, before)
	}
}

func TestScheduleReadyNodes_RouterSkipsNonTakenBranchAndUnblocksSiblings(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	const routerIR = `{"nodes":{
		"r":{"type":"ROUTER","dependencies":[],"routes":[{"condition":"true","target":"yes"},{"condition":"false","target":"no"}]},
		"yes":{"type":"COMPUTE","dependencies":["r"]},
		"no":{"type":"COMPUTE","dependencies":["r"]},
		"join":{"type":"COMPUTE","dependencies":["yes","no"]}
	}}`
	registerIR(t, registry, "wf1", "v1", routerIR)
	ctx := context.Background()

	payload, _ := json.Marshal(model.NodeCompletedPayload{NodeID: "r", Output: map[string]any{"routed_to": "yes"}})
	if _, err := sched.store.Events.Append(ctx, "exec1", model.EventNodeCompleted, string(payload)); err != nil {
		t.Fatal(err)
	}

	// A real router only enqueues the taken branch (via the coordinator);
	// exercise that "no" lands in skipped and "join" becomes eligible once
	// "yes" also completes, without "no" ever being scheduled.
	payloadYes, _ := json.Marshal(model.NodeCompletedPayload{NodeID: "yes", Output: map[string]any{}})
	if _, err := sched.store.Events.Append(ctx, "exec1", model.EventNodeCompleted, string(payloadYes)); err != nil {
		t.Fatal(err)
	}

	if err := sched.ScheduleReadyNodes(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}

	ids, _ := sched.store.Tasks.ListLiveNodeIDs(ctx, "exec1")
	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}
	if idSet["no"] {
		t.Error("expected 'no' branch to never be scheduled")
	}
	if !idSet["join"] {
		t.Error("expected 'join' to become eligible once 'yes' completed and 'no' was skipped")
	}
}

func TestCheckExecutionComplete_CompletesWhenAllNodesCovered(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	registerIR(t, registry, "wf1", "v1", linearIR)
	ctx := context.Background()

	execRepo := sched.store.Executions.(*fakeExecutionRepository)
	if err := execRepo.Create(ctx, &model.Execution{ExecutionID: "exec1", WorkflowID: "wf1", VersionHash: "v1", InputJSON: "{}"}); err != nil {
		t.Fatal(err)
	}

	for _, nodeID := range []string{"a", "b"} {
		payload, _ := json.Marshal(model.NodeCompletedPayload{NodeID: nodeID, Output: map[string]any{}})
		if _, err := sched.store.Events.Append(ctx, "exec1", model.EventNodeCompleted, string(payload)); err != nil {
			t.Fatal(err)
		}
	}

	if err := sched.CheckExecutionComplete(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}

	exec, err := sched.store.Executions.Get(ctx, "exec1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecutionCompleted {
		t.Errorf("expected execution completed, got %s", exec.Status)
	}
}

func TestCheckExecutionComplete_NoopWhenNodesStillPending(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	registerIR(t, registry, "wf1", "v1", linearIR)
	ctx := context.Background()

	execRepo := sched.store.Executions.(*fakeExecutionRepository)
	if err := execRepo.Create(ctx, &model.Execution{ExecutionID: "exec1", WorkflowID: "wf1", VersionHash: "v1", InputJSON: "{}"}); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(model.NodeCompletedPayload{NodeID: "a", Output: map[string]any{}})
	if _, err := sched.store.Events.Append(ctx, "exec1", model.EventNodeCompleted, string(payload)); err != nil {
		t.Fatal(err)
	}

	if err := sched.CheckExecutionComplete(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}

	exec, err := sched.store.Executions.Get(ctx, "exec1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecutionRunning {
		t.Errorf("expected execution still running, got %s", exec.Status)
	}
}

func TestCheckExecutionComplete_NoopOnAlreadyTerminalExecution(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	registerIR(t, registry, "wf1", "v1", linearIR)
	ctx := context.Background()

	execRepo := sched.store.Executions.(*fakeExecutionRepository)
	if err := execRepo.Create(ctx, &model.Execution{ExecutionID: "exec1", WorkflowID: "wf1", VersionHash: "v1", InputJSON: "{}"}); err != nil {
		t.Fatal(err)
	}
	if _, err := execRepo.UpdateStatus(ctx, "exec1", model.ExecutionCancelled); err != nil {
		t.Fatal(err)
	}

	for _, nodeID := range []string{"a", "b"} {
		payload, _ := json.Marshal(model.NodeCompletedPayload{NodeID: nodeID, Output: map[string]any{}})
		if _, err := sched.store.Events.Append(ctx, "exec1", model.EventNodeCompleted, string(payload)); err != nil {
			t.Fatal(err)
		}
	}

	if err := sched.CheckExecutionComplete(ctx, "exec1", "wf1", "v1"); err != nil {
		t.Fatal(err)
	}
	exec, err := sched.store.Executions.Get(ctx, "exec1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecutionCancelled {
		t.Errorf("expected execution to remain cancelled, got %s", exec.Status)
	}
}

func TestCheckExecutionComplete_PropagatesThroughMultiLevelParentChain(t *testing.T) {
	sched, registry, _ := newTestScheduler(t)
	const singleNodeIR = `{"nodes":{"only":{"type":"COMPUTE","dependencies":[]}}}`
	registerIR(t, registry, "grandchild-wf", "v1", singleNodeIR)
	registerIR(t, registry, "child-wf", "v1", singleNodeIR)
	registerIR(t, registry, "root-wf", "v1", singleNodeIR)

	ctx := context.Background()
	execRepo := sched.store.Executions.(*fakeExecutionRepository)
	taskRepo := sched.store.Tasks.(*fakeTaskRepository)

	if err := execRepo.Create(ctx, &model.Execution{ExecutionID: "root", WorkflowID: "root-wf", VersionHash: "v1", InputJSON: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := execRepo.Create(ctx, &model.Execution{ExecutionID: "child", WorkflowID: "child-wf", VersionHash: "v1", InputJSON: "{}", ParentExecutionID: "root", ParentNodeID: "only"}); err != nil {
		t.Fatal(err)
	}
	if err := execRepo.Create(ctx, &model.Execution{ExecutionID: "grandchild", WorkflowID: "grandchild-wf", VersionHash: "v1", InputJSON: "{}", ParentExecutionID: "child", ParentNodeID: "only"}); err != nil {
		t.Fatal(err)
	}

	// The root's sub-workflow task is RUNNING awaiting "child"; "child"'s
	// is RUNNING awaiting "grandchild".
	if err := taskRepo.Insert(ctx, &model.Task{TaskID: "root-task", ExecutionID: "root", NodeID: "only", VersionHash: "v1", NodeType: model.NodeTypeSubworkflow, Status: model.TaskRunning, SubExecutionID: "child"}); err != nil {
		t.Fatal(err)
	}
	if err := taskRepo.Insert(ctx, &model.Task{TaskID: "child-task", ExecutionID: "child", NodeID: "only", VersionHash: "v1", NodeType: model.NodeTypeSubworkflow, Status: model.TaskRunning, SubExecutionID: "grandchild"}); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(model.NodeCompletedPayload{NodeID: "only", Output: map[string]any{"done": true}})
	if _, err := sched.store.Events.Append(ctx, "grandchild", model.EventNodeCompleted, string(payload)); err != nil {
		t.Fatal(err)
	}

	if err := sched.CheckExecutionComplete(ctx, "grandchild", "grandchild-wf", "v1"); err != nil {
		t.Fatal(err)
	}

	grandchild, _ := sched.store.Executions.Get(ctx, "grandchild")
	child, _ := sched.store.Executions.Get(ctx, "child")
	root, _ := sched.store.Executions.Get(ctx, "root")

	if grandchild.Status != model.ExecutionCompleted {
		t.Errorf("expected grandchild completed, got %s", grandchild.Status)
	}
	if child.Status != model.ExecutionCompleted {
		t.Errorf("expected child completed via propagation, got %s", child.Status)
	}
	if root.Status != model.ExecutionCompleted {
		t.Errorf("expected root completed via propagation, got %s", root.Status)
	}

	childTask, err := taskRepo.Get(ctx, "child-task")
	if err != nil {
		t.Fatal(err)
	}
	if childTask.Status != model.TaskDone {
		t.Errorf("expected child's subworkflow task marked done, got %s", childTask.Status)
	}
	rootTask, err := taskRepo.Get(ctx, "root-task")
	if err != nil {
		t.Fatal(err)
	}
	if rootTask.Status != model.TaskDone {
		t.Errorf("expected root's subworkflow task marked done, got %s", rootTask.Status)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
)

// In-memory stand-ins for the repository interfaces, used across this
// package's tests so the engine's scheduling/dispatch/completion logic
// can be exercised without a database.

type fakeBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{data: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(ctx context.Context, blobID string, payload []byte) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[blobID] = payload
	return len(payload), "/tmp/" + blobID + ".json", nil
}

func (f *fakeBlobStore) Get(ctx context.Context, blobID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[blobID]
	if !ok {
		return nil, nexumerr.NotFound("blob %q not found", blobID)
	}
	return v, nil
}

var _ repository.BlobStore = (*fakeBlobStore)(nil)

type fakeExecutionRepository struct {
	mu   sync.Mutex
	rows map[string]*model.Execution
}

func newFakeExecutionRepository() *fakeExecutionRepository {
	return &fakeExecutionRepository{rows: make(map[string]*model.Execution)}
}

func (f *fakeExecutionRepository) Create(ctx context.Context, e *model.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ExecutionID == "" {
		e.ExecutionID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = model.ExecutionRunning
	}
	row := *e
	f.rows[row.ExecutionID] = &row
	return nil
}

func (f *fakeExecutionRepository) Get(ctx context.Context, executionID string) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[executionID]
	if !ok {
		return nil, nexumerr.NotFound("execution %q not found", executionID)
	}
	clone := *row
	return &clone, nil
}

func (f *fakeExecutionRepository) UpdateStatus(ctx context.Context, executionID string, status model.ExecutionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[executionID]
	if !ok {
		return false, nexumerr.NotFound("execution %q not found", executionID)
	}
	if row.Status.IsTerminal() {
		return false, nil
	}
	row.Status = status
	return true, nil
}

func (f *fakeExecutionRepository) List(ctx context.Context, workflowID, status string, limit int) ([]*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Execution
	for _, row := range f.rows {
		if workflowID != "" && row.WorkflowID != workflowID {
			continue
		}
		if status != "" && string(row.Status) != status {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeExecutionRepository) CountActiveForWorkflow(ctx context.Context, workflowID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.WorkflowID == workflowID && !row.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

var _ repository.ExecutionRepository = (*fakeExecutionRepository)(nil)

type fakeEventRepository struct {
	mu     sync.Mutex
	events map[string][]*model.Event
}

func newFakeEventRepository() *fakeEventRepository {
	return &fakeEventRepository{events: make(map[string][]*model.Event)}
}

func (f *fakeEventRepository) Append(ctx context.Context, executionID string, eventType model.EventType, payloadJSON string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.events[executionID]) + 1)
	ev := &model.Event{
		EventID:     uuid.New().String(),
		ExecutionID: executionID,
		SequenceID:  seq,
		EventType:   eventType,
		Payload:     payloadJSON,
		CreatedAt:   time.Now(),
	}
	f.events[executionID] = append(f.events[executionID], ev)
	return ev, nil
}

func (f *fakeEventRepository) ListByExecution(ctx context.Context, executionID string) ([]*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Event, len(f.events[executionID]))
	copy(out, f.events[executionID])
	return out, nil
}

func (f *fakeEventRepository) LatestNodeCompleted(ctx context.Context, executionID string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.Event
	for _, ev := range f.events[executionID] {
		if ev.EventType == model.EventNodeCompleted {
			latest = ev
		}
	}
	return latest, nil
}

func (f *fakeEventRepository) FindNodeCompleted(ctx context.Context, executionID, nodeID string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events[executionID] {
		if ev.EventType != model.EventNodeCompleted {
			continue
		}
		var payload model.NodeCompletedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err == nil && payload.NodeID == nodeID {
			return ev, nil
		}
	}
	return nil, nil
}

var _ repository.EventRepository = (*fakeEventRepository)(nil)

type fakeTaskRepository struct {
	mu   sync.Mutex
	rows map[string]*model.Task
}

func newFakeTaskRepository() *fakeTaskRepository {
	return &fakeTaskRepository{rows: make(map[string]*model.Task)}
}

func (f *fakeTaskRepository) Insert(ctx context.Context, t *model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.IdempotencyKey == t.IdempotencyKey && row.IsLive() {
			return nil
		}
	}
	if t.TaskID == "" {
		t.TaskID = uuid.New().String()
	}
	row := *t
	f.rows[row.TaskID] = &row
	return nil
}

func (f *fakeTaskRepository) Get(ctx context.Context, taskID string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[taskID]
	if !ok {
		return nil, nexumerr.NotFound("task %q not found", taskID)
	}
	clone := *row
	return &clone, nil
}

func (f *fakeTaskRepository) ListLiveNodeIDs(ctx context.Context, executionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, row := range f.rows {
		if row.ExecutionID != executionID {
			continue
		}
		if seen[row.NodeID] {
			continue
		}
		seen[row.NodeID] = true
		out = append(out, row.NodeID)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeTaskRepository) AcquireLease(ctx context.Context, versionHash, workerID string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidate *model.Task
	for _, row := range f.rows {
		if row.VersionHash != versionHash || row.Status != model.TaskReady {
			continue
		}
		if row.ScheduledAt.After(time.Now()) {
			continue
		}
		if candidate == nil || row.ScheduledAt.Before(candidate.ScheduledAt) {
			candidate = row
		}
	}
	if candidate == nil {
		return nil, nil
	}
	candidate.Status = model.TaskRunning
	candidate.LockedBy = workerID
	now := time.Now()
	candidate.LockedAt = &now
	if candidate.NodeType == model.NodeTypeHumanApproval {
		candidate.ApprovalStatus = model.ApprovalPending
	}
	clone := *candidate
	return &clone, nil
}

func (f *fakeTaskRepository) CompareAndUpdate(ctx context.Context, taskID string, fn func(*model.Task) (bool, error)) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[taskID]
	if !ok {
		return nil, nexumerr.NotFound("task %q not found", taskID)
	}
	working := *row
	applied, err := fn(&working)
	if err != nil {
		return nil, err
	}
	if applied {
		f.rows[taskID] = &working
		clone := working
		return &clone, nil
	}
	clone := *row
	return &clone, nil
}

func (f *fakeTaskRepository) FindRunningByNode(ctx context.Context, executionID, nodeID string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ExecutionID == executionID && row.NodeID == nodeID && row.Status == model.TaskRunning {
			clone := *row
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeTaskRepository) CancelLive(ctx context.Context, executionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.ExecutionID == executionID && row.IsLive() {
			row.Status = model.TaskCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeTaskRepository) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Task
	for _, row := range f.rows {
		if row.Status != model.TaskRunning {
			continue
		}
		if row.ApprovalStatus == model.ApprovalPending {
			continue
		}
		if row.SubExecutionID != "" {
			continue
		}
		if row.LockedAt == nil || !row.LockedAt.Before(olderThan) {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeTaskRepository) ListPendingApprovals(ctx context.Context) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Task
	for _, row := range f.rows {
		if row.ApprovalStatus == model.ApprovalPending {
			clone := *row
			out = append(out, &clone)
		}
	}
	return out, nil
}

var _ repository.TaskRepository = (*fakeTaskRepository)(nil)

type fakeMapResultRepository struct {
	mu   sync.Mutex
	rows map[string]*model.MapResult // key: execID|mapNodeID|index
}

func newFakeMapResultRepository() *fakeMapResultRepository {
	return &fakeMapResultRepository{rows: make(map[string]*model.MapResult)}
}

func mapResultKey(executionID, mapNodeID string, index int) string {
	return executionID + "|" + mapNodeID + "|" + strconv.Itoa(index)
}

func (f *fakeMapResultRepository) Upsert(ctx context.Context, r *model.MapResult) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := mapResultKey(r.ExecutionID, r.MapNodeID, r.ItemIndex)
	row := *r
	f.rows[key] = &row

	count := 0
	for _, existing := range f.rows {
		if existing.ExecutionID == r.ExecutionID && existing.MapNodeID == r.MapNodeID {
			count++
		}
	}
	return count, nil
}

func (f *fakeMapResultRepository) GatherOrdered(ctx context.Context, executionID, mapNodeID string) ([]*model.MapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.MapResult
	for _, row := range f.rows {
		if row.ExecutionID == executionID && row.MapNodeID == mapNodeID {
			clone := *row
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemIndex < out[j].ItemIndex })
	return out, nil
}

func (f *fakeMapResultRepository) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return 0, nil
}

var _ repository.MapResultRepository = (*fakeMapResultRepository)(nil)

func newFakeStore() *repository.Store {
	return &repository.Store{
		Workflows:  &fakeWorkflowVersionRepository{},
		Executions: newFakeExecutionRepository(),
		Events:     newFakeEventRepository(),
		Tasks:      newFakeTaskRepository(),
		MapResults: newFakeMapResultRepository(),
	}
}

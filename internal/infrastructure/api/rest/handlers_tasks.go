package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/engine"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// TaskHandlers serves the worker-facing RPCs (PollTask/CompleteTask/FailTask)
// and the operator approval RPCs.
type TaskHandlers struct {
	store       *repository.Store
	dispatcher  *engine.Dispatcher
	coordinator *engine.Coordinator
	logger      *logger.Logger
}

func NewTaskHandlers(store *repository.Store, dispatcher *engine.Dispatcher, coordinator *engine.Coordinator, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{store: store, dispatcher: dispatcher, coordinator: coordinator, logger: log}
}

type pollTaskRequest struct {
	WorkerID    string `json:"worker_id" binding:"required"`
	VersionHash string `json:"version_hash" binding:"required"`
}

// HandlePollTask handles POST /api/v1/tasks/poll.
func (h *TaskHandlers) HandlePollTask(c *gin.Context) {
	var req pollTaskRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	task, err := h.dispatcher.PollTask(c.Request.Context(), req.WorkerID, req.VersionHash)
	if err != nil {
		h.logger.Error("failed to poll task", "error", err, "worker_id", req.WorkerID, "version_hash", req.VersionHash, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	respondJSON(c, http.StatusOK, task)
}

type completeTaskRequest struct {
	TaskID     string `json:"task_id" binding:"required"`
	OutputJSON string `json:"output_json"`
}

// HandleCompleteTask handles POST /api/v1/tasks/:id/complete.
func (h *TaskHandlers) HandleCompleteTask(c *gin.Context) {
	var req completeTaskRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}
	if taskID := c.Param("id"); taskID != "" {
		req.TaskID = taskID
	}
	if req.OutputJSON == "" {
		req.OutputJSON = "null"
	}

	if err := h.coordinator.CompleteTask(c.Request.Context(), req.TaskID, req.OutputJSON); err != nil {
		h.logger.Error("failed to complete task", "error", err, "task_id", req.TaskID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{"ok": true})
}

type failTaskRequest struct {
	TaskID       string `json:"task_id" binding:"required"`
	ErrorMessage string `json:"error_message"`
}

// HandleFailTask handles POST /api/v1/tasks/:id/fail. Per the propagation
// policy this call always succeeds at the RPC layer: whether the failure
// led to a retry or a terminal failure is only visible via GetStatus.
func (h *TaskHandlers) HandleFailTask(c *gin.Context) {
	var req failTaskRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}
	if taskID := c.Param("id"); taskID != "" {
		req.TaskID = taskID
	}

	if err := h.coordinator.FailTask(c.Request.Context(), req.TaskID, req.ErrorMessage); err != nil {
		h.logger.Error("failed to record task failure", "error", err, "task_id", req.TaskID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{"ok": true})
}

type approvalRequest struct {
	ExecutionID string `json:"execution_id" binding:"required"`
	NodeID      string `json:"node_id" binding:"required"`
	Approver    string `json:"approver" binding:"required"`
	Comment     string `json:"comment"`
	Reason      string `json:"reason"`
}

// HandleApproveTask handles POST /api/v1/tasks/:id/approve. The task is
// identified by execution_id and node_id in the body; :id is not read.
func (h *TaskHandlers) HandleApproveTask(c *gin.Context) {
	var req approvalRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	if err := h.coordinator.ApproveTask(c.Request.Context(), req.ExecutionID, req.NodeID, req.Approver, req.Comment); err != nil {
		h.logger.Error("failed to approve task", "error", err, "execution_id", req.ExecutionID, "node_id", req.NodeID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{"ok": true})
}

// HandleRejectTask handles POST /api/v1/tasks/:id/reject. The task is
// identified by execution_id and node_id in the body; :id is not read.
func (h *TaskHandlers) HandleRejectTask(c *gin.Context) {
	var req approvalRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	if err := h.coordinator.RejectTask(c.Request.Context(), req.ExecutionID, req.NodeID, req.Approver, req.Reason); err != nil {
		h.logger.Error("failed to reject task", "error", err, "execution_id", req.ExecutionID, "node_id", req.NodeID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{"ok": true})
}

type pendingApproval struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	WorkflowID  string `json:"workflow_id"`
	StartedAt   string `json:"started_at"`
}

// HandleGetPendingApprovals handles GET /api/v1/tasks/pending-approvals.
func (h *TaskHandlers) HandleGetPendingApprovals(c *gin.Context) {
	ctx := c.Request.Context()

	tasks, err := h.store.Tasks.ListPendingApprovals(ctx)
	if err != nil {
		h.logger.Error("failed to list pending approvals", "error", err, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	out := make([]pendingApproval, 0, len(tasks))
	for _, t := range tasks {
		workflowID := ""
		if execution, err := h.store.Executions.Get(ctx, t.ExecutionID); err == nil {
			workflowID = execution.WorkflowID
		}
		startedAt := t.CreatedAt
		if t.LockedAt != nil {
			startedAt = *t.LockedAt
		}
		out = append(out, pendingApproval{
			ExecutionID: t.ExecutionID,
			NodeID:      t.NodeID,
			WorkflowID:  workflowID,
			StartedAt:   startedAt.Format(timeLayout),
		})
	}

	respondList(c, http.StatusOK, out, len(out), len(out), 0)
}

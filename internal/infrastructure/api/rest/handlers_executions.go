package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/engine"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
	"github.com/kuro6061/nexum/internal/metrics"
)

const timeLayout = time.RFC3339

func nexumInvalidIR(err error) error {
	return nexumerr.InvalidArgument("malformed ir_json: %s", err)
}

// ExecutionHandlers serves StartExecution, GetStatus, ListExecutions and
// CancelExecution.
type ExecutionHandlers struct {
	registry    *engine.Registry
	store       *repository.Store
	blobs       repository.BlobStore
	scheduler   *engine.Scheduler
	coordinator *engine.Coordinator
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func NewExecutionHandlers(registry *engine.Registry, store *repository.Store, blobs repository.BlobStore, scheduler *engine.Scheduler, coordinator *engine.Coordinator, log *logger.Logger) *ExecutionHandlers {
	return &ExecutionHandlers{
		registry:    registry,
		store:       store,
		blobs:       blobs,
		scheduler:   scheduler,
		coordinator: coordinator,
		logger:      log,
	}
}

// SetMetrics wires an optional counters instance; a nil instance (the
// default) makes every increment a no-op.
func (h *ExecutionHandlers) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

type startExecutionRequest struct {
	WorkflowID  string `json:"workflow_id" binding:"required"`
	VersionHash string `json:"version_hash"`
	InputJSON   string `json:"input_json"`
}

// HandleStartExecution handles POST /api/v1/executions. When version_hash is
// omitted the workflow's most recently registered version is used.
func (h *ExecutionHandlers) HandleStartExecution(c *gin.Context) {
	var req startExecutionRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}
	if req.InputJSON == "" {
		req.InputJSON = "{}"
	}

	ctx := c.Request.Context()

	versionHash := req.VersionHash
	if versionHash == "" {
		latest, err := h.store.Workflows.LatestForWorkflow(ctx, req.WorkflowID)
		if err != nil {
			h.logger.Error("failed to resolve latest workflow version", "error", err, "workflow_id", req.WorkflowID, "request_id", GetRequestID(c))
			respondAPIErrorWithRequestID(c, err)
			return
		}
		if latest == nil {
			respondAPIErrorWithRequestID(c, nexumerr.NotFound("no registered version for workflow %q", req.WorkflowID))
			return
		}
		versionHash = latest.VersionHash
	}

	if h.registry.Get(req.WorkflowID, versionHash) == nil {
		respondAPIErrorWithRequestID(c, nexumerr.NotFound("workflow %q version %q is not registered", req.WorkflowID, versionHash))
		return
	}

	execution := &model.Execution{
		ExecutionID: uuid.New().String(),
		WorkflowID:  req.WorkflowID,
		VersionHash: versionHash,
		Status:      model.ExecutionRunning,
		InputJSON:   req.InputJSON,
	}

	if err := h.store.Executions.Create(ctx, execution); err != nil {
		h.logger.Error("failed to create execution", "error", err, "workflow_id", req.WorkflowID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	if err := h.scheduler.ScheduleReadyNodes(ctx, execution.ExecutionID, req.WorkflowID, versionHash); err != nil {
		h.logger.Error("failed to schedule initial nodes", "error", err, "execution_id", execution.ExecutionID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	h.logger.Info("execution started", "execution_id", execution.ExecutionID, "workflow_id", req.WorkflowID, "version_hash", versionHash, "request_id", GetRequestID(c))
	if h.metrics != nil {
		h.metrics.IncExecutionsStarted()
	}
	respondJSON(c, http.StatusAccepted, gin.H{"execution_id": execution.ExecutionID})
}

// HandleGetStatus handles GET /api/v1/executions/:id.
func (h *ExecutionHandlers) HandleGetStatus(c *gin.Context) {
	executionID, ok := getParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()

	execution, err := h.store.Executions.Get(ctx, executionID)
	if err != nil {
		h.logger.Error("failed to get execution", "error", err, "execution_id", executionID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	events, err := h.store.Events.ListByExecution(ctx, executionID)
	if err != nil {
		h.logger.Error("failed to list execution events", "error", err, "execution_id", executionID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	completedNodes := make(map[string]interface{})
	for _, ev := range events {
		if ev.EventType != model.EventNodeCompleted {
			continue
		}
		var payload model.NodeCompletedPayload
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			continue
		}
		completedNodes[payload.NodeID] = payload.Output
	}

	completedNodesJSON, err := json.Marshal(completedNodes)
	if err != nil {
		respondAPIErrorWithRequestID(c, nexumerr.Internal(err, "marshal completed nodes"))
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"execution_id":        execution.ExecutionID,
		"status":              execution.Status,
		"completed_nodes_json": string(completedNodesJSON),
	})
}

// HandleListExecutions handles GET /api/v1/executions.
func (h *ExecutionHandlers) HandleListExecutions(c *gin.Context) {
	workflowID := c.Query("workflow_id")
	status := c.Query("status")
	limit := getQueryInt(c, "limit", 50)

	executions, err := h.store.Executions.List(c.Request.Context(), workflowID, status, limit)
	if err != nil {
		h.logger.Error("failed to list executions", "error", err, "workflow_id", workflowID, "status", status, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	type executionSummary struct {
		ExecutionID string                 `json:"execution_id"`
		WorkflowID  string                 `json:"workflow_id"`
		VersionHash string                 `json:"version_hash"`
		Status      model.ExecutionStatus  `json:"status"`
		CreatedAt   string                 `json:"created_at"`
	}

	out := make([]executionSummary, 0, len(executions))
	for _, e := range executions {
		out = append(out, executionSummary{
			ExecutionID: e.ExecutionID,
			WorkflowID:  e.WorkflowID,
			VersionHash: e.VersionHash,
			Status:      e.Status,
			CreatedAt:   e.CreatedAt.Format(timeLayout),
		})
	}

	respondList(c, http.StatusOK, out, len(out), limit, 0)
}

// HandleCancelExecution handles POST /api/v1/executions/:id/cancel.
func (h *ExecutionHandlers) HandleCancelExecution(c *gin.Context) {
	executionID, ok := getParam(c, "id")
	if !ok {
		return
	}

	if err := h.coordinator.CancelExecution(c.Request.Context(), executionID); err != nil {
		h.logger.Error("failed to cancel execution", "error", err, "execution_id", executionID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	h.logger.Info("execution cancelled", "execution_id", executionID, "request_id", GetRequestID(c))
	respondJSON(c, http.StatusOK, gin.H{"ok": true})
}

// HandleGetNodeResult handles GET /api/v1/executions/:id/nodes/:node_id/result.
// It resolves the node's completed output, transparently dereferencing a
// claim-check pointer if the payload was offloaded (C4), and applies an
// optional jq filter (?jq=<filter>) over the resolved JSON before returning
// it, giving callers a structured-query escape hatch over large outputs.
func (h *ExecutionHandlers) HandleGetNodeResult(c *gin.Context) {
	executionID, ok := getParam(c, "id")
	if !ok {
		return
	}
	nodeID, ok := getParam(c, "node_id")
	if !ok {
		return
	}

	ev, err := h.store.Events.FindNodeCompleted(c.Request.Context(), executionID, nodeID)
	if err != nil {
		h.logger.Error("failed to look up node result", "error", err, "execution_id", executionID, "node_id", nodeID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}
	if ev == nil {
		respondAPIErrorWithRequestID(c, nexumerr.NotFound("node %q has not completed for execution %q", nodeID, executionID))
		return
	}

	var payload model.NodeCompletedPayload
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
		respondAPIErrorWithRequestID(c, fmt.Errorf("decode node completed event: %w", err))
		return
	}

	output, err := engine.ResolveClaimCheck(c.Request.Context(), h.blobs, payload.Output)
	if err != nil {
		h.logger.Error("failed to resolve claim check", "error", err, "execution_id", executionID, "node_id", nodeID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	if filter := c.Query("jq"); filter != "" {
		filtered, err := applyJQFilter(filter, output)
		if err != nil {
			respondAPIErrorWithRequestID(c, nexumerr.InvalidArgument("jq filter: %s", err))
			return
		}
		output = filtered
	}

	respondJSON(c, http.StatusOK, gin.H{"node_id": nodeID, "output": output})
}

// applyJQFilter runs a jq expression over an already-decoded JSON value,
// returning its first result.
func applyJQFilter(filter string, input any) (any, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("parse jq filter: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile jq filter: %w", err)
	}

	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("jq filter produced no output")
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("jq filter execution error: %w", err)
	}
	return v, nil
}

package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/engine"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
	"github.com/kuro6061/nexum/pkg/visualization"
)

// WorkflowHandlers serves RegisterWorkflow and ListWorkflowVersions.
type WorkflowHandlers struct {
	registry *engine.Registry
	store    *repository.Store
	logger   *logger.Logger
}

func NewWorkflowHandlers(registry *engine.Registry, store *repository.Store, log *logger.Logger) *WorkflowHandlers {
	return &WorkflowHandlers{registry: registry, store: store, logger: log}
}

type registerWorkflowRequest struct {
	WorkflowID  string `json:"workflow_id" binding:"required"`
	VersionHash string `json:"version_hash" binding:"required"`
	IRJSON      string `json:"ir_json" binding:"required"`
}

// HandleRegisterWorkflow handles POST /api/v1/workflows.
func (h *WorkflowHandlers) HandleRegisterWorkflow(c *gin.Context) {
	var req registerWorkflowRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	if _, err := model.ParseIR(req.IRJSON); err != nil {
		respondAPIErrorWithRequestID(c, nexumInvalidIR(err))
		return
	}

	version, err := h.registry.Register(c.Request.Context(), req.WorkflowID, req.VersionHash, req.IRJSON)
	if err != nil {
		h.logger.Error("failed to register workflow", "error", err, "workflow_id", req.WorkflowID, "version_hash", req.VersionHash, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	h.logger.Info("workflow registered", "workflow_id", req.WorkflowID, "version_hash", req.VersionHash, "compatibility", version.Compatibility, "request_id", GetRequestID(c))
	respondJSON(c, http.StatusOK, gin.H{
		"ok":            true,
		"compatibility": version.Compatibility,
		"message":       "workflow version registered",
	})
}

type workflowVersionResponse struct {
	WorkflowID        string              `json:"workflow_id"`
	VersionHash       string              `json:"version_hash"`
	Compatibility     model.Compatibility `json:"compatibility"`
	RegisteredAt      string              `json:"registered_at"`
	ActiveExecutions  int                 `json:"active_executions"`
}

// HandleListWorkflowVersions handles GET /api/v1/workflows/:workflow_id/versions.
func (h *WorkflowHandlers) HandleListWorkflowVersions(c *gin.Context) {
	workflowID, ok := getParam(c, "workflow_id")
	if !ok {
		return
	}

	versions, err := h.store.Workflows.ListForWorkflow(c.Request.Context(), workflowID)
	if err != nil {
		h.logger.Error("failed to list workflow versions", "error", err, "workflow_id", workflowID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	out := make([]workflowVersionResponse, 0, len(versions))
	for _, v := range versions {
		active, err := h.store.Executions.CountActiveForWorkflow(c.Request.Context(), v.WorkflowID)
		if err != nil {
			h.logger.Error("failed to count active executions", "error", err, "workflow_id", v.WorkflowID, "request_id", GetRequestID(c))
			respondAPIErrorWithRequestID(c, err)
			return
		}
		out = append(out, workflowVersionResponse{
			WorkflowID:       v.WorkflowID,
			VersionHash:      v.VersionHash,
			Compatibility:    v.Compatibility,
			RegisteredAt:     v.RegisteredAt.Format(timeLayout),
			ActiveExecutions: active,
		})
	}

	respondList(c, http.StatusOK, out, len(out), len(out), 0)
}

// HandleGetWorkflowDiagram handles
// GET /api/v1/workflows/:workflow_id/versions/:version_hash/diagram,
// rendering a registered workflow's IR as a Mermaid flowchart for
// documentation or a UI preview. version_hash=latest resolves to the most
// recently registered version.
func (h *WorkflowHandlers) HandleGetWorkflowDiagram(c *gin.Context) {
	workflowID, ok := getParam(c, "workflow_id")
	if !ok {
		return
	}
	versionHash, ok := getParam(c, "version_hash")
	if !ok {
		return
	}

	if versionHash == "latest" {
		latest, err := h.store.Workflows.LatestForWorkflow(c.Request.Context(), workflowID)
		if err != nil {
			respondAPIErrorWithRequestID(c, err)
			return
		}
		if latest == nil {
			respondAPIErrorWithRequestID(c, nexumerr.NotFound("workflow %q has no registered version", workflowID))
			return
		}
		versionHash = latest.VersionHash
	}

	ir := h.registry.Get(workflowID, versionHash)
	if ir == nil {
		respondAPIErrorWithRequestID(c, nexumerr.NotFound("workflow %q version %q not registered", workflowID, versionHash))
		return
	}

	opts := visualization.DefaultRenderOptions()
	if dir := c.Query("direction"); dir != "" {
		opts.Direction = dir
	}

	diagram, err := visualization.NewMermaidRenderer().Render(ir, opts)
	if err != nil {
		respondAPIErrorWithRequestID(c, err)
		return
	}

	c.String(http.StatusOK, diagram)
}

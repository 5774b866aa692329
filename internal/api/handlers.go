package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/api/dto"
	"github.com/agentorch/agentorch/internal/common/errors"
	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/lifecycle"
	"github.com/agentorch/agentorch/internal/metrics"
	"github.com/agentorch/agentorch/internal/scheduler"
	"github.com/agentorch/agentorch/internal/session"
)

const defaultOutcomeLimit = 50

// Handler contains HTTP handlers for the orchestrator API.
type Handler struct {
	sessions  *session.Manager
	lifecycle *lifecycle.Manager
	sched     *scheduler.Scheduler
	metrics   *metrics.Recorder
	logger    *logger.Logger
}

// NewHandler creates a new API handler. sched may be nil when the admission
// scheduler is disabled.
func NewHandler(sessions *session.Manager, lc *lifecycle.Manager, sched *scheduler.Scheduler, rec *metrics.Recorder, log *logger.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		lifecycle: lc,
		sched:     sched,
		metrics:   rec,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// SpawnSession creates a new worker session.
// POST /api/v1/sessions
func (h *Handler) SpawnSession(c *gin.Context) {
	var req dto.SpawnSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess, err := h.sessions.Spawn(c.Request.Context(), spawnRequestFromDTO(req))
	if err != nil {
		h.logger.Error("failed to spawn session",
			zap.String("project_id", req.ProjectID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to spawn session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// SpawnOrchestrator creates the project-level overseer session.
// POST /api/v1/sessions/orchestrator
func (h *Handler) SpawnOrchestrator(c *gin.Context) {
	var req dto.SpawnOrchestratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess, err := h.sessions.SpawnOrchestrator(c.Request.Context(), session.OrchestratorRequest{
		ProjectID:    req.ProjectID,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		h.logger.Error("failed to spawn orchestrator",
			zap.String("project_id", req.ProjectID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to spawn orchestrator")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// ListSessions lists sessions, optionally scoped to one project.
// GET /api/v1/sessions?project=
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context(), c.Query("project"))
	if err != nil {
		appErr := errors.Wrap(err, "failed to list sessions")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// GetSession returns one session's live projection.
// GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		appErr := errors.Wrap(err, "failed to get session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if sess == nil {
		appErr := errors.SessionNotFound(id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, sess)
}

// KillSession terminates a session and archives its metadata.
// DELETE /api/v1/sessions/:id
func (h *Handler) KillSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Kill(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to kill session", zap.String("session_id", id), zap.Error(err))
		appErr := errors.Wrap(err, "failed to kill session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "session killed",
		"session_id": id,
	})
}

// SendMessage delivers a text message to a session's agent.
// POST /api/v1/sessions/:id/send
func (h *Handler) SendMessage(c *gin.Context) {
	id := c.Param("id")

	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("message", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.sessions.Send(c.Request.Context(), id, req.Message); err != nil {
		h.logger.Error("failed to send message", zap.String("session_id", id), zap.Error(err))
		appErr := errors.Wrap(err, "failed to send message")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "message sent",
		"session_id": id,
	})
}

// RestoreSession relaunches an archived restorable session.
// POST /api/v1/sessions/:id/restore
func (h *Handler) RestoreSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.sessions.Restore(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to restore session", zap.String("session_id", id), zap.Error(err))
		appErr := errors.Wrap(err, "failed to restore session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, sess)
}

// Cleanup kills every session of a project whose runtime is gone or whose
// status is terminal.
// POST /api/v1/cleanup
func (h *Handler) Cleanup(c *gin.Context) {
	var req dto.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.sessions.Cleanup(c.Request.Context(), req.ProjectID)
	if err != nil {
		appErr := errors.Wrap(err, "cleanup failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, result)
}

// BatchSpawn queues several spawn requests for admission by the scheduler.
// POST /api/v1/spawn/batch
func (h *Handler) BatchSpawn(c *gin.Context) {
	if h.sched == nil {
		appErr := errors.ServiceUnavailable("spawn scheduler is disabled")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req dto.BatchSpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tickets := make([]dto.TicketDTO, 0, len(req.Requests))
	for _, item := range req.Requests {
		t, err := h.sched.Enqueue(spawnRequestFromDTO(item.SpawnSessionRequest), item.Priority)
		if err != nil {
			appErr := errors.Wrap(err, "failed to queue spawn request")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		tickets = append(tickets, dto.TicketDTO{
			ID:        t.ID,
			ProjectID: t.Request.ProjectID,
			Priority:  t.Priority,
			QueuedAt:  t.QueuedAt,
		})
	}

	// Admit immediately rather than waiting for the next tick.
	h.sched.Process(c.Request.Context())

	c.JSON(http.StatusAccepted, dto.BatchSpawnResponse{
		Tickets: tickets,
		Total:   len(tickets),
	})
}

// GetOutcomes returns the most recent status transitions for a project.
// GET /api/v1/projects/:id/outcomes?limit=
func (h *Handler) GetOutcomes(c *gin.Context) {
	limit := defaultOutcomeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			appErr := errors.ValidationError("limit", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = n
	}

	transitions, err := h.metrics.Recent(c.Param("id"), limit)
	if err != nil {
		appErr := errors.Wrap(err, "failed to read outcomes")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcomes": transitions,
		"total":    len(transitions),
	})
}

// GetStatus returns the overall orchestrator status.
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	resp := dto.StatusResponse{
		LifecycleRunning: h.lifecycle.Running(),
	}
	if h.sched != nil {
		stats := h.sched.GetStats()
		resp.Scheduler = &dto.SchedulerStatusDTO{
			Running:       h.sched.IsRunning(),
			Queued:        stats.Queued,
			Active:        stats.Active,
			MaxConcurrent: stats.MaxConcurrent,
			TotalSpawned:  stats.TotalSpawned,
			TotalFailed:   stats.TotalFailed,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func spawnRequestFromDTO(req dto.SpawnSessionRequest) session.SpawnRequest {
	out := session.SpawnRequest{
		ProjectID: req.ProjectID,
		IssueID:   req.IssueID,
		Branch:    req.Branch,
		Prompt:    req.Prompt,
		Agent:     req.Agent,
		Runtime:   req.Runtime,
		Role:      req.Role,
		Extra:     req.Extra,
	}
	if req.PlanTask != nil {
		out.PlanTask = &session.PlanTask{
			ID:        req.PlanTask.ID,
			PlanID:    req.PlanTask.PlanID,
			Validated: req.PlanTask.Validated,
		}
	}
	return out
}

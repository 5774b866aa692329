// Package dto provides request and response shapes for the orchestrator API.
package dto

import "time"

// PlanTaskDTO carries plan-mode gating info on a spawn request.
type PlanTaskDTO struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id,omitempty"`
	Validated bool   `json:"validated"`
}

// SpawnSessionRequest is the payload for POST /sessions.
type SpawnSessionRequest struct {
	ProjectID string            `json:"project_id" binding:"required"`
	IssueID   string            `json:"issue_id,omitempty"`
	Branch    string            `json:"branch,omitempty"`
	Prompt    string            `json:"prompt,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Runtime   string            `json:"runtime,omitempty"`
	Role      string            `json:"role,omitempty"`
	PlanTask  *PlanTaskDTO      `json:"plan_task,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// SpawnOrchestratorRequest is the payload for POST /sessions/orchestrator.
type SpawnOrchestratorRequest struct {
	ProjectID    string `json:"project_id" binding:"required"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// SendMessageRequest is the payload for POST /sessions/:id/send.
type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// CleanupRequest is the payload for POST /cleanup.
type CleanupRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
}

// BatchSpawnItem is one entry of a batch spawn request.
type BatchSpawnItem struct {
	SpawnSessionRequest
	Priority int `json:"priority,omitempty"`
}

// BatchSpawnRequest is the payload for POST /spawn/batch.
type BatchSpawnRequest struct {
	Requests []BatchSpawnItem `json:"requests" binding:"required"`
}

// TicketDTO describes one queued spawn ticket.
type TicketDTO struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Priority  int       `json:"priority"`
	QueuedAt  time.Time `json:"queued_at"`
}

// BatchSpawnResponse is the response for POST /spawn/batch.
type BatchSpawnResponse struct {
	Tickets []TicketDTO `json:"tickets"`
	Total   int         `json:"total"`
}

// SchedulerStatusDTO mirrors the scheduler's stats in the status response.
type SchedulerStatusDTO struct {
	Running       bool  `json:"running"`
	Queued        int   `json:"queued"`
	Active        int   `json:"active"`
	MaxConcurrent int   `json:"max_concurrent"`
	TotalSpawned  int64 `json:"total_spawned"`
	TotalFailed   int64 `json:"total_failed"`
}

// StatusResponse is the response for GET /status.
type StatusResponse struct {
	LifecycleRunning bool                `json:"lifecycle_running"`
	Scheduler        *SchedulerStatusDTO `json:"scheduler,omitempty"`
}

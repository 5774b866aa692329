// Package session owns the full lifecycle-independent handling of agent
// sessions: id allocation, spawn, restore, kill, message routing, and the
// projection of durable metadata into Session values. It is the only
// component that writes session-owned metadata; the lifecycle manager writes
// its own derived keys through the same store.
package session

import (
	"encoding/json"
	"time"

	"github.com/agentorch/agentorch/internal/plugin"
)

// Status is a session's position in the spawn → work → verify → review →
// merge lifecycle.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusWorking          Status = "working"
	StatusNeedsInput       Status = "needs_input"
	StatusStuck            Status = "stuck"
	StatusDone             Status = "done"
	StatusVerifierPending  Status = "verifier_pending"
	StatusVerifierFailed   Status = "verifier_failed"
	StatusPRReady          Status = "pr_ready"
	StatusPROpen           Status = "pr_open"
	StatusCIFailed         Status = "ci_failed"
	StatusReviewPending    Status = "review_pending"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusReviewerPending  Status = "reviewer_pending"
	StatusReviewerFailed   Status = "reviewer_failed"
	StatusReviewerPassed   Status = "reviewer_passed"
	StatusMergeable        Status = "mergeable"
	StatusMerged           Status = "merged"
	StatusErrored          Status = "errored"
	StatusKilled           Status = "killed"
	StatusCleanup          Status = "cleanup"
	StatusTerminated       Status = "terminated"
)

// Terminal reports whether a status permits no further transitions. Once a
// terminal status is persisted, no non-terminal status may replace it.
func (s Status) Terminal() bool {
	switch s {
	case StatusMerged, StatusKilled, StatusTerminated:
		return true
	}
	return false
}

// Restorable reports whether a session in this status may be restored.
func (s Status) Restorable() bool {
	switch s {
	case StatusKilled, StatusErrored, StatusTerminated:
		return true
	}
	return false
}

// Activity mirrors the agent's self-reported state. Empty means unknown:
// the probe failed or the agent keeps no activity signal.
type Activity = plugin.ActivityState

// Session roles stored under the role metadata key. Workers carry no role.
const (
	RoleVerifier     = "verifier"
	RoleReviewer     = "reviewer"
	RoleOrchestrator = "orchestrator"
)

// Metadata keys owned by the session manager. The lifecycle manager has its
// own key set (status updates, verifier/reviewer bookkeeping, escalation
// state); everything else in the file belongs to plugins or hook scripts and
// round-trips untouched.
const (
	KeyStatus            = "status"
	KeyProject           = "project"
	KeyIssue             = "issue"
	KeyBranch            = "branch"
	KeyWorktree          = "worktree"
	KeyAgent             = "agent"
	KeyRuntime           = "runtime"
	KeyRuntimeHandle     = "runtimeHandle"
	KeyPR                = "pr"
	KeyRole              = "role"
	KeyCreatedAt         = "createdAt"
	KeyLastActivityAt    = "lastActivityAt"
	KeyRestoredAt        = "restoredAt"
	KeySummary           = "summary"
	KeyEvidenceDir       = "evidenceDir"
	KeyPlanID            = "planId"
	KeyPlanTaskID        = "planTaskId"
	KeyPlanTaskValidated = "planTaskValidated"
)

// PR is the persisted record of the session's pull request. Number is
// immutable once set.
type PR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Owner  string `json:"owner,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Head   string `json:"head,omitempty"`
	Base   string `json:"base,omitempty"`
	Draft  bool   `json:"draft,omitempty"`
}

// Session is the projection of one session's durable metadata plus the
// live signals gathered at read time (runtime liveness, agent activity).
type Session struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	Status        Status    `json:"status"`
	Activity      Activity  `json:"activity,omitempty"`
	Branch        string    `json:"branch,omitempty"`
	IssueID       string    `json:"issueId,omitempty"`
	WorkspacePath string    `json:"workspacePath,omitempty"`
	Role          string    `json:"role,omitempty"`
	PR            *PR       `json:"pr,omitempty"`
	AgentName     string    `json:"agent,omitempty"`
	RuntimeName   string    `json:"runtime,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	LastActivity  time.Time `json:"lastActivityAt,omitempty"`
	RestoredAt    time.Time `json:"restoredAt,omitempty"`

	// RuntimeHandle is the opaque token identifying the agent process to
	// the runtime plugin, nil when the session has none.
	RuntimeHandle *plugin.RuntimeHandle `json:"runtimeHandle,omitempty"`

	// Metadata is the full raw key=value record, including keys this
	// struct does not model.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Ref converts the session to the value view handed to plugins.
func (s *Session) Ref() plugin.SessionRef {
	prURL := ""
	if s.PR != nil {
		prURL = s.PR.URL
	}
	return plugin.SessionRef{
		ID:            s.ID,
		ProjectID:     s.ProjectID,
		IssueID:       s.IssueID,
		Role:          s.Role,
		Branch:        s.Branch,
		WorkspacePath: s.WorkspacePath,
		Status:        string(s.Status),
		PRURL:         prURL,
		AgentName:     s.AgentName,
		RuntimeName:   s.RuntimeName,
		Handle:        s.RuntimeHandle,
	}
}

// fromFields builds a Session from raw metadata. Unparseable optional
// fields degrade to their zero value rather than failing the projection.
func fromFields(id string, fields map[string]string) *Session {
	s := &Session{
		ID:            id,
		ProjectID:     fields[KeyProject],
		Status:        Status(fields[KeyStatus]),
		Branch:        fields[KeyBranch],
		IssueID:       fields[KeyIssue],
		WorkspacePath: fields[KeyWorktree],
		Role:          fields[KeyRole],
		AgentName:     fields[KeyAgent],
		RuntimeName:   fields[KeyRuntime],
		CreatedAt:     parseTime(fields[KeyCreatedAt]),
		LastActivity:  parseTime(fields[KeyLastActivityAt]),
		RestoredAt:    parseTime(fields[KeyRestoredAt]),
		Metadata:      fields,
	}
	if raw := fields[KeyRuntimeHandle]; raw != "" {
		var handle plugin.RuntimeHandle
		if err := json.Unmarshal([]byte(raw), &handle); err == nil && handle.ID != "" {
			s.RuntimeHandle = &handle
		}
	}
	if raw := fields[KeyPR]; raw != "" {
		var pr PR
		if err := json.Unmarshal([]byte(raw), &pr); err == nil && pr.Number != 0 {
			s.PR = &pr
		}
	}
	return s
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeHandle serializes a runtime handle for the runtimeHandle metadata
// key. The handle's Data is plugin-private and passes through verbatim.
func EncodeHandle(handle *plugin.RuntimeHandle) string {
	if handle == nil {
		return ""
	}
	data, err := json.Marshal(handle)
	if err != nil {
		return ""
	}
	return string(data)
}

// EncodePR serializes a PR record for the pr metadata key.
func EncodePR(pr *PR) string {
	if pr == nil {
		return ""
	}
	data, err := json.Marshal(pr)
	if err != nil {
		return ""
	}
	return string(data)
}

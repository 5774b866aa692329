// Package plugin defines the slot contracts consumed by the orchestrator
// core: runtimes, agents, workspaces, SCM forges, issue trackers, and
// notifiers. Implementations are registered under a (slot, name) key and
// looked up by project configuration; the core never imports a concrete
// plugin.
package plugin

import (
	"encoding/json"
	"errors"
	"time"
)

// Slot identifies which contract a plugin fulfils.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotSCM       Slot = "scm"
	SlotTracker   Slot = "tracker"
	SlotNotifier  Slot = "notifier"
)

// Slots lists every known slot, in lookup-table order.
var Slots = []Slot{SlotRuntime, SlotAgent, SlotWorkspace, SlotSCM, SlotTracker, SlotNotifier}

// ErrIssueNotFound is returned by Tracker.GetIssue when the issue id does
// not exist. Spawn treats it as ad-hoc mode (the id is recorded verbatim);
// every other tracker error aborts the spawn.
var ErrIssueNotFound = errors.New("issue not found")

// RuntimeHandle is the opaque reference a runtime returns from Create and
// accepts everywhere else. It is persisted verbatim (JSON) in session
// metadata under the runtimeHandle key, so runtimes must keep Data
// self-contained.
type RuntimeHandle struct {
	// ID is the runtime-scoped identifier, conventionally the session id.
	ID string `json:"id"`

	// RuntimeName names the runtime plugin that created the handle.
	RuntimeName string `json:"runtimeName"`

	// Data carries runtime-private state (container id, tmux pane, pid).
	Data json.RawMessage `json:"data,omitempty"`
}

// RuntimeCreateConfig carries everything a runtime needs to start an agent
// process.
type RuntimeCreateConfig struct {
	SessionID     string
	WorkspacePath string
	LaunchCommand string
	Environment   map[string]string
}

// LaunchConfig is handed to agent plugins when composing launch or restore
// commands and process environments.
type LaunchConfig struct {
	SessionID     string
	ProjectID     string
	IssueID       string
	WorkspacePath string
	Branch        string

	// Prompt is the inline task prompt, already combined with any tracker
	// acceptance contract.
	Prompt string

	// PromptFile, when set, points at a prompt written to disk; agents
	// should reference the file instead of inlining Prompt (orchestrator
	// sessions use this to dodge terminal-send truncation).
	PromptFile string

	// Role tags the session purpose: "" (worker), "verifier", "reviewer",
	// or "orchestrator".
	Role string

	// Extra holds agent-specific settings from the project config.
	Extra map[string]string
}

// ActivityState classifies what an agent process is doing.
type ActivityState string

const (
	ActivityUnknown      ActivityState = ""
	ActivityActive       ActivityState = "active"
	ActivityIdle         ActivityState = "idle"
	ActivityWaitingInput ActivityState = "waiting_input"
	ActivityExited       ActivityState = "exited"
)

// Activity is an agent's self-reported state plus when it was observed.
// ObservedAt drives the monotonic lastActivityAt update on sessions.
type Activity struct {
	State      ActivityState
	Detail     string
	ObservedAt time.Time
}

// SessionInfo is optional agent-side session metadata (resume ids, model).
type SessionInfo struct {
	AgentSessionID string
	Model          string
	Extra          map[string]string
}

// WorkspaceCreateConfig carries the parameters for creating (or restoring)
// an isolated working copy for one session.
type WorkspaceCreateConfig struct {
	ProjectID string
	SessionID string
	Branch    string
	Project   ProjectInfo
}

// WorkspaceInfo describes a working copy managed by a workspace plugin.
type WorkspaceInfo struct {
	Path      string
	Branch    string
	ProjectID string
	SessionID string
	CreatedAt time.Time
}

// PullRequest identifies a PR on the SCM forge.
type PullRequest struct {
	URL    string
	Number int
	Branch string
	Title  string
}

// PRState is the forge-reported lifecycle state of a pull request.
type PRState string

const (
	PRStateUnknown PRState = ""
	PRStateOpen    PRState = "open"
	PRStateMerged  PRState = "merged"
	PRStateClosed  PRState = "closed"
)

// CIState summarises a PR's check runs.
type CIState string

const (
	CIUnknown CIState = ""
	CIPassing CIState = "passing"
	CIFailing CIState = "failing"
	CIPending CIState = "pending"
)

// CISummary aggregates check results for a PR.
type CISummary struct {
	State   CIState
	Total   int
	Passed  int
	Failed  int
	Pending int
}

// CICheck is a single named check run on a PR.
type CICheck struct {
	Name    string
	State   CIState
	URL     string
	Summary string
}

// ReviewDecision is the forge's aggregate review verdict for a PR.
type ReviewDecision string

const (
	ReviewNone             ReviewDecision = ""
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewPending          ReviewDecision = "pending"
)

// Comment is a PR conversation or review comment. Reviewer agents post
// their verdicts as comments carrying machine-parseable markers; the
// lifecycle manager reads them back through PendingComments.
type Comment struct {
	ID        string
	Author    string
	Body      string
	Path      string
	Resolved  bool
	CreatedAt time.Time
}

// Mergeability reports whether a PR can be merged right now.
type Mergeability struct {
	Mergeable bool

	// Reason explains a false Mergeable, e.g. "conflicts" or "blocked".
	Reason string
}

// Issue is a tracker work item.
type Issue struct {
	ID          string
	Title       string
	Description string
	State       string
	URL         string
	Labels      []string

	// AcceptanceContract, when non-empty, is appended to the worker prompt
	// so the agent knows the completion criteria up front.
	AcceptanceContract string
}

// Notification is a human-facing message dispatched to notifier plugins.
type Notification struct {
	EventType string
	Priority  string
	ProjectID string
	SessionID string
	Title     string
	Message   string
	Timestamp time.Time
}

// SessionRef is the core's view of a session as passed to plugins. It is a
// value copy; plugins must not expect mutations to propagate back.
type SessionRef struct {
	ID            string
	ProjectID     string
	IssueID       string
	Role          string
	Branch        string
	WorkspacePath string
	Status        string
	PRURL         string
	AgentName     string
	RuntimeName   string
	Handle        *RuntimeHandle
}

// ProjectInfo is the core's view of a configured project as passed to
// plugins.
type ProjectInfo struct {
	ID            string
	Path          string
	DefaultBranch string
	SessionPrefix string
	Settings      map[string]string
}

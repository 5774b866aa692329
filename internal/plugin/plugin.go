package plugin

import (
	"context"
)

// Runtime starts and controls agent processes (terminal multiplexer,
// container, bare subprocess). Handles returned by Create are persisted and
// may outlive the orchestrator process.
type Runtime interface {
	Create(ctx context.Context, cfg RuntimeCreateConfig) (*RuntimeHandle, error)
	Destroy(ctx context.Context, handle *RuntimeHandle) error
	SendMessage(ctx context.Context, handle *RuntimeHandle, text string) error
	GetOutput(ctx context.Context, handle *RuntimeHandle, lines int) (string, error)
	IsAlive(ctx context.Context, handle *RuntimeHandle) (bool, error)
}

// Agent knows how to launch a specific coding agent and interpret its
// terminal behaviour.
type Agent interface {
	LaunchCommand(cfg LaunchConfig) (string, error)
	Environment(cfg LaunchConfig) map[string]string

	// DetectActivity classifies captured terminal output. Callers only
	// trust the result when output is non-empty.
	DetectActivity(output string) Activity

	// ActivityState reports agent-side activity independent of terminal
	// output. A nil Activity with nil error means "no signal".
	ActivityState(ctx context.Context, session SessionRef) (*Activity, error)

	IsProcessRunning(ctx context.Context, handle *RuntimeHandle) (bool, error)

	// SessionInfo returns agent-side session metadata, or nil when the
	// agent keeps none.
	SessionInfo(ctx context.Context, session SessionRef) (*SessionInfo, error)
}

// RestorableAgent is implemented by agents that can resume a previous
// session instead of starting fresh. RestoreCommand returns false when no
// resume is possible for this config, in which case callers fall back to
// LaunchCommand.
type RestorableAgent interface {
	RestoreCommand(cfg LaunchConfig) (string, bool)
}

// WorkspaceHooksAgent is implemented by agents that install hook scripts
// (evidence writers, activity beacons) into a freshly created workspace.
type WorkspaceHooksAgent interface {
	SetupWorkspaceHooks(ctx context.Context, workspacePath string, cfg LaunchConfig) error
}

// PostLaunchAgent is implemented by agents that need a follow-up step after
// the runtime reports the process started.
type PostLaunchAgent interface {
	PostLaunchSetup(ctx context.Context, session SessionRef) error
}

// Workspace provisions isolated working copies (git worktrees, clones,
// volume mounts) for sessions.
type Workspace interface {
	Create(ctx context.Context, cfg WorkspaceCreateConfig) (*WorkspaceInfo, error)
	Destroy(ctx context.Context, path string) error
	List(ctx context.Context, projectID string) ([]*WorkspaceInfo, error)
}

// ExistenceChecker is implemented by workspaces that can cheaply verify a
// path still holds a usable working copy.
type ExistenceChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// RestorableWorkspace is implemented by workspaces that can rebuild a
// destroyed working copy for session restore.
type RestorableWorkspace interface {
	Restore(ctx context.Context, cfg WorkspaceCreateConfig) (*WorkspaceInfo, error)
}

// SCM reads and mutates pull-request state on the project's forge.
type SCM interface {
	// DetectPR finds the PR for the session's branch, or returns nil when
	// none exists yet.
	DetectPR(ctx context.Context, session SessionRef, project ProjectInfo) (*PullRequest, error)

	PRState(ctx context.Context, pr *PullRequest) (PRState, error)
	CISummary(ctx context.Context, pr *PullRequest) (*CISummary, error)
	CIChecks(ctx context.Context, pr *PullRequest) ([]CICheck, error)
	ReviewDecision(ctx context.Context, pr *PullRequest) (ReviewDecision, error)
	PendingComments(ctx context.Context, pr *PullRequest) ([]Comment, error)
	Mergeability(ctx context.Context, pr *PullRequest) (*Mergeability, error)
	MergePR(ctx context.Context, pr *PullRequest) error
	ClosePR(ctx context.Context, pr *PullRequest) error
}

// Tracker resolves issue ids against the project's issue tracker.
type Tracker interface {
	// GetIssue returns ErrIssueNotFound (possibly wrapped) when the id does
	// not exist; any other error is treated as a tracker failure and aborts
	// spawn.
	GetIssue(ctx context.Context, issueID string, project ProjectInfo) (*Issue, error)

	IsCompleted(issue *Issue) bool
	IssueURL(issueID string, project ProjectInfo) string
	GeneratePrompt(issue *Issue, project ProjectInfo) string
}

// BranchNamer is implemented by trackers that dictate branch naming.
type BranchNamer interface {
	BranchName(issueID string, project ProjectInfo) string
}

// Notifier delivers human-facing notifications. Delivery is best-effort;
// errors are logged and swallowed by the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

package api

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentorch/agentorch/internal/plugin"
)

// Minimal fake plugins: the API tests exercise routing and error
// translation, not plugin behavior, so everything answers happily.

type fakeRuntime struct {
	mu   sync.Mutex
	sent []string
}

func (r *fakeRuntime) Create(_ context.Context, cfg plugin.RuntimeCreateConfig) (*plugin.RuntimeHandle, error) {
	return &plugin.RuntimeHandle{ID: cfg.SessionID, RuntimeName: "fake"}, nil
}

func (r *fakeRuntime) Destroy(_ context.Context, _ *plugin.RuntimeHandle) error { return nil }

func (r *fakeRuntime) SendMessage(_ context.Context, handle *plugin.RuntimeHandle, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, handle.ID+":"+text)
	return nil
}

func (r *fakeRuntime) GetOutput(_ context.Context, _ *plugin.RuntimeHandle, _ int) (string, error) {
	return "$ working", nil
}

func (r *fakeRuntime) IsAlive(_ context.Context, _ *plugin.RuntimeHandle) (bool, error) {
	return true, nil
}

type fakeAgent struct{}

func (a *fakeAgent) LaunchCommand(cfg plugin.LaunchConfig) (string, error) {
	return "agent run --session " + cfg.SessionID, nil
}

func (a *fakeAgent) Environment(_ plugin.LaunchConfig) map[string]string { return nil }

func (a *fakeAgent) DetectActivity(_ string) plugin.Activity {
	return plugin.Activity{State: plugin.ActivityActive}
}

func (a *fakeAgent) ActivityState(_ context.Context, _ plugin.SessionRef) (*plugin.Activity, error) {
	return nil, nil
}

func (a *fakeAgent) IsProcessRunning(_ context.Context, _ *plugin.RuntimeHandle) (bool, error) {
	return true, nil
}

func (a *fakeAgent) SessionInfo(_ context.Context, _ plugin.SessionRef) (*plugin.SessionInfo, error) {
	return nil, nil
}

type fakeWorkspace struct {
	root string
}

func (w *fakeWorkspace) Create(_ context.Context, cfg plugin.WorkspaceCreateConfig) (*plugin.WorkspaceInfo, error) {
	path := filepath.Join(w.root, cfg.SessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &plugin.WorkspaceInfo{
		Path:      path,
		Branch:    cfg.Branch,
		ProjectID: cfg.ProjectID,
		SessionID: cfg.SessionID,
		CreatedAt: time.Now(),
	}, nil
}

func (w *fakeWorkspace) Destroy(_ context.Context, path string) error { return os.RemoveAll(path) }

func (w *fakeWorkspace) List(_ context.Context, _ string) ([]*plugin.WorkspaceInfo, error) {
	return nil, nil
}

type fakeTracker struct {
	issues map[string]*plugin.Issue
}

func (t *fakeTracker) GetIssue(_ context.Context, issueID string, _ plugin.ProjectInfo) (*plugin.Issue, error) {
	issue, ok := t.issues[issueID]
	if !ok {
		return nil, plugin.ErrIssueNotFound
	}
	return issue, nil
}

func (t *fakeTracker) IsCompleted(_ *plugin.Issue) bool { return false }

func (t *fakeTracker) IssueURL(issueID string, _ plugin.ProjectInfo) string {
	return "https://tracker.test/" + issueID
}

func (t *fakeTracker) GeneratePrompt(issue *plugin.Issue, _ plugin.ProjectInfo) string {
	return "Work on: " + issue.Title
}

func (t *fakeTracker) BranchName(issueID string, _ plugin.ProjectInfo) string {
	return "feat/" + issueID
}

type fakeSCM struct{}

func (s *fakeSCM) DetectPR(_ context.Context, _ plugin.SessionRef, _ plugin.ProjectInfo) (*plugin.PullRequest, error) {
	return nil, nil
}

func (s *fakeSCM) PRState(_ context.Context, _ *plugin.PullRequest) (plugin.PRState, error) {
	return plugin.PRStateOpen, nil
}

func (s *fakeSCM) CISummary(_ context.Context, _ *plugin.PullRequest) (*plugin.CISummary, error) {
	return &plugin.CISummary{State: plugin.CIUnknown}, nil
}

func (s *fakeSCM) CIChecks(_ context.Context, _ *plugin.PullRequest) ([]plugin.CICheck, error) {
	return nil, nil
}

func (s *fakeSCM) ReviewDecision(_ context.Context, _ *plugin.PullRequest) (plugin.ReviewDecision, error) {
	return plugin.ReviewNone, nil
}

func (s *fakeSCM) PendingComments(_ context.Context, _ *plugin.PullRequest) ([]plugin.Comment, error) {
	return nil, nil
}

func (s *fakeSCM) Mergeability(_ context.Context, _ *plugin.PullRequest) (*plugin.Mergeability, error) {
	return &plugin.Mergeability{Mergeable: true}, nil
}

func (s *fakeSCM) MergePR(_ context.Context, _ *plugin.PullRequest) error { return nil }
func (s *fakeSCM) ClosePR(_ context.Context, _ *plugin.PullRequest) error { return nil }

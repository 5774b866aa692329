package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentorch/agentorch/internal/plugin"
)

// fakeRuntime records calls and lets tests script failures.
type fakeRuntime struct {
	mu           sync.Mutex
	created      []string
	destroyed    []string
	sent         []string
	alive        bool
	aliveErr     error
	createErr    error
	sendErr      error
	sendErrTimes int // fail this many sends, then succeed
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{alive: true}
}

func (r *fakeRuntime) Create(_ context.Context, cfg plugin.RuntimeCreateConfig) (*plugin.RuntimeHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.created = append(r.created, cfg.SessionID)
	return &plugin.RuntimeHandle{
		ID:          cfg.SessionID,
		RuntimeName: "fake",
		Data:        []byte(fmt.Sprintf(`{"pane":%d}`, len(r.created))),
	}, nil
}

func (r *fakeRuntime) Destroy(_ context.Context, handle *plugin.RuntimeHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = append(r.destroyed, handle.ID)
	return nil
}

func (r *fakeRuntime) SendMessage(_ context.Context, handle *plugin.RuntimeHandle, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErrTimes > 0 {
		r.sendErrTimes--
		return errors.New("send failed")
	}
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, handle.ID+":"+text)
	return nil
}

func (r *fakeRuntime) GetOutput(_ context.Context, _ *plugin.RuntimeHandle, _ int) (string, error) {
	return "", nil
}

func (r *fakeRuntime) IsAlive(_ context.Context, _ *plugin.RuntimeHandle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive, r.aliveErr
}

func (r *fakeRuntime) destroyCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.destroyed {
		if d == id {
			n++
		}
	}
	return n
}

// fakeAgent implements the mandatory agent surface plus optional restore.
type fakeAgent struct {
	activity     *plugin.Activity
	activityErr  error
	running      bool
	restoreCmd   string
	launchCalled int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{running: true}
}

func (a *fakeAgent) LaunchCommand(cfg plugin.LaunchConfig) (string, error) {
	a.launchCalled++
	return "agent run --session " + cfg.SessionID, nil
}

func (a *fakeAgent) Environment(_ plugin.LaunchConfig) map[string]string {
	return map[string]string{"AGENT_MODE": "test"}
}

func (a *fakeAgent) DetectActivity(output string) plugin.Activity {
	if output == "" {
		return plugin.Activity{State: plugin.ActivityUnknown}
	}
	return plugin.Activity{State: plugin.ActivityActive}
}

func (a *fakeAgent) ActivityState(_ context.Context, _ plugin.SessionRef) (*plugin.Activity, error) {
	return a.activity, a.activityErr
}

func (a *fakeAgent) IsProcessRunning(_ context.Context, _ *plugin.RuntimeHandle) (bool, error) {
	return a.running, nil
}

func (a *fakeAgent) SessionInfo(_ context.Context, _ plugin.SessionRef) (*plugin.SessionInfo, error) {
	return nil, nil
}

func (a *fakeAgent) RestoreCommand(cfg plugin.LaunchConfig) (string, bool) {
	if a.restoreCmd == "" {
		return "", false
	}
	return a.restoreCmd + " " + cfg.SessionID, true
}

// fakeWorkspace creates real temp directories so evidence skeletons have a
// place to land.
type fakeWorkspace struct {
	root       string
	created    []string
	destroyed  []string
	createErr  error
	restorable bool
}

func newFakeWorkspace(root string) *fakeWorkspace {
	return &fakeWorkspace{root: root, restorable: true}
}

func (w *fakeWorkspace) Create(_ context.Context, cfg plugin.WorkspaceCreateConfig) (*plugin.WorkspaceInfo, error) {
	if w.createErr != nil {
		return nil, w.createErr
	}
	path := filepath.Join(w.root, cfg.SessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	w.created = append(w.created, path)
	return &plugin.WorkspaceInfo{
		Path:      path,
		Branch:    cfg.Branch,
		ProjectID: cfg.ProjectID,
		SessionID: cfg.SessionID,
		CreatedAt: time.Now(),
	}, nil
}

func (w *fakeWorkspace) Destroy(_ context.Context, path string) error {
	w.destroyed = append(w.destroyed, path)
	return os.RemoveAll(path)
}

func (w *fakeWorkspace) List(_ context.Context, _ string) ([]*plugin.WorkspaceInfo, error) {
	return nil, nil
}

func (w *fakeWorkspace) Restore(ctx context.Context, cfg plugin.WorkspaceCreateConfig) (*plugin.WorkspaceInfo, error) {
	if !w.restorable {
		return nil, errors.New("restore not supported")
	}
	return w.Create(ctx, cfg)
}

// fakeTracker serves a single issue and names branches feat/<id>.
type fakeTracker struct {
	issues    map[string]*plugin.Issue
	err       error
	completed map[string]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{issues: map[string]*plugin.Issue{}, completed: map[string]bool{}}
}

func (t *fakeTracker) GetIssue(_ context.Context, issueID string, _ plugin.ProjectInfo) (*plugin.Issue, error) {
	if t.err != nil {
		return nil, t.err
	}
	issue, ok := t.issues[issueID]
	if !ok {
		return nil, plugin.ErrIssueNotFound
	}
	return issue, nil
}

func (t *fakeTracker) IsCompleted(issue *plugin.Issue) bool {
	return t.completed[issue.ID]
}

func (t *fakeTracker) IssueURL(issueID string, _ plugin.ProjectInfo) string {
	return "https://tracker.test/" + issueID
}

func (t *fakeTracker) GeneratePrompt(issue *plugin.Issue, _ plugin.ProjectInfo) string {
	return "Work on: " + issue.Title
}

func (t *fakeTracker) BranchName(issueID string, _ plugin.ProjectInfo) string {
	return "feat/" + issueID
}

// fakeSCM answers PR probes from scripted state.
type fakeSCM struct {
	pr       *plugin.PullRequest
	prState  plugin.PRState
	stateErr error
}

func (s *fakeSCM) DetectPR(_ context.Context, _ plugin.SessionRef, _ plugin.ProjectInfo) (*plugin.PullRequest, error) {
	return s.pr, nil
}

func (s *fakeSCM) PRState(_ context.Context, _ *plugin.PullRequest) (plugin.PRState, error) {
	return s.prState, s.stateErr
}

func (s *fakeSCM) CISummary(_ context.Context, _ *plugin.PullRequest) (*plugin.CISummary, error) {
	return &plugin.CISummary{State: plugin.CIPassing}, nil
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

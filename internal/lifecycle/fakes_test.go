package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentorch/agentorch/internal/events/bus"
	"github.com/agentorch/agentorch/internal/plugin"
)

// fakeRuntime records calls and lets tests script liveness, terminal
// output, and send failures.
type fakeRuntime struct {
	mu           sync.Mutex
	created      []string
	destroyed    []string
	sent         []string
	sendAttempts int
	sendErrTimes int  // fail this many sends, then succeed
	sendFails    bool // fail every send
	alive        bool
	output       string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{alive: true}
}

func (r *fakeRuntime) Create(_ context.Context, cfg plugin.RuntimeCreateConfig) (*plugin.RuntimeHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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
	r.sendAttempts++
	if r.sendFails {
		return errors.New("send failed")
	}
	if r.sendErrTimes > 0 {
		r.sendErrTimes--
		return errors.New("send failed")
	}
	r.sent = append(r.sent, handle.ID+":"+text)
	return nil
}

func (r *fakeRuntime) GetOutput(_ context.Context, _ *plugin.RuntimeHandle, _ int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output, nil
}

func (r *fakeRuntime) IsAlive(_ context.Context, _ *plugin.RuntimeHandle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive, nil
}

func (r *fakeRuntime) sentTo(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		if len(s) > len(id) && s[:len(id)+1] == id+":" {
			out = append(out, s[len(id)+1:])
		}
	}
	return out
}

func (r *fakeRuntime) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendAttempts
}

// fakeAgent deliberately classifies empty output as exited: the lifecycle
// loop must never feed it an empty probe.
type fakeAgent struct {
	state   plugin.ActivityState
	running bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{state: plugin.ActivityActive, running: true}
}

func (a *fakeAgent) LaunchCommand(cfg plugin.LaunchConfig) (string, error) {
	return "agent run --session " + cfg.SessionID, nil
}

func (a *fakeAgent) Environment(_ plugin.LaunchConfig) map[string]string { return nil }

func (a *fakeAgent) DetectActivity(output string) plugin.Activity {
	if output == "" {
		return plugin.Activity{State: plugin.ActivityExited}
	}
	return plugin.Activity{State: a.state}
}

func (a *fakeAgent) ActivityState(_ context.Context, _ plugin.SessionRef) (*plugin.Activity, error) {
	return nil, nil
}

func (a *fakeAgent) IsProcessRunning(_ context.Context, _ *plugin.RuntimeHandle) (bool, error) {
	return a.running, nil
}

func (a *fakeAgent) SessionInfo(_ context.Context, _ plugin.SessionRef) (*plugin.SessionInfo, error) {
	return nil, nil
}

// fakeWorkspace creates real temp directories so evidence files have a
// place to land.
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

func (w *fakeWorkspace) Destroy(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

func (w *fakeWorkspace) List(_ context.Context, _ string) ([]*plugin.WorkspaceInfo, error) {
	return nil, nil
}

// fakeTracker serves scripted issues and names branches feat/<id>.
type fakeTracker struct {
	issues map[string]*plugin.Issue
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{issues: map[string]*plugin.Issue{}}
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

// fakeSCM answers every PR probe from scripted state.
type fakeSCM struct {
	mu          sync.Mutex
	pr          *plugin.PullRequest
	prState     plugin.PRState
	ciState     plugin.CIState
	checks      []plugin.CICheck
	decision    plugin.ReviewDecision
	comments    []plugin.Comment
	commentsErr error
	mergeable   bool
	merged      []int
}

func newFakeSCM() *fakeSCM {
	return &fakeSCM{prState: plugin.PRStateOpen, ciState: plugin.CIPassing, mergeable: true}
}

func (s *fakeSCM) DetectPR(_ context.Context, _ plugin.SessionRef, _ plugin.ProjectInfo) (*plugin.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pr, nil
}

func (s *fakeSCM) PRState(_ context.Context, _ *plugin.PullRequest) (plugin.PRState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prState, nil
}

func (s *fakeSCM) CISummary(_ context.Context, _ *plugin.PullRequest) (*plugin.CISummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &plugin.CISummary{State: s.ciState}, nil
}

func (s *fakeSCM) CIChecks(_ context.Context, _ *plugin.PullRequest) ([]plugin.CICheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks, nil
}

func (s *fakeSCM) ReviewDecision(_ context.Context, _ *plugin.PullRequest) (plugin.ReviewDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision, nil
}

func (s *fakeSCM) PendingComments(_ context.Context, _ *plugin.PullRequest) ([]plugin.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comments, s.commentsErr
}

func (s *fakeSCM) Mergeability(_ context.Context, _ *plugin.PullRequest) (*plugin.Mergeability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &plugin.Mergeability{Mergeable: s.mergeable}, nil
}

func (s *fakeSCM) MergePR(_ context.Context, pr *plugin.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, pr.Number)
	return nil
}

func (s *fakeSCM) ClosePR(_ context.Context, _ *plugin.PullRequest) error { return nil }

func (s *fakeSCM) setComments(comments []plugin.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = comments
	s.commentsErr = nil
}

// fakeNotifier records delivered notifications.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []plugin.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note plugin.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, note)
	return nil
}

func (n *fakeNotifier) notifications() []plugin.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]plugin.Notification(nil), n.calls...)
}

// countingBus records published events without delivering them.
type countingBus struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (b *countingBus) Publish(_ context.Context, _ string, event *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *countingBus) Subscribe(_ string, _ bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *countingBus) QueueSubscribe(_, _ string, _ bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *countingBus) Close()            {}
func (b *countingBus) IsConnected() bool { return true }

func (b *countingBus) ofType(eventType string) []*bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*bus.Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agentorch/agentorch/internal/common/config"
	"github.com/agentorch/agentorch/internal/common/errors"
	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/events/bus"
	"github.com/agentorch/agentorch/internal/lifecycle"
	"github.com/agentorch/agentorch/internal/metrics"
	"github.com/agentorch/agentorch/internal/plugin"
	"github.com/agentorch/agentorch/internal/scheduler"
	"github.com/agentorch/agentorch/internal/session"
)

type testServer struct {
	engine   *gin.Engine
	sessions *session.Manager
	sched    *scheduler.Scheduler
	recorder *metrics.Recorder
	runtime  *fakeRuntime
	tracker  *fakeTracker
}

func newTestServer(t *testing.T, withScheduler bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:  dataDir,
		FilePath: filepath.Join(dataDir, "orchestrator.yaml"),
		Lifecycle: config.LifecycleConfig{
			PollInterval:       3600,
			OutputProbeLines:   50,
			SessionConcurrency: 2,
		},
		Scheduler: config.SchedulerConfig{
			Enabled:         withScheduler,
			MaxConcurrent:   1,
			ProcessInterval: 3600,
		},
		Projects: map[string]config.ProjectConfig{
			"my-app": {
				Path:          t.TempDir(),
				DefaultBranch: "main",
				SessionPrefix: "app",
				Runtime:       "fake",
				Agent:         "fake",
				Workspace:     "fake",
				SCM:           "fake",
				Tracker:       "fake",
			},
		},
	}

	log := logger.Default()
	registry := plugin.NewRegistry(log)
	srv := &testServer{
		runtime: &fakeRuntime{},
		tracker: &fakeTracker{issues: map[string]*plugin.Issue{}},
	}
	for slot, impl := range map[plugin.Slot]interface{}{
		plugin.SlotRuntime:   srv.runtime,
		plugin.SlotAgent:     &fakeAgent{},
		plugin.SlotWorkspace: &fakeWorkspace{root: t.TempDir()},
		plugin.SlotTracker:   srv.tracker,
		plugin.SlotSCM:       &fakeSCM{},
	} {
		if err := registry.Register(slot, "fake", impl); err != nil {
			t.Fatalf("register %s: %v", slot, err)
		}
	}

	manager, err := session.NewManager(cfg, registry, log)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	srv.recorder = metrics.NewRecorder(log)
	baseDir, err := manager.ProjectBaseDir("my-app")
	if err != nil {
		t.Fatalf("ProjectBaseDir: %v", err)
	}
	srv.recorder.RegisterProject("my-app", baseDir)

	lc := lifecycle.NewManager(cfg, manager, registry, bus.NewMemoryEventBus(log), srv.recorder, log)
	if withScheduler {
		srv.sched = scheduler.New(cfg.Scheduler, manager, log)
	}

	engine := gin.New()
	SetupHealth(engine)
	SetupRoutes(engine.Group("/api/v1"), NewHandler(manager, lc, srv.sched, srv.recorder, log))

	srv.engine = engine
	srv.sessions = manager
	return srv
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, false)

	w := srv.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", w.Code)
	}
}

func TestSpawnAndGetSession(t *testing.T) {
	srv := newTestServer(t, false)
	srv.tracker.issues["INT-1"] = &plugin.Issue{ID: "INT-1", Title: "Add login"}

	w := srv.do(t, http.MethodPost, "/api/v1/sessions", gin.H{
		"project_id": "my-app",
		"issue_id":   "INT-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("spawn = %d, body %s", w.Code, w.Body.String())
	}

	var created session.Session
	decode(t, w, &created)
	if created.ID != "app-1" {
		t.Errorf("session id = %q, want app-1", created.ID)
	}
	if created.Branch != "feat/INT-1" {
		t.Errorf("branch = %q, want feat/INT-1", created.Branch)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/sessions/app-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var got session.Session
	decode(t, w, &got)
	if got.IssueID != "INT-1" {
		t.Errorf("issue id = %q, want INT-1", got.IssueID)
	}
}

func TestSpawnUnknownProject(t *testing.T) {
	srv := newTestServer(t, false)

	w := srv.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"project_id": "ghost"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("spawn = %d, want 400", w.Code)
	}
	var appErr errors.AppError
	decode(t, w, &appErr)
	if appErr.Code != errors.ErrCodeUnknownProject {
		t.Errorf("code = %q, want %q", appErr.Code, errors.ErrCodeUnknownProject)
	}
}

func TestSpawnValidationFailure(t *testing.T) {
	srv := newTestServer(t, false)

	w := srv.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"prompt": "no project"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("spawn = %d, want 400", w.Code)
	}
}

func TestListSessionsFiltersByProject(t *testing.T) {
	srv := newTestServer(t, false)

	for i := 0; i < 2; i++ {
		w := srv.do(t, http.MethodPost, "/api/v1/sessions", gin.H{
			"project_id": "my-app",
			"prompt":     "ad-hoc",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("spawn = %d", w.Code)
		}
	}

	var resp struct {
		Sessions []session.Session `json:"sessions"`
		Total    int               `json:"total"`
	}
	w := srv.do(t, http.MethodGet, "/api/v1/sessions?project=my-app", nil)
	decode(t, w, &resp)
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/sessions?project=other", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("list unknown project = %d, want 400", w.Code)
	}
}

func TestKillSession(t *testing.T) {
	srv := newTestServer(t, false)
	srv.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"project_id": "my-app", "prompt": "x"})

	w := srv.do(t, http.MethodDelete, "/api/v1/sessions/app-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("kill = %d, body %s", w.Code, w.Body.String())
	}

	w = srv.do(t, http.MethodGet, "/api/v1/sessions/app-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after kill = %d, want 404", w.Code)
	}
}

func TestSendMessage(t *testing.T) {
	srv := newTestServer(t, false)
	srv.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"project_id": "my-app", "prompt": "x"})

	w := srv.do(t, http.MethodPost, "/api/v1/sessions/app-1/send", gin.H{"message": "please rebase"})
	if w.Code != http.StatusOK {
		t.Fatalf("send = %d, body %s", w.Code, w.Body.String())
	}
	if len(srv.runtime.sent) == 0 {
		t.Fatal("no message reached the runtime")
	}

	w = srv.do(t, http.MethodPost, "/api/v1/sessions/nope/send", gin.H{"message": "hello"})
	if w.Code != http.StatusNotFound {
		t.Errorf("send to missing session = %d, want 404", w.Code)
	}

	w = srv.do(t, http.MethodPost, "/api/v1/sessions/app-1/send", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("send without message = %d, want 400", w.Code)
	}
}

func TestCleanup(t *testing.T) {
	srv := newTestServer(t, false)
	srv.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"project_id": "my-app", "prompt": "x"})

	w := srv.do(t, http.MethodPost, "/api/v1/cleanup", gin.H{"project_id": "my-app"})
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup = %d, body %s", w.Code, w.Body.String())
	}
	var result session.CleanupResult
	decode(t, w, &result)
	// fake runtime reports alive, so the active session survives
	if len(result.Killed) != 0 {
		t.Errorf("killed = %v, want none", result.Killed)
	}
}

func TestBatchSpawnQueuesAndAdmits(t *testing.T) {
	srv := newTestServer(t, true)

	w := srv.do(t, http.MethodPost, "/api/v1/spawn/batch", gin.H{
		"requests": []gin.H{
			{"project_id": "my-app", "prompt": "first", "priority": 5},
			{"project_id": "my-app", "prompt": "second"},
		},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("batch = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Tickets []struct {
			ID        string `json:"id"`
			ProjectID string `json:"project_id"`
		} `json:"tickets"`
		Total int `json:"total"`
	}
	decode(t, w, &resp)
	if resp.Total != 2 {
		t.Fatalf("tickets = %d, want 2", resp.Total)
	}

	// MaxConcurrent is 1: one admitted immediately, one still queued.
	stats := srv.sched.GetStats()
	if stats.TotalSpawned != 1 {
		t.Errorf("spawned = %d, want 1", stats.TotalSpawned)
	}
	if stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", stats.Queued)
	}
}

func TestBatchSpawnWithoutScheduler(t *testing.T) {
	srv := newTestServer(t, false)

	w := srv.do(t, http.MethodPost, "/api/v1/spawn/batch", gin.H{
		"requests": []gin.H{{"project_id": "my-app"}},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("batch = %d, want 503", w.Code)
	}
}

func TestOutcomesEndpoint(t *testing.T) {
	srv := newTestServer(t, false)
	srv.recorder.RecordTransition("my-app", "app-1", "working", "pr_open", "session.pr_open", "")
	srv.recorder.RecordTransition("my-app", "app-1", "pr_open", "merged", "merge.completed", "")

	var resp struct {
		Outcomes []metrics.Transition `json:"outcomes"`
		Total    int                  `json:"total"`
	}
	w := srv.do(t, http.MethodGet, "/api/v1/projects/my-app/outcomes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("outcomes = %d", w.Code)
	}
	decode(t, w, &resp)
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/projects/my-app/outcomes?limit=1", nil)
	decode(t, w, &resp)
	if resp.Total != 1 || resp.Outcomes[0].To != "merged" {
		t.Errorf("limited outcomes = %+v, want the latest transition only", resp.Outcomes)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/projects/my-app/outcomes?limit=nope", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, true)

	var resp struct {
		LifecycleRunning bool `json:"lifecycle_running"`
		Scheduler        *struct {
			Running       bool `json:"running"`
			MaxConcurrent int  `json:"max_concurrent"`
		} `json:"scheduler"`
	}
	w := srv.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	decode(t, w, &resp)
	if resp.LifecycleRunning {
		t.Error("lifecycle reported running before Start")
	}
	if resp.Scheduler == nil || resp.Scheduler.MaxConcurrent != 1 {
		t.Errorf("scheduler status = %+v, want max_concurrent 1", resp.Scheduler)
	}
}

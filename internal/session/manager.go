package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/config"
	"github.com/agentorch/agentorch/internal/common/constants"
	apperrors "github.com/agentorch/agentorch/internal/common/errors"
	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/evidence"
	"github.com/agentorch/agentorch/internal/metadata"
	"github.com/agentorch/agentorch/internal/paths"
	"github.com/agentorch/agentorch/internal/plugin"
)

// PlanTask references a validated plan item when the spawn policy demands
// planned work.
type PlanTask struct {
	ID        string
	PlanID    string
	Validated bool
}

// SpawnRequest carries the parameters for creating a session.
type SpawnRequest struct {
	ProjectID string
	IssueID   string
	Branch    string
	Prompt    string
	PlanTask  *PlanTask

	// Agent and Runtime override the project's configured plugins.
	Agent   string
	Runtime string

	// Role tags the session purpose (verifier, reviewer); empty for
	// workers. Extra is merged into the initial metadata so gate
	// bookkeeping lands in the same durable record.
	Role  string
	Extra map[string]string
}

// OrchestratorRequest carries the parameters for spawning the project-level
// overseer session.
type OrchestratorRequest struct {
	ProjectID    string
	SystemPrompt string
}

// CleanupResult summarises one cleanup pass.
type CleanupResult struct {
	Killed  []string `json:"killed"`
	Skipped []string `json:"skipped"`
}

// Manager implements the session lifecycle-independent operations. One
// instance serves all configured projects; per-project state lives in
// separate metadata stores derived from the config and project paths.
type Manager struct {
	cfg      *config.Config
	registry *plugin.Registry
	logger   *logger.Logger

	dataRoot string
	stores   map[string]*metadata.Store
	baseDirs map[string]string

	// spawnMu serialises id allocation across concurrent spawns. Allocation
	// scans the store, so two unserialised spawns could pick the same N.
	spawnMu sync.Mutex
}

// NewManager creates a session manager over the configured projects.
func NewManager(cfg *config.Config, registry *plugin.Registry, log *logger.Logger) (*Manager, error) {
	root, err := paths.ExpandHome(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		dataRoot: root,
		stores:   make(map[string]*metadata.Store),
		baseDirs: make(map[string]string),
	}
	for id, project := range cfg.Projects {
		projectPath, err := paths.ExpandHome(project.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve project %s path: %w", id, err)
		}
		base := paths.ProjectBaseDirIn(root, cfg.FilePath, projectPath)
		m.baseDirs[id] = base
		m.stores[id] = metadata.NewStore(paths.SessionsDir(base))
	}
	return m, nil
}

// DataRoot returns the resolved orchestrator data directory.
func (m *Manager) DataRoot() string { return m.dataRoot }

// Store returns the metadata store for a project. The lifecycle manager
// uses it to persist its derived keys.
func (m *Manager) Store(projectID string) (*metadata.Store, error) {
	store, ok := m.stores[projectID]
	if !ok {
		return nil, apperrors.UnknownProject(projectID)
	}
	return store, nil
}

// ProjectBaseDir returns the per-project state directory.
func (m *Manager) ProjectBaseDir(projectID string) (string, error) {
	base, ok := m.baseDirs[projectID]
	if !ok {
		return "", apperrors.UnknownProject(projectID)
	}
	return base, nil
}

// ProjectInfoFor returns the plugin-facing view of a configured project.
func (m *Manager) ProjectInfoFor(projectID string) (plugin.ProjectInfo, bool) {
	project, ok := m.cfg.Project(projectID)
	if !ok {
		return plugin.ProjectInfo{}, false
	}
	return m.projectInfo(projectID, project), true
}

// Spawn creates a new session: allocates an id, provisions a workspace,
// launches the agent through the runtime, and persists the metadata record.
// Resources created before a failure are torn down best-effort.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	project, ok := m.cfg.Project(req.ProjectID)
	if !ok {
		return nil, apperrors.UnknownProject(req.ProjectID)
	}
	if m.cfg.Policies.Spawn.RequireValidatedPlanTask {
		if req.PlanTask == nil || !req.PlanTask.Validated {
			return nil, apperrors.SpawnPolicy("spawn requires a validated plan task")
		}
	}

	info := m.projectInfo(req.ProjectID, project)

	// Tracker lookup happens before any resource exists. An unknown issue
	// id is ad-hoc mode; every other tracker failure aborts.
	var tracker plugin.Tracker
	var issue *plugin.Issue
	if project.Tracker != "" {
		t, err := m.registry.Tracker(project.Tracker)
		if err != nil {
			return nil, err
		}
		tracker = t
	}
	if req.IssueID != "" && tracker != nil {
		probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
		found, err := tracker.GetIssue(probeCtx, req.IssueID, info)
		cancel()
		switch {
		case err == nil:
			issue = found
		case errors.Is(err, plugin.ErrIssueNotFound):
			// ad-hoc: record the id verbatim, no issue context
		default:
			return nil, apperrors.TrackerAuthFailure(req.IssueID, err)
		}
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	store := m.stores[req.ProjectID]
	id, err := m.allocateID(store, m.sessionPrefix(req.ProjectID, project))
	if err != nil {
		return nil, apperrors.Wrap(err, "allocate session id")
	}

	branch := req.Branch
	if branch == "" {
		branch = branchName(tracker, req.IssueID, id, info)
	}

	return m.provision(ctx, provisionSpec{
		id:      id,
		project: project,
		info:    info,
		req:     req,
		issue:   issue,
		tracker: tracker,
		branch:  branch,
	})
}

// SpawnOrchestrator creates the project-level overseer session. It runs in
// the project's own checkout (no workspace creation), on the default
// branch, under the fixed id <prefix>-orchestrator. A system prompt is
// written to disk and passed by path so long prompts survive terminal
// send limits.
func (m *Manager) SpawnOrchestrator(ctx context.Context, req OrchestratorRequest) (*Session, error) {
	project, ok := m.cfg.Project(req.ProjectID)
	if !ok {
		return nil, apperrors.UnknownProject(req.ProjectID)
	}
	info := m.projectInfo(req.ProjectID, project)

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	store := m.stores[req.ProjectID]
	id := paths.OrchestratorSessionID(m.sessionPrefix(req.ProjectID, project))
	if existing, err := store.Read(id); err != nil {
		return nil, apperrors.Wrap(err, "read orchestrator metadata")
	} else if existing != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("orchestrator session '%s' already exists", id))
	}

	promptFile := ""
	if req.SystemPrompt != "" {
		promptFile = paths.OrchestratorPromptFile(m.baseDirs[req.ProjectID])
		if err := os.MkdirAll(filepath.Dir(promptFile), 0o755); err != nil {
			return nil, apperrors.Wrap(err, "create project state dir")
		}
		if err := os.WriteFile(promptFile, []byte(req.SystemPrompt), 0o644); err != nil {
			return nil, apperrors.Wrap(err, "write orchestrator prompt")
		}
	}

	projectPath, err := paths.ExpandHome(project.Path)
	if err != nil {
		return nil, apperrors.Wrap(err, "resolve project path")
	}

	return m.provision(ctx, provisionSpec{
		id:         id,
		project:    project,
		info:       info,
		req:        SpawnRequest{ProjectID: req.ProjectID, Role: RoleOrchestrator},
		branch:     project.DefaultBranch,
		workspace:  projectPath,
		promptFile: promptFile,
	})
}

// provisionSpec gathers everything provision needs after the per-operation
// preamble (policy, tracker, id allocation) has run.
type provisionSpec struct {
	id      string
	project config.ProjectConfig
	info    plugin.ProjectInfo
	req     SpawnRequest
	issue   *plugin.Issue
	tracker plugin.Tracker
	branch  string

	// workspace, when non-empty, skips workspace creation and uses the
	// given path directly (orchestrator sessions).
	workspace  string
	promptFile string
}

// provision performs the resource-creating tail of a spawn: workspace,
// evidence skeletons, launch command, runtime. On failure it tears down
// whatever was created before surfacing.
func (m *Manager) provision(ctx context.Context, spec provisionSpec) (*Session, error) {
	agentName := spec.req.Agent
	if agentName == "" {
		agentName = spec.project.Agent
	}
	runtimeName := spec.req.Runtime
	if runtimeName == "" {
		runtimeName = spec.project.Runtime
	}

	agent, err := m.registry.Agent(agentName)
	if err != nil {
		return nil, err
	}
	runtime, err := m.registry.Runtime(runtimeName)
	if err != nil {
		return nil, err
	}

	workspacePath := spec.workspace
	ownWorkspace := false
	var workspacePlugin plugin.Workspace
	if workspacePath == "" {
		workspacePlugin, err = m.registry.Workspace(spec.project.Workspace)
		if err != nil {
			return nil, err
		}
		wsCtx, cancel := context.WithTimeout(ctx, constants.SpawnTimeout)
		wsInfo, err := workspacePlugin.Create(wsCtx, plugin.WorkspaceCreateConfig{
			ProjectID: spec.req.ProjectID,
			SessionID: spec.id,
			Branch:    spec.branch,
			Project:   spec.info,
		})
		cancel()
		if err != nil {
			return nil, apperrors.Wrap(err, "create workspace")
		}
		workspacePath = wsInfo.Path
		ownWorkspace = true
	}

	teardown := func() {
		tdCtx, cancel := context.WithTimeout(context.Background(), constants.TeardownTimeout)
		defer cancel()
		if ownWorkspace && workspacePlugin != nil {
			if err := workspacePlugin.Destroy(tdCtx, workspacePath); err != nil {
				m.logger.Warn("spawn teardown: workspace destroy failed",
					zap.String("session_id", spec.id), zap.Error(err))
			}
		}
	}

	evidenceDir := evidence.Dir(workspacePath, spec.id)
	if err := evidence.WriteSkeletons(evidenceDir); err != nil {
		teardown()
		return nil, apperrors.Wrap(err, "write evidence skeletons")
	}

	prompt := spec.req.Prompt
	if spec.issue != nil {
		if prompt == "" && spec.tracker != nil {
			prompt = spec.tracker.GeneratePrompt(spec.issue, spec.info)
		}
		if spec.issue.AcceptanceContract != "" {
			prompt = prompt + "\n\nAcceptance contract:\n" + spec.issue.AcceptanceContract
		}
	}

	launchCfg := plugin.LaunchConfig{
		SessionID:     spec.id,
		ProjectID:     spec.req.ProjectID,
		IssueID:       spec.req.IssueID,
		WorkspacePath: workspacePath,
		Branch:        spec.branch,
		Prompt:        prompt,
		PromptFile:    spec.promptFile,
		Role:          spec.req.Role,
		Extra:         spec.project.Settings,
	}

	if hooks, ok := agent.(plugin.WorkspaceHooksAgent); ok {
		if err := hooks.SetupWorkspaceHooks(ctx, workspacePath, launchCfg); err != nil {
			teardown()
			return nil, apperrors.Wrap(err, "setup workspace hooks")
		}
	}

	command, err := agent.LaunchCommand(launchCfg)
	if err != nil {
		teardown()
		return nil, apperrors.Wrap(err, "compose launch command")
	}

	env := map[string]string{}
	for k, v := range agent.Environment(launchCfg) {
		env[k] = v
	}
	env["AO_SESSION_ID"] = spec.id
	env["AO_EVIDENCE_DIR"] = evidenceDir
	env["AO_EVIDENCE_SCHEMA_VERSION"] = evidence.SchemaVersion
	env["AO_DATA_DIR"] = m.dataRoot
	if spec.req.ProjectID != "" {
		env["AO_PROJECT_ID"] = spec.req.ProjectID
	}
	if spec.req.IssueID != "" {
		env["AO_ISSUE_ID"] = spec.req.IssueID
	}

	rtCtx, cancel := context.WithTimeout(ctx, constants.SpawnTimeout)
	handle, err := runtime.Create(rtCtx, plugin.RuntimeCreateConfig{
		SessionID:     spec.id,
		WorkspacePath: workspacePath,
		LaunchCommand: command,
		Environment:   env,
	})
	cancel()
	if err != nil {
		teardown()
		return nil, apperrors.Wrap(err, "create runtime")
	}

	now := time.Now()
	fields := metadata.Fields{
		KeyStatus:         string(StatusSpawning),
		KeyProject:        spec.req.ProjectID,
		KeyBranch:         spec.branch,
		KeyWorktree:       workspacePath,
		KeyAgent:          agentName,
		KeyRuntime:        runtimeName,
		KeyRuntimeHandle:  EncodeHandle(handle),
		KeyCreatedAt:      formatTime(now),
		KeyLastActivityAt: formatTime(now),
		KeyEvidenceDir:    evidenceDir,
	}
	if spec.req.IssueID != "" {
		fields[KeyIssue] = spec.req.IssueID
	}
	if spec.req.Role != "" {
		fields[KeyRole] = spec.req.Role
	}
	if spec.req.PlanTask != nil {
		fields[KeyPlanID] = spec.req.PlanTask.PlanID
		fields[KeyPlanTaskID] = spec.req.PlanTask.ID
		fields[KeyPlanTaskValidated] = fmt.Sprintf("%t", spec.req.PlanTask.Validated)
	}
	for k, v := range spec.req.Extra {
		fields[k] = v
	}

	store := m.stores[spec.req.ProjectID]
	if err := store.Write(spec.id, fields); err != nil {
		destroyCtx, cancel := context.WithTimeout(context.Background(), constants.TeardownTimeout)
		if derr := runtime.Destroy(destroyCtx, handle); derr != nil {
			m.logger.Warn("spawn teardown: runtime destroy failed",
				zap.String("session_id", spec.id), zap.Error(derr))
		}
		cancel()
		teardown()
		return nil, apperrors.Wrap(err, "persist session metadata")
	}

	if post, ok := agent.(plugin.PostLaunchAgent); ok {
		sess := fromFields(spec.id, fields)
		if err := post.PostLaunchSetup(ctx, sess.Ref()); err != nil {
			m.logger.Warn("post-launch setup failed",
				zap.String("session_id", spec.id), zap.Error(err))
		}
	}

	m.logger.Info("session spawned",
		zap.String("session_id", spec.id),
		zap.String("project_id", spec.req.ProjectID),
		zap.String("branch", spec.branch),
		zap.String("role", spec.req.Role))
	return fromFields(spec.id, fields), nil
}

// List returns the sessions of one project, or of every project when
// projectID is empty. Each session is projected with live runtime and
// agent signals; probe failures leave the stored view untouched.
func (m *Manager) List(ctx context.Context, projectID string) ([]*Session, error) {
	projectIDs := make([]string, 0, len(m.stores))
	if projectID != "" {
		if _, ok := m.stores[projectID]; !ok {
			return nil, apperrors.UnknownProject(projectID)
		}
		projectIDs = append(projectIDs, projectID)
	} else {
		for id := range m.stores {
			projectIDs = append(projectIDs, id)
		}
		sort.Strings(projectIDs)
	}

	sessions := make([]*Session, 0)
	for _, pid := range projectIDs {
		store := m.stores[pid]
		ids, err := store.List()
		if err != nil {
			return nil, apperrors.Wrap(err, "list sessions")
		}
		for _, id := range ids {
			fields, err := store.Read(id)
			if err != nil || fields == nil {
				continue
			}
			sess := fromFields(id, fields)
			if sess.ProjectID == "" {
				sess.ProjectID = pid
			}
			m.projectLiveState(ctx, store, sess)
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// Get returns one session by id, or nil when no project holds it.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	store, fields, err := m.find(id)
	if err != nil || fields == nil {
		return nil, err
	}
	sess := fromFields(id, fields)
	m.projectLiveState(ctx, store, sess)
	return sess, nil
}

// Kill retires a session: best-effort runtime destroy, best-effort
// workspace destroy, then metadata archive. Archive failure is the only
// failure; a session whose plugins are already gone still dies cleanly.
func (m *Manager) Kill(ctx context.Context, id string) error {
	store, fields, err := m.find(id)
	if err != nil {
		return err
	}
	if fields == nil {
		return apperrors.SessionNotFound(id)
	}
	sess := fromFields(id, fields)
	log := m.logger.WithSessionID(id)

	if sess.RuntimeHandle != nil {
		if runtime, err := m.runtimeFor(sess); err == nil {
			destroyCtx, cancel := context.WithTimeout(ctx, constants.TeardownTimeout)
			if err := runtime.Destroy(destroyCtx, sess.RuntimeHandle); err != nil {
				log.Debug("kill: runtime destroy failed", zap.Error(err))
			}
			cancel()
		}
	}

	if sess.WorkspacePath != "" && sess.Role != RoleOrchestrator {
		project, ok := m.cfg.Project(sess.ProjectID)
		if ok && project.Workspace != "" {
			if workspace, err := m.registry.Workspace(project.Workspace); err == nil {
				destroyCtx, cancel := context.WithTimeout(ctx, constants.TeardownTimeout)
				if err := workspace.Destroy(destroyCtx, sess.WorkspacePath); err != nil {
					log.Debug("kill: workspace destroy failed", zap.Error(err))
				}
				cancel()
			}
		}
	}

	if !sess.Status.Terminal() {
		if _, err := store.Update(id, metadata.Fields{KeyStatus: string(StatusKilled)}); err != nil {
			log.Debug("kill: status update failed", zap.Error(err))
		}
	}
	if _, err := store.Archive(id); err != nil {
		return apperrors.Wrap(err, "archive session metadata")
	}

	log.Info("session killed")
	return nil
}

// Send delivers a message to the session's runtime. A session persisted
// without a handle gets a synthesised default handle so recovery tooling
// can still reach it.
func (m *Manager) Send(ctx context.Context, id, message string) error {
	_, fields, err := m.find(id)
	if err != nil {
		return err
	}
	if fields == nil {
		return apperrors.SessionNotFound(id)
	}
	sess := fromFields(id, fields)

	runtime, err := m.runtimeFor(sess)
	if err != nil {
		return err
	}
	handle := sess.RuntimeHandle
	if handle == nil {
		handle = &plugin.RuntimeHandle{ID: id, RuntimeName: m.runtimeNameFor(sess)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, constants.SendTimeout)
	defer cancel()
	if err := runtime.SendMessage(sendCtx, handle, message); err != nil {
		return apperrors.Wrap(err, "send message")
	}
	return nil
}

// Restore brings a retired session back: re-provisions the workspace when
// it is gone and restorable, destroys the stale runtime handle, relaunches
// the agent (resume command when the agent supports it), and updates the
// metadata in place so createdAt, issue, pr, and summary survive.
func (m *Manager) Restore(ctx context.Context, id string) (*Session, error) {
	store, fields, err := m.find(id)
	if err != nil {
		return nil, err
	}

	fromArchive := false
	if fields == nil {
		for _, pid := range m.projectIDs() {
			archived, err := m.stores[pid].ReadArchived(id)
			if err != nil {
				return nil, apperrors.Wrap(err, "read archived metadata")
			}
			if archived != nil {
				store = m.stores[pid]
				fields = archived
				fromArchive = true
				break
			}
		}
	}
	if fields == nil {
		return nil, apperrors.SessionNotFound(id)
	}

	sess := fromFields(id, fields)
	if !sess.Status.Restorable() {
		return nil, apperrors.SessionNotRestorable(id, string(sess.Status))
	}
	project, ok := m.cfg.Project(sess.ProjectID)
	if !ok {
		return nil, apperrors.UnknownProject(sess.ProjectID)
	}
	info := m.projectInfo(sess.ProjectID, project)

	if fromArchive {
		if _, err := store.RestoreFromArchive(id); err != nil {
			return nil, apperrors.Wrap(err, "restore metadata from archive")
		}
	}

	workspacePath, err := m.ensureWorkspace(ctx, sess, project, info)
	if err != nil {
		return nil, err
	}

	agentName := sess.AgentName
	if agentName == "" {
		agentName = project.Agent
	}
	agent, err := m.registry.Agent(agentName)
	if err != nil {
		return nil, err
	}
	runtime, err := m.runtimeFor(sess)
	if err != nil {
		return nil, err
	}

	if sess.RuntimeHandle != nil {
		destroyCtx, cancel := context.WithTimeout(ctx, constants.TeardownTimeout)
		if err := runtime.Destroy(destroyCtx, sess.RuntimeHandle); err != nil {
			m.logger.Debug("restore: stale runtime destroy failed",
				zap.String("session_id", id), zap.Error(err))
		}
		cancel()
	}

	launchCfg := plugin.LaunchConfig{
		SessionID:     id,
		ProjectID:     sess.ProjectID,
		IssueID:       sess.IssueID,
		WorkspacePath: workspacePath,
		Branch:        sess.Branch,
		Role:          sess.Role,
		Extra:         project.Settings,
	}
	command := ""
	if restorable, ok := agent.(plugin.RestorableAgent); ok {
		if cmd, ok := restorable.RestoreCommand(launchCfg); ok {
			command = cmd
		}
	}
	if command == "" {
		command, err = agent.LaunchCommand(launchCfg)
		if err != nil {
			return nil, apperrors.Wrap(err, "compose launch command")
		}
	}

	env := map[string]string{}
	for k, v := range agent.Environment(launchCfg) {
		env[k] = v
	}
	env["AO_SESSION_ID"] = id
	env["AO_EVIDENCE_DIR"] = evidence.Dir(workspacePath, id)
	env["AO_EVIDENCE_SCHEMA_VERSION"] = evidence.SchemaVersion
	env["AO_DATA_DIR"] = m.dataRoot
	if sess.ProjectID != "" {
		env["AO_PROJECT_ID"] = sess.ProjectID
	}
	if sess.IssueID != "" {
		env["AO_ISSUE_ID"] = sess.IssueID
	}

	rtCtx, cancel := context.WithTimeout(ctx, constants.SpawnTimeout)
	handle, err := runtime.Create(rtCtx, plugin.RuntimeCreateConfig{
		SessionID:     id,
		WorkspacePath: workspacePath,
		LaunchCommand: command,
		Environment:   env,
	})
	cancel()
	if err != nil {
		return nil, apperrors.Wrap(err, "create runtime")
	}

	updated, err := store.Update(id, metadata.Fields{
		KeyStatus:        string(StatusSpawning),
		KeyRestoredAt:    formatTime(time.Now()),
		KeyRuntimeHandle: EncodeHandle(handle),
		KeyWorktree:      workspacePath,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "update session metadata")
	}

	m.logger.Info("session restored", zap.String("session_id", id))
	return fromFields(id, updated), nil
}

// Cleanup kills every session whose work is finished or whose agent
// process is gone: PR merged, tracker issue completed, or runtime dead.
func (m *Manager) Cleanup(ctx context.Context, projectID string) (*CleanupResult, error) {
	sessions, err := m.List(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Killed: []string{}, Skipped: []string{}}
	for _, sess := range sessions {
		reason := m.cleanupReason(ctx, sess)
		if reason == "" {
			result.Skipped = append(result.Skipped, sess.ID)
			continue
		}
		log := m.logger.WithSessionID(sess.ID)

		store := m.stores[sess.ProjectID]
		if store != nil && !sess.Status.Terminal() {
			if _, err := store.Update(sess.ID, metadata.Fields{KeyStatus: string(StatusCleanup)}); err != nil {
				log.Debug("cleanup: status update failed", zap.Error(err))
			}
		}
		if err := m.Kill(ctx, sess.ID); err != nil {
			log.Warn("cleanup: kill failed", zap.Error(err))
			result.Skipped = append(result.Skipped, sess.ID)
			continue
		}
		log.Info("cleanup: session killed", zap.String("reason", reason))
		result.Killed = append(result.Killed, sess.ID)
	}
	return result, nil
}

// cleanupReason decides whether a session is reclaimable and why. Probe
// failures keep the session alive.
func (m *Manager) cleanupReason(ctx context.Context, sess *Session) string {
	project, ok := m.cfg.Project(sess.ProjectID)
	if !ok {
		return ""
	}
	info := m.projectInfo(sess.ProjectID, project)

	if sess.PR != nil && project.SCM != "" {
		if scm, err := m.registry.SCM(project.SCM); err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			state, err := scm.PRState(probeCtx, &plugin.PullRequest{Number: sess.PR.Number, URL: sess.PR.URL, Branch: sess.PR.Head})
			cancel()
			if err == nil && state == plugin.PRStateMerged {
				return "pr merged"
			}
		}
	}

	if sess.IssueID != "" && project.Tracker != "" {
		if tracker, err := m.registry.Tracker(project.Tracker); err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			issue, err := tracker.GetIssue(probeCtx, sess.IssueID, info)
			cancel()
			if err == nil && issue != nil && tracker.IsCompleted(issue) {
				return "issue completed"
			}
		}
	}

	if sess.RuntimeHandle != nil {
		if runtime, err := m.runtimeFor(sess); err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			alive, err := runtime.IsAlive(probeCtx, sess.RuntimeHandle)
			cancel()
			if err == nil && !alive {
				return "runtime dead"
			}
		}
	}
	return ""
}

// projectLiveState overlays runtime liveness and agent activity onto the
// stored projection. A dead runtime reports killed/exited without touching
// the persisted status; that transition belongs to the lifecycle manager.
func (m *Manager) projectLiveState(ctx context.Context, store *metadata.Store, sess *Session) {
	if sess.Status.Terminal() {
		return
	}

	if sess.RuntimeHandle != nil {
		runtime, err := m.runtimeFor(sess)
		if err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			alive, err := runtime.IsAlive(probeCtx, sess.RuntimeHandle)
			cancel()
			if err == nil && !alive {
				sess.Status = StatusKilled
				sess.Activity = plugin.ActivityExited
				return
			}
		}
	}

	agentName := sess.AgentName
	if agentName == "" {
		if project, ok := m.cfg.Project(sess.ProjectID); ok {
			agentName = project.Agent
		}
	}
	agent, err := m.registry.Agent(agentName)
	if err != nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	activity, err := agent.ActivityState(probeCtx, sess.Ref())
	cancel()
	if err != nil || activity == nil {
		// no signal either way; leave activity absent
		return
	}
	sess.Activity = activity.State
	if activity.ObservedAt.After(sess.LastActivity) {
		sess.LastActivity = activity.ObservedAt
		if _, err := store.Update(sess.ID, metadata.Fields{
			KeyLastActivityAt: formatTime(activity.ObservedAt),
		}); err != nil {
			m.logger.Debug("activity timestamp update failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}

// allocateID returns <prefix>-N for the smallest positive N unused across
// both active and archived metadata. IDs are never reissued; the archive
// scan is what keeps retired ordinals out of circulation.
func (m *Manager) allocateID(store *metadata.Store, prefix string) (string, error) {
	if !paths.ValidPrefix(prefix) {
		return "", fmt.Errorf("invalid session prefix %q", prefix)
	}

	used := make(map[int]struct{})
	active, err := store.List()
	if err != nil {
		return "", err
	}
	archived, err := store.ArchivedIDs()
	if err != nil {
		return "", err
	}
	for _, id := range append(active, archived...) {
		if n, isOrch, ok := paths.ParseSessionID(prefix, id); ok && !isOrch {
			used[n] = struct{}{}
		}
	}

	n := 1
	for {
		if _, taken := used[n]; !taken {
			return paths.SessionID(prefix, n), nil
		}
		n++
	}
}

// branchName derives the branch for a new session: the tracker's naming
// scheme when it has one, feat/<issueId> for tracked work, session/<id>
// otherwise.
func branchName(tracker plugin.Tracker, issueID, sessionID string, info plugin.ProjectInfo) string {
	if issueID != "" {
		if namer, ok := tracker.(plugin.BranchNamer); ok {
			if name := namer.BranchName(issueID, info); name != "" {
				return name
			}
		}
		return "feat/" + issueID
	}
	return "session/" + sessionID
}

func (m *Manager) sessionPrefix(projectID string, project config.ProjectConfig) string {
	if project.SessionPrefix != "" {
		return project.SessionPrefix
	}
	return paths.SanitizeName(projectID)
}

func (m *Manager) projectInfo(projectID string, project config.ProjectConfig) plugin.ProjectInfo {
	path := project.Path
	if abs, err := paths.ExpandHome(path); err == nil {
		path = abs
	}
	return plugin.ProjectInfo{
		ID:            projectID,
		Path:          path,
		DefaultBranch: project.DefaultBranch,
		SessionPrefix: m.sessionPrefix(projectID, project),
		Settings:      project.Settings,
	}
}

func (m *Manager) runtimeFor(sess *Session) (plugin.Runtime, error) {
	return m.registry.Runtime(m.runtimeNameFor(sess))
}

func (m *Manager) runtimeNameFor(sess *Session) string {
	if sess.RuntimeHandle != nil && sess.RuntimeHandle.RuntimeName != "" {
		return sess.RuntimeHandle.RuntimeName
	}
	if sess.RuntimeName != "" {
		return sess.RuntimeName
	}
	if project, ok := m.cfg.Project(sess.ProjectID); ok {
		return project.Runtime
	}
	return ""
}

func (m *Manager) ensureWorkspace(ctx context.Context, sess *Session, project config.ProjectConfig, info plugin.ProjectInfo) (string, error) {
	workspacePath := sess.WorkspacePath
	if sess.Role == RoleOrchestrator {
		return workspacePath, nil
	}

	missing := workspacePath == ""
	if !missing {
		if _, err := os.Stat(workspacePath); err != nil {
			missing = true
		}
	}

	var workspacePlugin plugin.Workspace
	if project.Workspace != "" {
		if wp, err := m.registry.Workspace(project.Workspace); err == nil {
			workspacePlugin = wp
		}
	}
	if !missing && workspacePlugin != nil {
		if checker, ok := workspacePlugin.(plugin.ExistenceChecker); ok {
			probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			exists, err := checker.Exists(probeCtx, workspacePath)
			cancel()
			if err == nil && !exists {
				missing = true
			}
		}
	}
	if !missing {
		return workspacePath, nil
	}

	restorable, ok := workspacePlugin.(plugin.RestorableWorkspace)
	if !ok {
		return "", apperrors.WorkspaceMissing(sess.ID, workspacePath)
	}
	wsCtx, cancel := context.WithTimeout(ctx, constants.SpawnTimeout)
	defer cancel()
	wsInfo, err := restorable.Restore(wsCtx, plugin.WorkspaceCreateConfig{
		ProjectID: sess.ProjectID,
		SessionID: sess.ID,
		Branch:    sess.Branch,
		Project:   info,
	})
	if err != nil {
		return "", apperrors.Wrap(err, "restore workspace")
	}
	return wsInfo.Path, nil
}

func (m *Manager) projectIDs() []string {
	ids := make([]string, 0, len(m.stores))
	for id := range m.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// find locates the active metadata for id across all project stores.
func (m *Manager) find(id string) (*metadata.Store, metadata.Fields, error) {
	for _, pid := range m.projectIDs() {
		fields, err := m.stores[pid].Read(id)
		if err != nil {
			return nil, nil, apperrors.Wrap(err, "read session metadata")
		}
		if fields != nil {
			return m.stores[pid], fields, nil
		}
	}
	return nil, nil, nil
}

// Package lifecycle runs the polling engine that advances sessions through
// the status graph: it synthesises a status from runtime, agent, SCM and
// evidence signals, gates completion behind verifier and reviewer agents,
// and fires configured reactions on transitions.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentorch/agentorch/internal/common/config"
	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/events"
	"github.com/agentorch/agentorch/internal/events/bus"
	"github.com/agentorch/agentorch/internal/metadata"
	"github.com/agentorch/agentorch/internal/metrics"
	"github.com/agentorch/agentorch/internal/plugin"
	"github.com/agentorch/agentorch/internal/session"
	"github.com/agentorch/agentorch/internal/tracing"
)

var (
	ErrAlreadyRunning = errors.New("lifecycle: manager already running")
	ErrNotRunning     = errors.New("lifecycle: manager not running")
)

// evalFailureLimit is how many consecutive evaluation panics a session
// absorbs before it is marked errored.
const evalFailureLimit = 3

// Sessions is the slice of the session manager the lifecycle loop needs.
type Sessions interface {
	List(ctx context.Context, projectID string) ([]*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
	Kill(ctx context.Context, id string) error
	Send(ctx context.Context, id, message string) error
	Store(projectID string) (*metadata.Store, error)
	ProjectInfoFor(projectID string) (plugin.ProjectInfo, bool)
}

// Manager is the polling supervisor. One instance serves all projects.
type Manager struct {
	cfg      *config.Config
	sessions Sessions
	registry *plugin.Registry
	bus      bus.EventBus
	metrics  *metrics.Recorder
	logger   *logger.Logger
	tracer   trace.Tracer

	interval   time.Duration
	probeLines int
	sem        *semaphore.Weighted

	mu               sync.RWMutex
	states           map[string]session.Status
	reactionTrackers map[string]map[string]*EscalationState
	evalFailures     map[string]int
	allCompleteSent  bool

	sweeping atomic.Bool

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, sessions Sessions, registry *plugin.Registry, eventBus bus.EventBus, recorder *metrics.Recorder, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	concurrency := cfg.Lifecycle.SessionConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	probeLines := cfg.Lifecycle.OutputProbeLines
	if probeLines < 1 {
		probeLines = 100
	}
	interval := cfg.Lifecycle.PollIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		cfg:              cfg,
		sessions:         sessions,
		registry:         registry,
		bus:              eventBus,
		metrics:          recorder,
		logger:           log.WithFields(zap.String("component", "lifecycle")),
		tracer:           tracing.Tracer("lifecycle"),
		interval:         interval,
		probeLines:       probeLines,
		sem:              semaphore.NewWeighted(int64(concurrency)),
		states:           make(map[string]session.Status),
		reactionTrackers: make(map[string]map[string]*EscalationState),
		evalFailures:     make(map[string]int),
	}
}

// Start launches the polling loop, performing one immediate sweep before
// the first tick.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx)
	m.logger.Info("lifecycle manager started", zap.Duration("interval", m.interval))
	return nil
}

// Stop cancels the timer. An in-flight sweep is allowed to finish.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("lifecycle manager stopped")
	return nil
}

// Running reports whether the polling loop is active.
func (m *Manager) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep evaluates every listed session once. Concurrent calls collapse:
// if a sweep is already in flight the call returns immediately, which is
// how the ticker skips over a slow sweep.
func (m *Manager) Sweep(ctx context.Context) {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.logger.Debug("sweep still in flight, skipping tick")
		return
	}
	defer m.sweeping.Store(false)

	ctx, span := m.tracer.Start(ctx, "lifecycle.sweep")
	defer span.End()

	sessions, err := m.sessions.List(ctx, "")
	if err != nil {
		m.logger.Warn("session list failed", zap.Error(err))
		return
	}

	evaluated := 0
	var wg sync.WaitGroup
	for _, sess := range sessions {
		if !m.needsEvaluation(sess) {
			continue
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		evaluated++
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			defer m.sem.Release(1)
			m.evaluate(ctx, sess)
		}(sess)
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Int("sessions.listed", len(sessions)),
		attribute.Int("sessions.evaluated", evaluated),
	)

	m.prune(sessions)
	m.checkAllComplete(ctx, sessions)
}

// needsEvaluation keeps terminal sessions out of the sweep, except for one
// final pass when the tracked status has not caught up (a session just
// reported killed by list still gets its transition handled once).
func (m *Manager) needsEvaluation(sess *session.Session) bool {
	if !sess.Status.Terminal() {
		return true
	}
	return m.trackedStatus(sess) != sess.Status
}

// evaluate runs one session through status determination and transition
// handling, with panic isolation and an errored escape hatch for sessions
// whose evaluation keeps blowing up.
func (m *Manager) evaluate(ctx context.Context, sess *session.Session) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session evaluation panicked",
				zap.String("session_id", sess.ID),
				zap.Any("panic", r))
			m.recordEvalFailure(ctx, sess)
		}
	}()

	ctx, span := m.tracer.Start(ctx, "lifecycle.evaluate",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("project.id", sess.ProjectID),
		))
	defer span.End()

	prev := m.trackedStatus(sess)

	var next session.Status
	if prev.Terminal() {
		// terminal is sticky; this pass only settles transition handling
		next = sess.Status
	} else {
		next = m.determineStatus(ctx, sess)
	}
	if next == "" {
		next = prev
	}
	span.SetAttributes(
		attribute.String("status.from", string(prev)),
		attribute.String("status.to", string(next)),
	)

	m.mu.Lock()
	m.states[sess.ID] = next
	delete(m.evalFailures, sess.ID)
	m.mu.Unlock()

	if next == prev {
		m.retryPending(ctx, sess)
		return
	}
	m.applyTransition(ctx, sess, prev, next)
}

// trackedStatus is the in-memory status when the session has been seen
// before, otherwise the persisted one. Falling back to the durable record
// rather than the listed projection means a session the listing just
// reported dead still gets its transition handled once.
func (m *Manager) trackedStatus(sess *session.Session) session.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[sess.ID]; ok {
		return st
	}
	if persisted := session.Status(sess.Metadata[session.KeyStatus]); persisted != "" {
		return persisted
	}
	return sess.Status
}

func (m *Manager) applyTransition(ctx context.Context, sess *session.Session, prev, next session.Status) {
	m.logger.Info("session transition",
		zap.String("session_id", sess.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))

	persisted := session.Status(sess.Metadata[session.KeyStatus])
	if persisted != next && !persisted.Terminal() {
		m.persistMeta(sess, metadata.Fields{session.KeyStatus: string(next)})
	}
	sess.Status = next

	eventType := eventForStatus(next)
	if eventType != "" {
		m.handleEvent(ctx, sess, eventType)
	}
	if m.metrics != nil {
		m.metrics.RecordTransition(sess.ProjectID, sess.ID,
			string(prev), string(next), eventType, eventReactions[eventType])
	}
}

// recordEvalFailure marks the session errored after repeated consecutive
// evaluation panics so it stops churning the sweep.
func (m *Manager) recordEvalFailure(ctx context.Context, sess *session.Session) {
	m.mu.Lock()
	m.evalFailures[sess.ID]++
	failures := m.evalFailures[sess.ID]
	m.mu.Unlock()

	if failures < evalFailureLimit || sess.Status.Terminal() {
		return
	}
	prev := m.trackedStatus(sess)
	m.mu.Lock()
	m.states[sess.ID] = session.StatusErrored
	delete(m.evalFailures, sess.ID)
	m.mu.Unlock()
	m.applyTransition(ctx, sess, prev, session.StatusErrored)
}

// prune drops in-memory state for sessions no longer listed.
func (m *Manager) prune(listed []*session.Session) {
	alive := make(map[string]struct{}, len(listed))
	for _, sess := range listed {
		alive[sess.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.states {
		if _, ok := alive[id]; !ok {
			delete(m.states, id)
			delete(m.reactionTrackers, id)
			delete(m.evalFailures, id)
		}
	}
}

// checkAllComplete emits summary.all_complete once when every session is
// terminal, re-arming as soon as a live session appears again.
func (m *Manager) checkAllComplete(ctx context.Context, sessions []*session.Session) {
	if len(sessions) == 0 {
		return
	}
	for _, sess := range sessions {
		if !m.trackedStatus(sess).Terminal() {
			m.mu.Lock()
			m.allCompleteSent = false
			m.mu.Unlock()
			return
		}
	}

	m.mu.Lock()
	sent := m.allCompleteSent
	m.allCompleteSent = true
	m.mu.Unlock()
	if sent {
		return
	}

	m.logger.Info("all sessions complete", zap.Int("count", len(sessions)))
	m.publish(ctx, events.BuildSummarySubject("all"),
		bus.NewEvent(events.SummaryAllComplete, "lifecycle-manager", map[string]interface{}{
			"session_count": len(sessions),
		}))
}

// persistMeta writes fields into the session's durable record and mirrors
// them into the in-memory projection. Best-effort: a write failure leaves
// the next sweep to reconcile.
func (m *Manager) persistMeta(sess *session.Session, fields metadata.Fields) {
	store, err := m.sessions.Store(sess.ProjectID)
	if err != nil {
		return
	}
	if _, err := store.Update(sess.ID, fields); err != nil {
		m.logger.Warn("metadata update failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string)
	}
	for k, v := range fields {
		if v == "" {
			delete(sess.Metadata, k)
			continue
		}
		sess.Metadata[k] = v
	}
}

func (m *Manager) scmFor(projectID string) plugin.SCM {
	project, ok := m.cfg.Project(projectID)
	if !ok || project.SCM == "" {
		return nil
	}
	scm, err := m.registry.SCM(project.SCM)
	if err != nil {
		return nil
	}
	return scm
}

func (m *Manager) runtimeFor(sess *session.Session) plugin.Runtime {
	name := sess.RuntimeName
	if name == "" && sess.RuntimeHandle != nil {
		name = sess.RuntimeHandle.RuntimeName
	}
	if name == "" {
		if project, ok := m.cfg.Project(sess.ProjectID); ok {
			name = project.Runtime
		}
	}
	rt, err := m.registry.Runtime(name)
	if err != nil {
		return nil
	}
	return rt
}

func (m *Manager) agentFor(sess *session.Session) plugin.Agent {
	name := sess.AgentName
	if name == "" {
		if project, ok := m.cfg.Project(sess.ProjectID); ok {
			name = project.Agent
		}
	}
	agent, err := m.registry.Agent(name)
	if err != nil {
		return nil
	}
	return agent
}

package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/appctx"
	"github.com/agentorch/agentorch/internal/common/config"
	"github.com/agentorch/agentorch/internal/common/constants"
	"github.com/agentorch/agentorch/internal/events"
	"github.com/agentorch/agentorch/internal/events/bus"
	"github.com/agentorch/agentorch/internal/metadata"
	"github.com/agentorch/agentorch/internal/paths"
	"github.com/agentorch/agentorch/internal/session"
)

// Level is a rung on the escalation ladder for send-to-agent reactions.
// Levels only ever advance: worker → verifier → orchestrator → human.
type Level string

const (
	LevelWorker       Level = "worker"
	LevelVerifier     Level = "verifier"
	LevelOrchestrator Level = "orchestrator"
	LevelHuman        Level = "human"
)

// next returns the following rung; human is terminal.
func (l Level) next() (Level, bool) {
	switch l {
	case LevelWorker:
		return LevelVerifier, true
	case LevelVerifier:
		return LevelOrchestrator, true
	case LevelOrchestrator:
		return LevelHuman, true
	}
	return LevelHuman, false
}

// Promotion reasons recorded in escalation history.
const (
	ReasonRetryCount    = "retry_count"
	ReasonTimeThreshold = "time_threshold"
)

// MetaKeyEscalationState is the metadata key holding the serialized
// per-reaction escalation map on the worker session.
const MetaKeyEscalationState = "escalationState"

// EscalationTransition is one recorded ladder promotion.
type EscalationTransition struct {
	From            Level  `json:"from"`
	To              Level  `json:"to"`
	At              string `json:"at"`
	Reason          string `json:"reason"`
	AttemptsInLevel int    `json:"attemptsInLevel"`
	TotalAttempts   int    `json:"totalAttempts"`
	ElapsedMs       int64  `json:"elapsedMs"`
}

// EscalationState is the durable ladder position for one (session,
// reaction key) pair. Timestamps are RFC3339 strings so the metadata file
// stays human-readable.
type EscalationState struct {
	Level            Level                  `json:"level"`
	FirstTriggeredAt string                 `json:"firstTriggeredAt"`
	LevelEnteredAt   string                 `json:"levelEnteredAt"`
	LastTriggeredAt  string                 `json:"lastTriggeredAt,omitempty"`
	AttemptsInLevel  int                    `json:"attemptsInLevel"`
	TotalAttempts    int                    `json:"totalAttempts"`
	History          []EscalationTransition `json:"history,omitempty"`
}

// escalationPolicy is the resolved retry/time budget per level.
type escalationPolicy struct {
	retryCounts map[Level]int
	thresholds  map[Level]*int64
}

// resolveEscalationPolicy turns a reaction config into concrete per-level
// budgets. The retries shorthand applies the same count at every level;
// with nothing configured each level gets two retries and no time
// threshold.
func resolveEscalationPolicy(rc config.ReactionConfig) escalationPolicy {
	pol := escalationPolicy{
		retryCounts: map[Level]int{LevelWorker: 2, LevelVerifier: 2, LevelOrchestrator: 2},
		thresholds:  map[Level]*int64{},
	}
	if rc.Retries != nil {
		n := *rc.Retries
		pol.retryCounts = map[Level]int{LevelWorker: n, LevelVerifier: n, LevelOrchestrator: n}
	}
	if rc.Escalation != nil {
		pol.retryCounts = map[Level]int{
			LevelWorker:       rc.Escalation.RetryCounts.Worker,
			LevelVerifier:     rc.Escalation.RetryCounts.Verifier,
			LevelOrchestrator: rc.Escalation.RetryCounts.Orchestrator,
		}
		pol.thresholds = map[Level]*int64{
			LevelWorker:       rc.Escalation.TimeThresholdsMs.Worker,
			LevelVerifier:     rc.Escalation.TimeThresholdsMs.Verifier,
			LevelOrchestrator: rc.Escalation.TimeThresholdsMs.Orchestrator,
		}
	}
	return pol
}

func escalationTS(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseEscalationTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// runSendReaction drives one tick of the ladder for a send-to-agent
// reaction: promote on stale time thresholds, stop at human, otherwise
// attempt the send and promote on exhausted retries. A successful send
// clears the tracker entirely.
func (m *Manager) runSendReaction(ctx context.Context, sess *session.Session, key string, rc config.ReactionConfig) {
	pol := resolveEscalationPolicy(rc)
	now := time.Now()

	st := m.loadTracker(sess, key)
	if st == nil {
		st = &EscalationState{
			Level:            LevelWorker,
			FirstTriggeredAt: escalationTS(now),
			LevelEnteredAt:   escalationTS(now),
		}
	}

	if th := pol.thresholds[st.Level]; th != nil {
		entered := parseEscalationTS(st.LevelEnteredAt)
		if !entered.IsZero() && now.Sub(entered) > time.Duration(*th)*time.Millisecond {
			m.promote(ctx, sess, key, st, ReasonTimeThreshold, now)
		}
	}

	if st.Level == LevelHuman {
		// terminal: no more sends, the single urgent notification fired on
		// entry
		st.LastTriggeredAt = escalationTS(now)
		m.saveTracker(sess, key, st)
		return
	}

	message := m.buildReactionMessage(ctx, sess, rc.Message)
	target := m.sendTarget(ctx, st.Level, sess)

	// The delivery should not die with a sweep cancelled mid-flight, only
	// with the manager itself.
	sendCtx, cancelSend := appctx.Detached(m.stopCh, constants.SendTimeout)
	err := m.sessions.Send(sendCtx, target, message)
	cancelSend()
	st.LastTriggeredAt = escalationTS(now)
	if err == nil {
		m.logger.Info("reaction delivered",
			zap.String("session_id", sess.ID),
			zap.String("reaction", key),
			zap.String("target", target),
			zap.String("level", string(st.Level)))
		m.clearTracker(sess, key)
		return
	}

	m.logger.Warn("reaction send failed",
		zap.String("session_id", sess.ID),
		zap.String("reaction", key),
		zap.String("target", target),
		zap.String("level", string(st.Level)),
		zap.Error(err))
	st.AttemptsInLevel++
	st.TotalAttempts++
	if st.AttemptsInLevel > pol.retryCounts[st.Level] {
		m.promote(ctx, sess, key, st, ReasonRetryCount, now)
	}
	m.saveTracker(sess, key, st)
}

// promote advances the ladder one rung, records the history entry, emits
// reaction.escalated, and fires the one urgent human notification when the
// ladder tops out.
func (m *Manager) promote(ctx context.Context, sess *session.Session, key string, st *EscalationState, reason string, now time.Time) {
	next, ok := st.Level.next()
	if !ok {
		return
	}

	first := parseEscalationTS(st.FirstTriggeredAt)
	elapsed := int64(0)
	if !first.IsZero() {
		elapsed = now.Sub(first).Milliseconds()
	}
	st.History = append(st.History, EscalationTransition{
		From:            st.Level,
		To:              next,
		At:              escalationTS(now),
		Reason:          reason,
		AttemptsInLevel: st.AttemptsInLevel,
		TotalAttempts:   st.TotalAttempts,
		ElapsedMs:       elapsed,
	})
	from := st.Level
	st.Level = next
	st.LevelEnteredAt = escalationTS(now)
	st.AttemptsInLevel = 0

	m.logger.Warn("reaction escalated",
		zap.String("session_id", sess.ID),
		zap.String("reaction", key),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("reason", reason))

	m.publish(ctx, events.BuildReactionSubject(sess.ProjectID, sess.ID),
		bus.NewEvent(events.ReactionEscalated, "lifecycle-manager", map[string]interface{}{
			"session_id": sess.ID,
			"reaction":   key,
			"from":       string(from),
			"to":         string(next),
			"reason":     reason,
		}))

	if next == LevelHuman {
		m.notifyHuman(ctx, sess, events.ReactionEscalated, events.PriorityUrgent,
			"reaction "+key+" escalated to human after exhausting agent retries")
	}
}

// sendTarget resolves which session receives the escalated message. The
// verifier level prefers the worker's live verifier session, the
// orchestrator level the project overseer; both fall back to the worker.
func (m *Manager) sendTarget(ctx context.Context, level Level, sess *session.Session) string {
	switch level {
	case LevelVerifier:
		if vsID := sess.Metadata[MetaKeyVerifierSession]; vsID != "" {
			if vs, err := m.sessions.Get(ctx, vsID); err == nil && vs != nil && !vs.Status.Terminal() {
				return vsID
			}
		}
	case LevelOrchestrator:
		if info, ok := m.sessions.ProjectInfoFor(sess.ProjectID); ok {
			orchID := paths.OrchestratorSessionID(info.SessionPrefix)
			if orch, err := m.sessions.Get(ctx, orchID); err == nil && orch != nil && !orch.Status.Terminal() {
				return orchID
			}
		}
	}
	return sess.ID
}

// loadTracker returns the ladder state for (session, key), reconciling the
// in-memory cache from metadata on first touch so the ladder survives
// orchestrator restarts.
func (m *Manager) loadTracker(sess *session.Session, key string) *EscalationState {
	m.mu.RLock()
	if byKey, ok := m.reactionTrackers[sess.ID]; ok {
		st := byKey[key]
		m.mu.RUnlock()
		return st
	}
	m.mu.RUnlock()

	persisted := decodeEscalationMap(sess.Metadata[MetaKeyEscalationState])

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reactionTrackers[sess.ID]; !ok {
		m.reactionTrackers[sess.ID] = persisted
	}
	return m.reactionTrackers[sess.ID][key]
}

func (m *Manager) saveTracker(sess *session.Session, key string, st *EscalationState) {
	m.mu.Lock()
	if m.reactionTrackers[sess.ID] == nil {
		m.reactionTrackers[sess.ID] = map[string]*EscalationState{}
	}
	m.reactionTrackers[sess.ID][key] = st
	snapshot := encodeEscalationMap(m.reactionTrackers[sess.ID])
	m.mu.Unlock()

	m.persistEscalation(sess, snapshot)
}

func (m *Manager) clearTracker(sess *session.Session, key string) {
	m.mu.Lock()
	delete(m.reactionTrackers[sess.ID], key)
	snapshot := encodeEscalationMap(m.reactionTrackers[sess.ID])
	m.mu.Unlock()

	m.persistEscalation(sess, snapshot)
}

// hasTracker reports whether a send for (session, key) is still pending
// retry or escalation.
func (m *Manager) hasTracker(sess *session.Session, key string) bool {
	m.mu.RLock()
	byKey, cached := m.reactionTrackers[sess.ID]
	if cached {
		_, ok := byKey[key]
		m.mu.RUnlock()
		return ok
	}
	m.mu.RUnlock()
	return m.loadTracker(sess, key) != nil
}

func (m *Manager) persistEscalation(sess *session.Session, snapshot string) {
	store, err := m.sessions.Store(sess.ProjectID)
	if err != nil {
		return
	}
	// an empty snapshot deletes the key
	if _, err := store.Update(sess.ID, metadata.Fields{MetaKeyEscalationState: snapshot}); err != nil {
		m.logger.Debug("escalation state persist failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func decodeEscalationMap(raw string) map[string]*EscalationState {
	states := map[string]*EscalationState{}
	if raw == "" {
		return states
	}
	if err := json.Unmarshal([]byte(raw), &states); err != nil {
		return map[string]*EscalationState{}
	}
	return states
}

func encodeEscalationMap(states map[string]*EscalationState) string {
	if len(states) == 0 {
		return ""
	}
	data, err := json.Marshal(states)
	if err != nil {
		return ""
	}
	return string(data)
}

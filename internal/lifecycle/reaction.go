package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/constants"
	"github.com/agentorch/agentorch/internal/events"
	"github.com/agentorch/agentorch/internal/events/bus"
	"github.com/agentorch/agentorch/internal/plugin"
	"github.com/agentorch/agentorch/internal/session"
)

// Reaction actions accepted in configuration.
const (
	ActionSendToAgent = "send-to-agent"
	ActionNotify      = "notify"
	ActionAutoMerge   = "auto-merge"
)

// statusEvents maps a transition's target status to its event type. A
// status with no entry produces no event (done, spawning, cleanup).
var statusEvents = map[session.Status]string{
	session.StatusWorking:          events.SessionWorking,
	session.StatusNeedsInput:       events.SessionNeedsInput,
	session.StatusStuck:            events.SessionStuck,
	session.StatusErrored:          events.SessionErrored,
	session.StatusKilled:           events.SessionKilled,
	session.StatusVerifierPending:  events.VerifierPending,
	session.StatusVerifierFailed:   events.VerifierFailed,
	session.StatusPRReady:          events.VerifierPassed,
	session.StatusPROpen:           events.PRCreated,
	session.StatusCIFailed:         events.CIFailing,
	session.StatusReviewPending:    events.ReviewPending,
	session.StatusChangesRequested: events.ReviewChangesRequested,
	session.StatusApproved:         events.ReviewApproved,
	session.StatusReviewerPending:  events.ReviewerPending,
	session.StatusReviewerFailed:   events.ReviewerFailed,
	session.StatusReviewerPassed:   events.ReviewerPassed,
	session.StatusMergeable:        events.MergeReady,
	session.StatusMerged:           events.MergeCompleted,
}

// eventReactions maps an event type to at most one reaction key.
var eventReactions = map[string]string{
	events.CIFailing:              "ci-failed",
	events.ReviewChangesRequested: "changes-requested",
	events.SessionNeedsInput:      "needs-input",
	events.SessionStuck:           "stuck",
	events.SessionErrored:         "errored",
	events.VerifierFailed:         "verifier-failed",
	events.ReviewerFailed:         "reviewer-failed",
	events.MergeReady:             "merge-ready",
}

// eventForStatus returns the event type a transition into status emits,
// or "" when the status is not event-bearing.
func eventForStatus(status session.Status) string {
	return statusEvents[status]
}

// handleEvent runs the configured reaction for an event, falling back to a
// human notification for anything above info priority. A send-to-agent
// reaction is itself the notification: it suppresses the immediate human
// alert, possibly delaying it through the escalation ladder.
func (m *Manager) handleEvent(ctx context.Context, sess *session.Session, eventType string) {
	m.publish(ctx, events.BuildSessionSubject(sess.ProjectID, sess.ID),
		bus.NewEvent(eventType, "lifecycle-manager", map[string]interface{}{
			"session_id": sess.ID,
			"project_id": sess.ProjectID,
			"status":     string(sess.Status),
		}))

	priority := events.InferPriority(eventType)
	suppressed := false

	if key, ok := eventReactions[eventType]; ok {
		if rc, configured := m.cfg.Reactions[key]; configured {
			switch rc.Action {
			case ActionNotify:
				// notify reactions run regardless of auto
				m.notifyHuman(ctx, sess, eventType, priority, rc.Message)
				suppressed = true
			case ActionSendToAgent:
				// auto=false with send-to-agent is nonsensical; skip
				if rc.AutoEnabled() {
					m.publishReactionTriggered(ctx, sess, key, eventType)
					m.runSendReaction(ctx, sess, key, rc)
					suppressed = true
				}
			case ActionAutoMerge:
				if rc.AutoEnabled() && m.autoMerge(ctx, sess) {
					m.publishReactionTriggered(ctx, sess, key, eventType)
					suppressed = true
				}
			}
		}
	}

	if !suppressed && priority != events.PriorityInfo {
		m.notifyHuman(ctx, sess, eventType, priority, "")
	}
}

// retryPending re-runs a still-tracked send-to-agent reaction for an
// unchanged status, so a failed send is retried on the next tick instead
// of waiting for another transition.
func (m *Manager) retryPending(ctx context.Context, sess *session.Session) {
	eventType := eventForStatus(sess.Status)
	if eventType == "" {
		return
	}
	key, ok := eventReactions[eventType]
	if !ok {
		return
	}
	rc, configured := m.cfg.Reactions[key]
	if !configured || rc.Action != ActionSendToAgent || !rc.AutoEnabled() {
		return
	}
	if !m.hasTracker(sess, key) {
		return
	}
	m.runSendReaction(ctx, sess, key, rc)
}

// autoMerge merges the session's PR through the SCM. Returns true when the
// merge call succeeded.
func (m *Manager) autoMerge(ctx context.Context, sess *session.Session) bool {
	if sess.PR == nil {
		return false
	}
	project, ok := m.cfg.Project(sess.ProjectID)
	if !ok || project.SCM == "" {
		return false
	}
	scm, err := m.registry.SCM(project.SCM)
	if err != nil {
		return false
	}

	mergeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	defer cancel()
	pr := &plugin.PullRequest{Number: sess.PR.Number, URL: sess.PR.URL, Branch: sess.PR.Head}
	if err := scm.MergePR(mergeCtx, pr); err != nil {
		m.logger.Warn("auto-merge failed",
			zap.String("session_id", sess.ID),
			zap.Int("pr", sess.PR.Number),
			zap.Error(err))
		return false
	}
	m.logger.Info("auto-merged pr",
		zap.String("session_id", sess.ID),
		zap.Int("pr", sess.PR.Number))
	return true
}

// notifyHuman dispatches a notification to every notifier routed for the
// priority. Delivery is best-effort; failures are logged and swallowed.
func (m *Manager) notifyHuman(ctx context.Context, sess *session.Session, eventType, priority, message string) {
	names := m.cfg.NotificationRouting[priority]
	if len(names) == 0 {
		names = []string{"log"}
	}

	note := plugin.Notification{
		EventType: eventType,
		Priority:  priority,
		ProjectID: sess.ProjectID,
		SessionID: sess.ID,
		Title:     eventType + ": " + sess.ID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	for _, name := range names {
		notifier, err := m.registry.Notifier(name)
		if err != nil {
			m.logger.Debug("notifier not registered", zap.String("notifier", name))
			continue
		}
		notifyCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
		if err := notifier.Notify(notifyCtx, note); err != nil {
			m.logger.Debug("notifier delivery failed",
				zap.String("notifier", name),
				zap.String("event_type", eventType),
				zap.Error(err))
		}
		cancel()
	}
}

func (m *Manager) publishReactionTriggered(ctx context.Context, sess *session.Session, key, eventType string) {
	m.publish(ctx, events.BuildReactionSubject(sess.ProjectID, sess.ID),
		bus.NewEvent(events.ReactionTriggered, "lifecycle-manager", map[string]interface{}{
			"session_id": sess.ID,
			"reaction":   key,
			"event_type": eventType,
		}))
}

func (m *Manager) publish(ctx context.Context, subject string, event *bus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Debug("event publish failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

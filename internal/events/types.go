// Package events provides event types and utilities for the orchestrator event system.
package events

import "strings"

// Event types for session activity
const (
	SessionWorking    = "session.working"
	SessionNeedsInput = "session.needs_input"
	SessionStuck      = "session.stuck"
	SessionErrored    = "session.errored"
	SessionKilled     = "session.killed"
)

// Event types for the verifier gate
const (
	VerifierPending = "verifier.pending"
	VerifierFailed  = "verifier.failed"
	VerifierPassed  = "verifier.passed"
)

// Event types for the reviewer gate
const (
	ReviewerPending = "reviewer.pending"
	ReviewerFailed  = "reviewer.failed"
	ReviewerPassed  = "reviewer.passed"
)

// Event types for pull requests and CI
const (
	PRCreated              = "pr.created"
	CIFailing              = "ci.failing"
	ReviewPending          = "review.pending"
	ReviewChangesRequested = "review.changes_requested"
	ReviewApproved         = "review.approved"
	AutomatedReviewFound   = "automated_review.found"
)

// Event types for merging
const (
	MergeReady     = "merge.ready"
	MergeCompleted = "merge.completed"
)

// Event types for reactions
const (
	ReactionTriggered = "reaction.triggered"
	ReactionEscalated = "reaction.escalated"
)

// Event types for sweep summaries
const (
	SummaryAllComplete = "summary.all_complete"
)

// Priorities inferred from event types.
const (
	PriorityUrgent  = "urgent"
	PriorityAction  = "action"
	PriorityWarning = "warning"
	PriorityInfo    = "info"
)

// InferPriority maps an event type to a notification priority.
// Summary events are informational; agent-blocked events are urgent;
// advancement events call for action; failure events warn.
func InferPriority(eventType string) string {
	if strings.HasPrefix(eventType, "summary.") {
		return PriorityInfo
	}
	for _, s := range []string{"stuck", "needs_input", "errored"} {
		if strings.Contains(eventType, s) {
			return PriorityUrgent
		}
	}
	for _, s := range []string{"approved", "passed", "ready", "merged", "completed"} {
		if strings.Contains(eventType, s) {
			return PriorityAction
		}
	}
	for _, s := range []string{"fail", "changes_requested", "conflict"} {
		if strings.Contains(eventType, s) {
			return PriorityWarning
		}
	}
	return PriorityInfo
}

// Subject roots for the event bus.
const (
	SessionSubjectRoot  = "ao.session"
	ReactionSubjectRoot = "ao.reaction"
	SummarySubjectRoot  = "ao.summary"
)

// BuildSessionSubject creates a session event subject for a specific session
func BuildSessionSubject(projectID, sessionID string) string {
	return SessionSubjectRoot + "." + projectID + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for all session events
func BuildSessionWildcardSubject() string {
	return SessionSubjectRoot + ".>"
}

// BuildProjectSessionsWildcardSubject creates a wildcard subscription for one project's session events
func BuildProjectSessionsWildcardSubject(projectID string) string {
	return SessionSubjectRoot + "." + projectID + ".*"
}

// BuildReactionSubject creates a reaction event subject for a specific session
func BuildReactionSubject(projectID, sessionID string) string {
	return ReactionSubjectRoot + "." + projectID + "." + sessionID
}

// BuildReactionWildcardSubject creates a wildcard subscription for all reaction events
func BuildReactionWildcardSubject() string {
	return ReactionSubjectRoot + ".>"
}

// BuildSummarySubject creates a summary subject for a specific project
func BuildSummarySubject(projectID string) string {
	return SummarySubjectRoot + "." + projectID
}

// BuildSummaryWildcardSubject creates a wildcard subscription for all summary events
func BuildSummaryWildcardSubject() string {
	return SummarySubjectRoot + ".*"
}

package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/constants"
	"github.com/agentorch/agentorch/internal/events"
	"github.com/agentorch/agentorch/internal/metadata"
	"github.com/agentorch/agentorch/internal/plugin"
	"github.com/agentorch/agentorch/internal/session"
)

// Worker metadata keys owned by the reviewer gate.
const (
	MetaKeyReviewerCycle         = "reviewerCycle"
	MetaKeyReviewerSessions      = "reviewerSessions"
	MetaKeyReviewerPassed        = "reviewerPassed"
	MetaKeyReviewerFeedbackSent  = "reviewerFeedbackSent"
	MetaKeyReviewerFetchFailures = "reviewerFetchFailures"
	MetaKeyReviewerEscalated     = "reviewerEscalated"
)

// Marker lines reviewer agents embed in their PR verdict comments.
const (
	markerReviewerID       = "AO_REVIEWER_ID:"
	markerReviewerVerdict  = "AO_REVIEWER_VERDICT:"
	markerReviewerCycle    = "AO_REVIEWER_CYCLE:"
	markerReviewerEvidence = "AO_REVIEWER_EVIDENCE:"

	verdictApprove = "APPROVE"
	verdictReject  = "REJECT"
)

// reviewerVerdict is one reviewer's parsed verdict comment.
type reviewerVerdict struct {
	ReviewerID string
	Verdict    string
	Cycle      int
	Evidence   string
	PostedAt   time.Time
}

// reviewerGate runs the K-of-N agent review for a worker's PR. It returns
// reviewer_pending or reviewer_failed while the review is unsettled, and ""
// once passed (or when the gate is disabled) so PR evaluation continues.
func (m *Manager) reviewerGate(ctx context.Context, sess *session.Session, scm plugin.SCM, pr *plugin.PullRequest) session.Status {
	pol := m.cfg.Policies.Reviewer
	if !pol.Enabled {
		return ""
	}
	if sess.Metadata[MetaKeyReviewerPassed] == "true" {
		return ""
	}

	cycle := metaInt(sess, MetaKeyReviewerCycle)
	if cycle < 1 {
		cycle = 1
	}
	if cycle > pol.MaxCycles {
		m.escalateReview(ctx, sess, fmt.Sprintf(
			"pr %s exhausted %d review cycles without approval", pr.URL, pol.MaxCycles))
		return session.StatusReviewerFailed
	}

	if sess.Metadata[MetaKeyReviewerSessions] == "" {
		return m.spawnReviewers(ctx, sess, pr, cycle)
	}
	return m.collectVerdicts(ctx, sess, scm, pr, cycle)
}

// spawnReviewers launches this cycle's reviewer sessions, each with a
// distinct reviewer id drawn from the configured pool.
func (m *Manager) spawnReviewers(ctx context.Context, sess *session.Session, pr *plugin.PullRequest, cycle int) session.Status {
	pol := m.cfg.Policies.Reviewer
	count := pol.ReviewerCount
	if count < 2 {
		count = 2
	}
	pool := pol.ReviewerPool
	if len(pool) > 0 && count > len(pool) {
		count = len(pool)
	}

	spawned := make([]string, 0, count)
	for i := 0; i < count; i++ {
		reviewerID := fmt.Sprintf("reviewer-%d", i+1)
		if len(pool) > 0 {
			reviewerID = pool[((cycle-1)*count+i)%len(pool)]
		}
		reviewer, err := m.sessions.Spawn(ctx, session.SpawnRequest{
			ProjectID: sess.ProjectID,
			Prompt:    reviewerPrompt(sess, pr, reviewerID, cycle),
			Role:      session.RoleReviewer,
			Extra: map[string]string{
				"reviewerId":         reviewerID,
				"reviewerFor":        sess.ID,
				MetaKeyReviewerCycle: strconv.Itoa(cycle),
			},
		})
		if err != nil {
			m.logger.Warn("reviewer spawn failed",
				zap.String("session_id", sess.ID),
				zap.String("reviewer_id", reviewerID),
				zap.Error(err))
			continue
		}
		spawned = append(spawned, reviewer.ID)
	}
	if len(spawned) == 0 {
		// nothing launched, retry the whole cycle next tick
		return sess.Status
	}

	m.persistMeta(sess, metadata.Fields{
		MetaKeyReviewerSessions: strings.Join(spawned, ","),
		MetaKeyReviewerCycle:    strconv.Itoa(cycle),
	})
	m.logger.Info("reviewers spawned",
		zap.String("session_id", sess.ID),
		zap.Int("cycle", cycle),
		zap.Int("count", len(spawned)))
	return session.StatusReviewerPending
}

// collectVerdicts fetches the PR's marker comments and settles the cycle
// when enough verdicts are in.
func (m *Manager) collectVerdicts(ctx context.Context, sess *session.Session, scm plugin.SCM, pr *plugin.PullRequest, cycle int) session.Status {
	pol := m.cfg.Policies.Reviewer

	fetchCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	comments, err := scm.PendingComments(fetchCtx, pr)
	cancel()
	if err != nil {
		failures := metaInt(sess, MetaKeyReviewerFetchFailures) + 1
		limit := pol.MaxCycles
		if limit < 2 {
			limit = 2
		}
		if failures > limit {
			m.escalateReview(ctx, sess, fmt.Sprintf(
				"could not fetch reviewer verdicts for pr %s after %d attempts: %v", pr.URL, failures, err))
			return session.StatusReviewerFailed
		}
		m.persistMeta(sess, metadata.Fields{MetaKeyReviewerFetchFailures: strconv.Itoa(failures)})
		return session.StatusReviewerPending
	}
	if sess.Metadata[MetaKeyReviewerFetchFailures] != "" {
		m.persistMeta(sess, metadata.Fields{MetaKeyReviewerFetchFailures: ""})
	}

	verdicts := latestVerdicts(comments, cycle)

	approvals := 0
	var rejections []reviewerVerdict
	for _, v := range verdicts {
		switch v.Verdict {
		case verdictApprove:
			if v.Evidence != "" || !pol.RequireEvidenceEnabled() {
				approvals++
			}
		case verdictReject:
			rejections = append(rejections, v)
		}
	}

	if len(rejections) > 0 {
		return m.reviewRejected(ctx, sess, cycle, rejections)
	}
	if approvals >= pol.MinReviewerAgentApprovals {
		m.persistMeta(sess, metadata.Fields{MetaKeyReviewerPassed: "true"})
		m.reapReviewers(ctx, sess)
		m.logger.Info("review passed",
			zap.String("session_id", sess.ID),
			zap.Int("cycle", cycle),
			zap.Int("approvals", approvals))
		return session.StatusReviewerPassed
	}
	return session.StatusReviewerPending
}

// reviewRejected sends the consolidated rejection feedback to the worker
// once per (cycle, evidence, feedback) and opens the next cycle.
func (m *Manager) reviewRejected(ctx context.Context, sess *session.Session, cycle int, rejections []reviewerVerdict) session.Status {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review cycle %d rejected by %d reviewer(s):\n", cycle, len(rejections))
	for _, r := range rejections {
		fmt.Fprintf(&sb, "\n[%s]\n%s\n", r.ReviewerID, r.Evidence)
	}
	feedback := sb.String()

	token := feedbackToken(cycle, sess.Metadata[MetaKeyEvidenceFingerprint], feedback)
	if sess.Metadata[MetaKeyReviewerFeedbackSent] == token {
		return session.StatusReviewerFailed
	}

	if err := m.sessions.Send(ctx, sess.ID, feedback); err != nil {
		// token stays unset so delivery is retried next tick
		m.logger.Warn("review feedback delivery failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return session.StatusReviewerFailed
	}

	m.reapReviewers(ctx, sess)
	m.persistMeta(sess, metadata.Fields{
		MetaKeyReviewerFeedbackSent: token,
		MetaKeyReviewerCycle:        strconv.Itoa(cycle + 1),
		MetaKeyReviewerSessions:     "",
	})
	m.logger.Info("review cycle rejected",
		zap.String("session_id", sess.ID),
		zap.Int("cycle", cycle),
		zap.Int("rejections", len(rejections)))
	return session.StatusReviewerFailed
}

// escalateReview hands the review to a human, once.
func (m *Manager) escalateReview(ctx context.Context, sess *session.Session, reason string) {
	if sess.Metadata[MetaKeyReviewerEscalated] == "true" {
		return
	}
	m.persistMeta(sess, metadata.Fields{MetaKeyReviewerEscalated: "true"})
	m.reapReviewers(ctx, sess)
	m.notifyHuman(ctx, sess, events.ReviewerFailed, events.PriorityUrgent, reason)
	m.logger.Warn("review escalated to human",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason))
}

func (m *Manager) reapReviewers(ctx context.Context, sess *session.Session) {
	for _, id := range strings.Split(sess.Metadata[MetaKeyReviewerSessions], ",") {
		if id == "" {
			continue
		}
		if err := m.sessions.Kill(ctx, id); err != nil {
			m.logger.Debug("reviewer teardown failed",
				zap.String("reviewer_session", id), zap.Error(err))
		}
	}
}

// latestVerdicts keeps the newest verdict per reviewer id for the cycle.
func latestVerdicts(comments []plugin.Comment, cycle int) []reviewerVerdict {
	byReviewer := make(map[string]reviewerVerdict)
	for _, c := range comments {
		v, ok := parseVerdict(c)
		if !ok || v.Cycle != cycle {
			continue
		}
		prev, seen := byReviewer[v.ReviewerID]
		if !seen || v.PostedAt.After(prev.PostedAt) {
			byReviewer[v.ReviewerID] = v
		}
	}

	out := make([]reviewerVerdict, 0, len(byReviewer))
	for _, v := range byReviewer {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReviewerID < out[j].ReviewerID })
	return out
}

// parseVerdict extracts the marker lines from one comment body.
func parseVerdict(c plugin.Comment) (reviewerVerdict, bool) {
	v := reviewerVerdict{PostedAt: c.CreatedAt, Cycle: -1}
	for _, line := range strings.Split(c.Body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, markerReviewerID):
			v.ReviewerID = strings.TrimSpace(strings.TrimPrefix(line, markerReviewerID))
		case strings.HasPrefix(line, markerReviewerVerdict):
			v.Verdict = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, markerReviewerVerdict)))
		case strings.HasPrefix(line, markerReviewerCycle):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, markerReviewerCycle)))
			if err == nil {
				v.Cycle = n
			}
		case strings.HasPrefix(line, markerReviewerEvidence):
			v.Evidence = strings.TrimSpace(strings.TrimPrefix(line, markerReviewerEvidence))
		}
	}
	if v.ReviewerID == "" || (v.Verdict != verdictApprove && v.Verdict != verdictReject) {
		return reviewerVerdict{}, false
	}
	return v, true
}

func feedbackToken(cycle int, fingerprint, feedback string) string {
	sum := sha256.Sum256([]byte(strconv.Itoa(cycle) + "\x00" + fingerprint + "\x00" + feedback))
	return hex.EncodeToString(sum[:6])
}

func metaInt(sess *session.Session, key string) int {
	n, err := strconv.Atoi(sess.Metadata[key])
	if err != nil {
		return 0
	}
	return n
}

func reviewerPrompt(sess *session.Session, pr *plugin.PullRequest, reviewerID string, cycle int) string {
	return fmt.Sprintf(
		"You are reviewer %s for pull request %s (branch %s), review cycle %d.\n"+
			"Review the change for correctness, test coverage, and risk.\n"+
			"Post a single verdict comment on the PR containing these lines:\n"+
			"%s %s\n"+
			"%s APPROVE or REJECT\n"+
			"%s %d\n"+
			"%s <one-line justification backed by what you checked>\n",
		reviewerID, pr.URL, sess.Branch, cycle,
		markerReviewerID, reviewerID,
		markerReviewerVerdict,
		markerReviewerCycle, cycle,
		markerReviewerEvidence)
}

package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/evidence"
	"github.com/agentorch/agentorch/internal/metadata"
	"github.com/agentorch/agentorch/internal/session"
)

// Worker metadata keys owned by the verifier gate. MetaKeyVerifierVerdict
// and MetaKeyVerifierFeedback live on the verifier session instead, written
// there by the verifier agent's hook scripts.
const (
	MetaKeyVerifierSession        = "verifierSession"
	MetaKeyVerifierVerdict        = "verifierVerdict"
	MetaKeyVerifierFeedback       = "verifierFeedback"
	MetaKeyVerifierFailureSentFor = "verifierFailureSentFor"
	MetaKeyVerifierPassed         = "verifierPassed"
	MetaKeyEvidenceFingerprint    = "evidenceFingerprint"
	MetaKeyVerifiedFingerprint    = "verifiedFingerprint"
)

const (
	VerdictPassed = "passed"
	VerdictFailed = "failed"
)

const verdictlessFeedback = "verifier session exited without recording a verdict; treat the verification as failed and re-check the evidence"

// verifierGate advances an evidence-complete worker through verification.
// It returns the worker's next status, or "" when the gate has no opinion
// and evaluation should fall through (verification disabled, or already
// passed for the current evidence).
func (m *Manager) verifierGate(ctx context.Context, sess *session.Session, bundle *evidence.Bundle) session.Status {
	pol := m.cfg.Policies.Verifier
	if !pol.Enabled {
		return ""
	}

	fp := bundle.Fingerprint
	if sess.Metadata[MetaKeyVerifierPassed] == "true" && sess.Metadata[MetaKeyVerifiedFingerprint] == fp {
		return ""
	}

	vsID := sess.Metadata[MetaKeyVerifierSession]
	if vsID != "" && sess.Metadata[MetaKeyEvidenceFingerprint] == fp {
		return m.checkVerdict(ctx, sess, vsID, fp)
	}

	// New or changed evidence: spawn a fresh verifier for this fingerprint.
	verifier, err := m.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectID: sess.ProjectID,
		Prompt:    verifierPrompt(sess, bundle),
		Agent:     pol.Agent,
		Role:      session.RoleVerifier,
		Extra:     map[string]string{"verifierFor": sess.ID},
	})
	if err != nil {
		m.logger.Warn("verifier spawn failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return sess.Status
	}

	m.persistMeta(sess, metadata.Fields{
		MetaKeyVerifierSession:        verifier.ID,
		MetaKeyEvidenceFingerprint:    fp,
		MetaKeyVerifierPassed:         "",
		MetaKeyVerifierFailureSentFor: "",
	})
	m.logger.Info("verifier spawned",
		zap.String("session_id", sess.ID),
		zap.String("verifier_id", verifier.ID))
	return session.StatusVerifierPending
}

// checkVerdict inspects the running verifier for this fingerprint.
func (m *Manager) checkVerdict(ctx context.Context, sess *session.Session, vsID, fp string) session.Status {
	verifier, err := m.sessions.Get(ctx, vsID)
	if err != nil || verifier == nil {
		// verifier record gone entirely: synthesise a failure
		return m.verifierFailed(ctx, sess, vsID, verdictlessFeedback)
	}

	verdict := verifier.Metadata[MetaKeyVerifierVerdict]
	feedback := verifier.Metadata[MetaKeyVerifierFeedback]

	switch verdict {
	case VerdictPassed:
		m.persistMeta(sess, metadata.Fields{
			MetaKeyVerifierPassed:      "true",
			MetaKeyVerifiedFingerprint: fp,
			MetaKeyVerifierFeedback:    feedback,
		})
		m.reapVerifier(ctx, sess, vsID)
		m.logger.Info("verifier passed",
			zap.String("session_id", sess.ID),
			zap.String("verifier_id", vsID))
		return session.StatusPRReady
	case VerdictFailed:
		if feedback == "" {
			feedback = "verifier rejected the evidence without details"
		}
		m.reapVerifier(ctx, sess, vsID)
		return m.verifierFailed(ctx, sess, vsID, feedback)
	}

	// No verdict yet. A dead verifier will never produce one.
	if verifier.Status.Terminal() || verifier.Status == session.StatusErrored {
		m.reapVerifier(ctx, sess, vsID)
		return m.verifierFailed(ctx, sess, vsID, verdictlessFeedback)
	}
	return session.StatusVerifierPending
}

// verifierFailed delivers the verifier's feedback into the worker exactly
// once per verifier session. Once delivered (and with the evidence
// unchanged), the worker re-enters working so the agent can act on it.
func (m *Manager) verifierFailed(ctx context.Context, sess *session.Session, vsID, feedback string) session.Status {
	if sess.Metadata[MetaKeyVerifierFailureSentFor] == vsID {
		return session.StatusWorking
	}

	msg := "Verification failed. Verifier feedback:\n\n" + feedback +
		"\n\nAddress the feedback and update the evidence files."
	if err := m.sessions.Send(ctx, sess.ID, msg); err != nil {
		// marker stays unset so the send is retried next tick
		m.logger.Warn("verifier feedback delivery failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return session.StatusVerifierFailed
	}

	m.persistMeta(sess, metadata.Fields{
		MetaKeyVerifierFailureSentFor: vsID,
		MetaKeyVerifierFeedback:       feedback,
	})
	return session.StatusVerifierFailed
}

// reapVerifier tears down a verifier session whose verdict has been
// consumed.
func (m *Manager) reapVerifier(ctx context.Context, sess *session.Session, vsID string) {
	if err := m.sessions.Kill(ctx, vsID); err != nil {
		m.logger.Debug("verifier teardown failed",
			zap.String("session_id", sess.ID),
			zap.String("verifier_id", vsID),
			zap.Error(err))
	}
}

func verifierPrompt(sess *session.Session, bundle *evidence.Bundle) string {
	header := fmt.Sprintf(
		"You are verifying the work of session %s (branch %s).\n", sess.ID, sess.Branch)
	if sess.IssueID != "" {
		header += fmt.Sprintf("The session implements issue %s.\n", sess.IssueID)
	}
	return header + "\n" + bundle.Summary() + "\n" +
		"Inspect the workspace at " + sess.WorkspacePath + " and decide whether the evidence holds up.\n" +
		"Record your verdict in this session's metadata: set " + MetaKeyVerifierVerdict +
		" to " + VerdictPassed + " or " + VerdictFailed + ", and put your reasoning in " +
		MetaKeyVerifierFeedback + "."
}

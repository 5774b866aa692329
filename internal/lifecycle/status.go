package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/constants"
	"github.com/agentorch/agentorch/internal/evidence"
	"github.com/agentorch/agentorch/internal/metadata"
	"github.com/agentorch/agentorch/internal/plugin"
	"github.com/agentorch/agentorch/internal/session"
)

// determineStatus computes the session's next status from live signals.
// Stages apply in order, first match wins; verifier- and reviewer-role
// sessions stop after the activity stage. Probe failures are no-signal:
// they never demote a session, and a current stuck/needs_input survives a
// failed probe instead of being coerced back to working.
func (m *Manager) determineStatus(ctx context.Context, sess *session.Session) session.Status {
	// stage 1: runtime liveness
	if sess.RuntimeHandle != nil {
		if rt := m.runtimeFor(sess); rt != nil {
			aliveCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			alive, err := rt.IsAlive(aliveCtx, sess.RuntimeHandle)
			cancel()
			if err == nil && !alive {
				return session.StatusKilled
			}
		}
	}

	gateRole := sess.Role == session.RoleVerifier || sess.Role == session.RoleReviewer

	// stage 2: worker completion via evidence
	if !gateRole && sess.PR == nil && sess.WorkspacePath != "" {
		bundle := evidence.Parse(sess.WorkspacePath, sess.ID)
		if bundle.Complete() {
			if next := m.verifierGate(ctx, sess, bundle); next != "" {
				return next
			}
			switch sess.Status {
			case session.StatusSpawning, session.StatusWorking, session.StatusNeedsInput, session.StatusStuck:
				return session.StatusDone
			}
		}
	}

	// stage 3: agent activity
	probeFailed := false
	if sess.RuntimeHandle != nil {
		agent := m.agentFor(sess)
		rt := m.runtimeFor(sess)
		if agent != nil && rt != nil {
			outCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			output, err := rt.GetOutput(outCtx, sess.RuntimeHandle, m.probeLines)
			cancel()
			if err != nil || output == "" {
				// empty output means the probe failed, not that the agent
				// exited
				probeFailed = true
			} else if agent.DetectActivity(output).State == plugin.ActivityWaitingInput {
				return session.StatusNeedsInput
			}

			runCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			running, err := agent.IsProcessRunning(runCtx, sess.RuntimeHandle)
			cancel()
			if err == nil && !running {
				return session.StatusKilled
			}
		}
	}

	if gateRole {
		return sess.Status
	}

	scm := m.scmFor(sess.ProjectID)

	// stage 4: PR auto-detect
	if scm != nil && sess.PR == nil {
		if info, ok := m.sessions.ProjectInfoFor(sess.ProjectID); ok {
			detectCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
			pr, err := scm.DetectPR(detectCtx, sess.Ref(), info)
			cancel()
			if err == nil && pr != nil {
				found := &session.PR{Number: pr.Number, URL: pr.URL, Head: pr.Branch}
				m.persistMeta(sess, metadata.Fields{session.KeyPR: session.EncodePR(found)})
				sess.PR = found
				m.logger.Info("pr detected",
					zap.String("session_id", sess.ID),
					zap.String("pr_url", pr.URL))
			}
		}
	}

	// stage 5: PR state
	if scm != nil && sess.PR != nil {
		if next := m.prStatus(ctx, sess, scm); next != "" {
			return next
		}
	}

	// stage 6: fallback
	switch sess.Status {
	case session.StatusStuck, session.StatusNeedsInput:
		if probeFailed {
			return sess.Status
		}
		return session.StatusWorking
	case session.StatusSpawning:
		return session.StatusWorking
	}
	return sess.Status
}

func (m *Manager) prStatus(ctx context.Context, sess *session.Session, scm plugin.SCM) session.Status {
	pr := &plugin.PullRequest{Number: sess.PR.Number, URL: sess.PR.URL, Branch: sess.PR.Head}

	stateCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	state, err := scm.PRState(stateCtx, pr)
	cancel()
	if err == nil {
		switch state {
		case plugin.PRStateMerged:
			return session.StatusMerged
		case plugin.PRStateClosed:
			return session.StatusKilled
		}
	}

	ciGreen := false
	ciCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	ci, err := scm.CISummary(ciCtx, pr)
	cancel()
	if err == nil && ci != nil {
		if ci.State == plugin.CIFailing {
			return session.StatusCIFailed
		}
		ciGreen = ci.State == plugin.CIPassing
	}

	// the gate returns reviewer_passed exactly once, on the settling tick;
	// afterwards it stays silent and the merge logic below takes over
	if next := m.reviewerGate(ctx, sess, scm, pr); next != "" {
		return next
	}

	verifierOK := !m.cfg.Policies.Verifier.Enabled || sess.Metadata[MetaKeyVerifierPassed] == "true"
	reviewerOK := !m.cfg.Policies.Reviewer.Enabled || sess.Metadata[MetaKeyReviewerPassed] == "true"

	decCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	decision, decErr := scm.ReviewDecision(decCtx, pr)
	cancel()
	if decErr == nil {
		switch decision {
		case plugin.ReviewChangesRequested:
			return session.StatusChangesRequested
		case plugin.ReviewApproved:
			if verifierOK && reviewerOK && m.mergeReady(ctx, scm, pr) {
				return session.StatusMergeable
			}
			return session.StatusApproved
		}
	}

	// agent reviewers substitute for a human approval
	if m.cfg.Policies.Reviewer.Enabled && sess.Metadata[MetaKeyReviewerPassed] == "true" {
		if ciGreen && verifierOK && m.mergeReady(ctx, scm, pr) {
			return session.StatusMergeable
		}
		return session.StatusApproved
	}

	if decErr == nil && decision == plugin.ReviewPending {
		return session.StatusReviewPending
	}
	return session.StatusPROpen
}

func (m *Manager) mergeReady(ctx context.Context, scm plugin.SCM, pr *plugin.PullRequest) bool {
	mergeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	defer cancel()
	mrg, err := scm.Mergeability(mergeCtx, pr)
	return err == nil && mrg != nil && mrg.Mergeable
}

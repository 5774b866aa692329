package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentorch/agentorch/internal/common/constants"
	"github.com/agentorch/agentorch/internal/common/stringutil"
	"github.com/agentorch/agentorch/internal/plugin"
	"github.com/agentorch/agentorch/internal/session"
)

const (
	maxFailingChecks   = 5
	maxReviewComments  = 3
	maxCommentLen      = 160
	maxOutputTailLines = 15
)

// buildReactionMessage composes the payload for a send-to-agent reaction:
// the configured message plus whatever context the SCM and runtime can
// provide right now. Sources that fail to probe are omitted silently.
func (m *Manager) buildReactionMessage(ctx context.Context, sess *session.Session, configured string) string {
	var sections []string
	if configured != "" {
		sections = append(sections, configured)
	}

	scm := m.scmFor(sess.ProjectID)
	if scm != nil && sess.PR != nil {
		pr := &plugin.PullRequest{Number: sess.PR.Number, URL: sess.PR.URL, Branch: sess.PR.Head}

		if checks := failingChecks(ctx, scm, pr); len(checks) > 0 {
			sections = append(sections, "Failing CI checks:\n- "+strings.Join(checks, "\n- "))
		}
		if comments := unresolvedComments(ctx, scm, pr); len(comments) > 0 {
			sections = append(sections, "Unresolved review comments:\n- "+strings.Join(comments, "\n- "))
		}
	}

	if tail := m.outputTail(ctx, sess); tail != "" {
		sections = append(sections, "Recent terminal output:\n"+tail)
	}

	if len(sections) > 1 {
		sections = append(sections,
			"Suggested fix order: make CI green first, then resolve review comments, then reply here when done.")
	}
	return strings.Join(sections, "\n\n")
}

func failingChecks(ctx context.Context, scm plugin.SCM, pr *plugin.PullRequest) []string {
	probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	defer cancel()
	checks, err := scm.CIChecks(probeCtx, pr)
	if err != nil {
		return nil
	}

	names := make([]string, 0, maxFailingChecks)
	failing := 0
	for _, check := range checks {
		if check.State != plugin.CIFailing {
			continue
		}
		failing++
		if len(names) < maxFailingChecks {
			names = append(names, stringutil.TruncateStringWithEllipsis(check.Name, 80))
		}
	}
	if failing > maxFailingChecks {
		names = append(names, fmt.Sprintf("... and %d more", failing-maxFailingChecks))
	}
	return names
}

func unresolvedComments(ctx context.Context, scm plugin.SCM, pr *plugin.PullRequest) []string {
	probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	defer cancel()
	comments, err := scm.PendingComments(probeCtx, pr)
	if err != nil {
		return nil
	}

	lines := make([]string, 0, maxReviewComments)
	unresolved := 0
	for _, comment := range comments {
		if comment.Resolved {
			continue
		}
		unresolved++
		if len(lines) < maxReviewComments {
			body := strings.ReplaceAll(comment.Body, "\n", " ")
			lines = append(lines, comment.Author+": "+stringutil.TruncateStringWithEllipsis(body, maxCommentLen))
		}
	}
	if unresolved > maxReviewComments {
		lines = append(lines, fmt.Sprintf("... and %d more", unresolved-maxReviewComments))
	}
	return lines
}

// outputTail reads recent terminal output and keeps the last lines, with a
// marker when the capture was truncated.
func (m *Manager) outputTail(ctx context.Context, sess *session.Session) string {
	if sess.RuntimeHandle == nil {
		return ""
	}
	runtime := m.runtimeFor(sess)
	if runtime == nil {
		return ""
	}

	probeCtx, cancel := context.WithTimeout(ctx, constants.PluginProbeTimeout)
	defer cancel()
	output, err := runtime.GetOutput(probeCtx, sess.RuntimeHandle, m.probeLines)
	if err != nil || strings.TrimSpace(output) == "" {
		return ""
	}

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) <= maxOutputTailLines {
		return strings.Join(lines, "\n")
	}
	tail := lines[len(lines)-maxOutputTailLines:]
	return "[... output truncated ...]\n" + strings.Join(tail, "\n")
}

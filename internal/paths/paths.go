// Package paths derives the orchestrator's on-disk layout. Every location
// is a pure function of the config path, the project path, and the session
// id, so independent processes (orchestrator, CLI, hook scripts) agree on
// where state lives without coordination.
//
// Layout per project:
//
//	<home>/.agent-orchestrator/<hash12>-<sanitized project basename>/
//	    sessions/<id>              session metadata files
//	    sessions/archive/<id>_<ts> archived metadata
//	    outcomes.jsonl             transition metrics
//	    orchestrator-prompt.md     orchestrator session system prompt
//
// Worker evidence lives inside the session workspace instead, under
// .ao/evidence/<sessionId>/, so the agent can write it without knowing the
// orchestrator's data dir.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BaseDirName is the directory under the user's home that holds all
// orchestrator state.
const BaseDirName = ".agent-orchestrator"

// EvidenceSubdir is the workspace-relative directory agents write evidence
// artifacts into.
const EvidenceSubdir = ".ao/evidence"

// Hash12 returns the first 12 hex chars of the SHA-256 over the absolute
// config path and the absolute project path, NUL-separated so the pair
// cannot be confused with a different split of the same bytes. It keeps
// project state dirs reproducible across runs and distinct across
// configurations.
func Hash12(configPath, projectPath string) string {
	sum := sha256.Sum256([]byte(configPath + "\x00" + projectPath))
	return hex.EncodeToString(sum[:])[:12]
}

// ProjectBaseDir returns the per-project state directory under home.
func ProjectBaseDir(home, configPath, projectPath string) string {
	return ProjectBaseDirIn(filepath.Join(home, BaseDirName), configPath, projectPath)
}

// ProjectBaseDirIn returns the per-project state directory under an explicit
// data root (the configured dataDir), bypassing home resolution. Tests and
// non-standard deployments point the root elsewhere; the layout below it is
// identical.
func ProjectBaseDirIn(root, configPath, projectPath string) string {
	name := Hash12(configPath, projectPath) + "-" + SanitizeName(filepath.Base(projectPath))
	return filepath.Join(root, name)
}

// SessionsDir returns the directory holding active session metadata files.
func SessionsDir(projectBaseDir string) string {
	return filepath.Join(projectBaseDir, "sessions")
}

// ArchiveDir returns the directory holding archived session metadata.
func ArchiveDir(projectBaseDir string) string {
	return filepath.Join(SessionsDir(projectBaseDir), "archive")
}

// OutcomesFile returns the JSONL file recording status transitions.
func OutcomesFile(projectBaseDir string) string {
	return filepath.Join(projectBaseDir, "outcomes.jsonl")
}

// OrchestratorPromptFile returns where spawnOrchestrator writes the system
// prompt handed to the agent as a file path.
func OrchestratorPromptFile(projectBaseDir string) string {
	return filepath.Join(projectBaseDir, "orchestrator-prompt.md")
}

// EvidenceDir returns the evidence directory for a session inside its
// workspace.
func EvidenceDir(workspacePath, sessionID string) string {
	return filepath.Join(workspacePath, filepath.FromSlash(EvidenceSubdir), sessionID)
}

// SanitizeName reduces a project basename to [a-zA-Z0-9_-], mapping every
// other rune to '-', so the directory name stays portable.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "project"
	}
	return b.String()
}

// ExpandHome replaces a leading "~" with the user's home directory and
// returns the path cleaned to absolute form.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolutize %q: %w", path, err)
	}
	return abs, nil
}

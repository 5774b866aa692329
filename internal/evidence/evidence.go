// Package evidence reads the artifact bundle worker agents must produce
// before their output is trusted: four JSON files under
// <workspace>/.ao/evidence/<sessionId>/ recording executed commands, test
// runs, changed paths, and known risks. The lifecycle manager gates the
// verifier on a complete bundle and fingerprints it to avoid re-verifying
// unchanged evidence.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentorch/agentorch/internal/paths"
)

// SchemaVersion is the evidence schema this orchestrator writes and
// expects. Exported to agents via AO_EVIDENCE_SCHEMA_VERSION.
const SchemaVersion = "1"

// Artifact file names, in canonical order.
const (
	CommandLogFile   = "command-log.json"
	TestsRunFile     = "tests-run.json"
	ChangedPathsFile = "changed-paths.json"
	KnownRisksFile   = "known-risks.json"
)

// ArtifactNames lists the four artifact files in canonical order.
var ArtifactNames = []string{CommandLogFile, TestsRunFile, ChangedPathsFile, KnownRisksFile}

// FileState classifies a single artifact file.
type FileState string

const (
	FileMissing    FileState = "missing"
	FileInvalid    FileState = "invalid"
	FileIncomplete FileState = "incomplete"
	FileComplete   FileState = "complete"
)

// BundleState classifies the whole bundle: missing when no artifact
// exists, complete when all four are complete, incomplete otherwise.
type BundleState string

const (
	BundleMissing    BundleState = "missing"
	BundleIncomplete BundleState = "incomplete"
	BundleComplete   BundleState = "complete"
)

// CommandEntry is one executed command from command-log.json.
type CommandEntry struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Cwd      string `json:"cwd,omitempty"`
}

// TestRun is one test invocation from tests-run.json.
type TestRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// FileStatus is the per-file breakdown included in every parse result.
type FileStatus struct {
	Name  string
	Path  string
	State FileState

	// Err holds the parse error text for invalid files.
	Err string
}

// Bundle is the parsed evidence for one session.
type Bundle struct {
	SessionID string
	Dir       string
	State     BundleState
	Files     []FileStatus

	Commands     []CommandEntry
	Tests        []TestRun
	ChangedPaths []string
	Risks        []string

	// Fingerprint is path:size:mtime joined with '|' over the four
	// artifacts in canonical order; missing files contribute zeros. Equal
	// fingerprints mean the evidence has not changed since last parse.
	Fingerprint string
}

// Complete reports whether every artifact parsed and declared itself
// complete.
func (b *Bundle) Complete() bool { return b.State == BundleComplete }

type commandLogDoc struct {
	SchemaVersion string         `json:"schemaVersion"`
	Complete      bool           `json:"complete"`
	Entries       []CommandEntry `json:"entries"`
}

type testsRunDoc struct {
	SchemaVersion string    `json:"schemaVersion"`
	Complete      bool      `json:"complete"`
	Tests         []TestRun `json:"tests"`
}

type changedPathsDoc struct {
	SchemaVersion string   `json:"schemaVersion"`
	Complete      bool     `json:"complete"`
	Paths         []string `json:"paths"`
}

type knownRisksDoc struct {
	SchemaVersion string   `json:"schemaVersion"`
	Complete      bool     `json:"complete"`
	Risks         []string `json:"risks"`
}

// Dir returns the evidence directory for a session workspace.
func Dir(workspacePath, sessionID string) string {
	return paths.EvidenceDir(workspacePath, sessionID)
}

// Parse reads the bundle for a session. It never fails: unreadable or
// malformed artifacts degrade the file (and bundle) state instead.
func Parse(workspacePath, sessionID string) *Bundle {
	dir := Dir(workspacePath, sessionID)
	b := &Bundle{
		SessionID:   sessionID,
		Dir:         dir,
		Files:       make([]FileStatus, 0, len(ArtifactNames)),
		Fingerprint: Fingerprint(dir),
	}

	missing := 0
	complete := 0
	for _, name := range ArtifactNames {
		status := FileStatus{Name: name, Path: filepath.Join(dir, name)}
		data, err := os.ReadFile(status.Path)
		switch {
		case err != nil:
			status.State = FileMissing
			missing++
		default:
			status.State, status.Err = parseArtifact(name, data, b)
			if status.State == FileComplete {
				complete++
			}
		}
		b.Files = append(b.Files, status)
	}

	switch {
	case missing == len(ArtifactNames):
		b.State = BundleMissing
	case complete == len(ArtifactNames):
		b.State = BundleComplete
	default:
		b.State = BundleIncomplete
	}
	return b
}

// parseArtifact decodes one artifact into the bundle and classifies it.
func parseArtifact(name string, data []byte, b *Bundle) (FileState, string) {
	var complete bool
	var err error
	switch name {
	case CommandLogFile:
		var doc commandLogDoc
		if err = json.Unmarshal(data, &doc); err == nil {
			b.Commands = doc.Entries
			complete = doc.Complete
		}
	case TestsRunFile:
		var doc testsRunDoc
		if err = json.Unmarshal(data, &doc); err == nil {
			b.Tests = doc.Tests
			complete = doc.Complete
		}
	case ChangedPathsFile:
		var doc changedPathsDoc
		if err = json.Unmarshal(data, &doc); err == nil {
			b.ChangedPaths = doc.Paths
			complete = doc.Complete
		}
	case KnownRisksFile:
		var doc knownRisksDoc
		if err = json.Unmarshal(data, &doc); err == nil {
			b.Risks = doc.Risks
			complete = doc.Complete
		}
	}
	if err != nil {
		return FileInvalid, err.Error()
	}
	if !complete {
		return FileIncomplete, ""
	}
	return FileComplete, ""
}

// Fingerprint returns path:size:mtime for the four artifacts joined with
// '|', in canonical order. Missing artifacts contribute path:0:0 so the
// fingerprint still changes when a file appears.
func Fingerprint(dir string) string {
	parts := make([]string, 0, len(ArtifactNames))
	for _, name := range ArtifactNames {
		path := filepath.Join(dir, name)
		size := int64(0)
		mtime := int64(0)
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
			mtime = info.ModTime().UnixMilli()
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d", path, size, mtime))
	}
	return strings.Join(parts, "|")
}

// WriteSkeletons creates the evidence directory and the four artifact
// files with schemaVersion set and complete=false, so agents start from a
// well-formed bundle. Existing artifacts are left alone.
func WriteSkeletons(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}

	skeletons := map[string]interface{}{
		CommandLogFile:   commandLogDoc{SchemaVersion: SchemaVersion, Entries: []CommandEntry{}},
		TestsRunFile:     testsRunDoc{SchemaVersion: SchemaVersion, Tests: []TestRun{}},
		ChangedPathsFile: changedPathsDoc{SchemaVersion: SchemaVersion, Paths: []string{}},
		KnownRisksFile:   knownRisksDoc{SchemaVersion: SchemaVersion, Risks: []string{}},
	}
	for _, name := range ArtifactNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := json.MarshalIndent(skeletons[name], "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s skeleton: %w", name, err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s skeleton: %w", name, err)
		}
	}
	return nil
}

// Summary renders a short human-readable digest used in verifier prompts.
func (b *Bundle) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Evidence bundle: %s\n", b.State)

	failedCmds := 0
	for _, c := range b.Commands {
		if c.ExitCode != 0 {
			failedCmds++
		}
	}
	fmt.Fprintf(&sb, "Commands: %d recorded, %d failed\n", len(b.Commands), failedCmds)

	failedTests := 0
	for _, tr := range b.Tests {
		if tr.Status != "passed" {
			failedTests++
		}
	}
	fmt.Fprintf(&sb, "Tests: %d run, %d not passing\n", len(b.Tests), failedTests)

	fmt.Fprintf(&sb, "Changed paths: %d\n", len(b.ChangedPaths))
	for i, p := range b.ChangedPaths {
		if i == 10 {
			fmt.Fprintf(&sb, "  ... %d more\n", len(b.ChangedPaths)-i)
			break
		}
		fmt.Fprintf(&sb, "  - %s\n", p)
	}

	fmt.Fprintf(&sb, "Known risks: %d\n", len(b.Risks))
	for _, r := range b.Risks {
		fmt.Fprintf(&sb, "  - %s\n", r)
	}

	incomplete := make([]string, 0)
	for _, f := range b.Files {
		if f.State != FileComplete {
			incomplete = append(incomplete, fmt.Sprintf("%s (%s)", f.Name, f.State))
		}
	}
	if len(incomplete) > 0 {
		fmt.Fprintf(&sb, "Incomplete artifacts: %s\n", strings.Join(incomplete, ", "))
	}
	return sb.String()
}

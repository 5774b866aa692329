package paths

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// OrchestratorSuffix is the fixed numeric-slot replacement used by
// orchestrator sessions: <prefix>-orchestrator.
const OrchestratorSuffix = "orchestrator"

// archiveTimestampLayout matches an ISO-8601 UTC instant at millisecond
// precision, before colon replacement.
const archiveTimestampLayout = "2006-01-02T15:04:05.000Z"

var prefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidPrefix reports whether prefix is usable in session ids.
func ValidPrefix(prefix string) bool {
	return prefixPattern.MatchString(prefix)
}

// SessionID composes a worker session id from prefix and ordinal.
func SessionID(prefix string, n int) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}

// OrchestratorSessionID composes the fixed orchestrator session id for a
// prefix.
func OrchestratorSessionID(prefix string) string {
	return prefix + "-" + OrchestratorSuffix
}

// ParseSessionID splits an id produced by SessionID or
// OrchestratorSessionID. It returns ok=false when id does not belong to the
// prefix. For orchestrator ids, n is 0 and isOrchestrator is true.
func ParseSessionID(prefix, id string) (n int, isOrchestrator bool, ok bool) {
	rest, found := strings.CutPrefix(id, prefix+"-")
	if !found || rest == "" {
		return 0, false, false
	}
	if rest == OrchestratorSuffix {
		return 0, true, true
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false, false
	}
	return n, false, true
}

// ArchiveFileName composes the archive entry name for a session id at a
// point in time: <id>_<iso timestamp with ':' replaced by '-'>. Archive
// names sort lexicographically by time for a given id.
func ArchiveFileName(id string, ts time.Time) string {
	iso := ts.UTC().Format(archiveTimestampLayout)
	return id + "_" + strings.ReplaceAll(iso, ":", "-")
}

// ArchiveBaseID recovers the session id from a name produced by
// ArchiveFileName. The timestamp part never contains '_', so the id ends at
// the last underscore.
func ArchiveBaseID(name string) string {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 {
		return ""
	}
	return name[:idx]
}

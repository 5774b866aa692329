// Package metadata persists session state as small key=value text files,
// one file per session id. The file format is deliberately trivial so hook
// scripts and humans can read and patch it: UTF-8 lines of key=value, the
// first '=' splits key from value, values are opaque single-line strings,
// unknown keys round-trip unchanged.
//
// Mutations go through an atomic temp-file dance (write <id>.tmp, fsync,
// rename) so concurrent readers never observe torn files and concurrent
// writers, possibly in other processes, cannot corrupt state.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentorch/agentorch/internal/paths"
)

// Fields is one session's metadata as a flat string map.
type Fields map[string]string

// Store reads and writes session metadata under a sessions directory.
// Retired sessions move to <sessionsDir>/archive.
type Store struct {
	sessionsDir string
	archiveDir  string

	// mu serialises read-merge-write updates within this process. Cross
	// process safety comes from rename atomicity alone.
	mu sync.Mutex
}

// NewStore creates a store rooted at sessionsDir. Directories are created
// lazily on first write.
func NewStore(sessionsDir string) *Store {
	return &Store{
		sessionsDir: sessionsDir,
		archiveDir:  filepath.Join(sessionsDir, "archive"),
	}
}

// SessionsDir returns the directory holding active metadata files.
func (s *Store) SessionsDir() string { return s.sessionsDir }

// Path returns the active metadata file path for id.
func (s *Store) Path(id string) string { return filepath.Join(s.sessionsDir, id) }

// Write replaces the metadata file for id atomically.
func (s *Store) Write(id string, fields Fields) error {
	if err := os.MkdirAll(s.sessionsDir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return writeAtomic(s.Path(id), encode(fields))
}

// Read loads all fields for id. A missing file returns (nil, nil).
func (s *Store) Read(id string) (Fields, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}
	return decode(data), nil
}

// Update merges fields into the existing metadata for id and writes the
// result atomically. An empty string value deletes the key. Updating a
// missing session creates it.
func (s *Store) Update(id string, fields Fields) (Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = Fields{}
	}
	for k, v := range fields {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	if err := s.Write(id, current); err != nil {
		return nil, err
	}
	return current, nil
}

// Archive moves the active metadata file for id into the archive directory
// under <id>_<timestamp> and returns the archive entry name. Archiving a
// missing session is an error.
func (s *Store) Archive(id string) (string, error) {
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	name := paths.ArchiveFileName(id, time.Now())
	if err := os.Rename(s.Path(id), filepath.Join(s.archiveDir, name)); err != nil {
		return "", fmt.Errorf("archive metadata %s: %w", id, err)
	}
	return name, nil
}

// RestoreFromArchive copies the most recent archive entry for id back to
// the active file and returns its fields. The archive entry is kept. A
// missing archive entry returns (nil, nil).
func (s *Store) RestoreFromArchive(id string) (Fields, error) {
	name, err := s.latestArchiveEntry(id)
	if err != nil || name == "" {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.archiveDir, name))
	if err != nil {
		return nil, fmt.Errorf("read archive entry %s: %w", name, err)
	}
	if err := os.MkdirAll(s.sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if err := writeAtomic(s.Path(id), data); err != nil {
		return nil, err
	}
	return decode(data), nil
}

// ReadArchived loads the most recent archive entry for id without touching
// the active file. A missing entry returns (nil, nil).
func (s *Store) ReadArchived(id string) (Fields, error) {
	name, err := s.latestArchiveEntry(id)
	if err != nil || name == "" {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.archiveDir, name))
	if err != nil {
		return nil, fmt.Errorf("read archive entry %s: %w", name, err)
	}
	return decode(data), nil
}

// List returns the active session ids: non-hidden regular files directly
// under the sessions dir, excluding archive/ and leftover temp files.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// ArchivedIDs returns the distinct session ids present in the archive.
func (s *Store) ArchivedIDs() ([]string, error) {
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archive dir: %w", err)
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		id := paths.ArchiveBaseID(entry.Name())
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// latestArchiveEntry returns the lexicographically greatest archive entry
// name for id, or "" when none exists. Archive names embed a fixed-width
// UTC timestamp, so lexicographic order is chronological order.
func (s *Store) latestArchiveEntry(id string) (string, error) {
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("list archive dir: %w", err)
	}

	prefix := id + "_"
	best := ""
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if name > best {
			best = name
		}
	}
	return best, nil
}

// writeAtomic writes data to path via a fsynced temp file in the same
// directory followed by a rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// encode renders fields as sorted key=value lines. Values must be single
// line strings; callers normalise multi-line text before persisting.
func encode(fields Fields) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// decode parses key=value lines. The first '=' splits key from value;
// empty lines and lines without '=' are ignored.
func decode(data []byte) Fields {
	fields := Fields{}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}
		fields[key] = value
	}
	return fields
}

// Package metrics keeps an append-only outcome log per project: one JSON
// line per status transition, written best-effort so a full disk never
// stalls the lifecycle loop.
package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/paths"
)

// Transition is one recorded status change.
type Transition struct {
	Timestamp   time.Time `json:"ts"`
	ProjectID   string    `json:"project"`
	SessionID   string    `json:"session"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	EventType   string    `json:"eventType,omitempty"`
	ReactionKey string    `json:"reaction,omitempty"`
}

// Recorder appends transitions to <projectBaseDir>/outcomes.jsonl. One
// recorder serves all projects; project base dirs are registered at
// bootstrap.
type Recorder struct {
	logger *logger.Logger

	mu    sync.RWMutex
	files map[string]string
}

func NewRecorder(log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Default()
	}
	return &Recorder{
		logger: log.WithFields(zap.String("component", "metrics")),
		files:  make(map[string]string),
	}
}

// RegisterProject maps a project id to its base directory.
func (r *Recorder) RegisterProject(projectID, projectBaseDir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[projectID] = paths.OutcomesFile(projectBaseDir)
}

// RecordTransition appends one line. Failures are logged at debug and
// swallowed; callers never block on the outcome log.
func (r *Recorder) RecordTransition(projectID, sessionID, from, to, eventType, reactionKey string) {
	r.mu.RLock()
	path, ok := r.files[projectID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	line, err := json.Marshal(Transition{
		Timestamp:   time.Now().UTC(),
		ProjectID:   projectID,
		SessionID:   sessionID,
		From:        from,
		To:          to,
		EventType:   eventType,
		ReactionKey: reactionKey,
	})
	if err != nil {
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.logger.Debug("outcome log open failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	// single write so concurrent appenders interleave whole lines
	if _, err := f.Write(append(line, '\n')); err != nil {
		r.logger.Debug("outcome log write failed", zap.String("path", path), zap.Error(err))
	}
}

// Recent returns up to n most-recent transitions for a project, newest
// last. Unparseable lines are skipped.
func (r *Recorder) Recent(projectID string, n int) ([]Transition, error) {
	r.mu.RLock()
	path, ok := r.files[projectID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("metrics: unregistered project %q", projectID)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Transition{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []Transition
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var t Transition
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			continue
		}
		all = append(all, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

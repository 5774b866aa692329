// Package builtin registers the plugin implementations that ship with the
// orchestrator binary. Concrete runtime, agent, workspace, SCM, and tracker
// integrations are deployment-specific and arrive through config-declared
// plugins; the only built-in is the structured-log notifier used as the
// default notification routing target.
package builtin

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/plugin"
)

// Register installs the built-in plugin factories into the registry. Call
// before Registry.LoadBuiltins.
func Register(reg *plugin.Registry) error {
	return reg.RegisterFactory("log-notifier", func(_ map[string]string, log *logger.Logger) (interface{}, error) {
		return NewLogNotifier(log), nil
	})
}

// LogNotifier writes notifications to the orchestrator's structured log.
// Urgent notifications log at warn so they stand out in level-filtered
// output; everything else logs at info.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

// Notify implements plugin.Notifier.
func (n *LogNotifier) Notify(_ context.Context, note plugin.Notification) error {
	fields := []zap.Field{
		zap.String("event_type", note.EventType),
		zap.String("priority", note.Priority),
		zap.String("project_id", note.ProjectID),
		zap.String("session_id", note.SessionID),
		zap.String("title", note.Title),
		zap.String("message", note.Message),
	}
	if note.Priority == "urgent" {
		n.logger.Warn("notification", fields...)
		return nil
	}
	n.logger.Info("notification", fields...)
	return nil
}

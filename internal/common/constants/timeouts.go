// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// SpawnTimeout is the maximum time to wait for session creation,
	// including workspace creation and agent launch.
	SpawnTimeout = 5 * time.Minute

	// PluginProbeTimeout bounds a single runtime/agent/SCM/tracker probe
	// during a lifecycle sweep.
	PluginProbeTimeout = 30 * time.Second

	// SendTimeout is the maximum time to wait for a message delivery to a
	// session's runtime.
	SendTimeout = 30 * time.Second

	// TeardownTimeout is the maximum time to wait for session teardown,
	// including runtime destroy and workspace removal.
	TeardownTimeout = 2 * time.Minute
)

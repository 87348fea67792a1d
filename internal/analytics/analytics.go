// Package analytics records local, opt-in command usage in SQLite: which
// commands ran, how long they took and how they failed. Nothing leaves the
// machine.
package analytics

import "os"

// EnvEnabled overrides the analytics.enabled config value when set.
const EnvEnabled = "TASKMARKET_ANALYTICS_ENABLED"

// Event is one recorded command run.
type Event struct {
	ID         int64
	Timestamp  int64
	Command    string // full command path without the binary, e.g. "draft submit"
	Success    bool
	DurationMs int64
	ErrorType  string
	Flags      string // JSON array of flag names that were set
}

// CommandStats aggregates the events of one command.
type CommandStats struct {
	Command       string `json:"command"`
	Runs          int    `json:"runs"`
	Failures      int    `json:"failures"`
	AvgDurationMs int64  `json:"avgDurationMs"`
	LastRun       int64  `json:"lastRun"`
}

// IsEnabledFromEnv returns the effective enabled state. The environment
// variable wins over the config value.
func IsEnabledFromEnv(configEnabled bool) bool {
	envVal := os.Getenv(EnvEnabled)
	if envVal == "" {
		return configEnabled
	}
	return envVal == "true" || envVal == "1"
}

package config

import (
	"os"
	"strings"
)

// ScheduledCleanupEnabled controls whether the in-process folder cleanup
// sweep runs on a timer. When disabled, cleanup only runs when an operator
// hits the admin endpoint or the folder-consistency-check tool.
//
// Set via env:
// - SCHEDULED_FOLDER_CLEANUP=true
func ScheduledCleanupEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SCHEDULED_FOLDER_CLEANUP")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// WorkflowEventsEnabled controls whether workflow transitions enqueue
// outbox rows for the notification service. Disabled in environments
// without Pub/Sub (local dev, CI).
//
// Set via env:
// - WORKFLOW_EVENTS=true
func WorkflowEventsEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("WORKFLOW_EVENTS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

package config

import (
	"os"
	"strings"
)

// DebugEnvelopes exposes error detail in HTTP error envelopes.
//
// Set via env:
// - DEBUG_MODE=true
func DebugEnvelopes() bool {
	return envTrue("DEBUG_MODE")
}

// SyncPushOnCommit publishes an inventory sync request after each committed run.
//
// Set via env:
// - SYNC_PUSH_ON_COMMIT=true
func SyncPushOnCommit() bool {
	return envTrue("SYNC_PUSH_ON_COMMIT")
}

// RetryWorkerEnabled starts the sync retry worker in the service binary (default on).
//
// Set via env:
// - SYNC_RETRY_WORKER_ENABLED=false
func RetryWorkerEnabled() bool {
	v := strings.TrimSpace(os.Getenv("SYNC_RETRY_WORKER_ENABLED"))
	if v == "" {
		return true
	}
	return envTrue("SYNC_RETRY_WORKER_ENABLED")
}

func envTrue(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

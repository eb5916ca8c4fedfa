// Package diag hands out the process-unique identifiers the scheduler core
// uses purely for diagnostics (log correlation) — never for scheduling
// decisions. Fiber and thread ids remain monotonic atomic counters; this
// package is only for things like "which Scheduler instance logged this
// line", where a short opaque tag is more useful than a pointer address.
package diag

import "github.com/google/uuid"

// NewID returns a fresh, process-unique diagnostic identifier.
func NewID() string {
	return uuid.NewString()
}

// Short returns the first 8 characters of id, for compact log lines.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

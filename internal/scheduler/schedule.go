package scheduler

import (
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
)

// Schedule represents a periodic task bound to the cleanup job class — the
// only class the Polling Fallback Loop and Dispatcher pools never drive on
// their own, per SPEC_FULL §12.
type Schedule struct {
	// ID is a unique identifier for the schedule.
	ID string

	// Cron expression (standard 5-field: minute hour day month weekday)
	// Examples:
	//   "0 * * * *"     - Every hour at minute 0
	//   "*/15 * * * *"  - Every 15 minutes
	//   "0 9 * * 1"     - Every Monday at 9:00 AM
	//   "0 0 1 * *"     - First day of every month at midnight
	Cron string

	// Class is always ClassCleanup today, but the registry does not assume
	// that so a future retention job class can reuse it.
	Class job.Class

	// Payload is the job payload (JSON bytes).
	Payload []byte

	// Priority for the enqueued job.
	Priority job.Priority

	// Timezone for cron evaluation (default: UTC). Must be a valid IANA
	// timezone (e.g., "America/New_York", "UTC").
	Timezone string

	// Enabled flag (allows disabling without removing).
	Enabled bool

	// Description is for logging/monitoring only.
	Description string
}

// ScheduleState is the runtime state of a schedule, persisted in Redis so
// every process sharing a queue name sees the same last-run bookkeeping.
type ScheduleState struct {
	ID          string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	LastError   string
	LastSuccess time.Time
}

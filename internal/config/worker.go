package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
)

// WorkerMode defines the operational mode of a worker process, per
// SPEC_FULL §12's supplemented worker-topology feature.
type WorkerMode string

const (
	// WorkerModeThin runs every registered class's pool at low concurrency.
	// Use for: development, testing, very low traffic.
	WorkerModeThin WorkerMode = "thin"

	// WorkerModeDefault runs every registered class's pool at its spec
	// default concurrency.
	// Use for: standard production traffic.
	WorkerModeDefault WorkerMode = "default"

	// WorkerModeSpecialized sets Priorities to a subset (urgent and high
	// unless WORKER_PRIORITIES names others) and keeps every known class.
	// Pools are registered by Classes alone and no pool filters jobs by
	// Priorities, so jobs of every priority tier are still dispatched.
	WorkerModeSpecialized WorkerMode = "specialized"

	// WorkerModeJobSpecialized restricts this process to an explicit set
	// of job classes (e.g. a GPU-bound fleet running only ai-response and
	// chat-relay-processing).
	// Use for: classes with different resource requirements.
	WorkerModeJobSpecialized WorkerMode = "job-specialized"

	// WorkerModeSchedulerOnly runs no dispatcher pools at all — only the
	// Polling Fallback Loop and the cleanup cron sweep.
	// Use for: a dedicated scheduler process in a distributed deployment.
	WorkerModeSchedulerOnly WorkerMode = "scheduler-only"
)

// WorkerConfig holds worker-specific configuration: which classes this
// process dispatches, at what concurrency, and whether it also runs the
// cleanup cron sweep.
type WorkerConfig struct {
	// Mode determines the operational mode of the worker.
	Mode WorkerMode

	// Concurrency overrides the per-class concurrency from job.Defaults
	// when non-zero; 0 means "use the spec default for each class".
	Concurrency int

	// Priorities lists the priority tiers configured for this process.
	// Empty means all four tiers. It is validated and logged and
	// ShouldProcessJob consults it; pool registration and dispatch do not.
	Priorities []job.Priority

	// Classes restricts dispatch to this subset of job.KnownClasses.
	// Empty means every known class (subject to Mode's defaults below).
	Classes []job.Class

	// SchedulerInterval is how often the cleanup cron sweep's registry is
	// checked for due schedules.
	SchedulerInterval time.Duration

	// EnableScheduler determines whether this process runs the cleanup
	// cron scheduler in addition to its dispatcher pools.
	EnableScheduler bool
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		Mode:              WorkerMode(getEnv("WORKER_MODE", string(WorkerModeDefault))),
		Concurrency:       getEnvAsInt("WORKER_CONCURRENCY", 0),
		Priorities:        parsePriorities(getEnv("WORKER_PRIORITIES", "")),
		Classes:           parseClasses(getEnv("WORKER_CLASSES", "")),
		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", 1*time.Second),
		EnableScheduler:   getEnvAsBool("ENABLE_SCHEDULER", true),
	}

	cfg.applyModeDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyModeDefaults fills in mode-specific defaults for fields the caller
// left at their zero value.
func (c *WorkerConfig) applyModeDefaults() {
	switch c.Mode {
	case WorkerModeThin:
		if len(c.Classes) == 0 {
			c.Classes = job.KnownClasses
		}
		c.EnableScheduler = true

	case WorkerModeDefault:
		if len(c.Classes) == 0 {
			c.Classes = job.KnownClasses
		}

	case WorkerModeSpecialized:
		if len(c.Priorities) == 0 {
			c.Priorities = []job.Priority{job.PriorityUrgent, job.PriorityHigh}
		}
		if len(c.Classes) == 0 {
			c.Classes = job.KnownClasses
		}

	case WorkerModeJobSpecialized:
		// Caller must specify Classes; no default is applied.

	case WorkerModeSchedulerOnly:
		c.Concurrency = 0
		c.Classes = nil
		c.Priorities = nil
		c.EnableScheduler = true
	}
}

// Validate checks the worker configuration's invariants.
func (c *WorkerConfig) Validate() error {
	switch c.Mode {
	case WorkerModeThin, WorkerModeDefault, WorkerModeSpecialized, WorkerModeJobSpecialized, WorkerModeSchedulerOnly:
	default:
		return fmt.Errorf("invalid worker mode: %s (must be one of: thin, default, specialized, job-specialized, scheduler-only)", c.Mode)
	}

	if c.Mode == WorkerModeSchedulerOnly {
		if c.Concurrency != 0 {
			return fmt.Errorf("scheduler-only mode must have concurrency=0 (got %d)", c.Concurrency)
		}
	} else {
		if c.Concurrency < 0 {
			return fmt.Errorf("worker concurrency cannot be negative (got %d)", c.Concurrency)
		}
		if c.Concurrency > 1000 {
			return fmt.Errorf("worker concurrency too high: %d (maximum 1000)", c.Concurrency)
		}
		if c.Mode == WorkerModeJobSpecialized && len(c.Classes) == 0 {
			return fmt.Errorf("job-specialized mode requires at least one job class to be specified")
		}
		for _, cl := range c.Classes {
			if !cl.IsKnown() {
				return fmt.Errorf("unknown job class: %s", cl)
			}
		}
	}

	for _, p := range c.Priorities {
		if p != job.PriorityUrgent && p != job.PriorityHigh && p != job.PriorityNormal && p != job.PriorityLow {
			return fmt.Errorf("invalid priority: %d", p)
		}
	}

	if c.EnableScheduler {
		if c.SchedulerInterval < 100*time.Millisecond {
			return fmt.Errorf("scheduler interval too short: %v (minimum 100ms)", c.SchedulerInterval)
		}
		if c.SchedulerInterval > 1*time.Minute {
			return fmt.Errorf("scheduler interval too long: %v (maximum 1 minute)", c.SchedulerInterval)
		}
	}

	return nil
}

// ShouldProcessJob reports whether this worker config's Priorities and
// Classes filters admit j. The engine does not call it: the Lifecycle
// Supervisor registers pools by the Classes filter alone.
func (c *WorkerConfig) ShouldProcessJob(j *job.Job) bool {
	if len(c.Priorities) > 0 {
		match := false
		for _, p := range c.Priorities {
			if j.Priority == p {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(c.Classes) > 0 {
		match := false
		for _, cl := range c.Classes {
			if j.Class == cl {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	return true
}

// String returns a human-readable description of the worker config.
func (c *WorkerConfig) String() string {
	priorities := "all"
	if len(c.Priorities) > 0 {
		parts := make([]string, len(c.Priorities))
		for i, p := range c.Priorities {
			parts[i] = p.String()
		}
		priorities = strings.Join(parts, ",")
	}

	classes := "all"
	if len(c.Classes) > 0 {
		parts := make([]string, len(c.Classes))
		for i, cl := range c.Classes {
			parts[i] = string(cl)
		}
		classes = strings.Join(parts, ",")
	}

	scheduler := "disabled"
	if c.EnableScheduler {
		scheduler = fmt.Sprintf("enabled (interval: %v)", c.SchedulerInterval)
	}

	return fmt.Sprintf(
		"WorkerConfig{mode=%s, concurrency=%d, priorities=%s, classes=%s, scheduler=%s}",
		c.Mode, c.Concurrency, priorities, classes, scheduler,
	)
}

// parsePriorities parses a comma-separated list of priority literals.
func parsePriorities(s string) []job.Priority {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	priorities := make([]job.Priority, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed == "" {
			continue
		}
		p, err := job.ParsePriority(trimmed)
		if err == nil {
			priorities = append(priorities, p)
		}
	}
	return priorities
}

// parseClasses parses a comma-separated list of job class literals.
func parseClasses(s string) []job.Class {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	classes := make([]job.Class, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		cl := job.Class(trimmed)
		if cl.IsKnown() {
			classes = append(classes, cl)
		}
	}
	return classes
}

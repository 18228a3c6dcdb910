// Package scheduler drives the cron-triggered retention sweep for the
// cleanup job class. It is reused unmodified from the worker-topology
// perspective: whichever process has EnableScheduler set runs exactly one
// CronScheduler, and the distributed lock in lock.go ensures only one
// replica of that process wins a given tick when more than one is running.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/redis/go-redis/v9"
)

// CronScheduler manages periodic task execution against the Queue Core.
type CronScheduler struct {
	registry *Registry
	core     *queuecore.Core
	client   *redis.Client
	interval time.Duration
	lockTTL  time.Duration
	log      logger.Logger
}

// NewCronScheduler creates a new cron scheduler. client is the raw Redis
// client backing the distributed lock; core is the Queue Core the scheduler
// enqueues due schedules into.
func NewCronScheduler(registry *Registry, core *queuecore.Core, client *redis.Client, interval time.Duration) *CronScheduler {
	return &CronScheduler{
		registry: registry,
		core:     core,
		client:   client,
		interval: interval,
		lockTTL:  60 * time.Second, // Default: 60s lock TTL
		log:      logger.Default().WithComponent(logger.ComponentScheduler),
	}
}

// SetLockTTL sets the distributed lock TTL (for testing or tuning).
func (cs *CronScheduler) SetLockTTL(ttl time.Duration) {
	cs.lockTTL = ttl
}

// Start begins the cron scheduler loop.
func (cs *CronScheduler) Start(ctx context.Context) {
	cs.log.Info("cron scheduler started",
		"interval", cs.interval,
		"schedules", cs.registry.Count())

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.log.Info("cron scheduler stopping")
			return
		case <-ticker.C:
			cs.tick(ctx)
		}
	}
}

// tick checks all schedules and enqueues due jobs.
func (cs *CronScheduler) tick(ctx context.Context) {
	now := time.Now()
	schedules := cs.registry.List()

	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}

		if cs.isDue(ctx, schedule, now) {
			cs.executeSchedule(ctx, schedule, now)
		}
	}
}

// isDue checks if a schedule should run now.
func (cs *CronScheduler) isDue(ctx context.Context, schedule *Schedule, now time.Time) bool {
	state, err := cs.getState(ctx, schedule.ID)
	if err != nil {
		cs.log.Error("failed to get schedule state",
			"scheduleId", schedule.ID,
			"error", err)
		return false
	}

	nextRun, err := cs.registry.NextRun(schedule, state.LastRun)
	if err != nil {
		cs.log.Error("failed to calculate next run",
			"scheduleId", schedule.ID,
			"error", err)
		return false
	}

	// 1-second buffer to account for tick timing.
	return now.After(nextRun.Add(-1*time.Second)) || now.Equal(nextRun)
}

// executeSchedule attempts to execute a schedule under a distributed lock so
// only one replica of a scheduler-enabled process enqueues it this tick.
func (cs *CronScheduler) executeSchedule(ctx context.Context, schedule *Schedule, now time.Time) {
	lockKey := fmt.Sprintf("chatqueue:schedule_lock:%s", schedule.ID)

	lock, err := AcquireLock(ctx, cs.client, lockKey, cs.lockTTL)
	if err != nil {
		cs.log.Error("failed to acquire schedule lock",
			"scheduleId", schedule.ID,
			"error", err)
		return
	}

	if lock == nil {
		cs.log.Debug("schedule already locked by another instance",
			"scheduleId", schedule.ID)
		return
	}

	defer func() {
		if err := lock.Release(ctx); err != nil {
			cs.log.Error("failed to release schedule lock",
				"scheduleId", schedule.ID,
				"error", err)
		}
	}()

	priority := schedule.Priority
	if priority == 0 {
		priority = job.PriorityNormal
	}

	result, err := cs.core.Enqueue(ctx, schedule.Class, schedule.Payload, job.Options{Priority: priority})
	if err != nil {
		cs.log.Error("failed to enqueue scheduled job",
			"scheduleId", schedule.ID,
			"class", string(schedule.Class),
			"error", err)

		if updateErr := cs.updateState(ctx, schedule.ID, &ScheduleState{
			ID:        schedule.ID,
			LastRun:   now,
			LastError: err.Error(),
		}); updateErr != nil {
			cs.log.Warn("failed to update schedule state", "scheduleId", schedule.ID, "error", updateErr)
		}
		return
	}

	cs.log.Info("scheduled job enqueued",
		"scheduleId", schedule.ID,
		"class", string(schedule.Class),
		"jobId", result.ID,
		"priority", priority.String())

	nextRun, err := cs.registry.NextRun(schedule, now)
	if err != nil {
		cs.log.Error("failed to calculate next run time",
			"scheduleId", schedule.ID,
			"error", err)
		nextRun = time.Time{}
	}

	runCount := cs.incrementRunCount(ctx, schedule.ID)
	if updateErr := cs.updateState(ctx, schedule.ID, &ScheduleState{
		ID:          schedule.ID,
		LastRun:     now,
		NextRun:     nextRun,
		LastSuccess: now,
		RunCount:    runCount,
		LastError:   "",
	}); updateErr != nil {
		cs.log.Warn("failed to update schedule state", "scheduleId", schedule.ID, "error", updateErr)
	}

	cs.log.Debug("schedule state updated",
		"scheduleId", schedule.ID,
		"nextRun", nextRun.Format(time.RFC3339),
		"runCount", runCount)
}

// getState retrieves the current state of a schedule from Redis.
func (cs *CronScheduler) getState(ctx context.Context, scheduleID string) (*ScheduleState, error) {
	key := fmt.Sprintf("chatqueue:schedules:%s", scheduleID)

	result, err := cs.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}

	if len(result) == 0 {
		return &ScheduleState{
			ID:      scheduleID,
			LastRun: time.Time{}, // never run
		}, nil
	}

	state := &ScheduleState{ID: scheduleID}

	if lastRun, exists := result["last_run"]; exists && lastRun != "" {
		if parsed, err := time.Parse(time.RFC3339, lastRun); err == nil {
			state.LastRun = parsed
		}
	}

	if nextRun, exists := result["next_run"]; exists && nextRun != "" {
		if parsed, err := time.Parse(time.RFC3339, nextRun); err == nil {
			state.NextRun = parsed
		}
	}

	if lastSuccess, exists := result["last_success"]; exists && lastSuccess != "" {
		if parsed, err := time.Parse(time.RFC3339, lastSuccess); err == nil {
			state.LastSuccess = parsed
		}
	}

	if lastError, exists := result["last_error"]; exists {
		state.LastError = lastError
	}

	if runCount, exists := result["run_count"]; exists && runCount != "" {
		var count int64
		if _, err := fmt.Sscanf(runCount, "%d", &count); err == nil {
			state.RunCount = count
		}
	}

	return state, nil
}

// updateState updates the schedule state in Redis.
func (cs *CronScheduler) updateState(ctx context.Context, scheduleID string, state *ScheduleState) error {
	key := fmt.Sprintf("chatqueue:schedules:%s", scheduleID)

	fields := map[string]interface{}{
		"last_run": state.LastRun.Format(time.RFC3339),
	}

	if !state.NextRun.IsZero() {
		fields["next_run"] = state.NextRun.Format(time.RFC3339)
	}

	if !state.LastSuccess.IsZero() {
		fields["last_success"] = state.LastSuccess.Format(time.RFC3339)
	}

	if state.LastError != "" {
		fields["last_error"] = state.LastError
	} else {
		cs.client.HDel(ctx, key, "last_error")
	}

	return cs.client.HSet(ctx, key, fields).Err()
}

// incrementRunCount increments and returns the run count.
func (cs *CronScheduler) incrementRunCount(ctx context.Context, scheduleID string) int64 {
	key := fmt.Sprintf("chatqueue:schedules:%s", scheduleID)
	count, err := cs.client.HIncrBy(ctx, key, "run_count", 1).Result()
	if err != nil {
		cs.log.Error("failed to increment run count",
			"scheduleId", scheduleID,
			"error", err)
		return 0
	}
	return count
}

// GetState retrieves the current state of a schedule (public method for monitoring).
func (cs *CronScheduler) GetState(ctx context.Context, scheduleID string) (*ScheduleState, error) {
	return cs.getState(ctx, scheduleID)
}

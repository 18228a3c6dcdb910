package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/redisconn"
	"github.com/redis/go-redis/v9"
)

func setupCronScheduler(t *testing.T) (*CronScheduler, *Registry, *queuecore.Core, *redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	conn, err := redisconn.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to build connection manager: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	registry := NewRegistry()
	core := queuecore.New(conn, "chatqueue:")

	scheduler := NewCronScheduler(registry, core, client, 100*time.Millisecond)
	scheduler.SetLockTTL(5 * time.Second)

	return scheduler, registry, core, client, mr
}

func TestNewCronScheduler(t *testing.T) {
	scheduler, _, _, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	if scheduler == nil {
		t.Fatal("expected non-nil scheduler")
	}
	if scheduler.interval != 100*time.Millisecond {
		t.Errorf("interval mismatch: got %v, want 100ms", scheduler.interval)
	}
	if scheduler.lockTTL != 5*time.Second {
		t.Errorf("lock TTL mismatch: got %v, want 5s", scheduler.lockTTL)
	}
}

func TestCronScheduler_ExecuteSchedule(t *testing.T) {
	scheduler, registry, core, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:       "test_schedule",
		Cron:     "* * * * *",
		Class:    job.ClassCleanup,
		Payload:  []byte(`{"key":"value"}`),
		Priority: job.PriorityHigh,
		Enabled:  true,
	}
	registry.MustRegister(schedule)

	now := time.Now()
	scheduler.executeSchedule(ctx, schedule, now)

	waiting, err := core.FetchWaiting(ctx, job.ClassCleanup, 10)
	if err != nil {
		t.Fatalf("fetch waiting: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(waiting))
	}
	if waiting[0].Priority != job.PriorityHigh {
		t.Errorf("job priority mismatch: got %s, want high", waiting[0].Priority)
	}
	if string(waiting[0].Payload) != `{"key":"value"}` {
		t.Errorf("job payload mismatch: got %s", waiting[0].Payload)
	}

	state, err := scheduler.GetState(ctx, "test_schedule")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.LastRun.IsZero() {
		t.Error("LastRun was not updated")
	}
	if state.LastSuccess.IsZero() {
		t.Error("LastSuccess was not updated")
	}
	if state.RunCount != 1 {
		t.Errorf("RunCount mismatch: got %d, want 1", state.RunCount)
	}
	if state.NextRun.IsZero() {
		t.Error("NextRun was not calculated")
	}
}

func TestCronScheduler_DefaultPriority(t *testing.T) {
	scheduler, registry, core, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "* * * * *",
		Class:   job.ClassCleanup,
		Enabled: true,
	}
	registry.MustRegister(schedule)

	scheduler.executeSchedule(ctx, schedule, time.Now())

	waiting, err := core.FetchWaiting(ctx, job.ClassCleanup, 10)
	if err != nil {
		t.Fatalf("fetch waiting: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(waiting))
	}
	if waiting[0].Priority != job.PriorityNormal {
		t.Errorf("expected default priority normal, got %s", waiting[0].Priority)
	}
}

func TestCronScheduler_DistributedLocking(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	conn, err := redisconn.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to build connection manager: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	registry := NewRegistry()
	core := queuecore.New(conn, "chatqueue:")

	scheduler1 := NewCronScheduler(registry, core, client, 100*time.Millisecond)
	scheduler2 := NewCronScheduler(registry, core, client, 100*time.Millisecond)

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "* * * * *",
		Class:   job.ClassCleanup,
		Enabled: true,
	}
	registry.MustRegister(schedule)

	done := make(chan bool, 2)
	go func() {
		scheduler1.executeSchedule(ctx, schedule, time.Now())
		done <- true
	}()
	go func() {
		scheduler2.executeSchedule(ctx, schedule, time.Now())
		done <- true
	}()
	<-done
	<-done

	waiting, err := core.FetchWaiting(ctx, job.ClassCleanup, 10)
	if err != nil {
		t.Fatalf("fetch waiting: %v", err)
	}
	if len(waiting) != 1 {
		t.Errorf("expected exactly 1 job enqueued (distributed lock), got %d", len(waiting))
	}
}

func TestCronScheduler_IsDue_NeverRun(t *testing.T) {
	scheduler, registry, _, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "* * * * *",
		Class:   job.ClassCleanup,
		Enabled: true,
	}
	registry.MustRegister(schedule)

	if !scheduler.isDue(ctx, schedule, time.Now()) {
		t.Error("expected schedule to be due on first check")
	}
}

func TestCronScheduler_IsDue_RecentlyRun(t *testing.T) {
	scheduler, registry, _, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "0 * * * *",
		Class:   job.ClassCleanup,
		Enabled: true,
	}
	registry.MustRegister(schedule)

	// Fixed clock: with a wall-clock now, a last run 30 minutes back can sit
	// before the top of the hour, and the hourly schedule is then due.
	now := time.Date(2025, 11, 10, 14, 45, 0, 0, time.UTC)
	lastRun := now.Add(-30 * time.Minute)
	client.HSet(ctx, "chatqueue:schedules:test_schedule", "last_run", lastRun.Format(time.RFC3339))

	if scheduler.isDue(ctx, schedule, now) {
		t.Error("expected schedule not to be due (last run was 30 min ago, runs hourly)")
	}
}

func TestCronScheduler_IsDue_PastDue(t *testing.T) {
	scheduler, registry, _, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "0 * * * *",
		Class:   job.ClassCleanup,
		Enabled: true,
	}
	registry.MustRegister(schedule)

	lastRun := time.Now().Add(-2 * time.Hour)
	client.HSet(ctx, "chatqueue:schedules:test_schedule", "last_run", lastRun.Format(time.RFC3339))

	if !scheduler.isDue(ctx, schedule, time.Now()) {
		t.Error("expected schedule to be due (last run was 2 hours ago)")
	}
}

func TestCronScheduler_Tick_DisabledSchedule(t *testing.T) {
	scheduler, registry, core, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "* * * * *",
		Class:   job.ClassCleanup,
		Enabled: false,
	}
	registry.MustRegister(schedule)

	scheduler.tick(ctx)

	waiting, err := core.FetchWaiting(ctx, job.ClassCleanup, 10)
	if err != nil {
		t.Fatalf("fetch waiting: %v", err)
	}
	if len(waiting) != 0 {
		t.Errorf("expected 0 jobs for disabled schedule, got %d", len(waiting))
	}
}

func TestCronScheduler_StateUpdate_ClearsError(t *testing.T) {
	scheduler, registry, _, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "* * * * *",
		Class:   job.ClassCleanup,
		Enabled: true,
	}
	registry.MustRegister(schedule)

	scheduler.updateState(ctx, "test_schedule", &ScheduleState{
		ID:        "test_schedule",
		LastRun:   time.Now(),
		LastError: "previous error",
	})

	state, _ := scheduler.GetState(ctx, "test_schedule")
	if state.LastError != "previous error" {
		t.Error("expected error to be set")
	}

	scheduler.executeSchedule(ctx, schedule, time.Now())

	state, err := scheduler.GetState(ctx, "test_schedule")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.LastError != "" {
		t.Errorf("expected error to be cleared, got %s", state.LastError)
	}
}

func TestCronScheduler_RunCount_Increment(t *testing.T) {
	scheduler, registry, _, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	schedule := &Schedule{
		ID:      "test_schedule",
		Cron:    "* * * * *",
		Class:   job.ClassCleanup,
		Enabled: true,
	}
	registry.MustRegister(schedule)

	for i := 1; i <= 5; i++ {
		scheduler.executeSchedule(ctx, schedule, time.Now())

		state, err := scheduler.GetState(ctx, "test_schedule")
		if err != nil {
			t.Fatalf("failed to get state: %v", err)
		}
		if state.RunCount != int64(i) {
			t.Errorf("run %d: expected run_count %d, got %d", i, i, state.RunCount)
		}
	}
}

func TestCronScheduler_Start_Stop(t *testing.T) {
	scheduler, _, _, client, mr := setupCronScheduler(t)
	defer mr.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		scheduler.Start(ctx)
		done <- true
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("scheduler did not stop within timeout")
	}
}

package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/queueerr"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/redisconn"
	"github.com/muaviaUsmani/chatqueue/internal/tenant"
)

func setupTestDispatcher(t *testing.T) (*Dispatcher, *queuecore.Core, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	conn, err := redisconn.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redisconn.New() error = %v", err)
	}
	core := queuecore.New(conn, "chatqueue:")
	d := New(core, tenant.NewMemoryProvider())
	return d, core, mr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRegisterHandler_DuplicateClassIsFatal(t *testing.T) {
	d, _, mr := setupTestDispatcher(t)
	defer mr.Close()

	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error { return nil }

	if err := d.RegisterHandler(job.ClassNotification, handler, 1); err != nil {
		t.Fatalf("first RegisterHandler() error = %v", err)
	}
	if err := d.RegisterHandler(job.ClassNotification, handler, 1); err == nil {
		t.Fatal("expected error registering the same class twice")
	}
}

func TestRegisterHandler_UnknownClassRejected(t *testing.T) {
	d, _, mr := setupTestDispatcher(t)
	defer mr.Close()

	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error { return nil }
	if err := d.RegisterHandler(job.Class("nonexistent"), handler, 1); err == nil {
		t.Fatal("expected error for unknown class")
	}
}

func TestStart_IsIdempotent(t *testing.T) {
	d, _, mr := setupTestDispatcher(t)
	defer mr.Close()

	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error { return nil }
	if err := d.RegisterHandler(job.ClassCleanup, handler, 1); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	d.Start()
	d.Start() // must not panic or spawn a second worker set

	if !d.Drain(time.Second) {
		t.Fatal("expected drain to complete")
	}
}

func TestDispatcher_ProcessesEnqueuedJob(t *testing.T) {
	d, core, mr := setupTestDispatcher(t)
	defer mr.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var seenTenant string
	var seenKind tenant.Kind
	processed := make(chan struct{}, 1)

	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error {
		mu.Lock()
		seenTenant = s.TenantID()
		seenKind = s.Kind()
		mu.Unlock()
		processed <- struct{}{}
		return nil
	}

	if err := d.RegisterHandler(job.ClassWebhookInbound, handler, 2); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	enqueued, err := core.EnqueueForMerchant(ctx, job.ClassWebhookInbound, []byte(`{"event":"x"}`), "merchant-9", job.Options{})
	if err != nil {
		t.Fatalf("EnqueueForMerchant() error = %v", err)
	}

	d.Start()

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	gotTenant, gotKind := seenTenant, seenKind
	mu.Unlock()
	if gotTenant != "merchant-9" {
		t.Errorf("expected tenant id merchant-9, got %q", gotTenant)
	}
	if gotKind != tenant.KindWebhook {
		t.Errorf("expected session kind %q, got %q", tenant.KindWebhook, gotKind)
	}

	waitFor(t, time.Second, func() bool {
		j, err := core.GetJob(ctx, enqueued.ID)
		return err == nil && j.State == job.StateCompleted
	})

	if !d.Drain(time.Second) {
		t.Fatal("expected drain to complete")
	}
}

func TestDispatcher_RetryableHandlerErrorReschedulesJob(t *testing.T) {
	d, core, mr := setupTestDispatcher(t)
	defer mr.Close()
	ctx := context.Background()

	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error {
		return &queueerr.HandlerRetryableError{Reason: "downstream unavailable"}
	}

	if err := d.RegisterHandler(job.ClassNotification, handler, 1); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	enqueued, err := core.Enqueue(ctx, job.ClassNotification, []byte(`{}`), job.Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d.Start()

	waitFor(t, 2*time.Second, func() bool {
		j, err := core.GetJob(ctx, enqueued.ID)
		return err == nil && j.State == job.StateDelayed
	})

	if !d.Drain(time.Second) {
		t.Fatal("expected drain to complete")
	}
}

func TestDispatcher_RetryThenSuccessObservesTwoAttempts(t *testing.T) {
	d, core, mr := setupTestDispatcher(t)
	defer mr.Close()
	ctx := context.Background()

	var mu sync.Mutex
	invocations := 0
	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error {
		mu.Lock()
		invocations++
		n := invocations
		mu.Unlock()
		if n == 1 {
			return &queueerr.HandlerRetryableError{Reason: "first attempt fails"}
		}
		return nil
	}

	if err := d.RegisterHandler(job.ClassAIResponse, handler, 1); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	enqueued, err := core.Enqueue(ctx, job.ClassAIResponse, []byte(`{}`), job.Options{MaxAttempts: 2, BackoffBaseMs: 50})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d.Start()

	waitFor(t, 2*time.Second, func() bool {
		j, err := core.GetJob(ctx, enqueued.ID)
		return err == nil && j.State == job.StateDelayed
	})

	// The Polling Loop owns promotion in production; stand in for it here
	// once the backoff deadline has passed.
	time.Sleep(100 * time.Millisecond)
	j, err := core.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if err := core.Promote(ctx, j); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, err := core.GetJob(ctx, enqueued.ID)
		return err == nil && j.State == job.StateCompleted
	})

	final, err := core.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.AttemptsMade != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", final.AttemptsMade)
	}
	mu.Lock()
	total := invocations
	mu.Unlock()
	if total != 2 {
		t.Errorf("expected handler invoked exactly twice, got %d", total)
	}

	if !d.Drain(time.Second) {
		t.Fatal("expected drain to complete")
	}
}

func TestDispatcher_PermanentHandlerErrorGoesToFailed(t *testing.T) {
	d, core, mr := setupTestDispatcher(t)
	defer mr.Close()
	ctx := context.Background()

	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error {
		return &queueerr.HandlerPermanentError{Reason: "validation failed"}
	}

	if err := d.RegisterHandler(job.ClassCleanup, handler, 1); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	enqueued, err := core.Enqueue(ctx, job.ClassCleanup, []byte(`{}`), job.Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d.Start()

	waitFor(t, 2*time.Second, func() bool {
		j, err := core.GetJob(ctx, enqueued.ID)
		return err == nil && j.State == job.StateFailed
	})

	if !d.Drain(time.Second) {
		t.Fatal("expected drain to complete")
	}
}

func TestDrain_StopsPullingNewWork(t *testing.T) {
	d, core, mr := setupTestDispatcher(t)
	defer mr.Close()
	ctx := context.Background()

	handler := func(ctx context.Context, s tenant.Session, j *job.Job) error { return nil }
	if err := d.RegisterHandler(job.ClassNotification, handler, 1); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	d.Start()
	if !d.Drain(time.Second) {
		t.Fatal("expected drain to complete with no active jobs")
	}

	enqueued, err := core.Enqueue(ctx, job.ClassNotification, []byte(`{}`), job.Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	j, err := core.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if j.State != job.StateWaiting {
		t.Errorf("expected job to remain waiting after drain stopped pulling, got %q", j.State)
	}
}

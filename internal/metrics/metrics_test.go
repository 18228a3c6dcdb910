package metrics

import (
	"testing"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	snap := c.Snapshot()
	if len(snap.JobsEnqueuedTotal) != 0 {
		t.Errorf("expected empty JobsEnqueuedTotal, got %v", snap.JobsEnqueuedTotal)
	}
	if snap.DLQCurrentCount != 0 {
		t.Errorf("expected DLQCurrentCount = 0, got %d", snap.DLQCurrentCount)
	}
}

func TestRecordEnqueued(t *testing.T) {
	c := NewCollector()

	c.RecordEnqueued(job.ClassWebhookInbound)
	c.RecordEnqueued(job.ClassAIResponse)
	c.RecordEnqueued(job.ClassWebhookInbound)

	snap := c.Snapshot()
	if snap.JobsEnqueuedTotal[job.ClassWebhookInbound] != 2 {
		t.Errorf("expected webhook-inbound enqueued = 2, got %d", snap.JobsEnqueuedTotal[job.ClassWebhookInbound])
	}
	if snap.JobsEnqueuedTotal[job.ClassAIResponse] != 1 {
		t.Errorf("expected ai-response enqueued = 1, got %d", snap.JobsEnqueuedTotal[job.ClassAIResponse])
	}
}

func TestRecordCompleted(t *testing.T) {
	c := NewCollector()

	c.RecordCompleted(job.ClassWebhookInbound, 100*time.Millisecond)
	c.RecordCompleted(job.ClassWebhookInbound, 200*time.Millisecond)

	snap := c.Snapshot()
	if snap.JobsCompletedTotal[job.ClassWebhookInbound] != 2 {
		t.Errorf("expected completed = 2, got %d", snap.JobsCompletedTotal[job.ClassWebhookInbound])
	}

	expectedAvg := 150.0
	if snap.AvgProcessingDurationMs[job.ClassWebhookInbound] != expectedAvg {
		t.Errorf("expected avg duration %vms, got %vms", expectedAvg, snap.AvgProcessingDurationMs[job.ClassWebhookInbound])
	}
}

func TestRecordFailed(t *testing.T) {
	c := NewCollector()

	c.RecordFailed(job.ClassWebhookInbound, "HandlerRetryableError", 50*time.Millisecond)

	snap := c.Snapshot()
	if snap.JobsFailedTotal[job.ClassWebhookInbound] != 1 {
		t.Errorf("expected failed = 1, got %d", snap.JobsFailedTotal[job.ClassWebhookInbound])
	}
	if snap.JobsFailedByErrorType["HandlerRetryableError"] != 1 {
		t.Errorf("expected failed-by-error-type = 1, got %d", snap.JobsFailedByErrorType["HandlerRetryableError"])
	}
	if snap.QueueErrorRatePercent != 100.0 {
		t.Errorf("expected error rate 100.0, got %f", snap.QueueErrorRatePercent)
	}
}

func TestMixedJobOutcomes(t *testing.T) {
	c := NewCollector()

	c.RecordCompleted(job.ClassWebhookInbound, 100*time.Millisecond)
	c.RecordCompleted(job.ClassAIResponse, 200*time.Millisecond)
	c.RecordCompleted(job.ClassNotification, 150*time.Millisecond)
	c.RecordFailed(job.ClassWebhookInbound, "HandlerPermanentError", 50*time.Millisecond)

	snap := c.Snapshot()
	if snap.JobsCompletedTotal[job.ClassWebhookInbound]+snap.JobsCompletedTotal[job.ClassAIResponse]+snap.JobsCompletedTotal[job.ClassNotification] != 3 {
		t.Error("expected 3 completed jobs across classes")
	}
	if snap.QueueErrorRatePercent != 25.0 {
		t.Errorf("expected error rate 25.0 (1 failure / 4 operations), got %f", snap.QueueErrorRatePercent)
	}
}

func TestRecordQueueDepth(t *testing.T) {
	c := NewCollector()

	c.RecordQueueDepth(job.ClassWebhookInbound, job.StateWaiting, 10)
	c.RecordQueueDepth(job.ClassWebhookInbound, job.StateActive, 2)
	c.RecordQueueDepth(job.ClassAIResponse, job.StateWaiting, 5)

	snap := c.Snapshot()
	if snap.QueueDepth[job.ClassWebhookInbound][job.StateWaiting] != 10 {
		t.Errorf("expected webhook waiting depth = 10, got %d", snap.QueueDepth[job.ClassWebhookInbound][job.StateWaiting])
	}
	if snap.QueueDepth[job.ClassWebhookInbound][job.StateActive] != 2 {
		t.Errorf("expected webhook active depth = 2, got %d", snap.QueueDepth[job.ClassWebhookInbound][job.StateActive])
	}
	if snap.QueueDepth[job.ClassAIResponse][job.StateWaiting] != 5 {
		t.Errorf("expected ai-response waiting depth = 5, got %d", snap.QueueDepth[job.ClassAIResponse][job.StateWaiting])
	}
}

func TestRecordActiveWorkers(t *testing.T) {
	c := NewCollector()

	c.RecordActiveWorkers(job.ClassWebhookInbound, 3)
	c.RecordActiveWorkers(job.ClassCleanup, 1)

	snap := c.Snapshot()
	if snap.ActiveWorkers[job.ClassWebhookInbound] != 3 {
		t.Errorf("expected 3 active workers, got %d", snap.ActiveWorkers[job.ClassWebhookInbound])
	}
	if snap.ActiveWorkers[job.ClassCleanup] != 1 {
		t.Errorf("expected 1 active worker, got %d", snap.ActiveWorkers[job.ClassCleanup])
	}
}

func TestSetDLQCountAndStalledJobs(t *testing.T) {
	c := NewCollector()

	c.SetDLQCount(7)
	c.RecordStalledJob()
	c.RecordStalledJob()

	snap := c.Snapshot()
	if snap.DLQCurrentCount != 7 {
		t.Errorf("expected DLQCurrentCount = 7, got %d", snap.DLQCurrentCount)
	}
	if snap.StalledJobsTotal != 2 {
		t.Errorf("expected StalledJobsTotal = 2, got %d", snap.StalledJobsTotal)
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()

	c.RecordEnqueued(job.ClassWebhookInbound)
	c.RecordCompleted(job.ClassWebhookInbound, 100*time.Millisecond)
	c.RecordQueueDepth(job.ClassWebhookInbound, job.StateWaiting, 10)
	c.RecordActiveWorkers(job.ClassWebhookInbound, 5)
	c.SetDLQCount(3)

	snap := c.Snapshot()
	if len(snap.JobsEnqueuedTotal) == 0 {
		t.Fatal("expected non-empty metrics before reset")
	}

	c.Reset()

	snap = c.Snapshot()
	if len(snap.JobsEnqueuedTotal) != 0 {
		t.Errorf("expected empty JobsEnqueuedTotal after reset, got %v", snap.JobsEnqueuedTotal)
	}
	if len(snap.QueueDepth) != 0 {
		t.Errorf("expected empty QueueDepth after reset, got %v", snap.QueueDepth)
	}
	if snap.DLQCurrentCount != 0 {
		t.Errorf("expected DLQCurrentCount = 0 after reset, got %d", snap.DLQCurrentCount)
	}
	if snap.QueueErrorRatePercent != 0 {
		t.Errorf("expected error rate 0 after reset, got %f", snap.QueueErrorRatePercent)
	}
}

func TestUptime(t *testing.T) {
	c := NewCollector()

	time.Sleep(10 * time.Millisecond)

	snap := c.Snapshot()
	if snap.Uptime < 10*time.Millisecond {
		t.Errorf("expected Uptime >= 10ms, got %v", snap.Uptime)
	}
	if snap.Uptime > time.Second {
		t.Errorf("expected Uptime < 1s, got %v", snap.Uptime)
	}
}

func TestGlobalCollector(t *testing.T) {
	ResetMetrics()

	Default().RecordEnqueued(job.ClassWebhookInbound)
	Default().RecordCompleted(job.ClassWebhookInbound, 100*time.Millisecond)

	snap := GetSnapshot()
	if snap.JobsEnqueuedTotal[job.ClassWebhookInbound] != 1 {
		t.Errorf("expected 1 enqueued, got %d", snap.JobsEnqueuedTotal[job.ClassWebhookInbound])
	}
	if snap.JobsCompletedTotal[job.ClassWebhookInbound] != 1 {
		t.Errorf("expected 1 completed, got %d", snap.JobsCompletedTotal[job.ClassWebhookInbound])
	}

	ResetMetrics()
	snap = GetSnapshot()
	if len(snap.JobsEnqueuedTotal) != 0 {
		t.Errorf("expected empty metrics after reset, got %v", snap.JobsEnqueuedTotal)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewCollector()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.RecordEnqueued(job.ClassNotification)
				c.RecordCompleted(job.ClassNotification, time.Millisecond)
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	snap := c.Snapshot()
	expected := int64(1000)
	if snap.JobsEnqueuedTotal[job.ClassNotification] != expected {
		t.Errorf("expected %d enqueued, got %d", expected, snap.JobsEnqueuedTotal[job.ClassNotification])
	}
	if snap.JobsCompletedTotal[job.ClassNotification] != expected {
		t.Errorf("expected %d completed, got %d", expected, snap.JobsCompletedTotal[job.ClassNotification])
	}
}

func BenchmarkRecordEnqueued(b *testing.B) {
	c := NewCollector()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordEnqueued(job.ClassWebhookInbound)
	}
}

func BenchmarkRecordCompleted(b *testing.B) {
	c := NewCollector()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordCompleted(job.ClassWebhookInbound, time.Millisecond)
	}
}

func BenchmarkSnapshot(b *testing.B) {
	c := NewCollector()
	for i := 0; i < 1000; i++ {
		c.RecordEnqueued(job.ClassWebhookInbound)
		c.RecordCompleted(job.ClassWebhookInbound, time.Millisecond)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Snapshot()
	}
}

func BenchmarkConcurrentRecording(b *testing.B) {
	c := NewCollector()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.RecordEnqueued(job.ClassNotification)
			c.RecordCompleted(job.ClassNotification, time.Millisecond)
		}
	})
}

// Package metrics is the in-memory observability sink described in spec §6:
// counters and gauges keyed by job class (and, where the spec calls for it,
// by state or error type), read by the Health & Monitoring component and by
// the admin HTTP surface.
package metrics

import (
	"sync"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// classCounters holds a counter set for one job class.
type classCounters struct {
	enqueued  int64
	completed int64
	failed    int64
}

// Collector tracks system-wide metrics in memory, scoped by class.
type Collector struct {
	mu sync.RWMutex

	perClass map[job.Class]*classCounters
	failedByErrorType map[string]int64

	queueDepth map[job.Class]map[job.State]int64

	activeWorkers map[job.Class]int64

	dlqCount      int64
	stalledJobs   int64
	totalDuration map[job.Class]time.Duration
	durationCount map[job.Class]int64

	operationCount int64
	errorCount     int64

	startTime time.Time
}

// Snapshot is a point-in-time read of every tracked dimension.
type Snapshot struct {
	JobsEnqueuedTotal      map[job.Class]int64            `json:"jobs_enqueued_total"`
	JobsCompletedTotal     map[job.Class]int64            `json:"jobs_completed_total"`
	JobsFailedTotal        map[job.Class]int64            `json:"jobs_failed_total"`
	JobsFailedByErrorType  map[string]int64                `json:"jobs_failed_by_error_type"`
	DLQCurrentCount        int64                            `json:"dlq_current_count"`
	StalledJobsTotal       int64                            `json:"stalled_jobs_total"`
	QueueDepth             map[job.Class]map[job.State]int64 `json:"queue_depth"`
	ActiveWorkers          map[job.Class]int64             `json:"active_workers"`
	AvgProcessingDurationMs map[job.Class]float64          `json:"avg_job_processing_duration_ms"`
	QueueErrorRatePercent  float64                          `json:"queue_error_rate_percent"`
	Uptime                 time.Duration                    `json:"uptime"`
}

// Default returns the global metrics collector instance.
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a fresh collector (tests use this to avoid sharing
// global state with other packages).
func NewCollector() *Collector {
	return &Collector{
		perClass:          make(map[job.Class]*classCounters),
		failedByErrorType: make(map[string]int64),
		queueDepth:        make(map[job.Class]map[job.State]int64),
		activeWorkers:     make(map[job.Class]int64),
		totalDuration:     make(map[job.Class]time.Duration),
		durationCount:     make(map[job.Class]int64),
		startTime:         time.Now(),
	}
}

func (c *Collector) counters(class job.Class) *classCounters {
	cc, ok := c.perClass[class]
	if !ok {
		cc = &classCounters{}
		c.perClass[class] = cc
	}
	return cc
}

// RecordEnqueued increments jobs_enqueued_total{class}.
func (c *Collector) RecordEnqueued(class job.Class) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(class).enqueued++
}

// RecordCompleted increments jobs_completed_total{class} and accumulates
// job_processing_duration_ms{class,success=true}.
func (c *Collector) RecordCompleted(class job.Class, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(class).completed++
	c.totalDuration[class] += duration
	c.durationCount[class]++
	c.operationCount++
}

// RecordFailed increments jobs_failed_total{class,errorType} and
// job_processing_duration_ms{class,success=false}.
func (c *Collector) RecordFailed(class job.Class, errorType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(class).failed++
	c.failedByErrorType[errorType]++
	c.totalDuration[class] += duration
	c.durationCount[class]++
	c.operationCount++
	c.errorCount++
}

// RecordQueueDepth sets queue_depth{class,state}.
func (c *Collector) RecordQueueDepth(class job.Class, state job.State, depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueDepth[class] == nil {
		c.queueDepth[class] = make(map[job.State]int64)
	}
	c.queueDepth[class][state] = depth
}

// RecordActiveWorkers sets active_workers{class}.
func (c *Collector) RecordActiveWorkers(class job.Class, active int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkers[class] = active
}

// SetDLQCount sets dlq_current_count.
func (c *Collector) SetDLQCount(count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dlqCount = count
}

// RecordStalledJob increments stalled_jobs_total.
func (c *Collector) RecordStalledJob() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalledJobs++
}

// Snapshot returns a point-in-time read of every tracked dimension.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	enqueued := make(map[job.Class]int64, len(c.perClass))
	completed := make(map[job.Class]int64, len(c.perClass))
	failed := make(map[job.Class]int64, len(c.perClass))
	for class, cc := range c.perClass {
		enqueued[class] = cc.enqueued
		completed[class] = cc.completed
		failed[class] = cc.failed
	}

	failedByErrorType := make(map[string]int64, len(c.failedByErrorType))
	for k, v := range c.failedByErrorType {
		failedByErrorType[k] = v
	}

	queueDepth := make(map[job.Class]map[job.State]int64, len(c.queueDepth))
	for class, states := range c.queueDepth {
		copied := make(map[job.State]int64, len(states))
		for state, depth := range states {
			copied[state] = depth
		}
		queueDepth[class] = copied
	}

	activeWorkers := make(map[job.Class]int64, len(c.activeWorkers))
	for class, n := range c.activeWorkers {
		activeWorkers[class] = n
	}

	avgDuration := make(map[job.Class]float64, len(c.totalDuration))
	for class, total := range c.totalDuration {
		if n := c.durationCount[class]; n > 0 {
			avgDuration[class] = float64(total.Milliseconds()) / float64(n)
		}
	}

	var errorRate float64
	if c.operationCount > 0 {
		errorRate = float64(c.errorCount) / float64(c.operationCount) * 100
	}

	return Snapshot{
		JobsEnqueuedTotal:       enqueued,
		JobsCompletedTotal:      completed,
		JobsFailedTotal:         failed,
		JobsFailedByErrorType:   failedByErrorType,
		DLQCurrentCount:         c.dlqCount,
		StalledJobsTotal:        c.stalledJobs,
		QueueDepth:              queueDepth,
		ActiveWorkers:           activeWorkers,
		AvgProcessingDurationMs: avgDuration,
		QueueErrorRatePercent:   errorRate,
		Uptime:                  time.Since(c.startTime),
	}
}

// Reset clears all metrics. Tests use this between cases; production code
// never calls it.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perClass = make(map[job.Class]*classCounters)
	c.failedByErrorType = make(map[string]int64)
	c.queueDepth = make(map[job.Class]map[job.State]int64)
	c.activeWorkers = make(map[job.Class]int64)
	c.totalDuration = make(map[job.Class]time.Duration)
	c.durationCount = make(map[job.Class]int64)
	c.dlqCount = 0
	c.stalledJobs = 0
	c.operationCount = 0
	c.errorCount = 0
	c.startTime = time.Now()
}

// GetSnapshot reads the global collector.
func GetSnapshot() Snapshot {
	return Default().Snapshot()
}

// ResetMetrics resets the global collector.
func ResetMetrics() {
	Default().Reset()
}

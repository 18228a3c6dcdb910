// Package health implements Health & Monitoring (spec §4.6): two
// independent timers that observe the Queue Core and the active-job set,
// plus a deterministic getHealth() read composing a recommendation list
// from a fixed rule set.
//
// The JSON-shaped health read (status + per-subsystem detail) follows the
// status/services pattern in Raymond9734-Campaign-Messaging-Backend's
// HealthHandler; the periodic-ping-then-act loop follows the teacher's
// Connection Manager health-check contract (internal/redisconn.HealthCheck)
// combined with the restartable ticker shape shared with internal/poller.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/metrics"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/redisconn"
)

const (
	// queueHealthInterval is the Queue Health timer's default period.
	queueHealthInterval = 30 * time.Second
	// workerHealthInterval is the Worker Health timer's default period.
	workerHealthInterval = 60 * time.Second

	// stalledThreshold flags an active job whose lease has been held too
	// long without a terminal report.
	stalledThreshold = 120 * time.Second
	// deadWorkersProgressWindow bounds how long the engine may go without
	// a completed or failed job before declaring workers dead.
	deadWorkersProgressWindow = 300 * time.Second

	errorRateWarnPercent = 20.0
	waitingDepthWarn     = 1000
	maxStalledIDsLogged  = 5
)

// WorkerStatus is the Worker Health timer's most recent observation.
type WorkerStatus struct {
	StalledJobIDs   []string
	WorkersDead     bool
	LastProcessedAt time.Time
}

// Health is the composed result of getHealth().
type Health struct {
	Healthy         bool
	Stats           map[job.Class]*queuecore.QueueStatsSnapshot
	WorkerStatus    WorkerStatus
	Recommendations []string
}

// AlertFunc is invoked for operator-facing warnings raised by either timer.
type AlertFunc func(message string)

// Monitor runs the Queue Health and Worker Health timers.
type Monitor struct {
	core *queuecore.Core
	conn *redisconn.Manager
	log  logger.Logger

	onAlert AlertFunc

	queueInterval  time.Duration
	workerInterval time.Duration

	mu                 sync.Mutex
	running            bool
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	lastProcessedAt    time.Time
	lastProcessedCount int64
	stalledIDs         []string
	workersDead        bool
}

// New builds a Monitor with the spec's default intervals. Pass 0 for either
// interval to use the default.
func New(core *queuecore.Core, conn *redisconn.Manager, queueInterval, workerInterval time.Duration, onAlert AlertFunc) *Monitor {
	if queueInterval <= 0 {
		queueInterval = queueHealthInterval
	}
	if workerInterval <= 0 {
		workerInterval = workerHealthInterval
	}
	m := &Monitor{
		core:           core,
		conn:           conn,
		log:            logger.Default().WithComponent(logger.ComponentHealth),
		onAlert:        onAlert,
		queueInterval:  queueInterval,
		workerInterval: workerInterval,
	}
	// Baseline the progress counters at construction so terminal reports
	// recorded before this Monitor existed don't count as "recent progress".
	m.lastProcessedCount = currentTerminalCount()
	return m
}

func currentTerminalCount() int64 {
	snap := metrics.GetSnapshot()
	var total int64
	for _, c := range snap.JobsCompletedTotal {
		total += c
	}
	for _, c := range snap.JobsFailedTotal {
		total += c
	}
	return total
}

// Start begins both timers. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(2)
	go m.loop(stopCh, m.queueInterval, m.checkQueueHealth)
	go m.loop(stopCh, m.workerInterval, m.checkWorkerHealth)
}

// Stop halts both timers and waits for any in-flight check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) loop(stopCh chan struct{}, interval time.Duration, check func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			check(context.Background())
		}
	}
}

func (m *Monitor) emitAlert(message string) {
	if m.onAlert != nil {
		m.onAlert(message)
		return
	}
	m.log.Warn(message)
}

// checkQueueHealth pings Redis via the Connection Manager; on an unhealthy
// result it requests a fresh handle, then computes stats and warns on
// error rate or waiting-depth breaches.
func (m *Monitor) checkQueueHealth(ctx context.Context) {
	res := m.conn.HealthCheck(ctx, redisconn.UsageQueueBackend)
	if !res.OK {
		m.log.Warn("queue health check failed, requesting fresh handle", "error", res.Err)
		if _, err := m.conn.Refresh(redisconn.UsageQueueBackend); err != nil {
			m.log.Error("failed to refresh queue-backend handle", "error", err)
		}
	}

	statsAll, err := m.core.StatsAll(ctx)
	if err != nil {
		m.log.Error("failed to compute queue stats", "error", err)
		return
	}

	for class, s := range statsAll {
		if s.ErrorRatePercent > errorRateWarnPercent {
			m.emitAlert("queue health: error rate above threshold for class " + string(class))
		}
		if s.Waiting > waitingDepthWarn {
			m.emitAlert("queue health: waiting depth above threshold for class " + string(class))
		}
	}
}

// checkWorkerHealth inspects active jobs across every class for stalled
// leases and declares workers dead when the backlog is growing with no
// active workers and no recent progress.
func (m *Monitor) checkWorkerHealth(ctx context.Context) {
	now := time.Now()
	var stalled []string
	var totalActive, totalWaiting int64

	for _, class := range job.KnownClasses {
		active, err := m.core.FetchActive(ctx, class, 1000)
		if err != nil {
			m.log.Error("failed to fetch active jobs", "class", string(class), "error", err)
			continue
		}
		totalActive += int64(len(active))
		for _, j := range active {
			if j.DispatchedAt == nil {
				continue
			}
			if now.Sub(*j.DispatchedAt) > stalledThreshold {
				metrics.Default().RecordStalledJob()
				if len(stalled) < maxStalledIDsLogged {
					stalled = append(stalled, j.ID)
				}
			}
		}

		stats, err := m.core.Stats(ctx, class)
		if err != nil {
			m.log.Error("failed to compute stats", "class", string(class), "error", err)
			continue
		}
		totalWaiting += stats.Waiting
	}

	if len(stalled) > 0 {
		m.log.Warn("stalled jobs detected", "jobIds", stalled)
	}

	m.refreshLastProcessed()

	m.mu.Lock()
	lastProcessedAt := m.lastProcessedAt
	m.mu.Unlock()

	dead := totalWaiting > 10 && totalActive == 0 &&
		(lastProcessedAt.IsZero() || now.Sub(lastProcessedAt) > deadWorkersProgressWindow)
	if dead {
		m.emitAlert("worker health: waiting backlog with no active workers and no recent progress — workers considered dead")
	}

	m.mu.Lock()
	m.stalledIDs = stalled
	m.workersDead = dead
	m.mu.Unlock()
}

// refreshLastProcessed advances lastProcessedAt whenever the global
// completed+failed counters have grown since the previous check, without
// requiring the Dispatcher or Polling Loop to report progress directly.
func (m *Monitor) refreshLastProcessed() {
	total := currentTerminalCount()

	m.mu.Lock()
	defer m.mu.Unlock()
	if total > m.lastProcessedCount {
		m.lastProcessedCount = total
		m.lastProcessedAt = time.Now()
	}
}

// GetHealth composes the exported read: stats, worker status, and a
// deterministic recommendation list evaluated in the fixed order from
// spec §4.6.
func (m *Monitor) GetHealth(ctx context.Context) Health {
	statsAll, err := m.core.StatsAll(ctx)
	if err != nil {
		statsAll = map[job.Class]*queuecore.QueueStatsSnapshot{}
	}

	m.mu.Lock()
	stalled := append([]string(nil), m.stalledIDs...)
	dead := m.workersDead
	lastProcessedAt := m.lastProcessedAt
	m.mu.Unlock()

	var totalWaiting, totalDelayed, totalActive, totalCompleted, totalFailed int64
	var errorRateSum float64
	for _, s := range statsAll {
		totalWaiting += s.Waiting
		totalDelayed += s.Delayed
		totalActive += s.Active
		totalCompleted += s.CompletedRetained
		totalFailed += s.FailedRetained
		errorRateSum += s.ErrorRatePercent
	}
	avgErrorRate := 0.0
	if len(statsAll) > 0 {
		avgErrorRate = errorRateSum / float64(len(statsAll))
	}
	processing := totalActive > 0

	var recommendation string
	switch {
	case totalDelayed > 0 && !processing && totalActive == 0:
		recommendation = "restart workers required"
	case totalWaiting > 10 && totalActive == 0 &&
		!lastProcessedAt.IsZero() && time.Since(lastProcessedAt) > stalledThreshold:
		recommendation = "workers dead"
	case totalWaiting > 100 && totalActive == 0:
		recommendation = "backlog accumulating"
	case avgErrorRate > 10:
		recommendation = "high error rate"
	case totalFailed > totalCompleted:
		recommendation = "more failures than successes"
	default:
		recommendation = "system healthy"
	}

	healthy := recommendation == "system healthy" && !dead

	return Health{
		Healthy: healthy,
		Stats:   statsAll,
		WorkerStatus: WorkerStatus{
			StalledJobIDs:   stalled,
			WorkersDead:     dead,
			LastProcessedAt: lastProcessedAt,
		},
		Recommendations: []string{recommendation},
	}
}

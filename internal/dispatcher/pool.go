package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muaviaUsmani/chatqueue/internal/breaker"
	chatqueueerrors "github.com/muaviaUsmani/chatqueue/internal/errors"
	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/metrics"
	"github.com/muaviaUsmani/chatqueue/internal/queueerr"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/result"
	"github.com/muaviaUsmani/chatqueue/internal/tenant"
)

// reportTimeout bounds the Redis round-trips that record a terminal state,
// independently of the handler's own (possibly already expired) deadline.
const reportTimeout = 10 * time.Second

// classPool runs `concurrency` workers competing for the same class's
// waiting set.
type classPool struct {
	class          job.Class
	handler        HandlerFunc
	concurrency    int
	core           *queuecore.Core
	tenantProvider tenant.Provider
	resultBackend  result.Backend
	breaker        *breaker.Breaker
	log            logger.Logger

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	activeMu sync.Mutex
	active   int
}

func (p *classPool) start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *classPool) stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

func (p *classPool) worker(slot int) {
	defer p.wg.Done()

	workerID := uuid.New().String()
	wlog := p.log.WithFields(map[string]interface{}{"workerId": workerID, "slot": slot})

	consecutiveFailures := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.claimNext(context.Background())
		if err != nil {
			consecutiveFailures++
			wlog.Warn("claim failed, backing off", "consecutiveFailures", consecutiveFailures, "error", err)
			if !p.sleep(retryBackoff(consecutiveFailures)) {
				return
			}
			continue
		}
		consecutiveFailures = 0

		if j == nil {
			if !p.sleep(idlePollInterval) {
				return
			}
			continue
		}

		p.process(wlog, j)
	}
}

// sleep blocks for d or until the pool is stopped, whichever comes first.
// Returns false if the pool was stopped during the wait.
func (p *classPool) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.stopCh:
		return false
	}
}

// retryBackoff mirrors the teacher's exponential backoff on repeated Redis
// errors, capped to avoid a worker sleeping for unbounded periods during a
// sustained outage.
func retryBackoff(consecutiveFailures int) time.Duration {
	const maxBackoff = 30 * time.Second
	backoff := time.Duration(1<<uint(consecutiveFailures)) * time.Second
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// claimNext snapshots a batch of waiting jobs and tries to win the CAS on
// each in order until one succeeds. Returns (nil, nil) when the whole batch
// is empty or every candidate lost its race to another worker or the
// Polling Loop.
func (p *classPool) claimNext(ctx context.Context) (*job.Job, error) {
	candidates, err := p.core.FetchWaiting(ctx, p.class, claimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: fetch waiting for %q: %w", p.class, err)
	}

	for _, candidate := range candidates {
		activated, err := p.core.TryActivate(ctx, p.class, candidate.ID)
		if err == queuecore.ErrNotActivated {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dispatcher: activate %s: %w", candidate.ID, err)
		}
		return activated, nil
	}
	return nil, nil
}

// HandlerTimeout is the per-class handler invocation deadline. Exported so
// the Polling Loop bounds its handler invocations exactly as the worker
// pools do.
func HandlerTimeout(class job.Class) time.Duration {
	if class == job.ClassAIResponse {
		return 45 * time.Second
	}
	return 30 * time.Second
}

func (p *classPool) process(wlog logger.Logger, j *job.Job) {
	p.setActive(1)
	defer p.setActive(-1)

	start := time.Now()
	kind := tenant.Kind(p.class.SessionKind())

	handlerErr := queueerr.WithTimeout(context.Background(), HandlerTimeout(p.class),
		string(p.class)+" handler", func(ctx context.Context) error {
			return p.invokeWithRecover(ctx, kind, j)
		})
	duration := time.Since(start)

	// Terminal reporting runs under its own deadline: the handler's context
	// may already be expired, and an unreported job would sit in active until
	// the stalled-lease check notices it.
	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if err := ReportTerminal(reportCtx, p.core, j, handlerErr); err != nil {
		wlog.Error("report terminal state failed", "jobId", j.ID, "error", err)
	}
	p.storeResult(reportCtx, j, handlerErr, duration)
}

func (p *classPool) invokeWithRecover(ctx context.Context, kind tenant.Kind, j *job.Job) (handlerErr error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := chatqueueerrors.NewPanicError(r)
			p.log.Error("handler panic recovered", "jobId", j.ID, "details", chatqueueerrors.FormatPanicForLog(panicErr))
			handlerErr = &queueerr.HandlerRetryableError{Reason: fmt.Sprintf("handler panic: %v", panicErr.Value)}
		}
	}()

	return p.tenantProvider.WithSession(ctx, kind, j.MerchantID, func(sctx context.Context, session tenant.Session) error {
		return p.breaker.Call(func() error {
			return p.handler(sctx, session, j)
		})
	})
}

func (p *classPool) setActive(delta int) {
	p.activeMu.Lock()
	p.active += delta
	count := p.active
	p.activeMu.Unlock()
	metrics.Default().RecordActiveWorkers(p.class, int64(count))
}

func (p *classPool) storeResult(ctx context.Context, j *job.Job, handlerErr error, duration time.Duration) {
	if p.resultBackend == nil {
		return
	}
	status := job.StateCompleted
	errMsg := ""
	if handlerErr != nil {
		status = job.StateFailed
		errMsg = handlerErr.Error()
	}
	res := &job.JobResult{
		JobID:       j.ID,
		Status:      status,
		Error:       errMsg,
		CompletedAt: time.Now(),
		Duration:    duration,
	}
	if err := p.resultBackend.StoreResult(ctx, res); err != nil {
		p.log.Error("store result failed", "jobId", j.ID, "error", err)
	}
}

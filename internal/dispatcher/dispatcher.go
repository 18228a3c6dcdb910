// Package dispatcher implements the Dispatcher & Worker Pools component
// (spec §4.4): for each registered job class, up to N parallel workers pull
// eligible jobs from `waiting`, invoke the class handler under a
// tenant-scoped session, and report terminal state back to the Queue Core.
//
// The worker loop shape — pull, wrap in tenant context, invoke a
// circuit-breaker-protected handler, report terminal state, with
// cancellation checked between iterations — follows the teacher's
// internal/worker.Pool goroutine-per-worker design, regeneralized from a
// single priority-ordered Redis list to per-class worker pools racing the
// Polling Loop for the same waiting set via queuecore's CAS.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/breaker"
	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/queueerr"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/result"
	"github.com/muaviaUsmani/chatqueue/internal/tenant"
)

// HandlerFunc is the per-class job handler, invoked once per job under a
// tenant-scoped session. A non-nil error is classified retryable or
// permanent at the worker boundary (queueerr.IsRetryable).
type HandlerFunc func(ctx context.Context, session tenant.Session, j *job.Job) error

// claimBatchSize bounds how many waiting candidates a worker inspects per
// empty-queue poll before sleeping.
const claimBatchSize = 10

// idlePollInterval is how long an idle worker sleeps between claim attempts
// when the waiting set was empty or fully contended.
const idlePollInterval = 200 * time.Millisecond

// Dispatcher owns one worker pool per registered job class.
type Dispatcher struct {
	core           *queuecore.Core
	tenantProvider tenant.Provider

	mu            sync.Mutex
	pools         map[job.Class]*classPool
	started       bool
	breakerConfig breaker.Config

	resultBackend result.Backend
	log           logger.Logger
}

// New builds a Dispatcher bound to core for state transitions and
// tenantProvider for session injection.
func New(core *queuecore.Core, tenantProvider tenant.Provider) *Dispatcher {
	return &Dispatcher{
		core:           core,
		tenantProvider: tenantProvider,
		pools:          make(map[job.Class]*classPool),
		breakerConfig:  breaker.DefaultConfig(),
		log:            logger.Default().WithComponent(logger.ComponentDispatcher),
	}
}

// SetResultBackend wires an optional result store; when set, every
// terminal job outcome is recorded through it in addition to the Queue
// Core. Best-effort: failures are logged, never surfaced to the caller.
func (d *Dispatcher) SetResultBackend(backend result.Backend) {
	d.resultBackend = backend
}

// SetBreakerConfig overrides the thresholds every subsequently registered
// class's breaker is built with. Must be called before RegisterHandler;
// the Lifecycle Supervisor uses this to apply the configured
// CircuitBreakerFailureThreshold/CircuitBreakerResetMs instead of the
// package defaults.
func (d *Dispatcher) SetBreakerConfig(cfg breaker.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakerConfig = cfg
}

// RegisterHandler binds handler to class with concurrency parallel workers.
// Must be called before Start. Registering the same class twice is a fatal
// initialization error, per spec §4.4.
func (d *Dispatcher) RegisterHandler(class job.Class, handler HandlerFunc, concurrency int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher: cannot register handler for %q after Start", class)
	}
	if !class.IsKnown() {
		return fmt.Errorf("dispatcher: unknown job class %q", class)
	}
	if _, exists := d.pools[class]; exists {
		return fmt.Errorf("dispatcher: handler already registered for class %q", class)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	d.pools[class] = &classPool{
		class:          class,
		handler:        handler,
		concurrency:    concurrency,
		core:           d.core,
		tenantProvider: d.tenantProvider,
		resultBackend:  d.resultBackend,
		breaker:        breaker.New("dispatcher:"+string(class), d.breakerConfig, nil),
		log:            d.log.WithFields(map[string]interface{}{"class": string(class)}),
		stopCh:         make(chan struct{}),
	}
	return nil
}

// Start begins dispatch on every registered class. Idempotent: calling it
// again after the first successful call is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}
	d.started = true
	for _, p := range d.pools {
		p.start()
	}
}

// Drain stops every pool from pulling new work and waits up to deadline for
// in-flight jobs to finish. Returns whether every pool's active jobs
// finished before the deadline.
func (d *Dispatcher) Drain(deadline time.Duration) bool {
	d.mu.Lock()
	pools := make([]*classPool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.Unlock()

	for _, p := range pools {
		p.stop()
	}

	done := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(deadline):
		d.log.Warn("drain deadline exceeded, abandoning active workers")
		return false
	}
}

// HandlerFor returns the handler and breaker registered for class, so the
// Polling Loop can run "the same handler pipeline the Dispatcher would"
// (spec §4.5) without duplicating the registry.
func (d *Dispatcher) HandlerFor(class job.Class) (HandlerFunc, *breaker.Breaker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[class]
	if !ok {
		return nil, nil, false
	}
	return p.handler, p.breaker, true
}

// ReportTerminal maps a handler outcome to the Queue Core's terminal
// transitions. Exported so the Polling Loop reports jobs it drives through
// the same handler pipeline exactly as the Dispatcher does (spec §4.5).
func ReportTerminal(ctx context.Context, core *queuecore.Core, j *job.Job, handlerErr error) error {
	if handlerErr == nil {
		return core.MarkCompleted(ctx, j)
	}
	return core.MarkFailed(ctx, j, handlerErr, queueerr.IsRetryable(handlerErr))
}

// Package poller implements the Polling Fallback Loop (spec §4.5). It
// exists because the hosted Redis may silently drop keyspace notifications,
// leaving jobs enqueued but never pulled; every interval it promotes due
// delayed jobs and, for each waiting job, either removes it (corrupt
// payload or unknown class) or runs it through the same handler pipeline
// the Dispatcher uses, racing the Dispatcher's workers for the same job via
// queuecore's waiting→active CAS.
//
// The restartable-ticker and adaptive-backoff shape is grounded on the
// teacher's internal/scheduler.CronScheduler ticker loop (select on
// ctx.Done/ticker.C) and internal/worker.Pool's exponential-backoff-on-error
// pattern, generalized here into an explicitly haltable/resumable timer so
// a single sustained rate-limit outage can pause the whole loop instead of
// busy-retrying.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/dispatcher"
	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/metrics"
	"github.com/muaviaUsmani/chatqueue/internal/queueerr"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/tenant"
)

// waitingBatch and delayedBatch are the per-class snapshot sizes from
// spec §4.5 step 1.
const (
	waitingBatch = 3
	delayedBatch = 2
)

// defaultBackoff is how long the loop stays halted after a sustained
// rate-limit outage before retrying at the base interval.
const defaultBackoff = 5 * time.Minute

// Poller drives the Polling Fallback Loop across every known job class.
type Poller struct {
	core           *queuecore.Core
	disp           *dispatcher.Dispatcher
	tenantProvider tenant.Provider
	onAlert        func(message string)
	log            logger.Logger

	baseInterval time.Duration

	mu                  sync.Mutex
	running             bool
	halted              bool
	alertFired          bool
	intervalMult        float64
	promotionOnly       bool
	partialRegistration bool
	stopCh              chan struct{}
	resumeCh            chan struct{}
	wg                  sync.WaitGroup
}

// SetPromotionOnly restricts the tick to delayed-job promotion (step 1),
// skipping the waiting-set drain (steps 2-3). A process that runs this
// Poller but registered no handlers locally — e.g. a scheduler-only
// deployment topology (SPEC_FULL §11) that shares Redis with separate
// worker processes owning the actual dispatch table — must not drain
// waiting jobs: every class would look unregistered from here and get
// removed as if it were genuinely unknown, destroying the other
// processes' backlog. Must be called before Start.
func (p *Poller) SetPromotionOnly(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promotionOnly = v
}

// SetPartialRegistration marks this process as owning only a subset of
// job.KnownClasses (e.g. a job-specialized fleet per SPEC_FULL §11). A
// known class this process didn't register a handler for is left alone
// instead of removed as unknown — some other process sharing the same
// Redis instance owns it. Classes genuinely absent from job.KnownClasses
// are still removed regardless of this setting. Must be called before
// Start.
func (p *Poller) SetPartialRegistration(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partialRegistration = v
}

// PromotionOnly reports the current promotion-only setting.
func (p *Poller) PromotionOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.promotionOnly
}

// PartialRegistration reports the current partial-registration setting.
func (p *Poller) PartialRegistration() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.partialRegistration
}

// New builds a Poller. onAlert is invoked at most once per sustained
// outage; if nil, the alert is only logged at warn level.
func New(core *queuecore.Core, disp *dispatcher.Dispatcher, tenantProvider tenant.Provider, baseInterval time.Duration, onAlert func(message string)) *Poller {
	if baseInterval <= 0 {
		baseInterval = 5 * time.Second
	}
	return &Poller{
		core:           core,
		disp:           disp,
		tenantProvider: tenantProvider,
		onAlert:        onAlert,
		log:            logger.Default().WithComponent(logger.ComponentPoller),
		baseInterval:   baseInterval,
		intervalMult:   1,
		resumeCh:       make(chan struct{}, 1),
	}
}

// Start begins the loop. Idempotent: a second call while already running
// is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(stopCh)
}

// Stop halts the loop and waits for the current tick (if any) to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// ResumeNow re-enables the loop immediately if it is currently halted by
// adaptive throttling. A no-op if the loop is already running normally.
func (p *Poller) ResumeNow() {
	p.mu.Lock()
	halted := p.halted
	p.mu.Unlock()
	if !halted {
		return
	}
	p.signalResume()
}

// AdjustInterval restarts the timer at baseInterval × multiplier, for
// sustained degraded periods that warrant a slower (or faster) cadence
// without a full rate-limit halt.
func (p *Poller) AdjustInterval(multiplier float64) {
	if multiplier <= 0 {
		multiplier = 1
	}
	p.mu.Lock()
	p.intervalMult = multiplier
	p.mu.Unlock()
	p.signalResume()
}

func (p *Poller) signalResume() {
	select {
	case p.resumeCh <- struct{}{}:
	default:
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(float64(p.baseInterval) * p.intervalMult)
}

func (p *Poller) run(stopCh chan struct{}) {
	defer p.wg.Done()

	for {
		timer := time.NewTimer(p.currentInterval())
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-p.resumeCh:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if err := p.tick(context.Background()); err != nil && isRateLimited(err) {
			if !p.throttle(stopCh) {
				return
			}
		}
	}
}

// throttle halts the timer, emits an alert exactly once per outage, and
// waits for the backoff, resumeCh, or shutdown. Returns false if the loop
// should exit (shutdown occurred mid-wait).
func (p *Poller) throttle(stopCh chan struct{}) bool {
	p.mu.Lock()
	p.halted = true
	alreadyFired := p.alertFired
	p.alertFired = true
	p.mu.Unlock()

	if !alreadyFired {
		p.emitAlert("polling loop halted: sustained rate-limit errors from Redis")
	}

	timer := time.NewTimer(defaultBackoff)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-p.resumeCh:
	case <-timer.C:
	}

	p.mu.Lock()
	p.halted = false
	p.alertFired = false
	p.mu.Unlock()
	return true
}

func (p *Poller) emitAlert(message string) {
	if p.onAlert != nil {
		p.onAlert(message)
		return
	}
	p.log.Warn(message)
}

// isRateLimited reports whether err is a *queueerr.RateLimitError or a Redis
// reply carrying the "max requests limit exceeded" message.
func isRateLimited(err error) bool {
	var rl *queueerr.RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return strings.Contains(err.Error(), "max requests limit exceeded")
}

// tick runs one pass of spec §4.5's three steps across every known class
// plus any class discovered in Redis that the dispatch table never heard
// of — the latter only ever has waiting jobs to drain (never delayed
// promotion; nothing produces delayed jobs for a class with no handler).
// Known classes with no local handler are removed as unhandled unless
// partialRegistration is set, in which case they're left for whichever
// other process owns them; discovered classes outside job.KnownClasses
// are always removed, since no valid topology registers those anywhere.
// It stops and returns the first Redis-classified error so the caller can
// decide whether to engage adaptive throttling.
func (p *Poller) tick(ctx context.Context) error {
	p.mu.Lock()
	promotionOnly := p.promotionOnly
	p.mu.Unlock()

	for _, class := range job.KnownClasses {
		if err := p.promoteDue(ctx, class); err != nil {
			return err
		}
		if promotionOnly {
			continue
		}
		if err := p.drainWaiting(ctx, class, true); err != nil {
			return err
		}
	}

	if promotionOnly {
		return nil
	}

	discovered, err := p.core.DiscoverClasses(ctx)
	if err != nil {
		return err
	}
	for _, class := range discovered {
		if class.IsKnown() {
			continue
		}
		if err := p.drainWaiting(ctx, class, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) promoteDue(ctx context.Context, class job.Class) error {
	delayed, err := p.core.FetchDelayed(ctx, class, delayedBatch)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, j := range delayed {
		if !j.IsDueForPromotion(now) {
			continue
		}
		if err := p.core.Promote(ctx, j); err != nil {
			p.log.Error("promote failed", "jobId", j.ID, "class", string(class), "error", err)
		}
	}
	return nil
}

// known is true when class comes from job.KnownClasses, false when it was
// surfaced by DiscoverClasses and isn't in that closed set.
func (p *Poller) drainWaiting(ctx context.Context, class job.Class, known bool) error {
	waiting, err := p.core.FetchWaiting(ctx, class, waitingBatch)
	if err != nil {
		return err
	}

	for _, j := range waiting {
		p.processWaiting(ctx, class, j, known)
	}
	return nil
}

func (p *Poller) processWaiting(ctx context.Context, class job.Class, j *job.Job, known bool) {
	// webhook-inbound/chat-relay-processing payloads are format-prefixed
	// protobuf (internal/serialization), not plain JSON, so corruption is
	// detected via the same format sniff UnmarshalPayload uses rather than
	// a bare json.Valid, which would flag every legitimate protobuf payload
	// as corrupt.
	if _, err := job.DefaultSerializer.GetFormat(j.Payload); err != nil {
		metrics.Default().RecordFailed(class, "PayloadCorruptError", 0)
		if err := p.core.Remove(ctx, class, j.ID); err != nil {
			p.log.Error("remove corrupt job failed", "jobId", j.ID, "error", err)
		}
		return
	}

	handler, brk, ok := p.disp.HandlerFor(class)
	if !ok {
		p.mu.Lock()
		partial := p.partialRegistration
		p.mu.Unlock()

		if known && partial {
			// Some other process sharing this Redis instance registered a
			// handler for class; this one just didn't. Leave it for them.
			return
		}

		p.log.Warn("waiting job has no registered handler, removing", "jobId", j.ID, "class", string(class))
		metrics.Default().RecordFailed(class, "UnknownJobClassError", 0)
		if err := p.core.Remove(ctx, class, j.ID); err != nil {
			p.log.Error("remove job with no handler failed", "jobId", j.ID, "error", err)
		}
		return
	}

	activated, err := p.core.TryActivate(ctx, class, j.ID)
	if err == queuecore.ErrNotActivated {
		return // the Dispatcher (or another poll) won the race; skip it
	}
	if err != nil {
		p.log.Error("activate failed", "jobId", j.ID, "error", err)
		return
	}

	kind := tenant.Kind(class.SessionKind())
	handlerErr := queueerr.WithTimeout(ctx, dispatcher.HandlerTimeout(class),
		string(class)+" handler", func(hctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("handler panic recovered", "jobId", activated.ID, "panic", fmt.Sprintf("%v", r))
					err = &queueerr.HandlerRetryableError{Reason: fmt.Sprintf("handler panic: %v", r)}
				}
			}()
			return p.tenantProvider.WithSession(hctx, kind, activated.MerchantID, func(sctx context.Context, session tenant.Session) error {
				return brk.Call(func() error {
					return handler(sctx, session, activated)
				})
			})
		})

	if err := dispatcher.ReportTerminal(ctx, p.core, activated, handlerErr); err != nil {
		p.log.Error("report terminal state failed", "jobId", activated.ID, "error", err)
	}
}

// Package lifecycle implements the Lifecycle Supervisor (spec §4.7): the
// sole entity permitted to initiate teardown, owning the dependency order
// leaves-first on the way up (Connection Manager → Circuit Breaker →
// Queue Core → Dispatcher/Polling Loop/Health Monitor) and leaves-last on
// the way down.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/breaker"
	"github.com/muaviaUsmani/chatqueue/internal/config"
	"github.com/muaviaUsmani/chatqueue/internal/dispatcher"
	"github.com/muaviaUsmani/chatqueue/internal/health"
	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/poller"
	"github.com/muaviaUsmani/chatqueue/internal/queuecore"
	"github.com/muaviaUsmani/chatqueue/internal/redisconn"
	"github.com/muaviaUsmani/chatqueue/internal/result"
	"github.com/muaviaUsmani/chatqueue/internal/scheduler"
	"github.com/muaviaUsmani/chatqueue/internal/tenant"
	"github.com/redis/go-redis/v9"
)

// Stage identifies which initialization step a Diagnostics bundle failed
// at, so an operator can tell "Redis is down" apart from "a handler
// registration is broken" without parsing error text.
type Stage string

const (
	StageConnect        Stage = "connect"
	StageProbe          Stage = "probe"
	StageQueueCore      Stage = "queue-core"
	StageHandlers       Stage = "handlers"
	StageWorkerPools    Stage = "worker-pools"
	StageInitialCleanup Stage = "initial-cleanup"
	StageMonitoring     Stage = "monitoring"
	StagePolling        Stage = "polling"
)

// Diagnostics is the structured failure bundle Initialize returns when a
// stage fails, per spec §4.7's requirement that init failure surface
// enough to diagnose without re-reading logs.
type Diagnostics struct {
	Stage       Stage
	Err         error
	RedisHealth *redisconn.HealthResult
}

func (d *Diagnostics) Error() string {
	if d == nil {
		return "<nil diagnostics>"
	}
	return fmt.Sprintf("lifecycle: stage %q failed: %v", d.Stage, d.Err)
}

// Supervisor owns the full component graph for one engine process: the set
// of workers and polling timers, and is the only entity permitted to stop
// them. It does not own tenant sessions or Redis handles directly — those
// are owned by the Tenant Provider and Connection Manager respectively,
// per spec §3's lifecycle-and-ownership note.
type Supervisor struct {
	cfg       *config.Config
	workerCfg *config.WorkerConfig

	tenantProvider tenant.Provider

	handlers map[job.Class]dispatcher.HandlerFunc

	conn          *redisconn.Manager
	rawClient     *redis.Client
	core          *queuecore.Core
	disp          *dispatcher.Dispatcher
	poll          *poller.Poller
	mon           *health.Monitor
	resultBackend result.Backend
	cron          *scheduler.CronScheduler

	log logger.Logger

	started bool
}

// New builds a Supervisor from cfg and workerCfg. tenantProvider may be
// nil; when nil, Initialize wires tenant.NewMemoryProvider(), the default
// Provider for a single-process deployment with no external session store.
func New(cfg *config.Config, workerCfg *config.WorkerConfig, tenantProvider tenant.Provider) *Supervisor {
	return &Supervisor{
		cfg:            cfg,
		workerCfg:      workerCfg,
		tenantProvider: tenantProvider,
		handlers:       make(map[job.Class]dispatcher.HandlerFunc),
		log:            logger.Default().WithComponent(logger.ComponentLifecycle),
	}
}

// RegisterHandler stages a handler for class, bound to the Dispatcher once
// Initialize builds it. Must be called before Initialize.
func (s *Supervisor) RegisterHandler(class job.Class, handler dispatcher.HandlerFunc) {
	s.handlers[class] = handler
}

// Core returns the Queue Core, available to callers (e.g. a synthetic
// probe-job injector) once Initialize has completed successfully.
func (s *Supervisor) Core() *queuecore.Core {
	return s.core
}

// Health returns the current health snapshot, delegating to the Health
// Monitor. Safe to call only after Initialize has completed.
func (s *Supervisor) Health(ctx context.Context) health.Health {
	return s.mon.GetHealth(ctx)
}

// Initialize wires the full component graph in the spec's leaves-first
// dependency order, returning a Diagnostics bundle identifying the failed
// stage if any step fails. On failure, whatever was already wired is torn
// back down before returning.
func (s *Supervisor) Initialize(ctx context.Context) (*Diagnostics, error) {
	conn, err := redisconn.New(s.cfg.RedisURL)
	if err != nil {
		return &Diagnostics{Stage: StageConnect, Err: err}, err
	}
	s.conn = conn

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	probe := conn.HealthCheck(probeCtx, redisconn.UsageQueueBackend)
	cancel()
	if !probe.OK {
		_ = conn.CloseAll()
		return &Diagnostics{Stage: StageProbe, Err: probe.Err, RedisHealth: &probe}, fmt.Errorf("lifecycle: initial connection probe failed: %w", probe.Err)
	}

	rawClient, err := conn.Get(redisconn.UsageQueueBackend)
	if err != nil {
		_ = conn.CloseAll()
		return &Diagnostics{Stage: StageQueueCore, Err: err}, err
	}
	s.rawClient = rawClient
	s.core = queuecore.New(conn, s.cfg.QueueName+":")
	s.core.SetDefaultBackoffBaseMs(s.cfg.DefaultBackoffBaseMs)

	if s.tenantProvider == nil {
		s.tenantProvider = tenant.NewMemoryProvider()
	}

	if s.cfg.ResultBackendEnabled {
		s.resultBackend = result.NewRedisBackend(rawClient, s.cfg.ResultBackendTTLSuccess, s.cfg.ResultBackendTTLFailure)
	}

	s.disp = dispatcher.New(s.core, s.tenantProvider)
	s.disp.SetBreakerConfig(breaker.Config{
		FailureThreshold: s.cfg.CircuitBreakerFailureThreshold,
		ResetTimeout:     time.Duration(s.cfg.CircuitBreakerResetMs) * time.Millisecond,
	})
	if s.resultBackend != nil {
		s.disp.SetResultBackend(s.resultBackend)
	}

	if err := s.registerHandlers(); err != nil {
		_ = conn.CloseAll()
		return &Diagnostics{Stage: StageHandlers, Err: err}, err
	}

	s.disp.Start()

	if s.workerCfg.EnableScheduler {
		registry := scheduler.NewRegistry()
		registry.MustRegister(&scheduler.Schedule{
			ID:          "retention-sweep",
			Cron:        "*/5 * * * *",
			Class:       job.ClassCleanup,
			Priority:    job.PriorityLow,
			Enabled:     true,
			Description: "periodic completed/failed retention sweep",
		})
		s.cron = scheduler.NewCronScheduler(registry, s.core, rawClient, s.workerCfg.SchedulerInterval)
	}

	s.mon = health.New(s.core, s.conn,
		time.Duration(s.cfg.QueueHealthIntervalMs)*time.Millisecond,
		time.Duration(s.cfg.WorkerHealthIntervalMs)*time.Millisecond,
		s.onHealthAlert)

	s.poll = poller.New(s.core, s.disp, s.tenantProvider,
		time.Duration(s.cfg.PollIntervalMs)*time.Millisecond,
		s.onPollAlert)

	// A process that doesn't own every known class must not let its poller
	// treat another process's classes as unhandled garbage (SPEC_FULL §11's
	// multi-process deployment topology).
	if s.workerCfg.Mode == config.WorkerModeSchedulerOnly {
		s.poll.SetPromotionOnly(true)
	} else if len(s.workerCfg.Classes) > 0 && len(s.workerCfg.Classes) < len(job.KnownClasses) {
		s.poll.SetPartialRegistration(true)
	}

	s.log.Info("lifecycle initialized",
		"queueName", s.cfg.QueueName,
		"workerMode", string(s.workerCfg.Mode),
		"classes", len(s.handlers))

	return nil, nil
}

// registerHandlers binds every staged handler to the Dispatcher at the
// class's configured concurrency, skipping classes outside the worker
// config's Classes filter (spec §12's operational-mode supplement).
// Priorities plays no part in which pools are registered.
func (s *Supervisor) registerHandlers() error {
	for _, class := range job.KnownClasses {
		handler, ok := s.handlers[class]
		if !ok {
			continue
		}
		if !s.classAdmitted(class) {
			continue
		}
		concurrency := s.concurrencyFor(class)
		if err := s.disp.RegisterHandler(class, handler, concurrency); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) classAdmitted(class job.Class) bool {
	if len(s.workerCfg.Classes) == 0 {
		return true
	}
	for _, c := range s.workerCfg.Classes {
		if c == class {
			return true
		}
	}
	return false
}

func (s *Supervisor) concurrencyFor(class job.Class) int {
	if s.workerCfg.Mode == config.WorkerModeThin {
		return 1
	}
	if s.workerCfg.Concurrency > 0 {
		return s.workerCfg.Concurrency
	}
	return job.Defaults[class].Concurrency
}

func (s *Supervisor) onHealthAlert(message string) {
	s.log.Warn("health alert", "message", message)
}

func (s *Supervisor) onPollAlert(message string) {
	s.log.Warn("poller alert", "message", message)
}

// Start begins the initial cleanup pass followed by the monitoring timers
// and the polling loop, the last two steps of spec §4.7's init order.
// Must be called after a successful Initialize.
func (s *Supervisor) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true

	for _, class := range job.KnownClasses {
		if _, ok := s.handlers[class]; !ok {
			continue
		}
		if _, err := s.core.Clean(ctx, class, job.StateCompleted, s.cfg.RetentionMs, 1000); err != nil {
			s.log.Warn("initial cleanup pass failed", "class", string(class), "state", "completed", "error", err)
		}
		if _, err := s.core.Clean(ctx, class, job.StateFailed, s.cfg.RetentionMs, 1000); err != nil {
			s.log.Warn("initial cleanup pass failed", "class", string(class), "state", "failed", "error", err)
		}
	}

	s.mon.Start()
	s.poll.Start()

	if s.cron != nil {
		go s.cron.Start(ctx)
	}

	s.log.Info("lifecycle started")
}

// Shutdown tears down the component graph leaves-last, within deadline:
// monitoring timers, then the polling loop, then the Dispatcher's worker
// pools (via Drain), then every Redis connection the Connection Manager
// holds. If deadline elapses before active jobs finish, Shutdown force-
// closes anyway and logs a warning rather than blocking forever.
func (s *Supervisor) Shutdown(deadline time.Duration) error {
	s.log.Info("lifecycle shutdown starting", "deadlineMs", deadline.Milliseconds())
	deadlineAt := time.Now().Add(deadline)

	if s.mon != nil {
		s.mon.Stop()
	}
	if s.poll != nil {
		s.poll.Stop()
	}

	remaining := time.Until(deadlineAt)
	if remaining < 0 {
		remaining = 0
	}
	if s.disp != nil {
		if drained := s.disp.Drain(remaining); !drained {
			s.log.Warn("shutdown deadline exceeded draining worker pools, forcing teardown")
		}
	}

	// The result backend borrows the Connection Manager's queue-backend
	// handle; it is not closed here because CloseAll below owns that
	// teardown (use without ownership, per the Connection Manager contract).

	if s.conn != nil {
		if err := s.conn.CloseAll(); err != nil {
			s.log.Warn("connection manager close failed", "error", err)
			return err
		}
	}

	s.log.Info("lifecycle shutdown complete")
	return nil
}

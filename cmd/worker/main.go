// Package main provides the chatqueue worker process: it wires the
// Lifecycle Supervisor, registers one demo handler per job class, and
// dispatches jobs according to this process's WorkerConfig.Mode.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/config"
	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/lifecycle"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/metrics"
	"github.com/muaviaUsmani/chatqueue/internal/serialization"
	"github.com/muaviaUsmani/chatqueue/internal/tenant"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load worker config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)

	workerLog.Info("worker starting",
		"mode", workerCfg.Mode,
		"concurrency", workerCfg.Concurrency,
		"priorities", len(workerCfg.Priorities),
		"classes", len(workerCfg.Classes),
		"environment", cfg.Environment,
		"redisUrl", cfg.RedisURL)
	workerLog.Info("worker configuration", "config", workerCfg.String())

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	sup := lifecycle.New(cfg, workerCfg, tenant.NewMemoryProvider())
	registerDemoHandlers(sup, cfg, workerLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag, err := sup.Initialize(ctx)
	if err != nil {
		workerLog.Error("lifecycle initialization failed", "stage", diag.Stage, "error", err)
		os.Exit(1)
	}

	sup.Start(ctx)
	workerLog.Info("worker ready")

	if workerCfg.Mode != config.WorkerModeSchedulerOnly && !cfg.IsProduction() && cfg.EnableQueueTests {
		go injectProbeJob(ctx, sup, workerLog)
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := metrics.Default().Snapshot()
				workerLog.Info("system metrics",
					"dlqCount", snap.DLQCurrentCount,
					"stalledTotal", snap.StalledJobsTotal,
					"errorRatePercent", fmt.Sprintf("%.2f%%", snap.QueueErrorRatePercent),
					"uptime", snap.Uptime.String())
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	workerLog.Info("received shutdown signal", "signal", sig.String())

	cancel()

	if err := sup.Shutdown(time.Duration(cfg.ShutdownDeadlineMs) * time.Millisecond); err != nil {
		workerLog.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	workerLog.Info("worker shut down successfully")
}

// registerDemoHandlers binds one illustrative handler per known job class,
// standing in for the class-specific business logic a host application
// would supply (spec §6 calls these "handler functions provided by the
// consuming application"). ClassCleanup is the one exception: it performs
// the real retention sweep the periodic "retention-sweep" cron schedule
// (internal/lifecycle) enqueues every few minutes, rather than standing in
// for host application logic.
func registerDemoHandlers(sup *lifecycle.Supervisor, cfg *config.Config, log logger.Logger) {
	sup.RegisterHandler(job.ClassWebhookInbound, func(ctx context.Context, session tenant.Session, j *job.Job) error {
		fields := decodeProtoEnvelope(j, log)
		log.Debug("handling webhook-inbound job", "jobId", j.ID, "merchantId", j.MerchantID, "eventId", fields["eventId"])
		return nil
	})
	sup.RegisterHandler(job.ClassAIResponse, func(ctx context.Context, session tenant.Session, j *job.Job) error {
		var req aiResponseRequest
		if err := j.UnmarshalPayloadJSON(&req); err != nil {
			return fmt.Errorf("decode ai-response payload: %w", err)
		}
		log.Debug("handling ai-response job", "jobId", j.ID, "merchantId", j.MerchantID, "conversationId", req.ConversationID)

		// Delivery is a separate message-delivery job with its own retry
		// budget, never an inline platform call (see the open-question
		// resolution on inline vs. queued delivery).
		return enqueueReplyDelivery(ctx, sup, log, j, req)
	})
	sup.RegisterHandler(job.ClassMessageDelivery, func(ctx context.Context, session tenant.Session, j *job.Job) error {
		var d messageDelivery
		if err := j.UnmarshalPayloadJSON(&d); err != nil {
			log.Warn("failed to decode message-delivery payload", "jobId", j.ID, "error", err)
		}
		log.Debug("handling message-delivery job", "jobId", j.ID, "merchantId", j.MerchantID, "conversationId", d.ConversationID)
		return nil
	})
	sup.RegisterHandler(job.ClassNotification, func(ctx context.Context, session tenant.Session, j *job.Job) error {
		log.Debug("handling notification job", "jobId", j.ID, "merchantId", j.MerchantID)
		return nil
	})
	sup.RegisterHandler(job.ClassCleanup, func(ctx context.Context, session tenant.Session, j *job.Job) error {
		runRetentionSweep(ctx, sup, cfg, log, j)
		return nil
	})
	sup.RegisterHandler(job.ClassChatRelayProcessing, func(ctx context.Context, session tenant.Session, j *job.Job) error {
		fields := decodeProtoEnvelope(j, log)
		log.Debug("handling chat-relay-processing job", "jobId", j.ID, "merchantId", j.MerchantID, "conversationId", fields["conversationId"])
		return nil
	})
}

// aiResponseRequest mirrors the ai-response payload pkg/client produces.
type aiResponseRequest struct {
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	Message        string `json:"message"`
	Platform       string `json:"platform"`
}

// messageDelivery is the payload the ai-response handler hands off to the
// message-delivery class: the generated reply plus the routing fields the
// platform sender needs.
type messageDelivery struct {
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	Platform       string `json:"platform"`
	Response       string `json:"response"`
}

// enqueueReplyDelivery is the ai-response success path: it enqueues a
// message-delivery job carrying the generated reply at the originating
// job's priority, under the same tenant. The canned response stands in for
// the AI generator, an external collaborator this process doesn't vendor.
func enqueueReplyDelivery(ctx context.Context, sup *lifecycle.Supervisor, log logger.Logger, j *job.Job, req aiResponseRequest) error {
	payload, err := json.Marshal(messageDelivery{
		ConversationID: req.ConversationID,
		CustomerID:     req.CustomerID,
		Platform:       req.Platform,
		Response:       "Thanks for your message! A teammate will follow up shortly.",
	})
	if err != nil {
		return fmt.Errorf("encode message-delivery payload: %w", err)
	}

	result, err := sup.Core().EnqueueForMerchant(ctx, job.ClassMessageDelivery, payload, j.MerchantID, job.Options{Priority: j.Priority})
	if err != nil {
		return fmt.Errorf("enqueue message-delivery: %w", err)
	}
	log.Debug("reply queued for delivery", "aiJobId", j.ID, "deliveryJobId", result.ID, "conversationId", req.ConversationID)
	return nil
}

// decodeProtoEnvelope unwraps the structpb.Struct envelope pkg/client wraps
// webhook-inbound/chat-relay-processing payloads in (internal/serialization),
// back into the plain map a handler actually wants to read fields from.
func decodeProtoEnvelope(j *job.Job, log logger.Logger) map[string]interface{} {
	var envelope structpb.Struct
	if err := j.UnmarshalPayloadProto(&envelope); err != nil {
		log.Warn("failed to decode protobuf envelope", "jobId", j.ID, "error", err)
		return nil
	}
	return serialization.EnvelopeToJSON(&envelope)
}

// runRetentionSweep purges completed/failed jobs older than cfg.RetentionMs
// across every known class. It is the actual work behind the periodic
// "retention-sweep" cron schedule (internal/lifecycle registers it against
// job.ClassCleanup); j itself carries no payload worth inspecting, it is
// just the cron's trigger.
func runRetentionSweep(ctx context.Context, sup *lifecycle.Supervisor, cfg *config.Config, log logger.Logger, j *job.Job) {
	log.Debug("running retention sweep", "jobId", j.ID)
	for _, class := range job.KnownClasses {
		removedCompleted, err := sup.Core().Clean(ctx, class, job.StateCompleted, cfg.RetentionMs, 1000)
		if err != nil {
			log.Warn("retention sweep failed", "class", string(class), "state", "completed", "error", err)
		} else if removedCompleted > 0 {
			log.Info("retention sweep purged completed jobs", "class", string(class), "count", removedCompleted)
		}

		removedFailed, err := sup.Core().Clean(ctx, class, job.StateFailed, cfg.RetentionMs, 1000)
		if err != nil {
			log.Warn("retention sweep failed", "class", string(class), "state", "failed", "error", err)
		} else if removedFailed > 0 {
			log.Info("retention sweep purged failed jobs", "class", string(class), "count", removedFailed)
		}
	}
}

// injectProbeJob enqueues one synthetic cleanup job a second after startup
// when ENABLE_QUEUE_TESTS is set outside production, so an operator can
// confirm the full enqueue-dispatch-complete path end to end without
// touching a real tenant's data (spec §6/SPEC_FULL §10.3).
func injectProbeJob(ctx context.Context, sup *lifecycle.Supervisor, log logger.Logger) {
	select {
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
		return
	}

	payload, _ := json.Marshal(map[string]string{"probe": "queue-tests"})
	result, err := sup.Core().Enqueue(ctx, job.ClassCleanup, payload, job.Options{Priority: job.PriorityLow})
	if err != nil {
		log.Warn("synthetic probe job failed to enqueue", "error", err)
		return
	}
	log.Info("synthetic probe job enqueued", "jobId", result.ID)
}

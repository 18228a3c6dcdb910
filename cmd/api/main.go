// Package main provides the chatqueue admin/ingress HTTP surface: the
// health endpoint backed by the Health & Monitoring component, and the
// public Enqueue API (spec §6) exposed over HTTP for callers that would
// rather POST a job than import pkg/client directly.
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
	"github.com/muaviaUsmani/chatqueue/pkg/client"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
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

	apiLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)
	apiLog.Info("admin server starting", "redisUrl", cfg.RedisURL, "apiPort", cfg.APIPort)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		apiLog.Info("starting pprof server", "port", pprofPort)
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			apiLog.Error("pprof server failed", "error", err)
		}
	}()

	// The admin process runs no dispatcher pools and no cron sweep of its
	// own — only the Health Monitor and a Polling Fallback Loop instance.
	// It registers no handlers, so it must run scheduler-only: that's what
	// tells its Poller to only promote delayed jobs and never drain waiting
	// sets, leaving the real dispatch work to whatever cmd/worker processes
	// are running via queuecore's CAS.
	adminWorkerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load worker config: %v\n", err)
		os.Exit(1)
	}
	adminWorkerCfg.Mode = config.WorkerModeSchedulerOnly
	adminWorkerCfg.Concurrency = 0
	adminWorkerCfg.Classes = nil
	adminWorkerCfg.Priorities = nil
	adminWorkerCfg.EnableScheduler = false

	sup := lifecycle.New(cfg, adminWorkerCfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag, err := sup.Initialize(ctx)
	if err != nil {
		apiLog.Error("lifecycle initialization failed", "stage", diag.Stage, "error", err)
		os.Exit(1)
	}
	sup.Start(ctx)

	enqueueClient, err := client.New(cfg.RedisURL, cfg.QueueName+":")
	if err != nil {
		apiLog.Error("failed to build enqueue client", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, "chatqueue admin server")
	})
	mux.HandleFunc("/healthz", healthzHandler(sup))
	mux.HandleFunc("/enqueue/webhook", enqueueWebhookHandler(enqueueClient))
	mux.HandleFunc("/enqueue/ai-response", enqueueAIResponseHandler(enqueueClient))

	addr := ":" + cfg.APIPort
	apiLog.Info("admin server listening", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			apiLog.Error("admin server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	apiLog.Info("received shutdown signal", "signal", sig.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = enqueueClient.Close()

	if err := sup.Shutdown(time.Duration(cfg.ShutdownDeadlineMs) * time.Millisecond); err != nil {
		apiLog.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	apiLog.Info("admin server shut down successfully")
}

// healthResponse is the JSON shape spec §4.6 names:
// {healthy, stats, workerStatus, recommendations}.
type healthResponse struct {
	Healthy         bool        `json:"healthy"`
	Stats           interface{} `json:"stats"`
	WorkerStatus    interface{} `json:"workerStatus"`
	Recommendations []string    `json:"recommendations"`
}

func healthzHandler(sup *lifecycle.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := sup.Health(r.Context())
		resp := healthResponse{
			Healthy:         h.Healthy,
			Stats:           h.Stats,
			WorkerStatus:    h.WorkerStatus,
			Recommendations: h.Recommendations,
		}
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type webhookRequest struct {
	EventID    string          `json:"eventId"`
	Payload    json.RawMessage `json:"payload"`
	MerchantID string          `json:"merchantId"`
	Platform   string          `json:"platform"`
	Priority   string          `json:"priority"`
}

func enqueueWebhookHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(client.EnqueueResult{OK: false, Error: "invalid request body"})
			return
		}
		priority, err := job.ParsePriority(req.Priority)
		if err != nil {
			priority = job.PriorityNormal
		}
		res := c.EnqueueWebhook(r.Context(), req.EventID, req.Payload, req.MerchantID, req.Platform, priority)
		writeEnqueueResult(w, res)
	}
}

type aiResponseRequest struct {
	ConversationID string `json:"conversationId"`
	MerchantID     string `json:"merchantId"`
	CustomerID     string `json:"customerId"`
	Message        string `json:"message"`
	Platform       string `json:"platform"`
	Priority       string `json:"priority"`
}

func enqueueAIResponseHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req aiResponseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(client.EnqueueResult{OK: false, Error: "invalid request body"})
			return
		}
		priority, err := job.ParsePriority(req.Priority)
		if err != nil {
			priority = job.PriorityNormal
		}
		res := c.EnqueueAIResponse(r.Context(), req.ConversationID, req.MerchantID, req.CustomerID, req.Message, req.Platform, priority)
		writeEnqueueResult(w, res)
	}
}

func writeEnqueueResult(w http.ResponseWriter, res client.EnqueueResult) {
	w.Header().Set("Content-Type", "application/json")
	if !res.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(res)
}

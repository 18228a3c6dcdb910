// Package main provides the chatqueue scheduler-only process: the Polling
// Fallback Loop and the cleanup cron sweep, with no dispatcher worker
// pools of its own (WorkerModeSchedulerOnly). A deployment that isolates
// the cron sweep onto its own replica set runs this instead of cmd/worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/config"
	"github.com/muaviaUsmani/chatqueue/internal/lifecycle"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
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

	schedulerLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)
	schedulerLog.Info("scheduler starting", "redisUrl", cfg.RedisURL)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		schedulerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			schedulerLog.Error("pprof server failed", "error", err)
		}
	}()

	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load worker config: %v\n", err)
		os.Exit(1)
	}
	workerCfg.Mode = config.WorkerModeSchedulerOnly
	workerCfg.Concurrency = 0
	workerCfg.Classes = nil
	workerCfg.Priorities = nil
	workerCfg.EnableScheduler = true
	if cfg.CronSchedulerInterval > 0 {
		workerCfg.SchedulerInterval = cfg.CronSchedulerInterval
	}

	sup := lifecycle.New(cfg, workerCfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag, err := sup.Initialize(ctx)
	if err != nil {
		schedulerLog.Error("lifecycle initialization failed", "stage", diag.Stage, "error", err)
		os.Exit(1)
	}
	sup.Start(ctx)
	schedulerLog.Info("scheduler ready - polling and cron sweep running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	schedulerLog.Info("received shutdown signal", "signal", sig.String())

	cancel()

	if err := sup.Shutdown(time.Duration(cfg.ShutdownDeadlineMs) * time.Millisecond); err != nil {
		schedulerLog.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	schedulerLog.Info("scheduler shut down successfully")
}

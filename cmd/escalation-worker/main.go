package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiftfill/escalation-engine/cmd/mainconfig"
	"github.com/shiftfill/escalation-engine/internal/app/bootstrap"
	appconfig "github.com/shiftfill/escalation-engine/internal/config"
	"github.com/shiftfill/escalation-engine/internal/escalation"
	"github.com/shiftfill/escalation-engine/internal/jobs"
	"github.com/shiftfill/escalation-engine/internal/observability/metrics"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting escalation worker",
		"env", cfg.Env,
		"concurrency", cfg.WorkerConcurrency,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if rdb == nil {
		logger.Error("redis is required, check REDIS_ADDR")
		os.Exit(1)
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	jobMetrics := metrics.NewJobMetrics(nil)
	escMetrics := metrics.NewEscalationMetrics(nil)

	core, err := bootstrap.BuildCore(cfg, awsCfg, rdb, escMetrics, logger)
	if err != nil {
		logger.Error("failed to build engine core", "error", err)
		os.Exit(1)
	}

	workers := startWorkers(ctx, cfg, core, jobMetrics)

	go serveMetrics(cfg.Port, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down escalation worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.Wait()
		}
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("escalation worker stopped")
	case <-doneCtx.Done():
		logger.Error("escalation worker shutdown timed out", "error", doneCtx.Err())
	}
}

// startWorkers runs one worker pool per queue, all feeding the shared
// controller.
func startWorkers(ctx context.Context, cfg *appconfig.Config, core *bootstrap.Core, jm *metrics.JobMetrics) []*jobs.Worker {
	queues := []struct {
		name    string
		handler jobs.Handler
	}{
		{escalation.QueueSMSWaves, core.Controller.HandleWave},
		{escalation.QueueOutboundCalls, core.Controller.HandleOutbound},
		{escalation.QueueConfirmationSMS, core.Controller.HandleConfirmation},
	}

	workers := make([]*jobs.Worker, 0, len(queues))
	for _, q := range queues {
		w := jobs.NewWorker(core.Scheduler, q.name, q.handler,
			jobs.WithConcurrency(cfg.WorkerConcurrency),
			jobs.WithLease(cfg.StalledLease),
			jobs.WithRetention(cfg.CompletedRetention),
		)
		w.SetMetrics(jm)
		w.SetAlerter(core.Alerter)
		w.Start(ctx)
		workers = append(workers, w)
	}
	return workers
}

// serveMetrics exposes the worker's scrape and liveness endpoints.
func serveMetrics(port string, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := ":" + port
	logger.Info("worker metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("worker metrics server error", "error", err)
	}
}

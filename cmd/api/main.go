package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shiftfill/escalation-engine/cmd/mainconfig"
	"github.com/shiftfill/escalation-engine/internal/api/router"
	"github.com/shiftfill/escalation-engine/internal/app/bootstrap"
	appconfig "github.com/shiftfill/escalation-engine/internal/config"
	"github.com/shiftfill/escalation-engine/internal/escalation"
	"github.com/shiftfill/escalation-engine/internal/events"
	"github.com/shiftfill/escalation-engine/internal/http/handlers"
	"github.com/shiftfill/escalation-engine/internal/observability/metrics"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting escalation engine API",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	// The engine holds all call and job state in Redis; without it there is
	// nothing to serve.
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

	metricsHandler, escMetrics, callMetrics := setupMetrics(nil)

	core, err := bootstrap.BuildCore(cfg, awsCfg, rdb, escMetrics, logger)
	if err != nil {
		logger.Error("failed to build engine core", "error", err)
		os.Exit(1)
	}
	stack := bootstrap.BuildVoiceStack(cfg, core, rdb, s3.NewFromConfig(awsCfg), callMetrics, logger)
	stack.Reaper.Start(ctx)

	r := router.New(buildRouterConfig(cfg, core, stack, rdb, metricsHandler, callMetrics, logger))

	// No server-wide write timeout: the operator event stream stays open for
	// as long as the dashboard listens. REST routes carry their own timeout
	// middleware.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics registers the API's metric sets and returns the scrape
// handler. A nil registry means the process-wide default; tests pass their
// own so repeated setup does not collide.
func setupMetrics(reg *prometheus.Registry) (http.Handler, *metrics.EscalationMetrics, *metrics.CallMetrics) {
	if reg == nil {
		return promhttp.Handler(), metrics.NewEscalationMetrics(nil), metrics.NewCallMetrics(nil)
	}
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return handler, metrics.NewEscalationMetrics(reg), metrics.NewCallMetrics(reg)
}

// buildRouterConfig assembles the HTTP surface from the wired service graph.
func buildRouterConfig(
	cfg *appconfig.Config,
	core *bootstrap.Core,
	stack *bootstrap.VoiceStack,
	rdb *redis.Client,
	metricsHandler http.Handler,
	callMetrics *metrics.CallMetrics,
	logger *logging.Logger,
) *router.Config {
	webhooks := handlers.NewWebhookHandler(handlers.WebhookConfig{
		Escalation:       core.Controller,
		Transfer:         stack.Transfers,
		Seen:             events.NewSeenStore(rdb),
		Metrics:          callMetrics,
		Logger:           logger,
		CarrierAuthToken: cfg.CarrierAuthToken,
		PublicBaseURL:    cfg.PublicBaseURL,
	})
	operator := handlers.NewOperatorHandler(handlers.OperatorConfig{
		Escalations: core.Controller,
		Failed:      core.Scheduler,
		Queues: []string{
			escalation.QueueSMSWaves,
			escalation.QueueOutboundCalls,
			escalation.QueueConfirmationSMS,
		},
		Logger: logger,
	})

	return &router.Config{
		Logger:             logger,
		Webhooks:           webhooks,
		Audio:              handlers.NewAudioHandler(core.Synthesizer, logger),
		Events:             handlers.NewEventStreamHandler(events.NewReader(rdb), logger),
		Operator:           operator,
		Health:             handlers.NewHealthHandler(rdb),
		MediaStream:        stack.Bridge,
		MetricsHandler:     metricsHandler,
		OperatorJWTSecret:  cfg.OperatorJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		OperatorRateLimit:  cfg.OperatorRateLimit,
		OperatorRateBurst:  cfg.OperatorRateBurst,
	}
}

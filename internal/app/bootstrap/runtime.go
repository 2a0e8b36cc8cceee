package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/shiftfill/escalation-engine/internal/config"
	"github.com/shiftfill/escalation-engine/internal/notify"
	"github.com/shiftfill/escalation-engine/internal/records"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildRecordsClient wires the records API client from config.
func BuildRecordsClient(cfg *appconfig.Config, logger *logging.Logger) (*records.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	client, err := records.New(records.Config{
		BaseURL:    cfg.RecordsAPIURL,
		APIKey:     cfg.RecordsAPIKey,
		Timeout:    cfg.RecordsTimeout,
		MaxRetries: cfg.RecordsMaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: records client: %w", err)
	}
	return client, nil
}

// BuildAlerter wires the operator alert service. With alerts disabled the
// service still exists and its emails land in the log, so callers never
// hold a nil Alerter.
func BuildAlerter(cfg *appconfig.Config, sesClient *sesv2.Client, directory notify.ProviderDirectory, logger *logging.Logger) *notify.Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil || !cfg.AlertsEnabled {
		logger.Info("operator alerts disabled, alert emails go to the log")
		return notify.NewService(notify.Config{
			Email:  notify.NewStubEmailSender(logger),
			Logger: logger,
		})
	}

	ses := notify.NewSESSender(sesClient, notify.SESConfig{
		FromEmail: cfg.SESFromEmail,
		FromName:  cfg.AlertEmailName,
	}, logger)
	sendgrid := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.AlertEmailFrom,
		FromName:  cfg.AlertEmailName,
	}, logger)

	return notify.NewService(notify.Config{
		Email:        notify.PickSender(cfg.EmailProvider, ses, sendgrid, logger),
		Providers:    directory,
		Recipients:   splitList(cfg.AlertEmailTo),
		SubjectScope: cfg.AlertSubjectScope,
		Logger:       logger,
	})
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

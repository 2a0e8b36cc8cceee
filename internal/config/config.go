package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	// Records API (external system of record for providers, staff,
	// occurrences and call logs).
	RecordsAPIURL     string
	RecordsAPIKey     string
	RecordsTimeout    time.Duration
	RecordsMaxRetries int

	// Telephony carrier (Twilio-compatible REST + webhooks).
	CarrierAccountSID string
	CarrierAuthToken  string
	CarrierFromNumber string
	CarrierBaseURL    string

	// Phone acceptance: comma-separated E.164 country prefixes, e.g. "+61,+64".
	AllowedPhonePrefixes []string

	// SMS reply classification keyword sets (comma-separated, case-insensitive).
	AcceptKeywords  []string
	DeclineKeywords []string

	// Durable job queue.
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	WorkerConcurrency  int
	StalledLease       time.Duration
	CompletedRetention time.Duration

	// Call sessions and event streams.
	SessionTTL     time.Duration
	EventStreamTTL time.Duration

	// Mid-call transfer. The fallback number answers transfers from callers
	// who never resolved a provider (unknown numbers, failed PIN auth).
	TransferDialTimeout    time.Duration
	TransferFallbackNumber string

	// Audio archival.
	RecordingsBucket string
	RetentionHours   int

	// Text-to-speech.
	TTSVoiceDefault string
	TTSTimeout      time.Duration
	TTSCacheTTL     time.Duration

	// Operator surface.
	OperatorJWTSecret  string
	CORSAllowedOrigins []string
	OperatorRateLimit  int // requests per second per IP
	OperatorRateBurst  int

	// Operator alert email.
	AlertEmailTo      string
	AlertEmailFrom    string
	AlertEmailName    string
	SendGridAPIKey    string
	SESFromEmail      string
	EmailProvider     string
	AlertsEnabled     bool
	AlertSubjectScope string

	// AWS (S3, SES, Polly).
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		RecordsAPIURL:     getEnv("RECORDS_API_URL", ""),
		RecordsAPIKey:     getEnv("RECORDS_API_KEY", ""),
		RecordsTimeout:    getEnvAsDuration("RECORDS_TIMEOUT", 10*time.Second),
		RecordsMaxRetries: getEnvAsInt("RECORDS_MAX_RETRIES", 2),

		CarrierAccountSID: getEnv("CARRIER_ACCOUNT_SID", ""),
		CarrierAuthToken:  getEnv("CARRIER_AUTH_TOKEN", ""),
		CarrierFromNumber: getEnv("CARRIER_FROM_NUMBER", ""),
		CarrierBaseURL:    getEnv("CARRIER_BASE_URL", "https://api.twilio.com"),

		AllowedPhonePrefixes: getEnvAsList("ALLOWED_PHONE_PREFIXES", []string{"+61"}),

		AcceptKeywords:  getEnvAsList("ACCEPT_KEYWORDS", []string{"YES", "Y", "ACCEPT"}),
		DeclineKeywords: getEnvAsList("DECLINE_KEYWORDS", []string{"NO", "N", "DECLINE"}),

		RedisAddr:          getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 4),
		StalledLease:       getEnvAsDuration("STALLED_LEASE", 2*time.Minute),
		CompletedRetention: getEnvAsDuration("COMPLETED_RETENTION", 24*time.Hour),

		SessionTTL:     getEnvAsDuration("SESSION_TTL", 4*time.Hour),
		EventStreamTTL: getEnvAsDuration("EVENT_STREAM_TTL", 25*time.Hour),

		TransferDialTimeout:    getEnvAsDuration("TRANSFER_DIAL_TIMEOUT", 30*time.Second),
		TransferFallbackNumber: getEnv("TRANSFER_FALLBACK_NUMBER", ""),

		RecordingsBucket: getEnv("RECORDINGS_BUCKET", ""),
		RetentionHours:   getEnvAsInt("RETENTION_HOURS", 720),

		TTSVoiceDefault: getEnv("TTS_VOICE_DEFAULT", "Olivia"),
		TTSTimeout:      getEnvAsDuration("TTS_TIMEOUT", 15*time.Second),
		TTSCacheTTL:     getEnvAsDuration("TTS_CACHE_TTL", 24*time.Hour),

		OperatorJWTSecret:  getEnv("OPERATOR_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		OperatorRateLimit:  getEnvAsInt("OPERATOR_RATE_LIMIT", 10),
		OperatorRateBurst:  getEnvAsInt("OPERATOR_RATE_BURST", 30),

		AlertEmailTo:      getEnv("ALERT_EMAIL_TO", ""),
		AlertEmailFrom:    getEnv("ALERT_EMAIL_FROM", ""),
		AlertEmailName:    getEnv("ALERT_EMAIL_NAME", "Shift Escalation"),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		AlertsEnabled:     getEnvAsBool("ALERTS_ENABLED", true),
		AlertSubjectScope: getEnv("ALERT_SUBJECT_SCOPE", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated environment variable, trimming each
// entry and dropping empties.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("ALLOWED_PHONE_PREFIXES", "")
	t.Setenv("ACCEPT_KEYWORDS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.SessionTTL != 4*time.Hour {
		t.Fatalf("expected default session ttl, got %s", cfg.SessionTTL)
	}
	if cfg.EventStreamTTL != 25*time.Hour {
		t.Fatalf("expected 25h event stream ttl, got %s", cfg.EventStreamTTL)
	}
	if len(cfg.AcceptKeywords) != 3 || cfg.AcceptKeywords[0] != "YES" {
		t.Fatalf("expected default accept keywords, got %v", cfg.AcceptKeywords)
	}
	if !cfg.AlertsEnabled {
		t.Fatal("expected alerts enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("RECORDS_API_URL", "https://records.internal")
	t.Setenv("RECORDS_API_KEY", "key-1")
	t.Setenv("ALLOWED_PHONE_PREFIXES", "+61, +64 ,")
	t.Setenv("ACCEPT_KEYWORDS", "OUI,SI")
	t.Setenv("STALLED_LEASE", "90s")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("TTS_VOICE_DEFAULT", "Nicole")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://dashboard.example.com")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.RecordsAPIURL != "https://records.internal" {
		t.Fatalf("expected records url override, got %s", cfg.RecordsAPIURL)
	}
	if len(cfg.AllowedPhonePrefixes) != 2 || cfg.AllowedPhonePrefixes[1] != "+64" {
		t.Fatalf("expected trimmed prefix list, got %v", cfg.AllowedPhonePrefixes)
	}
	if len(cfg.AcceptKeywords) != 2 || cfg.AcceptKeywords[0] != "OUI" {
		t.Fatalf("expected accept keyword override, got %v", cfg.AcceptKeywords)
	}
	if cfg.StalledLease != 90*time.Second {
		t.Fatalf("expected stalled lease override, got %s", cfg.StalledLease)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("expected concurrency override, got %d", cfg.WorkerConcurrency)
	}
	if !cfg.RedisTLS {
		t.Fatal("expected redis tls enabled")
	}
	if cfg.TTSVoiceDefault != "Nicole" {
		t.Fatalf("expected voice override, got %s", cfg.TTSVoiceDefault)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "https://dashboard.example.com" {
		t.Fatalf("expected cors origin override, got %v", cfg.CORSAllowedOrigins)
	}
}

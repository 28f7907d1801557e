package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdempotencyTTL != 600*time.Second {
		t.Fatalf("expected 600s ttl, got %s", cfg.IdempotencyTTL)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected 1 MiB body limit, got %d", cfg.MaxBodyBytes)
	}
	if cfg.DeliveryTimeout != 10*time.Second {
		t.Fatalf("expected 10s delivery timeout, got %s", cfg.DeliveryTimeout)
	}
	if cfg.TaskClaimTTL != 5*time.Minute {
		t.Fatalf("expected 5m claim ttl, got %s", cfg.TaskClaimTTL)
	}
	if !cfg.BypassSignature {
		t.Fatal("expected signature bypass outside production")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("IDEMPOTENCY_TTL", "90s")
	t.Setenv("BYPASS_SIGNATURE", "false")
	t.Setenv("DEFAULT_LLM", "anthropic")
	t.Setenv("TASK_CLAIM_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerConcurrency != 3 {
		t.Fatalf("expected concurrency 3, got %d", cfg.WorkerConcurrency)
	}
	if cfg.IdempotencyTTL != 90*time.Second {
		t.Fatalf("expected 90s ttl, got %s", cfg.IdempotencyTTL)
	}
	if cfg.BypassSignature {
		t.Fatal("expected bypass disabled")
	}
	if cfg.DefaultLLM != "anthropic" {
		t.Fatalf("expected anthropic, got %s", cfg.DefaultLLM)
	}
	if cfg.TaskClaimTTL != 90*time.Second {
		t.Fatalf("expected 90s claim ttl, got %s", cfg.TaskClaimTTL)
	}
}

func TestLoadProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TIKTOK_WEBHOOK_SECRET", "")
	t.Setenv("JWT_SECRET", "prod-secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing webhook secret in production")
	}
}

func TestLoadProductionRejectsBypass(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TIKTOK_WEBHOOK_SECRET", "s3cret")
	t.Setenv("JWT_SECRET", "prod-secret")
	t.Setenv("BYPASS_SIGNATURE", "true")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when bypass is enabled in production")
	}
}

func TestLoadProductionValid(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TIKTOK_WEBHOOK_SECRET", "s3cret")
	t.Setenv("JWT_SECRET", "prod-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BypassSignature || cfg.AdminEnabled {
		t.Fatal("expected bypass and admin off by default in production")
	}
}

func TestInvalidNumericFallsBack(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("TASK_MAX_DELIVER", "lots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TaskMaxDeliver != 5 {
		t.Fatalf("expected default 5, got %d", cfg.TaskMaxDeliver)
	}
}

func TestValidateUnknownLLM(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("DEFAULT_LLM", "mystery")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestAdminAllowedOrigins(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	t.Setenv("ADMIN_ALLOWED_ORIGINS", "https://ops.example.com, ,http://localhost:3000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AdminAllowedOrigins) != 2 || cfg.AdminAllowedOrigins[1] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %v", cfg.AdminAllowedOrigins)
	}
}

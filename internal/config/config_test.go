package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.AcceptThreshold != 0.80 {
		t.Fatalf("expected default accept threshold 0.80, got %f", cfg.AcceptThreshold)
	}
	if cfg.SemanticTimeout != 12*time.Second {
		t.Fatalf("expected default semantic timeout 12s, got %s", cfg.SemanticTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESOLVER_PORT", "9000")
	t.Setenv("RESOLVER_ACCEPT_THRESHOLD", "0.9")
	t.Setenv("RESOLVER_FUZZY_TIMEOUT", "75ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.AcceptThreshold != 0.9 {
		t.Fatalf("expected accept threshold 0.9, got %f", cfg.AcceptThreshold)
	}
	if cfg.FuzzyTimeout != 75*time.Millisecond {
		t.Fatalf("expected fuzzy timeout 75ms, got %s", cfg.FuzzyTimeout)
	}
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	t.Setenv("RESOLVER_LEARN_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for threshold above 1")
	}
}

func TestValidateRejectsUnknownEmbeddingProvider(t *testing.T) {
	t.Setenv("RESOLVER_EMBEDDING_PROVIDER", "quantum")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown embedding provider")
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
	t.Setenv("TEST_FLOAT_BAD", "not-a-float")
	if v := envFloat("TEST_FLOAT_BAD", 0.5); v != 0.5 {
		t.Fatalf("expected fallback 0.5, got %f", v)
	}
	t.Setenv("TEST_DUR_BAD", "soon")
	if v := envDuration("TEST_DUR_BAD", time.Second); v != time.Second {
		t.Fatalf("expected fallback 1s, got %s", v)
	}
}

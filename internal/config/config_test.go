package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults() should validate cleanly, got: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Ledger.SafetyMargin = 0.5
	cfg.Recovery.LossCapUSD = 0
	cfg.Risk.MaxConcurrentOps = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"unknown mode", "unknown log_level", "safety_margin", "loss_cap_usd", "max_concurrent_ops"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateLiveTradingRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.PaperTrading = false
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "at least one venue") {
		t.Fatalf("expected venue requirement error, got: %v", err)
	}

	cfg.Exchanges = map[string]ExchangeConfig{
		"binance": {BaseURL: "https://api.binance.com", EncryptedKeyPath: "/keys/binance.json"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "key_password") {
		t.Fatalf("expected key_password error, got: %v", err)
	}

	ex := cfg.Exchanges["binance"]
	ex.KeyPassword = "hunter2"
	cfg.Exchanges["binance"] = ex
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARBOT_MODE", "server")
	t.Setenv("ARBOT_RECOVERY_MAX_ATTEMPTS", "7")
	t.Setenv("ARBOT_LEDGER_RESERVATION_TTL", "90s")
	t.Setenv("ARBOT_PAPER_TRADING", "false")
	t.Setenv("ARBOT_EXCHANGE_BINANCE_API_KEY", "env-key")
	t.Setenv("ARBOT_NOTIFY_EVENTS", "escalated, operation_failed")

	cfg := Defaults()
	cfg.Exchanges = map[string]ExchangeConfig{"binance": {BaseURL: "https://api.binance.com"}}
	applyEnvOverrides(&cfg)

	if cfg.Mode != "server" {
		t.Errorf("Mode = %q, want server", cfg.Mode)
	}
	if cfg.Recovery.MaxAttempts != 7 {
		t.Errorf("Recovery.MaxAttempts = %d, want 7", cfg.Recovery.MaxAttempts)
	}
	if cfg.Ledger.ReservationTTL.Duration != 90*time.Second {
		t.Errorf("ReservationTTL = %v, want 90s", cfg.Ledger.ReservationTTL.Duration)
	}
	if cfg.PaperTrading {
		t.Error("PaperTrading should be overridden to false")
	}
	if cfg.Exchanges["binance"].ApiKey != "env-key" {
		t.Errorf("binance ApiKey = %q, want env-key", cfg.Exchanges["binance"].ApiKey)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[0] != "escalated" {
		t.Errorf("Notify.Events = %v", cfg.Notify.Events)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.Notify.TelegramToken = "tg-token"
	cfg.Exchanges = map[string]ExchangeConfig{
		"binance": {ApiKey: "k", ApiSecret: "s", BaseURL: "https://api.binance.com"},
	}

	red := RedactedConfig(&cfg)

	if red.Postgres.Password != "***" || red.Redis.Password != "***" || red.Notify.TelegramToken != "***" {
		t.Error("expected secrets to be redacted")
	}
	if red.Exchanges["binance"].ApiKey != "***" || red.Exchanges["binance"].ApiSecret != "***" {
		t.Error("expected exchange credentials to be redacted")
	}
	if red.Exchanges["binance"].BaseURL != "https://api.binance.com" {
		t.Error("non-secret fields must survive redaction")
	}
	// Original must be untouched.
	if cfg.Postgres.Password != "pg-secret" || cfg.Exchanges["binance"].ApiKey != "k" {
		t.Error("redaction must not mutate the source config")
	}
}

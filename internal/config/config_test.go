package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsValidateWithCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Upbit.AccessKey = "ak"
	cfg.Upbit.SecretKey = "sk"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with credentials should validate: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "scan"
log_level = "debug"

[trade]
scan_interval = "5m"
investment_amount = 20000

[scanner]
volume_spike_threshold = 3.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Mode != "scan" {
		t.Errorf("mode = %q, want scan", cfg.Mode)
	}
	if cfg.Trade.ScanInterval.Duration != 5*time.Minute {
		t.Errorf("scan_interval = %v, want 5m", cfg.Trade.ScanInterval.Duration)
	}
	if cfg.Trade.InvestmentAmount != 20000 {
		t.Errorf("investment_amount = %v, want 20000", cfg.Trade.InvestmentAmount)
	}
	if cfg.Scanner.VolumeSpikeThreshold != 3.5 {
		t.Errorf("volume_spike_threshold = %v, want 3.5", cfg.Scanner.VolumeSpikeThreshold)
	}
	// Untouched fields keep their defaults.
	if cfg.Trade.PollInterval.Duration != 30*time.Second {
		t.Errorf("poll_interval = %v, want default 30s", cfg.Trade.PollInterval.Duration)
	}
	if cfg.Risk.MaxOpenPositions != 3 {
		t.Errorf("max_open_positions = %d, want default 3", cfg.Risk.MaxOpenPositions)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
[upbit]
access_key = "file-key"
`)

	t.Setenv("BUTLER_UPBIT_ACCESS_KEY", "env-key")
	t.Setenv("BUTLER_UPBIT_SECRET_KEY", "env-secret")
	t.Setenv("BUTLER_RISK_DAILY_LOSS_LIMIT", "-75000")
	t.Setenv("BUTLER_TRADE_POLL_INTERVAL", "15s")
	t.Setenv("BUTLER_NOTIFY_EVENTS", "buy_filled, error")
	t.Setenv("BUTLER_FEED_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Upbit.AccessKey != "env-key" {
		t.Errorf("access_key = %q, want env-key", cfg.Upbit.AccessKey)
	}
	if cfg.Upbit.SecretKey != "env-secret" {
		t.Errorf("secret_key = %q, want env-secret", cfg.Upbit.SecretKey)
	}
	if cfg.Risk.DailyLossLimit != -75000 {
		t.Errorf("daily_loss_limit = %v, want -75000", cfg.Risk.DailyLossLimit)
	}
	if cfg.Trade.PollInterval.Duration != 15*time.Second {
		t.Errorf("poll_interval = %v, want 15s", cfg.Trade.PollInterval.Duration)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[0] != "buy_filled" || cfg.Notify.Events[1] != "error" {
		t.Errorf("events = %v, want [buy_filled error]", cfg.Notify.Events)
	}
	if !cfg.Feed.Enabled {
		t.Error("feed.enabled should be true from env")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "hft"
	cfg.Risk.DailyLossLimit = 10000
	cfg.Scanner.CandleCount = 2
	cfg.Scanner.BaselineCandles = 4
	cfg.Feed.Enabled = true // without redis
	cfg.S3.Enabled = true   // without postgres

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		`unknown mode "hft"`,
		"daily_loss_limit must be negative",
		"candle_count 2 must exceed baseline_candles 4",
		"requires redis.enabled",
		"requires postgres.enabled",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestTradeModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "access_key is required") {
		t.Errorf("error missing access_key check:\n%v", err)
	}
	if !strings.Contains(err.Error(), "either secret_key or encrypted_secret_path") {
		t.Errorf("error missing secret source check:\n%v", err)
	}
}

func TestValidateEncryptedSecretNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Upbit.AccessKey = "ak"
	cfg.Upbit.EncryptedSecretPath = "/etc/coinbutler/secret.enc"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "secret_password is required") {
		t.Fatalf("expected secret_password error, got: %v", err)
	}

	cfg.Upbit.SecretPassword = "pw"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("encrypted path plus password should validate: %v", err)
	}
}

func TestScanModeSkipsCredentialChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "scan"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("scan mode should not require credentials: %v", err)
	}
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Upbit.SecretKey = "sk"
	cfg.Advisory.APIKey = "gk"
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)

	if red.Upbit.SecretKey != "***" || red.Advisory.APIKey != "***" ||
		red.Postgres.Password != "***" || red.Notify.TelegramToken != "***" {
		t.Errorf("secrets not redacted: %+v", red)
	}
	if cfg.Upbit.SecretKey != "sk" {
		t.Error("original config was mutated")
	}

	// Empty secrets stay empty instead of becoming placeholders.
	if red.Redis.Password != "" {
		t.Errorf("empty password became %q", red.Redis.Password)
	}

	red.Notify.Events[0] = "mutated"
	if cfg.Notify.Events[0] == "mutated" {
		t.Error("redacted copy shares the events slice with the original")
	}
}

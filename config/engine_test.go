package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnginePolicy_Defaults(t *testing.T) {
	t.Setenv("POLICY_FILE", "")
	p, err := LoadEnginePolicy()
	if err != nil {
		t.Fatalf("LoadEnginePolicy error: %v", err)
	}
	if p.CoverDays != 14 || p.BufferPct != 20 || p.WindowDays != 30 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.SeedCoverDays != 21 || p.SeedBufferPct != 35 || p.SeedFloorQty != 3 {
		t.Fatalf("unexpected seed defaults: %+v", p)
	}
	if p.HighStockThreshold != 50000 {
		t.Fatalf("expected high stock threshold 50000, got %v", p.HighStockThreshold)
	}
}

func TestLoadEnginePolicy_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "cover_days: 10\nbuffer_pct: 15\nfanout_policy: sequential\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POLICY_FILE", path)
	t.Setenv("COVER_DAYS", "7")

	p, err := LoadEnginePolicy()
	if err != nil {
		t.Fatalf("LoadEnginePolicy error: %v", err)
	}
	if p.CoverDays != 7 {
		t.Fatalf("env should win over file, got cover %d", p.CoverDays)
	}
	if p.BufferPct != 15 {
		t.Fatalf("expected buffer 15 from file, got %v", p.BufferPct)
	}
	if p.FanOutPolicy != "sequential" {
		t.Fatalf("expected sequential fanout, got %q", p.FanOutPolicy)
	}
}

func TestLoadEnginePolicy_SeedStoreLimits(t *testing.T) {
	t.Setenv("POLICY_FILE", "")
	p, err := LoadEnginePolicy()
	if err != nil {
		t.Fatalf("LoadEnginePolicy error: %v", err)
	}
	if p.SeedMaxSourcePct != 50 || p.SeedMaxPerProduct != 0 || p.SeedRetainQty != 1 || !p.SeedRespectPackOuters {
		t.Fatalf("unexpected seed store limits: %+v", p)
	}

	t.Setenv("SEED_MAX_SOURCE_PCT", "25")
	t.Setenv("SEED_MAX_PER_PRODUCT", "2")
	t.Setenv("SEED_RESPECT_PACK_OUTERS", "false")
	if p, err = LoadEnginePolicy(); err != nil {
		t.Fatalf("LoadEnginePolicy error: %v", err)
	}
	if p.SeedMaxSourcePct != 25 || p.SeedMaxPerProduct != 2 || p.SeedRespectPackOuters {
		t.Fatalf("env overrides not applied: %+v", p)
	}

	t.Setenv("SEED_MAX_SOURCE_PCT", "150")
	if _, err := LoadEnginePolicy(); err == nil {
		t.Fatalf("expected error for seed share above 100")
	}
}

func TestLoadEnginePolicy_RejectsUnknownFanOut(t *testing.T) {
	t.Setenv("POLICY_FILE", "")
	t.Setenv("FANOUT_POLICY", "greedy")
	if _, err := LoadEnginePolicy(); err == nil {
		t.Fatalf("expected error for unknown fanout policy")
	}
}

func TestLoadSyncConfig(t *testing.T) {
	t.Setenv("ORDER_API_BASE_URL", "https://orders.example.com/api/")
	t.Setenv("SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("SYNC_BASE_BACKOFF_SECONDS", "30")
	t.Setenv("AUTO_APPROVE_THRESHOLD", "0.85")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg := LoadSyncConfig()
	if cfg.BaseURL != "https://orders.example.com/api" {
		t.Fatalf("expected trimmed base url, got %q", cfg.BaseURL)
	}
	if cfg.MaxAttempts != 5 || cfg.BaseBackoff != 30*time.Second {
		t.Fatalf("unexpected retry policy: %+v", cfg)
	}
	if cfg.AutoApproveThreshold != 0.85 {
		t.Fatalf("expected threshold 0.85, got %v", cfg.AutoApproveThreshold)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.SchemaVersion != "2.0" {
		t.Fatalf("expected default schema version 2.0, got %q", cfg.SchemaVersion)
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnginePolicy holds the allocation defaults. Percentages are whole numbers (20 = 20%).
type EnginePolicy struct {
	CoverDays          int     `yaml:"cover_days"`
	BufferPct          float64 `yaml:"buffer_pct"`
	FloorQty           int     `yaml:"floor_qty"`
	WindowDays         int     `yaml:"window_days"`
	SeedCoverDays      int     `yaml:"seed_cover_days"`
	SeedBufferPct      float64 `yaml:"seed_buffer_pct"`
	SeedFloorQty       int     `yaml:"seed_floor_qty"`
	HighStockThreshold float64 `yaml:"high_stock_threshold"`
	FanOutPolicy       string  `yaml:"fanout_policy"`
	LockTTLSeconds     int     `yaml:"lock_ttl_seconds"`
	CreatedBy          string  `yaml:"created_by"`

	// Limits on what a store gives up when seeding a new outlet.
	SeedMaxSourcePct      float64 `yaml:"seed_max_source_pct"`
	SeedMaxPerProduct     int     `yaml:"seed_max_per_product"`
	SeedRetainQty         int     `yaml:"seed_retain_qty"`
	SeedRespectPackOuters bool    `yaml:"seed_respect_pack_outers"`
}

func DefaultEnginePolicy() EnginePolicy {
	return EnginePolicy{
		CoverDays:          14,
		BufferPct:          20,
		FloorQty:           0,
		WindowDays:         30,
		SeedCoverDays:      21,
		SeedBufferPct:      35,
		SeedFloorQty:       3,
		HighStockThreshold: 50000,
		FanOutPolicy:       "shared",
		LockTTLSeconds:     120,
		CreatedBy:          "transfer_engine",

		SeedMaxSourcePct:      50,
		SeedRetainQty:         1,
		SeedRespectPackOuters: true,
	}
}

func (p EnginePolicy) LockTTL() time.Duration {
	return time.Duration(p.LockTTLSeconds) * time.Second
}

func (p EnginePolicy) Validate() error {
	if p.CoverDays < 0 || p.SeedCoverDays < 0 {
		return fmt.Errorf("cover days must be >= 0")
	}
	if p.BufferPct < 0 || p.SeedBufferPct < 0 {
		return fmt.Errorf("buffer pct must be >= 0")
	}
	if p.FloorQty < 0 || p.SeedFloorQty < 0 {
		return fmt.Errorf("floor qty must be >= 0")
	}
	if p.SeedMaxSourcePct < 0 || p.SeedMaxSourcePct > 100 {
		return fmt.Errorf("seed max source pct must be within 0..100")
	}
	if p.SeedMaxPerProduct < 0 || p.SeedRetainQty < 0 {
		return fmt.Errorf("seed store limits must be >= 0")
	}
	if p.WindowDays <= 0 {
		return fmt.Errorf("window days must be > 0")
	}
	switch strings.ToLower(p.FanOutPolicy) {
	case "", "shared", "sequential":
	default:
		return fmt.Errorf("unknown fanout policy %q", p.FanOutPolicy)
	}
	return nil
}

// LoadEnginePolicy starts from the defaults, applies POLICY_FILE (yaml) when set,
// then the individual env overrides.
func LoadEnginePolicy() (EnginePolicy, error) {
	p := DefaultEnginePolicy()

	if path := strings.TrimSpace(os.Getenv("POLICY_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read policy file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("parse policy file: %w", err)
		}
	}

	p.CoverDays = intFromEnv("COVER_DAYS", p.CoverDays)
	p.BufferPct = floatFromEnv("BUFFER_PCT", p.BufferPct)
	p.FloorQty = intFromEnv("DEFAULT_FLOOR_QTY", p.FloorQty)
	p.WindowDays = intFromEnv("VELOCITY_WINDOW_DAYS", p.WindowDays)
	p.SeedCoverDays = intFromEnv("SEED_COVER_DAYS", p.SeedCoverDays)
	p.SeedBufferPct = floatFromEnv("SEED_BUFFER_PCT", p.SeedBufferPct)
	p.SeedFloorQty = intFromEnv("SEED_FLOOR_QTY", p.SeedFloorQty)
	p.HighStockThreshold = floatFromEnv("HIGH_STOCK_THRESHOLD", p.HighStockThreshold)
	p.SeedMaxSourcePct = floatFromEnv("SEED_MAX_SOURCE_PCT", p.SeedMaxSourcePct)
	p.SeedMaxPerProduct = intFromEnv("SEED_MAX_PER_PRODUCT", p.SeedMaxPerProduct)
	p.SeedRetainQty = intFromEnv("SEED_RETAIN_QTY", p.SeedRetainQty)
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("SEED_RESPECT_PACK_OUTERS"))); err == nil {
		p.SeedRespectPackOuters = v
	}
	p.LockTTLSeconds = intFromEnv("RUN_LOCK_TTL_SECONDS", p.LockTTLSeconds)
	if v := strings.TrimSpace(os.Getenv("FANOUT_POLICY")); v != "" {
		p.FanOutPolicy = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRANSFER_CREATED_BY")); v != "" {
		p.CreatedBy = v
	}

	return p, p.Validate()
}

// SyncConfig configures the order system client, the retry policy and the sync transport.
type SyncConfig struct {
	BaseURL              string
	Token                string
	JWTSecret            string
	SchemaVersion        string
	Timeout              time.Duration
	MaxAttempts          int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	AutoApproveThreshold float64
	Transport            string
	Topic                string
	KafkaBrokers         []string
	KafkaGroupID         string
	RetryPollInterval    time.Duration
	RetryBatchSize       int
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		SchemaVersion:        "2.0",
		Timeout:              30 * time.Second,
		MaxAttempts:          3,
		BaseBackoff:          60 * time.Second,
		AutoApproveThreshold: 0.90,
		Topic:                "order-sync",
		KafkaGroupID:         "transfer-engine-sync",
		RetryPollInterval:    15 * time.Second,
		RetryBatchSize:       20,
	}
}

func LoadSyncConfig() SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("ORDER_API_BASE_URL")), "/")
	cfg.Token = strings.TrimSpace(os.Getenv("ORDER_API_TOKEN"))
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("ORDER_API_JWT_SECRET"))
	if v := strings.TrimSpace(os.Getenv("ORDER_API_VERSION")); v != "" {
		cfg.SchemaVersion = v
	}
	cfg.Timeout = time.Duration(intFromEnv("SYNC_TIMEOUT_SECONDS", int(cfg.Timeout/time.Second))) * time.Second
	if n := intFromEnv("SYNC_MAX_ATTEMPTS", cfg.MaxAttempts); n > 0 {
		cfg.MaxAttempts = n
	}
	if n := intFromEnv("SYNC_BASE_BACKOFF_SECONDS", int(cfg.BaseBackoff/time.Second)); n > 0 {
		cfg.BaseBackoff = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_MAX_BACKOFF_SECONDS", 0); n > 0 {
		cfg.MaxBackoff = time.Duration(n) * time.Second
	}
	cfg.AutoApproveThreshold = floatFromEnv("AUTO_APPROVE_THRESHOLD", cfg.AutoApproveThreshold)
	cfg.Transport = strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_TRANSPORT")))
	if v := strings.TrimSpace(os.Getenv("SYNC_TOPIC")); v != "" {
		cfg.Topic = v
	}
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID")); v != "" {
		cfg.KafkaGroupID = v
	}
	if n := intFromEnv("SYNC_RETRY_POLL_SECONDS", 0); n > 0 {
		cfg.RetryPollInterval = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_RETRY_BATCH_SIZE", 0); n > 0 {
		cfg.RetryBatchSize = n
	}
	return cfg
}

type AdvisorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

func LoadAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		URL:     strings.TrimSpace(os.Getenv("ADVISOR_API_URL")),
		APIKey:  strings.TrimSpace(os.Getenv("ADVISOR_API_KEY")),
		Timeout: time.Duration(intFromEnv("ADVISOR_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

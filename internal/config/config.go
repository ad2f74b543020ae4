// Package config holds the daemon settings and their defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/webhook"
	"github.com/spf13/viper"
)

// Viper keys. Environment variables use the TOKENLEDGER_ prefix with the key upper-cased.
const (
	KeyDatabaseURL       = "database_url"
	KeyStoreDriver       = "store_driver"
	KeyGRPCListenAddr    = "grpc_listen_addr"
	KeyHTTPListenAddr    = "http_listen_addr"
	KeyWebhookSecret     = "webhook_secret"
	KeyWebhookTolerance  = "webhook_tolerance"
	KeyPackCatalog       = "pack_catalog"
	KeyPlanCatalog       = "plan_catalog"
	KeyAllowedOrigins    = "allowed_origins"
	KeySessionSigningKey = "session_signing_key"
	KeySessionIssuer     = "session_issuer"
	KeySessionCookieName = "session_cookie_name"
	KeyReservationTTL    = "reservation_ttl"
	KeyMaxAttempts       = "max_attempts"
	KeySweepInterval     = "sweep_interval"
	KeySweepLimit        = "sweep_limit"
	KeyRedisAddr         = "redis_addr"
	KeyRedisPassword     = "redis_password"
	KeyRedisDB           = "redis_db"

	// EnvPrefix namespaces every environment variable.
	EnvPrefix = "TOKENLEDGER"
)

// Store drivers.
const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"
)

const (
	defaultDatabaseURL       = "sqlite:///tmp/tokenledger.db"
	defaultGRPCListenAddr    = ":7000"
	defaultHTTPListenAddr    = ":8080"
	defaultWebhookTolerance  = 5 * time.Minute
	defaultSessionIssuer     = "tauth"
	defaultSessionCookieName = "app_session"
	defaultReservationTTL    = 15 * time.Minute
	defaultMaxAttempts       = 3
	defaultSweepInterval     = 30 * time.Second
	defaultSweepLimit        = 100
)

// Config aggregates runtime settings for tokenledgerd.
type Config struct {
	DatabaseURL       string
	StoreDriver       string
	GRPCListenAddr    string
	HTTPListenAddr    string
	WebhookSecret     string
	WebhookTolerance  time.Duration
	PackCatalog       string
	PlanCatalog       string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	ReservationTTL    time.Duration
	MaxAttempts       int
	SweepInterval     time.Duration
	SweepLimit        int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	// Packs and Plans are parsed from PackCatalog and PlanCatalog by Validate.
	Packs webhook.Catalog
	Plans webhook.Catalog
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:       v.GetString(KeyDatabaseURL),
		StoreDriver:       v.GetString(KeyStoreDriver),
		GRPCListenAddr:    v.GetString(KeyGRPCListenAddr),
		HTTPListenAddr:    v.GetString(KeyHTTPListenAddr),
		WebhookSecret:     v.GetString(KeyWebhookSecret),
		WebhookTolerance:  v.GetDuration(KeyWebhookTolerance),
		PackCatalog:       v.GetString(KeyPackCatalog),
		PlanCatalog:       v.GetString(KeyPlanCatalog),
		AllowedOrigins:    ParseAllowedOrigins(v.GetString(KeyAllowedOrigins)),
		SessionSigningKey: v.GetString(KeySessionSigningKey),
		SessionIssuer:     v.GetString(KeySessionIssuer),
		SessionCookieName: v.GetString(KeySessionCookieName),
		ReservationTTL:    v.GetDuration(KeyReservationTTL),
		MaxAttempts:       v.GetInt(KeyMaxAttempts),
		SweepInterval:     v.GetDuration(KeySweepInterval),
		SweepLimit:        v.GetInt(KeySweepLimit),
		RedisAddr:         v.GetString(KeyRedisAddr),
		RedisPassword:     v.GetString(KeyRedisPassword),
		RedisDB:           v.GetInt(KeyRedisDB),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookieName)
	if cfg.WebhookTolerance == 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = defaultSweepLimit
	}

	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.WebhookTolerance < 0 {
		return fmt.Errorf("webhook tolerance must not be negative")
	}
	switch cfg.StoreDriver {
	case StoreDriverGorm:
	case StoreDriverPgx:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPgx)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}

	packs, err := webhook.ParseCatalog(cfg.PackCatalog)
	if err != nil {
		return fmt.Errorf("pack catalog: %w", err)
	}
	plans, err := webhook.ParseCatalog(cfg.PlanCatalog)
	if err != nil {
		return fmt.Errorf("plan catalog: %w", err)
	}
	cfg.Packs = packs
	cfg.Plans = plans
	return nil
}

// IsPostgresURL reports whether dsn names a PostgreSQL database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

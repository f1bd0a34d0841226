package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"webhookq/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds every tunable the service reads from the environment.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	MigrationsDir string
	ProcessorID   string
	JWTSecret     string
	ListenAddr    string
	MetricsAddr   string

	HandlerURL   string
	WorkerQueues []string

	BatchSize       int
	LeaseDuration   time.Duration
	ItemTTL         time.Duration
	MetricsTTL      time.Duration
	SweepInterval   time.Duration
	DepthInterval   time.Duration
	PollInterval    time.Duration
	DedupCacheTTL   time.Duration
	MaxTrailEntries int
	MaxErrorLength  int
}

func Load() (*Config, error) {
	logger := log.NewLogger()

	// .env is optional when variables are set elsewhere
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		MigrationsDir:   os.Getenv("MIGRATIONS_DIR"),
		ProcessorID:     os.Getenv("PROCESSOR_ID"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		HandlerURL:      os.Getenv("HANDLER_URL"),
		WorkerQueues:    []string{"default", "critical"},
		ListenAddr:      ":8080",
		MetricsAddr:     ":2112",
		BatchSize:       50,
		LeaseDuration:   5 * time.Minute,
		ItemTTL:         7 * 24 * time.Hour,
		MetricsTTL:      30 * 24 * time.Hour,
		SweepInterval:   time.Hour,
		DepthInterval:   10 * time.Second,
		PollInterval:    3 * time.Second,
		DedupCacheTTL:   time.Hour,
		MaxTrailEntries: 20,
		MaxErrorLength:  1000,
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations"
	}
	if cfg.ProcessorID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "processor-1"
		}
		cfg.ProcessorID = host
		logger.Info("Using default ProcessorID", zap.String("processor_id", cfg.ProcessorID))
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Error("Invalid BATCH_SIZE", zap.String("value", v))
			return nil, fmt.Errorf("invalid BATCH_SIZE: %s", v)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("LEASE_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("Invalid LEASE_DURATION", zap.String("value", v))
			return nil, fmt.Errorf("invalid LEASE_DURATION: %s", v)
		}
		cfg.LeaseDuration = d
	}
	if v := os.Getenv("ITEM_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("Invalid ITEM_TTL", zap.String("value", v))
			return nil, fmt.Errorf("invalid ITEM_TTL: %s", v)
		}
		cfg.ItemTTL = d
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("Invalid SWEEP_INTERVAL", zap.String("value", v))
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %s", v)
		}
		cfg.SweepInterval = d
	}
	if v := os.Getenv("WORKER_QUEUES"); v != "" {
		cfg.WorkerQueues = strings.Split(v, ",")
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("Invalid POLL_INTERVAL", zap.String("value", v))
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %s", v)
		}
		cfg.PollInterval = d
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

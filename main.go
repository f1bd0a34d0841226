package main

import (
	"context"
	"crypto/tls"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"webhookq/internal/config"
	"webhookq/internal/id"
	"webhookq/internal/log"
	"webhookq/internal/monitor"
	"webhookq/internal/queue"
	"webhookq/internal/recorder"
	"webhookq/internal/server"
	"webhookq/internal/store"
	"webhookq/internal/sweeper"
	"webhookq/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if err := runMigrations(cfg); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	pgStore, err := store.NewPGStore(cfg.DatabaseURL, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer pgStore.Close()

	node, err := id.NewNode(nodeIDFor(cfg.ProcessorID))
	if err != nil {
		logger.Fatal("Failed to initialize ID generator", zap.Error(err))
	}

	rec := recorder.NewRecorder(pgStore, logger)
	q := queue.New(pgStore, rdb, rec, node, cfg, logger)
	depthMonitor := monitor.NewMonitor(q, rdb, cfg, logger)
	ttlSweeper := sweeper.NewSweeper(pgStore, cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go depthMonitor.Run(ctx)
	go ttlSweeper.Run(ctx)
	go recorder.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	if cfg.HandlerURL != "" {
		handler := worker.HTTPHandler(cfg.HandlerURL, nil)
		for _, queueType := range cfg.WorkerQueues {
			w := worker.NewWorker(q, queueType, cfg, logger)
			w.RegisterDefault(handler)
			go w.Run(ctx)
		}
		logger.Info("Workers started",
			zap.Strings("queues", cfg.WorkerQueues),
			zap.String("handler_url", cfg.HandlerURL))
	}

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, q, pgStore.DB(), rdb, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	logger.Info("Server started", zap.String("addr", cfg.ListenAddr), zap.String("processor_id", cfg.ProcessorID))
	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func runMigrations(cfg *config.Config) error {
	m, err := migrate.New("file://"+cfg.MigrationsDir, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// nodeIDFor derives a stable snowflake node id from the processor identity.
func nodeIDFor(processorID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(processorID))
	return int64(h.Sum32() & 0x3FF)
}

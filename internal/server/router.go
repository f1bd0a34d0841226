package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"webhookq/internal/config"
	"webhookq/internal/log"
	"webhookq/internal/queue"
	"webhookq/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue is the producer/worker/operator surface exposed over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (store.QueueItem, error)
	GetNextBatch(ctx context.Context, queueType string, batchSize int) ([]store.QueueItem, error)
	MarkComplete(ctx context.Context, webhookID string) error
	MarkFailed(ctx context.Context, webhookID, errMsg string) error
	GetQueueDepth(ctx context.Context, queueType string) ([]store.QueueDepth, error)
	DeadLetters(ctx context.Context, queueType string, limit int) ([]store.QueueItem, error)
	DeleteDeadLetter(ctx context.Context, webhookID string) error
}

func SetupRouter(r *chi.Mux, cfg *config.Config, q Queue, db *sql.DB, rdb *redis.Client, logger *log.Logger) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Error("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/enqueue", func(w http.ResponseWriter, r *http.Request) {
			var req queue.EnqueueRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode enqueue request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			start := time.Now()
			item, err := q.Enqueue(r.Context(), req)
			if errors.Is(err, store.ErrDuplicateWebhook) {
				// already admitted; producers must not retry with a new item
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{
					"error":      "duplicate webhook",
					"webhook_id": req.WebhookID,
				})
				return
			}
			if err != nil {
				logger.Error("Failed to enqueue item", zap.Error(err), zap.String("webhook_id", req.WebhookID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			if err := json.NewEncoder(w).Encode(item); err != nil {
				logger.Error("Failed to encode enqueue response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
				return
			}
			logger.Info("Enqueued item", zap.String("webhook_id", item.WebhookID), zap.Duration("duration", time.Since(start)))
		})

		r.Post("/batch", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				QueueType string `json:"queue_type"`
				BatchSize int    `json:"batch_size"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode batch request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.QueueType == "" {
				logger.Error("Missing queue_type")
				http.Error(w, "Missing queue_type", http.StatusBadRequest)
				return
			}
			start := time.Now()
			items, err := q.GetNextBatch(r.Context(), req.QueueType, req.BatchSize)
			if err != nil {
				logger.Error("Failed to claim batch", zap.Error(err), zap.String("queue_type", req.QueueType))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if items == nil {
				items = []store.QueueItem{}
			}
			if err := json.NewEncoder(w).Encode(items); err != nil {
				logger.Error("Failed to encode batch response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
				return
			}
			logger.Info("Dispatched batch", zap.Int("count", len(items)), zap.Duration("duration", time.Since(start)))
		})

		r.Post("/complete", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				WebhookID string `json:"webhook_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode complete request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.WebhookID == "" {
				http.Error(w, "Missing webhook_id", http.StatusBadRequest)
				return
			}
			if err := q.MarkComplete(r.Context(), req.WebhookID); err != nil {
				logger.Error("Failed to complete item", zap.Error(err), zap.String("webhook_id", req.WebhookID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Post("/fail", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				WebhookID string `json:"webhook_id"`
				Error     string `json:"error"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode fail request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.WebhookID == "" {
				http.Error(w, "Missing webhook_id", http.StatusBadRequest)
				return
			}
			if err := q.MarkFailed(r.Context(), req.WebhookID, req.Error); err != nil {
				logger.Error("Failed to fail item", zap.Error(err), zap.String("webhook_id", req.WebhookID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Get("/depth", func(w http.ResponseWriter, r *http.Request) {
			depths, err := q.GetQueueDepth(r.Context(), r.URL.Query().Get("queue_type"))
			if err != nil {
				logger.Error("Failed to get queue depth", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if depths == nil {
				depths = []store.QueueDepth{}
			}
			if err := json.NewEncoder(w).Encode(depths); err != nil {
				logger.Error("Failed to encode depth response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Get("/dead", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			items, err := q.DeadLetters(r.Context(), r.URL.Query().Get("queue_type"), limit)
			if err != nil {
				logger.Error("Failed to get dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if items == nil {
				items = []store.QueueItem{}
			}
			if err := json.NewEncoder(w).Encode(items); err != nil {
				logger.Error("Failed to encode dead letter response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Post("/dead/delete", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				WebhookID string `json:"webhook_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode dead letter delete request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := q.DeleteDeadLetter(r.Context(), req.WebhookID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					http.Error(w, "Not found", http.StatusNotFound)
					return
				}
				logger.Error("Failed to delete dead letter", zap.Error(err), zap.String("webhook_id", req.WebhookID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			logger.Info("Deleted dead letter", zap.String("webhook_id", req.WebhookID))
			w.Write([]byte("OK"))
		})
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), "claims", token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Inbound mail service
//
// Entry point for the inbound ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to the document store (PostgreSQL or in-memory) and Redis
//  3. Builds the ingestion pipeline and the send-quota enforcer
//  4. Serves the inbound-parse webhook, the quota API, /health and /metrics
//  5. Runs the nightly retention cleanup
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/inbound/internal/activity"
	"github.com/bcem/inbound/internal/attachment"
	"github.com/bcem/inbound/internal/blob"
	"github.com/bcem/inbound/internal/config"
	"github.com/bcem/inbound/internal/dedup"
	"github.com/bcem/inbound/internal/mailbox"
	"github.com/bcem/inbound/internal/metrics"
	"github.com/bcem/inbound/internal/normalize"
	"github.com/bcem/inbound/internal/pipeline"
	"github.com/bcem/inbound/internal/queue"
	"github.com/bcem/inbound/internal/quotaapi"
	"github.com/bcem/inbound/internal/ratelimit"
	"github.com/bcem/inbound/internal/store"
	"github.com/bcem/inbound/internal/threading"
	"github.com/bcem/inbound/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting inbound mail service")
	slog.Info("configuration loaded",
		"store_driver", cfg.StoreDriver,
		"events_queue", cfg.EventsQueue,
		"webhook_signed", cfg.Webhook.Secret != "",
		"blob_enabled", cfg.Blob.Endpoint != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Document Store ---
	var (
		docs   store.Store
		pgPool *pgxpool.Pool
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		slog.Warn("using in-memory store, data is lost on restart")
		docs = store.NewMemory()
	default:
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		pg, err := store.NewPostgres(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise document store", "error", err)
			os.Exit(1)
		}
		docs = pg
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Attachment Storage ---
	var uploader attachment.Uploader = blob.Discard{}
	if cfg.Blob.Endpoint != "" {
		up, err := blob.NewHTTPUploader(ctx, blob.Config{
			Endpoint:      cfg.Blob.Endpoint,
			PublicBaseURL: cfg.Blob.PublicBaseURL,
			TokenURL:      cfg.Blob.TokenURL,
			ClientID:      cfg.Blob.ClientID,
			ClientSecret:  cfg.Blob.ClientSecret,
			Scopes:        cfg.Blob.Scopes,
		})
		if err != nil {
			slog.Error("failed to create blob uploader", "error", err)
			os.Exit(1)
		}
		uploader = up
	}

	// --- Ingestion Pipeline ---
	processor := pipeline.New(docs,
		normalize.New(normalize.Config{
			MessageIDSuffix: cfg.Webhook.MessageIDSuffix,
			MaxContentChars: cfg.Webhook.MaxContentChars,
		}),
		mailbox.NewResolver(docs),
		dedup.NewGuard(dedup.GuardConfig{
			Store: docs,
			Cache: dedup.NewRedisCache(rdb, cfg.DedupTTL),
		}),
		threading.NewMatcher(threading.Config{
			Store:                 docs,
			RecencyWindow:         cfg.Threading.RecencyWindow,
			MinParticipantOverlap: cfg.Threading.MinParticipantOverlap,
			MinSubjectLength:      cfg.Threading.MinSubjectLength,
			MaxCandidates:         cfg.Threading.MaxCandidates,
			MaxReferenceLookups:   cfg.Threading.MaxReferenceLookups,
		}),
		pipeline.WithAttachments(attachment.NewPipeline(attachment.PipelineConfig{
			Uploader: uploader,
			MaxSize:  cfg.Webhook.MaxAttachmentBytes,
			MaxCount: cfg.Webhook.MaxAttachments,
			OnSkip: func(reason string) {
				metrics.AttachmentsSkipped.WithLabelValues(reason).Inc()
			},
		})),
		pipeline.WithEvents(publisher),
		pipeline.WithSpamThreshold(cfg.Webhook.SpamThreshold),
	)

	// --- Send Quotas ---
	enforcer := ratelimit.New(ratelimit.Config{
		Store: docs,
		Limits: ratelimit.Limits{
			TestPerHour:           cfg.Limits.TestPerHour,
			CampaignPerDay:        cfg.Limits.CampaignPerDay,
			ApprovalPerHour:       cfg.Limits.ApprovalPerHour,
			TestMaxRecipients:     cfg.Limits.TestMaxRecipients,
			CampaignMaxRecipients: cfg.Limits.CampaignMaxRecipients,
			DailyRecipients:       cfg.Limits.DailyRecipients,
			Location:              cfg.Limits.Location,
		},
	})
	activityLog := activity.NewLogger(activity.Config{
		Store:             docs,
		WindowRetention:   cfg.Retention.Windows,
		ActivityRetention: cfg.Retention.Activity,
	})

	// --- Retention Cleanup ---
	scheduler, err := activity.NewScheduler(activityLog, cfg.Retention.Schedule, cfg.Limits.Location)
	if err != nil {
		slog.Error("failed to create cleanup scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	// --- HTTP Routes ---
	mux := http.NewServeMux()
	webhook.NewHandler(processor, webhook.Config{
		Secret:        cfg.Webhook.Secret,
		MaxBodyBytes:  cfg.Webhook.MaxBodyBytes,
		RatePerSecond: cfg.Webhook.RatePerSecond,
		Burst:         cfg.Webhook.Burst,
		TrustProxy:    cfg.Webhook.TrustProxy,
	}).Register(mux)
	quotaapi.NewHandler(enforcer, activityLog, cfg.QuotaAPIToken).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if pgPool != nil {
			if err := pgPool.Ping(r.Context()); err != nil {
				http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	ready, done, err := webhook.Serve(ctx, cfg.Port, mux, shutdownTimeout)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("inbound mail service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop the HTTP server

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	scheduler.Stop(stopCtx)

	<-done
	activityLog.Wait()

	rdb.Close()
	slog.Info("inbound mail service stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

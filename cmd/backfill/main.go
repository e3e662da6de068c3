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

// Replay command
//
// Standalone CLI tool that replays archived raw messages (.eml files)
// through the ingestion pipeline. Intended for seeding data on new
// deployments and for recovering deliveries lost during a relay outage.
// Messages already stored are reported as duplicates.
//
// Usage:
//
//	go run ./cmd/backfill/ --dirs /archive/2026-04-01,/archive/2026-04-02 [--since 168h] [--delay 50ms]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/inbound/internal/attachment"
	"github.com/bcem/inbound/internal/backfill"
	"github.com/bcem/inbound/internal/blob"
	"github.com/bcem/inbound/internal/config"
	"github.com/bcem/inbound/internal/dedup"
	"github.com/bcem/inbound/internal/mailbox"
	"github.com/bcem/inbound/internal/normalize"
	"github.com/bcem/inbound/internal/pipeline"
	"github.com/bcem/inbound/internal/queue"
	"github.com/bcem/inbound/internal/store"
	"github.com/bcem/inbound/internal/threading"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	dirsFlag := flag.String("dirs", "", "Comma-separated list of directories holding .eml files (required)")
	sinceFlag := flag.String("since", "0", "Only replay files modified within this duration (e.g. 168h); 0 = all")
	delayFlag := flag.Duration("delay", 0, "Pause between messages")
	flag.Parse()

	var dirs []string
	for _, d := range strings.Split(*dirsFlag, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	if len(dirs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: --dirs is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		slog.Error("replay needs the postgres store", "store_driver", cfg.StoreDriver)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	docs, err := store.NewPostgres(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise document store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

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
		})),
		pipeline.WithEvents(publisher),
		pipeline.WithSpamThreshold(cfg.Webhook.SpamThreshold),
	)

	// --- Run Replay ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Processor: processor,
		Delay:     *delayFlag,
	})

	result, err := runner.Run(ctx, backfill.Request{
		Dirs:  dirs,
		Since: sinceDuration,
	})
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	for _, dr := range result.DirResults {
		slog.Info("directory result",
			"dir", dr.Dir,
			"stored", dr.Stored,
			"duplicate", dr.Duplicate,
			"archived", dr.Archived,
			"malformed", dr.Malformed,
			"errors", dr.Errors,
		)
	}

	if result.TotalErrors > 0 {
		os.Exit(2)
	}
}

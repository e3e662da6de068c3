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

// Retention cleanup command
//
// One-shot CLI that removes expired rate-limit windows and activity log
// entries. The server runs the same cleanup nightly; this tool is for
// manual runs and external schedulers.
//
// Usage:
//
//	go run ./cmd/cleanup/ [--windows 168h] [--activity 720h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/inbound/internal/activity"
	"github.com/bcem/inbound/internal/config"
	"github.com/bcem/inbound/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	windowsFlag := flag.String("windows", "168h", "Delete rate-limit windows older than this")
	activityFlag := flag.String("activity", "720h", "Delete activity log entries older than this")
	flag.Parse()

	windows, err := time.ParseDuration(*windowsFlag)
	if err != nil || windows <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid --windows duration %q\n\n", *windowsFlag)
		flag.Usage()
		os.Exit(1)
	}
	entries, err := time.ParseDuration(*activityFlag)
	if err != nil || entries <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid --activity duration %q\n\n", *activityFlag)
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		slog.Error("cleanup needs the postgres store", "store_driver", cfg.StoreDriver)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
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

	slog.Info("starting retention cleanup",
		"windows_older_than", windows,
		"activity_older_than", entries,
	)

	// --- Run Cleanup ---
	start := time.Now()
	result, err := activity.NewLogger(activity.Config{Store: docs}).CleanupWithRetention(ctx, windows, entries)
	if err != nil {
		slog.Error("cleanup failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("cleanup complete",
		"windows_deleted", result.WindowsDeleted,
		"entries_deleted", result.EntriesDeleted,
		"elapsed", time.Since(start),
	)
}

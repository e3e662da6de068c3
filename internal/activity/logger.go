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

// Package activity writes the append-only audit log of send decisions and
// enforces retention on it and on the quota counter windows.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/inbound/internal/metrics"
	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/store"
)

// Default retention periods.
const (
	DefaultWindowRetention   = 7 * 24 * time.Hour
	DefaultActivityRetention = 30 * 24 * time.Hour
)

// asyncTimeout bounds a background write.
const asyncTimeout = 10 * time.Second

// Config holds the configuration for a Logger.
type Config struct {
	Store             store.Store
	WindowRetention   time.Duration
	ActivityRetention time.Duration
	Now               func() time.Time
}

// Logger appends activity entries and runs retention cleanup.
type Logger struct {
	store             store.Store
	windowRetention   time.Duration
	activityRetention time.Duration
	now               func() time.Time

	wg sync.WaitGroup
}

// NewLogger creates an activity logger.
func NewLogger(cfg Config) *Logger {
	l := &Logger{
		store:             cfg.Store,
		windowRetention:   cfg.WindowRetention,
		activityRetention: cfg.ActivityRetention,
		now:               cfg.Now,
	}
	if l.windowRetention <= 0 {
		l.windowRetention = DefaultWindowRetention
	}
	if l.activityRetention <= 0 {
		l.activityRetention = DefaultActivityRetention
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Log appends entry, assigning its timestamp when unset.
func (l *Logger) Log(ctx context.Context, entry models.ActivityLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if _, err := l.store.Insert(ctx, store.ActivityLog, entry); err != nil {
		metrics.ActivityWriteFailures.Inc()
		return fmt.Errorf("append activity entry: %w", err)
	}
	return nil
}

// LogAsync appends entry in the background. Failures are logged and never
// reach the caller.
func (l *Logger) LogAsync(entry models.ActivityLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()

		if err := l.Log(ctx, entry); err != nil {
			slog.Error("failed to write activity entry",
				"user_id", entry.UserID,
				"type", entry.Type,
				"status", entry.Status,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every pending LogAsync write has finished.
func (l *Logger) Wait() {
	l.wg.Wait()
}

// CleanupResult reports how many documents retention removed.
type CleanupResult struct {
	WindowsDeleted int64 `json:"windowsDeleted"`
	EntriesDeleted int64 `json:"entriesDeleted"`
}

// Cleanup deletes rate-limit windows that started before the window
// retention cutoff and activity entries older than the activity cutoff.
// Only rows strictly older than a cutoff are touched, so it is safe to run
// repeatedly and alongside live traffic.
func (l *Logger) Cleanup(ctx context.Context) (CleanupResult, error) {
	return l.CleanupWithRetention(ctx, l.windowRetention, l.activityRetention)
}

// CleanupWithRetention is Cleanup with explicit retention periods.
func (l *Logger) CleanupWithRetention(ctx context.Context, windows, entries time.Duration) (CleanupResult, error) {
	now := l.now()
	var res CleanupResult

	n, err := l.store.DeleteWhere(ctx, store.RateLimitWindows, store.Lt("windowStart", now.Add(-windows)))
	if err != nil {
		return res, fmt.Errorf("delete expired rate limit windows: %w", err)
	}
	res.WindowsDeleted = n
	metrics.CleanupDeleted.WithLabelValues(store.RateLimitWindows).Add(float64(n))

	n, err = l.store.DeleteWhere(ctx, store.ActivityLog, store.Lt("timestamp", now.Add(-entries)))
	if err != nil {
		return res, fmt.Errorf("delete expired activity entries: %w", err)
	}
	res.EntriesDeleted = n
	metrics.CleanupDeleted.WithLabelValues(store.ActivityLog).Add(float64(n))

	slog.Info("retention cleanup complete",
		"windows_deleted", res.WindowsDeleted,
		"entries_deleted", res.EntriesDeleted,
	)
	return res, nil
}

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

package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/store"
)

var now = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func newLogger(s store.Store) *Logger {
	return NewLogger(Config{Store: s, Now: func() time.Time { return now }})
}

func TestLog_AssignsTimestamp(t *testing.T) {
	s := store.NewMemory()
	l := newLogger(s)

	err := l.Log(context.Background(), models.ActivityLogEntry{
		UserID:         "u1",
		Type:           models.ActivityTest,
		RecipientCount: 2,
		Status:         models.StatusSuccess,
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := store.FindAs[models.ActivityLogEntry](context.Background(), s, store.ActivityLog, store.Query{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ID == "" || !entries[0].Timestamp.Equal(now) {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestLogAsync_Drains(t *testing.T) {
	s := store.NewMemory()
	l := newLogger(s)

	for i := 0; i < 25; i++ {
		l.LogAsync(models.ActivityLogEntry{UserID: "u1", Type: models.ActivityCampaign, Status: models.StatusSuccess})
	}
	l.Wait()

	if got := s.Len(store.ActivityLog); got != 25 {
		t.Errorf("entries = %d, want 25", got)
	}
}

type failingInsert struct{ store.Store }

func (failingInsert) Insert(context.Context, string, any) (string, error) {
	return "", errors.New("disk full")
}

func TestLogAsync_FailureDoesNotPropagate(t *testing.T) {
	l := newLogger(failingInsert{})
	l.LogAsync(models.ActivityLogEntry{UserID: "u1"})
	l.Wait()

	if err := l.Log(context.Background(), models.ActivityLogEntry{UserID: "u1"}); err == nil {
		t.Error("synchronous Log should report the failure")
	}
}

func TestCleanup_RetentionCutoffs(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	windows := []time.Time{
		now.Add(-8 * 24 * time.Hour),
		now.Add(-7 * 24 * time.Hour), // exactly at the cutoff, kept
		now.Add(-time.Hour),
	}
	for _, start := range windows {
		if _, err := s.Insert(ctx, store.RateLimitWindows, models.RateLimitWindow{UserID: "u1", Action: "test-send", Count: 1, WindowStart: start}); err != nil {
			t.Fatal(err)
		}
	}
	entries := []time.Time{
		now.Add(-31 * 24 * time.Hour),
		now.Add(-29 * 24 * time.Hour),
	}
	for _, ts := range entries {
		if _, err := s.Insert(ctx, store.ActivityLog, models.ActivityLogEntry{UserID: "u1", Status: models.StatusSuccess, Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
	}

	l := newLogger(s)
	res, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.WindowsDeleted != 1 || res.EntriesDeleted != 1 {
		t.Errorf("got %+v, want 1/1", res)
	}
	if s.Len(store.RateLimitWindows) != 2 || s.Len(store.ActivityLog) != 1 {
		t.Errorf("remaining windows=%d entries=%d", s.Len(store.RateLimitWindows), s.Len(store.ActivityLog))
	}

	// Idempotent.
	res, err = l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if res.WindowsDeleted != 0 || res.EntriesDeleted != 0 {
		t.Errorf("second run deleted %+v", res)
	}
}

func TestNewScheduler(t *testing.T) {
	l := newLogger(store.NewMemory())

	if _, err := NewScheduler(l, "not a schedule", nil); err == nil {
		t.Error("expected error for invalid schedule")
	}

	s, err := NewScheduler(l, "", nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

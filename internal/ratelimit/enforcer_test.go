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

package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/store"
)

var now = time.Date(2026, 6, 10, 15, 30, 0, 0, time.UTC)

func newEnforcer(s store.Store) *Enforcer {
	return New(Config{Store: s, Now: func() time.Time { return now }})
}

func seedWindows(t *testing.T, s store.Store, userID string, action Action, starts ...time.Time) {
	t.Helper()
	for _, start := range starts {
		_, err := s.Insert(context.Background(), store.RateLimitWindows, models.RateLimitWindow{
			UserID:      userID,
			Action:      string(action),
			Count:       1,
			WindowStart: start,
			WindowEnd:   start.Add(24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func minutesAgo(ns ...int) []time.Time {
	out := make([]time.Time, len(ns))
	for i, n := range ns {
		out[i] = now.Add(-time.Duration(n) * time.Minute)
	}
	return out
}

func TestCheckRateLimit_HourlyBoundary(t *testing.T) {
	s := store.NewMemory()
	// Nine in the last hour, one older than the window.
	seedWindows(t, s, "u1", ActionTestSend, minutesAgo(5, 10, 15, 20, 25, 30, 35, 40, 50, 90)...)
	e := newEnforcer(s)
	ctx := context.Background()

	tests := []struct {
		name          string
		increment     int
		wantAllowed   bool
		wantRemaining int
	}{
		{"one more fits", 1, true, 0},
		{"two more exceed", 2, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.CheckRateLimit(ctx, "u1", ActionTestSend, tt.increment)
			if d.Allowed != tt.wantAllowed || d.Remaining != tt.wantRemaining {
				t.Errorf("got allowed=%v remaining=%d, want %v/%d", d.Allowed, d.Remaining, tt.wantAllowed, tt.wantRemaining)
			}
			if !tt.wantAllowed && d.Reason != "limit of 10 test emails per hour exceeded" {
				t.Errorf("Reason = %q", d.Reason)
			}
		})
	}

	// Oldest in-window entry was 50 minutes ago, so the window frees up in 10.
	d := e.CheckRateLimit(ctx, "u1", ActionTestSend, 1)
	if want := now.Add(10 * time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestCheckRateLimit_IsolatedByUserAndAction(t *testing.T) {
	s := store.NewMemory()
	seedWindows(t, s, "u1", ActionTestSend, minutesAgo(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)...)
	e := newEnforcer(s)

	if d := e.CheckRateLimit(context.Background(), "u2", ActionTestSend, 1); !d.Allowed || d.Remaining != 9 {
		t.Errorf("other user: %+v", d)
	}
	if d := e.CheckRateLimit(context.Background(), "u1", ActionApprovalSend, 1); !d.Allowed || d.Remaining != 29 {
		t.Errorf("other action: %+v", d)
	}
}

func TestCheckRateLimit_CampaignCalendarDay(t *testing.T) {
	s := store.NewMemory()
	yesterday := time.Date(2026, 6, 9, 23, 0, 0, 0, time.UTC)
	today := time.Date(2026, 6, 10, 0, 30, 0, 0, time.UTC)
	seedWindows(t, s, "u1", ActionCampaignSend, yesterday, today)
	e := newEnforcer(s)

	d := e.CheckRateLimit(context.Background(), "u1", ActionCampaignSend, 1)
	if !d.Allowed || d.Remaining != 48 {
		t.Errorf("got %+v, want allowed with 48 remaining", d)
	}
	if want := time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestCheckRateLimit_LocalDayBoundary(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	s := store.NewMemory()
	// 15:30 UTC is 01:30 the next local day; a window at 13:00 UTC is
	// 23:00 local yesterday.
	seedWindows(t, s, "u1", ActionCampaignSend, time.Date(2026, 6, 10, 13, 0, 0, 0, time.UTC))
	e := New(Config{Store: s, Limits: Limits{Location: loc}, Now: func() time.Time { return now }})

	d := e.CheckRateLimit(context.Background(), "u1", ActionCampaignSend, 1)
	if d.Remaining != 49 {
		t.Errorf("Remaining = %d, want 49", d.Remaining)
	}
}

// failingStore fails every query.
type failingStore struct{ store.Store }

func (failingStore) Find(context.Context, string, store.Query) ([]store.Record, error) {
	return nil, errors.New("firestore unavailable")
}

func TestCheckRateLimit_FailOpen(t *testing.T) {
	e := newEnforcer(failingStore{})

	d := e.CheckRateLimit(context.Background(), "u1", ActionTestSend, 1)
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("got %+v, want allowed with 0 remaining", d)
	}

	d = e.CheckDailyRecipients(context.Background(), "u1", 100)
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("daily: got %+v, want allowed with 0 remaining", d)
	}
}

func TestCheckRateLimit_UnknownAction(t *testing.T) {
	d := newEnforcer(store.NewMemory()).CheckRateLimit(context.Background(), "u1", Action("bulk"), 1)
	if d.Allowed {
		t.Error("unknown action must not be allowed")
	}
}

func TestValidateRecipientCount(t *testing.T) {
	e := newEnforcer(store.NewMemory())
	tests := []struct {
		action    Action
		n         int
		wantValid bool
		wantMax   int
	}{
		{ActionTestSend, 5, true, 5},
		{ActionTestSend, 6, false, 5},
		{ActionCampaignSend, 500, true, 500},
		{ActionCampaignSend, 501, false, 500},
		{ActionCampaignSend, 0, false, 500},
	}
	for _, tt := range tests {
		got := e.ValidateRecipientCount(tt.action, tt.n)
		if got.Valid != tt.wantValid || got.MaxAllowed != tt.wantMax {
			t.Errorf("ValidateRecipientCount(%s, %d) = %+v", tt.action, tt.n, got)
		}
		if !got.Valid && got.Reason == "" {
			t.Errorf("ValidateRecipientCount(%s, %d) has no reason", tt.action, tt.n)
		}
	}
}

func seedActivity(t *testing.T, s store.Store, userID, status string, recipients int, at time.Time) {
	t.Helper()
	_, err := s.Insert(context.Background(), store.ActivityLog, models.ActivityLogEntry{
		UserID:         userID,
		Type:           models.ActivityCampaign,
		RecipientCount: recipients,
		Status:         status,
		Timestamp:      at,
	})
	if err != nil {
		t.Fatalf("seed activity: %v", err)
	}
}

func TestCheckDailyRecipients(t *testing.T) {
	s := store.NewMemory()
	seedActivity(t, s, "u1", models.StatusSuccess, 4000, now.Add(-2*time.Hour))
	seedActivity(t, s, "u1", models.StatusSuccess, 900, now.Add(-time.Hour))
	seedActivity(t, s, "u1", models.StatusFailed, 500, now.Add(-time.Hour))
	seedActivity(t, s, "u1", models.StatusSuccess, 3000, now.Add(-20*time.Hour)) // yesterday
	e := newEnforcer(s)

	d := e.CheckDailyRecipients(context.Background(), "u1", 100)
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("exactly at cap: %+v", d)
	}

	d = e.CheckDailyRecipients(context.Background(), "u1", 101)
	if d.Allowed || d.Remaining != 100 {
		t.Errorf("over cap: %+v, want rejected with 100 remaining", d)
	}
	if !strings.Contains(d.Reason, "5000") {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestCheckSend_RecipientCapWinsRegardlessOfWindow(t *testing.T) {
	e := newEnforcer(store.NewMemory())
	d := e.CheckSend(context.Background(), "u1", ActionTestSend, 6)
	if d.Allowed {
		t.Fatal("6 recipients on a test send must be rejected")
	}
	if !strings.Contains(d.Reason, "5") {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestCheckSend_Additive(t *testing.T) {
	s := store.NewMemory()
	seedActivity(t, s, "u1", models.StatusSuccess, 4990, now.Add(-time.Hour))
	e := newEnforcer(s)
	ctx := context.Background()

	d := e.CheckSend(ctx, "u1", ActionCampaignSend, 5)
	if !d.Allowed || d.Remaining != 5 {
		t.Errorf("got %+v, want allowed with min remaining 5", d)
	}

	d = e.CheckSend(ctx, "u1", ActionCampaignSend, 20)
	if d.Allowed {
		t.Errorf("daily volume should reject: %+v", d)
	}
}

func TestRecordAction(t *testing.T) {
	s := store.NewMemory()
	e := newEnforcer(s)
	ctx := context.Background()

	if err := e.RecordAction(ctx, "u1", "org-1", ActionTestSend, 1); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	if err := e.RecordAction(ctx, "u1", "org-1", Action("nope"), 1); err == nil {
		t.Error("expected error for unknown action")
	}

	windows, err := store.FindAs[models.RateLimitWindow](ctx, s, store.RateLimitWindows, store.Query{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("got %d windows, want 1", len(windows))
	}
	w := windows[0]
	if w.OrganizationID != "org-1" || w.Count != 1 || !w.WindowEnd.Equal(w.WindowStart.Add(24*time.Hour)) {
		t.Errorf("window = %+v", w)
	}

	d := e.CheckRateLimit(ctx, "u1", ActionTestSend, 1)
	if d.Remaining != 8 {
		t.Errorf("Remaining after one record = %d, want 8", d.Remaining)
	}
}

func TestActivityTypeFor(t *testing.T) {
	tests := []struct {
		action    Action
		requested string
		want      string
		wantErr   bool
	}{
		{ActionTestSend, "", models.ActivityTest, false},
		{ActionApprovalSend, "approval", models.ActivityApproval, false},
		{ActionCampaignSend, "", models.ActivityCampaign, false},
		{ActionCampaignSend, "scheduled", models.ActivityScheduled, false},
		{ActionTestSend, "scheduled", "", true},
		{ActionCampaignSend, "newsletter", "", true},
	}
	for _, tt := range tests {
		got, err := tt.action.ActivityTypeFor(tt.requested)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("%s.ActivityTypeFor(%q) = %q, %v", tt.action, tt.requested, got, err)
		}
	}
}

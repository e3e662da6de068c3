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

// Package ratelimit enforces the outbound sending quotas: hourly test and
// approval sends, daily campaign sends, a per-action recipient cap and a
// daily recipient volume. Counter lookups fail open.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/inbound/internal/metrics"
	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/store"
)

// Action is a rate-limited send action.
type Action string

const (
	ActionTestSend     Action = "test-send"
	ActionCampaignSend Action = "campaign-send"
	ActionApprovalSend Action = "approval-send"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionTestSend, ActionCampaignSend, ActionApprovalSend:
		return true
	}
	return false
}

// ActivityType maps an action to the activity log type it is audited as.
func (a Action) ActivityType() string {
	switch a {
	case ActionTestSend:
		return models.ActivityTest
	case ActionApprovalSend:
		return models.ActivityApproval
	}
	return models.ActivityCampaign
}

// ActivityTypeFor resolves a caller-requested activity type. An empty
// request yields ActivityType; a campaign send may also be audited as
// scheduled.
func (a Action) ActivityTypeFor(requested string) (string, error) {
	derived := a.ActivityType()
	switch requested {
	case "", derived:
		return derived, nil
	case models.ActivityScheduled:
		if a == ActionCampaignSend {
			return requested, nil
		}
	}
	return "", fmt.Errorf("type %q does not apply to action %q", requested, a)
}

// Limits are the configured quotas. Zero fields take the defaults.
type Limits struct {
	TestPerHour           int
	CampaignPerDay        int
	ApprovalPerHour       int
	TestMaxRecipients     int
	CampaignMaxRecipients int
	DailyRecipients       int

	// Location defines calendar-day boundaries. Defaults to UTC.
	Location *time.Location
}

// DefaultLimits returns the stock quotas.
func DefaultLimits() Limits {
	return Limits{
		TestPerHour:           10,
		CampaignPerDay:        50,
		ApprovalPerHour:       30,
		TestMaxRecipients:     5,
		CampaignMaxRecipients: 500,
		DailyRecipients:       5000,
		Location:              time.UTC,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.TestPerHour <= 0 {
		l.TestPerHour = d.TestPerHour
	}
	if l.CampaignPerDay <= 0 {
		l.CampaignPerDay = d.CampaignPerDay
	}
	if l.ApprovalPerHour <= 0 {
		l.ApprovalPerHour = d.ApprovalPerHour
	}
	if l.TestMaxRecipients <= 0 {
		l.TestMaxRecipients = d.TestMaxRecipients
	}
	if l.CampaignMaxRecipients <= 0 {
		l.CampaignMaxRecipients = d.CampaignMaxRecipients
	}
	if l.DailyRecipients <= 0 {
		l.DailyRecipients = d.DailyRecipients
	}
	if l.Location == nil {
		l.Location = d.Location
	}
	return l
}

// Decision is the result of a quota check. Reason is set when the check
// rejects and is suitable for showing to the user.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Reason    string    `json:"reason,omitempty"`
}

// RecipientCheck is the result of the per-action recipient cap.
type RecipientCheck struct {
	Valid      bool   `json:"valid"`
	MaxAllowed int    `json:"maxAllowed"`
	Reason     string `json:"reason,omitempty"`
}

// Config holds the configuration for an Enforcer.
type Config struct {
	Store  store.Store
	Limits Limits
	Now    func() time.Time
}

// Enforcer checks and records quota usage.
type Enforcer struct {
	store  store.Store
	limits Limits
	now    func() time.Time
}

// New creates an Enforcer.
func New(cfg Config) *Enforcer {
	e := &Enforcer{
		store:  cfg.Store,
		limits: cfg.Limits.withDefaults(),
		now:    cfg.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Limits returns the effective limits.
func (e *Enforcer) Limits() Limits { return e.limits }

// window describes the counting interval for an action.
type window struct {
	limit   int
	start   time.Time
	resetAt time.Time
	hourly  bool
	noun    string
}

func (e *Enforcer) windowFor(action Action, now time.Time) (window, error) {
	switch action {
	case ActionTestSend:
		return window{limit: e.limits.TestPerHour, start: now.Add(-time.Hour), resetAt: now.Add(time.Hour), hourly: true, noun: "test emails per hour"}, nil
	case ActionApprovalSend:
		return window{limit: e.limits.ApprovalPerHour, start: now.Add(-time.Hour), resetAt: now.Add(time.Hour), hourly: true, noun: "approval emails per hour"}, nil
	case ActionCampaignSend:
		start := e.startOfDay(now)
		return window{limit: e.limits.CampaignPerDay, start: start, resetAt: start.AddDate(0, 0, 1), noun: "campaigns per day"}, nil
	}
	return window{}, fmt.Errorf("unknown action %q", action)
}

func (e *Enforcer) startOfDay(now time.Time) time.Time {
	local := now.In(e.limits.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.limits.Location)
}

// CheckRateLimit reports whether userID may perform increment more
// occurrences of action. A failed counter lookup allows the action with
// zero remaining.
func (e *Enforcer) CheckRateLimit(ctx context.Context, userID string, action Action, increment int) Decision {
	now := e.now()
	w, err := e.windowFor(action, now)
	if err != nil {
		return Decision{Allowed: false, ResetAt: now, Reason: err.Error()}
	}
	if increment <= 0 {
		increment = 1
	}

	windows, err := store.FindAs[models.RateLimitWindow](ctx, e.store, store.RateLimitWindows, store.Query{
		Where: []store.Predicate{
			store.Eq("userId", userID),
			store.Eq("action", string(action)),
			store.Gte("windowStart", w.start),
		},
	})
	if err != nil {
		return e.failOpen(userID, string(action), w.resetAt, err)
	}

	current := 0
	var oldest time.Time
	for _, rw := range windows {
		if rw.WindowStart.After(now) {
			continue
		}
		current += rw.Count
		if oldest.IsZero() || rw.WindowStart.Before(oldest) {
			oldest = rw.WindowStart
		}
	}
	if w.hourly && !oldest.IsZero() {
		w.resetAt = oldest.Add(time.Hour)
	}

	d := Decision{ResetAt: w.resetAt}
	if current+increment > w.limit {
		d.Remaining = max(0, w.limit-current)
		d.Reason = fmt.Sprintf("limit of %d %s exceeded", w.limit, w.noun)
	} else {
		d.Allowed = true
		d.Remaining = w.limit - current - increment
	}
	record(string(action), d)
	return d
}

// ValidateRecipientCount checks n against the per-action recipient cap.
func (e *Enforcer) ValidateRecipientCount(action Action, n int) RecipientCheck {
	maxAllowed, noun := e.limits.CampaignMaxRecipients, "campaign"
	if action == ActionTestSend {
		maxAllowed, noun = e.limits.TestMaxRecipients, "test email"
	}

	switch {
	case n <= 0:
		return RecipientCheck{MaxAllowed: maxAllowed, Reason: "at least one recipient is required"}
	case n > maxAllowed:
		return RecipientCheck{MaxAllowed: maxAllowed, Reason: fmt.Sprintf("maximum of %d recipients per %s exceeded", maxAllowed, noun)}
	}
	return RecipientCheck{Valid: true, MaxAllowed: maxAllowed}
}

// CheckDailyRecipients sums today's successful recipient volume for userID
// and reports whether n more recipients fit under the daily cap.
func (e *Enforcer) CheckDailyRecipients(ctx context.Context, userID string, n int) Decision {
	now := e.now()
	start := e.startOfDay(now)
	resetAt := start.AddDate(0, 0, 1)
	limit := e.limits.DailyRecipients

	entries, err := store.FindAs[models.ActivityLogEntry](ctx, e.store, store.ActivityLog, store.Query{
		Where: []store.Predicate{
			store.Eq("userId", userID),
			store.Eq("status", models.StatusSuccess),
			store.Gte("timestamp", start),
		},
	})
	if err != nil {
		return e.failOpen(userID, "daily-recipients", resetAt, err)
	}

	current := 0
	for _, entry := range entries {
		current += entry.RecipientCount
	}

	d := Decision{ResetAt: resetAt}
	if current+n > limit {
		d.Remaining = max(0, limit-current)
		d.Reason = fmt.Sprintf("daily limit of %d recipients exceeded (%d remaining)", limit, d.Remaining)
	} else {
		d.Allowed = true
		d.Remaining = limit - current - n
	}
	record("daily-recipients", d)
	return d
}

// CheckSend runs every check that applies to a send: the recipient cap,
// the action window and the daily recipient volume. The first rejection
// is returned; an allowed decision carries the smallest remaining count.
func (e *Enforcer) CheckSend(ctx context.Context, userID string, action Action, recipients int) Decision {
	if rc := e.ValidateRecipientCount(action, recipients); !rc.Valid {
		d := Decision{ResetAt: e.now(), Reason: rc.Reason}
		record(string(action), d)
		return d
	}

	win := e.CheckRateLimit(ctx, userID, action, 1)
	if !win.Allowed {
		return win
	}

	daily := e.CheckDailyRecipients(ctx, userID, recipients)
	if !daily.Allowed {
		return daily
	}

	if daily.Remaining < win.Remaining {
		win.Remaining = daily.Remaining
	}
	return win
}

// RecordAction appends one counter window for a performed action.
func (e *Enforcer) RecordAction(ctx context.Context, userID, orgID string, action Action, count int) error {
	if !action.Valid() {
		return fmt.Errorf("record action: unknown action %q", action)
	}
	if count <= 0 {
		count = 1
	}
	now := e.now().UTC()
	_, err := e.store.Insert(ctx, store.RateLimitWindows, models.RateLimitWindow{
		UserID:         userID,
		OrganizationID: orgID,
		Action:         string(action),
		Count:          count,
		WindowStart:    now,
		WindowEnd:      now.Add(24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", action, userID, err)
	}
	return nil
}

func (e *Enforcer) failOpen(userID, check string, resetAt time.Time, err error) Decision {
	slog.Error("quota lookup failed, allowing action",
		"user_id", userID,
		"check", check,
		"error", err,
	)
	metrics.RateLimitFailOpen.Inc()
	return Decision{Allowed: true, Remaining: 0, ResetAt: resetAt}
}

func record(action string, d Decision) {
	result := "allowed"
	if !d.Allowed {
		result = "rejected"
	}
	metrics.RateLimitDecisions.WithLabelValues(action, result).Inc()
}

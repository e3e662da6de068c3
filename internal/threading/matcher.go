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

// Package threading assigns inbound messages to conversation threads. It
// follows the reply chain first (In-Reply-To, References), then falls back
// to a recent thread with the same normalized subject and overlapping
// participants, and otherwise starts a new thread.
package threading

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bcem/inbound/internal/mailbox"
	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/store"
)

// Strategy names how a message was threaded.
type Strategy string

const (
	StrategyHeaders Strategy = "headers"
	StrategySubject Strategy = "subject"
	StrategyNew     Strategy = "new"
)

// Confidence per strategy.
const (
	ConfidenceHeaders = 100
	ConfidenceSubject = 85
	ConfidenceNew     = 100
)

// Defaults for Config.
const (
	DefaultRecencyWindow         = 30 * 24 * time.Hour
	DefaultMinParticipantOverlap = 1
	DefaultMinSubjectLength      = 3
	DefaultMaxCandidates         = 5
	DefaultMaxReferenceLookups   = 10
)

// Config holds the configuration for a Matcher.
type Config struct {
	Store                 store.Store
	RecencyWindow         time.Duration
	MinParticipantOverlap int
	MinSubjectLength      int
	MaxCandidates         int
	MaxReferenceLookups   int
	Now                   func() time.Time
}

// Scope is the tenant and mailbox context a message is threaded in.
type Scope struct {
	OrganizationID string
	MailboxID      string
	MailboxKind    mailbox.Kind
	DomainID       string
	ProjectID      string

	// OwnAddresses are the mailbox's own addresses. They never count as a
	// shared participant.
	OwnAddresses []string
}

// ScopeFor builds the threading scope of a resolved mailbox.
func ScopeFor(res *mailbox.Resolution) Scope {
	var own []string
	for _, a := range []string{res.Recipient, res.Mailbox.InboxAddress, res.Mailbox.Email} {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			own = append(own, a)
		}
	}
	return Scope{
		OrganizationID: res.OrganizationID,
		MailboxID:      res.Mailbox.ID,
		MailboxKind:    res.Mailbox.Kind,
		DomainID:       res.Mailbox.DomainID,
		ProjectID:      res.Mailbox.ProjectID,
		OwnAddresses:   own,
	}
}

// Result is a threading decision. ThreadID is empty for a new thread until
// Create is called.
type Result struct {
	ThreadID   string
	Strategy   Strategy
	Confidence int
	IsNew      bool
}

// Matcher finds or creates the thread for a message.
type Matcher struct {
	store         store.Store
	window        time.Duration
	minOverlap    int
	minSubjectLen int
	maxCandidates int
	maxRefs       int
	now           func() time.Time
}

// NewMatcher creates a Matcher, applying defaults for zero values.
func NewMatcher(cfg Config) *Matcher {
	m := &Matcher{
		store:         cfg.Store,
		window:        cfg.RecencyWindow,
		minOverlap:    cfg.MinParticipantOverlap,
		minSubjectLen: cfg.MinSubjectLength,
		maxCandidates: cfg.MaxCandidates,
		maxRefs:       cfg.MaxReferenceLookups,
		now:           cfg.Now,
	}
	if m.window <= 0 {
		m.window = DefaultRecencyWindow
	}
	if m.minOverlap <= 0 {
		m.minOverlap = DefaultMinParticipantOverlap
	}
	if m.minSubjectLen <= 0 {
		m.minSubjectLen = DefaultMinSubjectLength
	}
	if m.maxCandidates <= 0 {
		m.maxCandidates = DefaultMaxCandidates
	}
	if m.maxRefs <= 0 {
		m.maxRefs = DefaultMaxReferenceLookups
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Match decides which thread msg belongs to. It never creates anything.
func (m *Matcher) Match(ctx context.Context, scope Scope, msg *models.InboundMessage) (*Result, error) {
	if id, err := m.byHeaders(ctx, scope, msg); err != nil {
		return nil, err
	} else if id != "" {
		return &Result{ThreadID: id, Strategy: StrategyHeaders, Confidence: ConfidenceHeaders}, nil
	}

	if id, err := m.bySubject(ctx, scope, msg); err != nil {
		return nil, err
	} else if id != "" {
		return &Result{ThreadID: id, Strategy: StrategySubject, Confidence: ConfidenceSubject}, nil
	}

	return &Result{Strategy: StrategyNew, Confidence: ConfidenceNew, IsNew: true}, nil
}

// ReferenceCandidates returns the ids to follow, most relevant first:
// In-Reply-To, then References newest to oldest, deduplicated and capped.
func ReferenceCandidates(msg *models.InboundMessage, max int) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id == "" || seen[id] || len(ids) >= max {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(msg.InReplyTo)
	for i := len(msg.References) - 1; i >= 0; i-- {
		add(msg.References[i])
	}
	return ids
}

func (m *Matcher) byHeaders(ctx context.Context, scope Scope, msg *models.InboundMessage) (string, error) {
	ids := ReferenceCandidates(msg, m.maxRefs)
	if len(ids) == 0 {
		return "", nil
	}

	found, err := store.FindAs[models.EmailMessage](ctx, m.store, store.EmailMessages, store.Query{
		Where: []store.Predicate{
			store.Eq("organizationId", scope.OrganizationID),
			store.In("messageId", ids),
		},
	})
	if err != nil {
		return "", fmt.Errorf("reference lookup: %w", err)
	}

	threadByMessage := make(map[string]string, len(found))
	for _, em := range found {
		if em.ThreadID != "" {
			threadByMessage[em.MessageID] = em.ThreadID
		}
	}

	for _, id := range ids {
		threadID, ok := threadByMessage[id]
		if !ok {
			continue
		}
		var t models.Thread
		exists, err := m.store.Get(ctx, store.Threads, threadID, &t)
		if err != nil {
			return "", fmt.Errorf("load referenced thread: %w", err)
		}
		if !exists || t.OrganizationID != scope.OrganizationID {
			slog.Warn("referenced message points at missing thread",
				"tenant", scope.OrganizationID,
				"referenced_id", id,
				"thread_id", threadID,
			)
			continue
		}
		return threadID, nil
	}
	return "", nil
}

func (m *Matcher) bySubject(ctx context.Context, scope Scope, msg *models.InboundMessage) (string, error) {
	subject := NormalizeSubject(msg.Subject)
	if utf8.RuneCountInString(subject) < m.minSubjectLen {
		return "", nil
	}

	where := []store.Predicate{
		store.Eq("organizationId", scope.OrganizationID),
		store.Eq("normalizedSubject", subject),
		store.Gte("lastMessageAt", m.now().Add(-m.window)),
	}
	switch scope.MailboxKind {
	case mailbox.KindProject:
		where = append(where, store.Eq("projectId", scope.ProjectID))
	case mailbox.KindDomain:
		where = append(where, store.Eq("domainId", scope.DomainID))
	}

	candidates, err := store.FindAs[models.Thread](ctx, m.store, store.Threads, store.Query{
		Where:   where,
		OrderBy: "lastMessageAt",
		Desc:    true,
		Limit:   m.maxCandidates,
	})
	if err != nil {
		return "", fmt.Errorf("subject lookup: %w", err)
	}

	participants := msg.Participants()
	for _, t := range candidates {
		if scope.MailboxKind == mailbox.KindDomain && t.ProjectID != "" {
			continue
		}
		if overlap(t.Participants, participants, scope.OwnAddresses) >= m.minOverlap {
			return t.ID, nil
		}
	}
	return "", nil
}

func overlap(a, b, ignore []string) int {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range ignore {
		delete(set, s)
	}
	n := 0
	for _, s := range b {
		if set[s] {
			n++
		}
	}
	return n
}

// Create inserts a new thread for msg and records its id on res. Counters
// start at zero; Attach accounts for the first message.
func (m *Matcher) Create(ctx context.Context, scope Scope, msg *models.InboundMessage, res *Result) (string, error) {
	now := m.now().UTC()
	t := models.Thread{
		OrganizationID:    scope.OrganizationID,
		MailboxID:         scope.MailboxID,
		DomainID:          scope.DomainID,
		ProjectID:         scope.ProjectID,
		Subject:           DisplaySubject(msg.Subject),
		NormalizedSubject: NormalizeSubject(msg.Subject),
		Participants:      msg.Participants(),
		LastMessageAt:     now,
		ThreadingStrategy: string(StrategyNew),
		Confidence:        ConfidenceNew,
		Status:            "active",
		CreatedAt:         now,
	}
	if res != nil {
		t.ThreadingStrategy = string(res.Strategy)
		t.Confidence = res.Confidence
	}

	id, err := m.store.Insert(ctx, store.Threads, t)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if res != nil {
		res.ThreadID = id
	}
	return id, nil
}

// Attach records a persisted message on its thread: participants are
// unioned, counters incremented atomically and the last-message pointer
// moved (last write wins).
func (m *Matcher) Attach(ctx context.Context, threadID string, msg *models.InboundMessage, emailMessageID string, receivedAt time.Time) error {
	if err := m.store.AddToSet(ctx, store.Threads, threadID, "participants", msg.Participants()...); err != nil {
		return fmt.Errorf("add thread participants: %w", err)
	}

	if err := m.store.Increment(ctx, store.Threads, threadID, map[string]int64{
		"messageCount": 1,
		"unreadCount":  1,
	}); err != nil {
		return fmt.Errorf("increment thread counters: %w", err)
	}

	frontier := append(append([]string(nil), msg.References...), msg.MessageID)
	fields := map[string]any{
		"lastMessageId": emailMessageID,
		"lastMessageAt": receivedAt.UTC(),
		"frontier":      frontier,
	}

	var t models.Thread
	if ok, err := m.store.Get(ctx, store.Threads, threadID, &t); err == nil && ok && t.FirstMessageID == "" {
		fields["firstMessageId"] = emailMessageID
	}

	if err := m.store.Update(ctx, store.Threads, threadID, fields); err != nil {
		return fmt.Errorf("update thread pointer: %w", err)
	}
	return nil
}

// Discard removes a thread that never received a message. It is used when
// the message insert for a freshly created thread loses a duplicate race; a
// concurrent delivery may already have stored its message on the thread, in
// which case it is kept.
func (m *Matcher) Discard(ctx context.Context, threadID string) error {
	refs, err := m.store.Find(ctx, store.EmailMessages, store.Query{
		Where: []store.Predicate{store.Eq("threadId", threadID)},
		Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("discard thread %s: %w", threadID, err)
	}
	if len(refs) > 0 {
		return nil
	}

	_, err = m.store.DeleteWhere(ctx, store.Threads,
		store.Eq("id", threadID),
		store.Eq("messageCount", 0),
	)
	if err != nil {
		return fmt.Errorf("discard thread %s: %w", threadID, err)
	}
	return nil
}

// DisplaySubject is the subject shown for a message or thread.
func DisplaySubject(subject string) string {
	if subject == "" {
		return "(no subject)"
	}
	return subject
}

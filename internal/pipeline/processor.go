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

// Package pipeline runs one inbound delivery end to end: normalize,
// resolve the mailbox, short-circuit duplicates, thread, extract
// attachments, classify and persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/bcem/inbound/internal/attachment"
	"github.com/bcem/inbound/internal/dedup"
	"github.com/bcem/inbound/internal/mailbox"
	"github.com/bcem/inbound/internal/metrics"
	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/normalize"
	"github.com/bcem/inbound/internal/store"
	"github.com/bcem/inbound/internal/threading"
)

// DefaultSpamThreshold is the provider spam score above which a message is
// filed as spam.
const DefaultSpamThreshold = 5.0

// Outcome is the terminal state of a delivery.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeArchived  Outcome = "archived"
)

// Result describes what happened to a delivery.
type Result struct {
	Outcome        Outcome
	EmailMessageID string
	ThreadID       string
	MessageID      string
	OrganizationID string
	MailboxID      string
	Folder         string
	Strategy       threading.Strategy
	NewThread      bool
	Detail         string
}

// EventPublisher receives a notification for every stored message.
type EventPublisher interface {
	PublishMessageStored(ctx context.Context, event *models.MessageStoredEvent) error
}

// Processor wires the ingestion components together. It holds no mutable
// per-delivery state and is safe for concurrent use.
type Processor struct {
	store       store.Store
	normalizer  *normalize.Normalizer
	resolver    *mailbox.Resolver
	guard       *dedup.Guard
	matcher     *threading.Matcher
	attachments *attachment.Pipeline
	events      EventPublisher

	spamThreshold float64
	sanitizer     *bluemonday.Policy
	stripper      *bluemonday.Policy
	now           func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithAttachments sets the attachment pipeline. Without it attachments are
// extracted but not uploaded.
func WithAttachments(ap *attachment.Pipeline) Option {
	return func(p *Processor) { p.attachments = ap }
}

// WithEvents publishes a message-stored event after each persist.
func WithEvents(pub EventPublisher) Option {
	return func(p *Processor) { p.events = pub }
}

// WithSpamThreshold overrides DefaultSpamThreshold.
func WithSpamThreshold(threshold float64) Option {
	return func(p *Processor) { p.spamThreshold = threshold }
}

// WithClock overrides the receive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor.
func New(s store.Store, n *normalize.Normalizer, r *mailbox.Resolver, g *dedup.Guard, m *threading.Matcher, opts ...Option) *Processor {
	p := &Processor{
		store:         s,
		normalizer:    n,
		resolver:      r,
		guard:         g,
		matcher:       m,
		spamThreshold: DefaultSpamThreshold,
		sanitizer:     bluemonday.UGCPolicy(),
		stripper:      bluemonday.StrictPolicy(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.attachments == nil {
		p.attachments = attachment.NewPipeline(attachment.PipelineConfig{})
	}
	return p
}

// Process ingests one delivery. Only malformed payloads
// (normalize.ErrMalformedPayload) and storage failures are returned as
// errors; unresolved and duplicate deliveries are successful outcomes.
func (p *Processor) Process(ctx context.Context, payload *normalize.Payload) (*Result, error) {
	start := time.Now()
	defer func() { metrics.ProcessingDuration.Observe(time.Since(start).Seconds()) }()

	msg, err := p.normalizer.Normalize(payload)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("rejected").Inc()
		return nil, err
	}

	res, err := p.resolver.Resolve(ctx, msg)
	if err != nil {
		return nil, p.fail(fmt.Errorf("resolve mailbox: %w", err))
	}
	if res == nil {
		slog.Info("no matching organization, archiving",
			"message_id", msg.MessageID,
			"from", msg.From.Email,
			"recipients", len(msg.To),
		)
		metrics.InboundMessages.WithLabelValues(string(OutcomeArchived)).Inc()
		return &Result{
			Outcome:   OutcomeArchived,
			MessageID: msg.MessageID,
			Detail:    "no matching organization",
		}, nil
	}

	orgID := res.OrganizationID
	if existing, err := p.guard.Check(ctx, orgID, msg.MessageID); err != nil {
		return nil, p.fail(err)
	} else if existing != nil {
		return p.duplicate(msg, res, existing), nil
	}

	scope := threading.ScopeFor(res)
	tr, err := p.matcher.Match(ctx, scope, msg)
	if err != nil {
		return nil, p.fail(fmt.Errorf("match thread: %w", err))
	}
	if tr.IsNew {
		if _, err := p.matcher.Create(ctx, scope, msg, tr); err != nil {
			return nil, p.fail(err)
		}
	}

	em := p.buildMessage(ctx, payload, msg, res, tr.ThreadID)

	id, err := p.store.Insert(ctx, store.EmailMessages, em)
	if errors.Is(err, store.ErrDuplicate) {
		return p.lostRace(ctx, msg, res, tr)
	}
	if err != nil {
		p.discardNew(ctx, tr)
		return nil, p.fail(fmt.Errorf("store message: %w", err))
	}

	if err := p.matcher.Attach(ctx, tr.ThreadID, msg, id, em.ReceivedAt); err != nil {
		return nil, p.fail(err)
	}

	deltas := map[string]int64{"unreadCount": 1}
	if tr.IsNew {
		deltas["threadCount"] = 1
	}
	if err := p.store.Increment(ctx, store.Mailboxes, res.Mailbox.ID, deltas); err != nil {
		slog.Warn("failed to update mailbox counters", "mailbox_id", res.Mailbox.ID, "error", err)
	}

	p.guard.Remember(ctx, orgID, msg.MessageID, dedup.Existing{
		EmailMessageID: id,
		ThreadID:       tr.ThreadID,
		Folder:         em.Folder,
	})

	result := &Result{
		Outcome:        OutcomeStored,
		EmailMessageID: id,
		ThreadID:       tr.ThreadID,
		MessageID:      msg.MessageID,
		OrganizationID: orgID,
		MailboxID:      res.Mailbox.ID,
		Folder:         em.Folder,
		Strategy:       tr.Strategy,
		NewThread:      tr.IsNew,
		Detail:         fmt.Sprintf("stored in %s via %s threading", em.Folder, tr.Strategy),
	}

	p.publish(ctx, result, em)

	metrics.InboundMessages.WithLabelValues(string(OutcomeStored)).Inc()
	metrics.ThreadAssignments.WithLabelValues(string(tr.Strategy)).Inc()

	slog.Info("inbound message stored",
		"tenant", orgID,
		"mailbox_id", res.Mailbox.ID,
		"rule", string(res.Rule),
		"message_id", msg.MessageID,
		"synthesized_id", msg.Synthesized,
		"email_message_id", id,
		"thread_id", tr.ThreadID,
		"strategy", string(tr.Strategy),
		"folder", em.Folder,
		"attachments", len(em.Attachments),
	)
	return result, nil
}

// buildMessage assembles the document to persist. Routing rules are
// applied here so the stored message is never updated afterwards.
func (p *Processor) buildMessage(ctx context.Context, payload *normalize.Payload, msg *models.InboundMessage, res *mailbox.Resolution, threadID string) models.EmailMessage {
	atts := p.attachments.Process(ctx, payload.Attachments, payload.AttachmentInfo, payload.Parts)

	html := ""
	if msg.HTML != "" {
		html = p.sanitizer.Sanitize(attachment.ReplaceInlineCIDs(msg.HTML, atts))
	}

	receivedAt := p.now().UTC()
	folder, labels := p.classify(msg)

	em := models.EmailMessage{
		MessageID:      msg.MessageID,
		OrganizationID: res.OrganizationID,
		ThreadID:       threadID,
		MailboxID:      res.Mailbox.ID,
		UserID:         res.Mailbox.UserID,
		From:           msg.From,
		To:             msg.To,
		Cc:             msg.Cc,
		Subject:        threading.DisplaySubject(msg.Subject),
		TextContent:    msg.Text,
		HTMLContent:    html,
		Snippet:        p.snippet(msg.Text, msg.HTML),
		Attachments:    atts,
		ReceivedAt:     receivedAt,
		SentAt:         receivedAt,
		SpamScore:      msg.SpamScore,
		SpamReport:     msg.SpamReport,
		Folder:         folder,
		Labels:         labels,
		Importance:     models.ImportanceNormal,
		InReplyTo:      msg.InReplyTo,
		References:     msg.References,
		Headers:        msg.Headers,
	}
	if em.Attachments == nil {
		em.Attachments = []models.AttachmentDescriptor{}
	}

	applyRoutingRules(&em, res.Mailbox.RoutingRules)
	return em
}

func (p *Processor) classify(msg *models.InboundMessage) (string, []string) {
	if msg.SpamScore != nil && *msg.SpamScore > p.spamThreshold {
		return models.FolderSpam, []string{"spam"}
	}
	return models.FolderInbox, []string{}
}

func (p *Processor) duplicate(msg *models.InboundMessage, res *mailbox.Resolution, e *dedup.Existing) *Result {
	slog.Info("duplicate delivery ignored",
		"tenant", res.OrganizationID,
		"message_id", msg.MessageID,
		"email_message_id", e.EmailMessageID,
	)
	metrics.InboundMessages.WithLabelValues(string(OutcomeDuplicate)).Inc()
	return &Result{
		Outcome:        OutcomeDuplicate,
		EmailMessageID: e.EmailMessageID,
		ThreadID:       e.ThreadID,
		MessageID:      msg.MessageID,
		OrganizationID: res.OrganizationID,
		MailboxID:      res.Mailbox.ID,
		Folder:         e.Folder,
		Detail:         "duplicate — already in " + e.Folder,
	}
}

// lostRace handles a unique-index violation on insert: a concurrent
// delivery of the same message won. A thread created for this delivery is
// removed and the winner is reported.
func (p *Processor) lostRace(ctx context.Context, msg *models.InboundMessage, res *mailbox.Resolution, tr *threading.Result) (*Result, error) {
	p.discardNew(ctx, tr)

	existing, err := p.guard.Check(ctx, res.OrganizationID, msg.MessageID)
	if err != nil {
		return nil, p.fail(err)
	}
	if existing == nil {
		return nil, p.fail(fmt.Errorf("message %s reported duplicate but not found", msg.MessageID))
	}
	return p.duplicate(msg, res, existing), nil
}

// discardNew drops a thread created for a message that was never stored.
func (p *Processor) discardNew(ctx context.Context, tr *threading.Result) {
	if !tr.IsNew {
		return
	}
	if err := p.matcher.Discard(ctx, tr.ThreadID); err != nil {
		slog.Warn("failed to discard orphan thread", "thread_id", tr.ThreadID, "error", err)
	}
}

func (p *Processor) publish(ctx context.Context, r *Result, em models.EmailMessage) {
	if p.events == nil {
		return
	}
	err := p.events.PublishMessageStored(ctx, &models.MessageStoredEvent{
		OrganizationID: r.OrganizationID,
		MailboxID:      r.MailboxID,
		ThreadID:       r.ThreadID,
		EmailMessageID: r.EmailMessageID,
		MessageID:      r.MessageID,
		Folder:         r.Folder,
		Subject:        em.Subject,
		From:           em.From,
		NewThread:      r.NewThread,
		Strategy:       string(r.Strategy),
		ReceivedAt:     em.ReceivedAt,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		slog.Warn("failed to publish message stored event", "email_message_id", r.EmailMessageID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

func (p *Processor) fail(err error) error {
	metrics.InboundMessages.WithLabelValues("error").Inc()
	return err
}

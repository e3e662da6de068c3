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

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundMessages counts processed deliveries by outcome
	// (stored, duplicate, archived, rejected, error).
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_messages_total",
		Help: "Inbound deliveries processed, by outcome",
	}, []string{"outcome"})

	// ThreadAssignments counts stored messages by threading strategy.
	ThreadAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_thread_assignments_total",
		Help: "Stored messages by threading strategy",
	}, []string{"strategy"})

	// ProcessingDuration observes end-to-end pipeline latency.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inbound_processing_duration_seconds",
		Help:    "Time spent processing one inbound delivery",
		Buckets: prometheus.DefBuckets,
	})

	// AttachmentsSkipped counts attachments dropped by reason.
	AttachmentsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_attachment_skipped_total",
		Help: "Attachments skipped during extraction, by reason",
	}, []string{"reason"})

	// WebhookRejections counts requests refused before processing.
	WebhookRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_webhook_rejections_total",
		Help: "Webhook requests rejected before processing, by reason",
	}, []string{"reason"})

	// RateLimitDecisions counts quota checks by action and result.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_decisions_total",
		Help: "Quota checks by action and result",
	}, []string{"action", "result"})

	// RateLimitFailOpen counts quota checks allowed because the backend failed.
	RateLimitFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quota_fail_open_total",
		Help: "Quota checks allowed because the counter lookup failed",
	})

	// ActivityWriteFailures counts activity log entries that could not be written.
	ActivityWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activity_log_write_failures_total",
		Help: "Activity log entries that failed to persist",
	})

	// CleanupDeleted counts rows removed by retention cleanup.
	CleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retention_cleanup_deleted_total",
		Help: "Documents removed by retention cleanup, by collection",
	}, []string{"collection"})

	// EventsPublished counts message-stored events by result.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_events_published_total",
		Help: "Message-stored events pushed to the queue, by result",
	}, []string{"result"})
)

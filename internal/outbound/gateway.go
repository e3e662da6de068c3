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

// Package outbound guards calls to the transactional send provider with the
// quota enforcer and audits every decision.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/inbound/internal/activity"
	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/ratelimit"
)

// Sender delivers a message through the external provider.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (providerID string, err error)
}

// SendRequest describes one outbound send.
type SendRequest struct {
	UserID         string
	OrganizationID string
	Action         ratelimit.Action
	CampaignID     string
	CampaignTitle  string
	Recipients     []string
	Subject        string
	HTML           string
	Text           string

	// Scheduled marks a campaign send triggered by a schedule rather than
	// a user.
	Scheduled bool

	// Request metadata recorded in the audit log.
	IP        string
	UserAgent string
}

// SendResult is returned for a delivered send.
type SendResult struct {
	ProviderID string
	Decision   ratelimit.Decision
}

// LimitError is returned when a quota rejects the send.
type LimitError struct {
	Decision ratelimit.Decision
}

func (e *LimitError) Error() string {
	return "send rejected: " + e.Decision.Reason
}

// IsLimitError reports whether err is a quota rejection.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// Gateway runs check, send and record for outbound sends.
type Gateway struct {
	enforcer *ratelimit.Enforcer
	sender   Sender
	log      *activity.Logger
}

// NewGateway creates a send gateway.
func NewGateway(enforcer *ratelimit.Enforcer, sender Sender, log *activity.Logger) *Gateway {
	return &Gateway{enforcer: enforcer, sender: sender, log: log}
}

// Send checks quotas, sends and records the outcome. Exactly one activity
// entry is written per call.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Scheduled && req.Action != ratelimit.ActionCampaignSend {
		return nil, fmt.Errorf("scheduled %s is not supported", req.Action)
	}

	n := len(req.Recipients)
	decision := g.enforcer.CheckSend(ctx, req.UserID, req.Action, n)
	if !decision.Allowed {
		g.audit(req, models.StatusRateLimited, decision.Reason)
		slog.Warn("outbound send rate limited",
			"user_id", req.UserID,
			"action", string(req.Action),
			"recipients", n,
			"reason", decision.Reason,
		)
		return nil, &LimitError{Decision: decision}
	}

	providerID, err := g.sender.Send(ctx, req)
	if err != nil {
		g.audit(req, models.StatusFailed, err.Error())
		return nil, fmt.Errorf("send %s for %s: %w", req.Action, req.UserID, err)
	}

	if err := g.enforcer.RecordAction(ctx, req.UserID, req.OrganizationID, req.Action, 1); err != nil {
		// The send already happened; a missing counter only loosens the quota.
		slog.Error("failed to record send action", "user_id", req.UserID, "error", err)
	}
	g.audit(req, models.StatusSuccess, "")

	return &SendResult{ProviderID: providerID, Decision: decision}, nil
}

func (g *Gateway) audit(req SendRequest, status, errMsg string) {
	entry := models.ActivityLogEntry{
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Type:           req.Action.ActivityType(),
		CampaignID:     req.CampaignID,
		CampaignTitle:  req.CampaignTitle,
		RecipientCount: len(req.Recipients),
		Status:         status,
		ErrorMessage:   errMsg,
		IP:             req.IP,
		UserAgent:      req.UserAgent,
	}
	if req.Scheduled {
		entry.Type = models.ActivityScheduled
	}
	if req.Action == ratelimit.ActionTestSend {
		entry.RecipientEmails = req.Recipients
	}
	g.log.LogAsync(entry)
}

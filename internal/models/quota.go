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

package models

import "time"

// RateLimitWindow is one recorded send action counted against a quota.
// Windows are append-only; retention cleanup removes old ones.
type RateLimitWindow struct {
	ID             string    `json:"id,omitempty"`
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Action         string    `json:"action"`
	Count          int       `json:"count"`
	WindowStart    time.Time `json:"windowStart"`
	WindowEnd      time.Time `json:"windowEnd"`
}

// Activity types.
const (
	ActivityTest      = "test"
	ActivityCampaign  = "campaign"
	ActivityScheduled = "scheduled"
	ActivityApproval  = "approval"
)

// Activity outcomes.
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusRateLimited = "rate_limited"
)

// ActivityLogEntry is one append-only audit record of a send decision.
type ActivityLogEntry struct {
	ID              string    `json:"id,omitempty"`
	UserID          string    `json:"userId"`
	OrganizationID  string    `json:"organizationId,omitempty"`
	Type            string    `json:"type"`
	CampaignID      string    `json:"campaignId,omitempty"`
	CampaignTitle   string    `json:"campaignTitle,omitempty"`
	RecipientCount  int       `json:"recipientCount"`
	RecipientEmails []string  `json:"recipientEmails,omitempty"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	IP              string    `json:"ip,omitempty"`
	UserAgent       string    `json:"userAgent,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

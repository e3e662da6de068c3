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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Folder values for EmailMessage.Folder.
const (
	FolderInbox = "inbox"
	FolderSent  = "sent"
	FolderTrash = "trash"
	FolderSpam  = "spam"
)

// Importance values for EmailMessage.Importance.
const (
	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
)

// Address represents a sender or recipient with a lower-cased address and
// an optional display name.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Envelope is the provider's authoritative SMTP envelope.
type Envelope struct {
	To   []string `json:"to"`
	From string   `json:"from"`
}

// AttachmentDescriptor describes one stored attachment.
type AttachmentDescriptor struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	ContentID   string `json:"contentId,omitempty"`
	URL         string `json:"url,omitempty"`
	Inline      bool   `json:"inline,omitempty"`
}

// InboundMessage is the canonical form of one inbound delivery. It lives for
// a single pipeline invocation and is not mutated after normalisation.
type InboundMessage struct {
	MessageID   string
	Synthesized bool // MessageID was generated because the header was absent

	From       Address
	To         []Address
	Cc         []Address
	Subject    string
	Text       string
	HTML       string
	RawHeaders string
	Headers    map[string]string

	InReplyTo  string
	References []string

	SpamScore  *float64
	SpamReport string

	// Forwarding hints (X-Original-To / X-Forwarded-To), used when no
	// recipient resolves.
	ForwardedTo []Address

	Envelope *Envelope
}

// Participants returns the distinct sender and recipient addresses in
// first-seen order.
func (m *InboundMessage) Participants() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a Address) {
		if a.Email != "" && !seen[a.Email] {
			seen[a.Email] = true
			out = append(out, a.Email)
		}
	}
	add(m.From)
	for _, a := range m.To {
		add(a)
	}
	for _, a := range m.Cc {
		add(a)
	}
	return out
}

// Thread groups the messages of one conversation within a tenant.
type Thread struct {
	ID                string    `json:"id,omitempty"`
	OrganizationID    string    `json:"organizationId"`
	MailboxID         string    `json:"mailboxId,omitempty"`
	DomainID          string    `json:"domainId,omitempty"`
	ProjectID         string    `json:"projectId,omitempty"`
	Subject           string    `json:"subject"`
	NormalizedSubject string    `json:"normalizedSubject"`
	Participants      []string  `json:"participants"`
	MessageCount      int       `json:"messageCount"`
	UnreadCount       int       `json:"unreadCount"`
	FirstMessageID    string    `json:"firstMessageId,omitempty"`
	LastMessageID     string    `json:"lastMessageId,omitempty"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	Frontier          []string  `json:"frontier,omitempty"`
	ThreadingStrategy string    `json:"threadingStrategy"`
	Confidence        int       `json:"confidence"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
}

// EmailMessage is a persisted inbound message. The ingestion core creates it
// once and never mutates it afterwards.
type EmailMessage struct {
	ID             string                 `json:"id,omitempty"`
	MessageID      string                 `json:"messageId"`
	OrganizationID string                 `json:"organizationId"`
	ThreadID       string                 `json:"threadId"`
	MailboxID      string                 `json:"mailboxId"`
	UserID         string                 `json:"userId,omitempty"`
	From           Address                `json:"from"`
	To             []Address              `json:"to"`
	Cc             []Address              `json:"cc,omitempty"`
	Bcc            []Address              `json:"bcc,omitempty"`
	Subject        string                 `json:"subject"`
	TextContent    string                 `json:"textContent"`
	HTMLContent    string                 `json:"htmlContent,omitempty"`
	Snippet        string                 `json:"snippet"`
	Attachments    []AttachmentDescriptor `json:"attachments"`
	ReceivedAt     time.Time              `json:"receivedAt"`
	SentAt         time.Time              `json:"sentAt"`
	SpamScore      *float64               `json:"spamScore,omitempty"`
	SpamReport     string                 `json:"spamReport,omitempty"`
	Folder         string                 `json:"folder"`
	Labels         []string               `json:"labels"`
	Importance     string                 `json:"importance"`
	IsRead         bool                   `json:"isRead"`
	IsStarred      bool                   `json:"isStarred"`
	IsArchived     bool                   `json:"isArchived"`
	IsDraft        bool                   `json:"isDraft"`
	InReplyTo      string                 `json:"inReplyTo,omitempty"`
	References     []string               `json:"references"`
	Headers        map[string]string      `json:"headers,omitempty"`
}

// MessageStoredEvent is published after an inbound message is persisted so
// downstream workers (notifications, analysis) can react to it.
type MessageStoredEvent struct {
	OrganizationID string    `json:"organization_id"`
	MailboxID      string    `json:"mailbox_id"`
	ThreadID       string    `json:"thread_id"`
	EmailMessageID string    `json:"email_message_id"`
	MessageID      string    `json:"message_id"`
	Folder         string    `json:"folder"`
	Subject        string    `json:"subject"`
	From           Address   `json:"from"`
	NewThread      bool      `json:"new_thread"`
	Strategy       string    `json:"strategy"`
	ReceivedAt     time.Time `json:"received_at"`
}

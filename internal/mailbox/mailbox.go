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

// Package mailbox models tenant mailboxes and resolves inbound recipients
// to exactly one of them.
package mailbox

import (
	"path"
	"strings"
)

// Kind distinguishes the three mailbox variants.
type Kind string

const (
	KindDomain  Kind = "domain"
	KindProject Kind = "project"
	KindLegacy  Kind = "legacy"
)

// Status values for domain and project mailboxes.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusInactive  = "inactive"
)

// Alias types for legacy mailboxes.
const (
	AliasExact    = "exact"
	AliasCatchAll = "catch-all"
	AliasPattern  = "pattern"
)

// MatchStrength orders how well a mailbox matches an address.
type MatchStrength int

const (
	MatchNone MatchStrength = iota
	MatchCatchAll
	MatchPattern
	MatchExact
)

func (s MatchStrength) String() string {
	switch s {
	case MatchCatchAll:
		return "catch-all"
	case MatchPattern:
		return "pattern"
	case MatchExact:
		return "exact"
	}
	return "none"
}

// Mailbox is a tenant inbox. Domain and project mailboxes are addressed by
// InboxAddress; legacy mailboxes by Email, with optional pattern and
// catch-all aliases on their Domain.
type Mailbox struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Kind           Kind   `json:"kind"`

	InboxAddress string `json:"inboxAddress,omitempty"`
	Email        string `json:"email,omitempty"`
	Domain       string `json:"domain,omitempty"`
	AliasType    string `json:"aliasType,omitempty"`
	AliasPattern string `json:"aliasPattern,omitempty"`

	Status   string `json:"status,omitempty"`
	IsActive bool   `json:"isActive"`

	DomainID  string `json:"domainId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	RoutingRules []RoutingRule `json:"routingRules,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	ThreadCount  int           `json:"threadCount"`
}

// RoutingRule labels or re-prioritises messages that match its conditions.
type RoutingRule struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Conditions RuleConditions `json:"conditions"`
	Actions    RuleActions    `json:"actions"`
}

// RuleConditions must all hold for a rule to match. Empty conditions are
// ignored.
type RuleConditions struct {
	Subject  string   `json:"subject,omitempty"`
	From     string   `json:"from,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// RuleActions are applied when a rule matches.
type RuleActions struct {
	AssignTo    []string `json:"assignTo,omitempty"`
	AddTags     []string `json:"addTags,omitempty"`
	SetPriority string   `json:"setPriority,omitempty"`
	AutoReply   string   `json:"autoReply,omitempty"`
}

// Accepting reports whether the mailbox currently receives mail.
func (m *Mailbox) Accepting() bool {
	switch m.Kind {
	case KindDomain:
		return m.Status == StatusActive
	case KindProject:
		return m.Status == StatusActive || m.Status == StatusCompleted
	case KindLegacy:
		return m.IsActive
	}
	return false
}

// DomainName returns the legacy mailbox domain, falling back to the domain
// of its address.
func (m *Mailbox) DomainName() string {
	if m.Domain != "" {
		return strings.ToLower(m.Domain)
	}
	addr := m.Email
	if addr == "" {
		addr = m.InboxAddress
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

// Match reports how strongly addr (lower-cased) matches the mailbox. It does
// not consider whether the mailbox is accepting.
func (m *Mailbox) Match(addr string) MatchStrength {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return MatchNone
	}
	local, domain := addr[:at], addr[at+1:]

	switch m.Kind {
	case KindDomain, KindProject:
		if strings.EqualFold(m.InboxAddress, addr) {
			return MatchExact
		}
		return MatchNone
	case KindLegacy:
		if strings.EqualFold(m.Email, addr) {
			return MatchExact
		}
		mbDomain := m.DomainName()
		if mbDomain == "" {
			return MatchNone
		}
		if m.AliasType == AliasPattern && mbDomain == domain && globMatch(m.AliasPattern, local) {
			return MatchPattern
		}
		for _, v := range DomainVariants(domain) {
			if v == mbDomain {
				return MatchCatchAll
			}
		}
	}
	return MatchNone
}

// DomainVariants returns domain followed by each parent obtained by
// stripping the left-most label, stopping at two labels.
// sub.example.com yields [sub.example.com example.com].
func DomainVariants(domain string) []string {
	domain = strings.Trim(strings.ToLower(domain), ".")
	if domain == "" {
		return nil
	}
	variants := []string{domain}
	labels := strings.Split(domain, ".")
	for i := 1; len(labels)-i >= 2; i++ {
		variants = append(variants, strings.Join(labels[i:], "."))
	}
	return variants
}

func globMatch(pattern, local string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	// Only the local part is matched; tolerate patterns written with a
	// domain suffix.
	if i := strings.IndexByte(pattern, '@'); i >= 0 {
		pattern = pattern[:i]
	}
	ok, err := path.Match(pattern, local)
	return err == nil && ok
}

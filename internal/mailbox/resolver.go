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

package mailbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/normalize"
	"github.com/bcem/inbound/internal/store"
)

// Rule names the resolution step that produced a match.
type Rule string

const (
	RuleDomain   Rule = "domain"
	RuleProject  Rule = "project"
	RuleLegacy   Rule = "legacy"
	RulePattern  Rule = "pattern"
	RuleCatchAll Rule = "catch-all"
)

// Resolution is the mailbox an inbound message was routed to.
type Resolution struct {
	Mailbox        *Mailbox
	OrganizationID string
	Rule           Rule
	Recipient      string
	// Forwarded is true when the match came from a forwarding header rather
	// than a direct recipient.
	Forwarded bool
}

// Resolver maps recipients to mailboxes.
type Resolver struct {
	store store.Store
}

// NewResolver creates a resolver backed by s.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve routes msg to one mailbox. Recipients are tried in order and the
// first match wins; forwarding hints are tried only when no recipient
// resolves. It returns nil, nil when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, msg *models.InboundMessage) (*Resolution, error) {
	res, err := r.resolveList(ctx, msg.To)
	if err != nil || res != nil {
		return res, err
	}

	res, err = r.resolveList(ctx, msg.ForwardedTo)
	if res != nil {
		res.Forwarded = true
	}
	return res, err
}

func (r *Resolver) resolveList(ctx context.Context, addrs []models.Address) (*Resolution, error) {
	for _, a := range addrs {
		res, err := r.ResolveAddress(ctx, a.Email)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// ResolveAddress applies the resolution rules to a single address.
func (r *Resolver) ResolveAddress(ctx context.Context, addr string) (*Resolution, error) {
	if addr == "" {
		return nil, nil
	}

	steps := []struct {
		rule Rule
		find func(context.Context, string) (*Mailbox, error)
	}{
		{RuleDomain, r.findDomain},
		{RuleProject, r.findProject},
		{RuleLegacy, r.findLegacy},
		{RulePattern, r.findPattern},
		{RuleCatchAll, r.findCatchAll},
	}

	for _, step := range steps {
		mb, err := step.find(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("resolve %s (%s): %w", addr, step.rule, err)
		}
		if mb != nil {
			slog.Debug("recipient resolved",
				"recipient", addr,
				"rule", string(step.rule),
				"mailbox_id", mb.ID,
				"tenant", mb.OrganizationID,
			)
			return &Resolution{
				Mailbox:        mb,
				OrganizationID: mb.OrganizationID,
				Rule:           step.rule,
				Recipient:      addr,
			}, nil
		}
	}
	return nil, nil
}

func (r *Resolver) findDomain(ctx context.Context, addr string) (*Mailbox, error) {
	return r.first(ctx, store.Query{
		Where: []store.Predicate{
			store.Eq("kind", string(KindDomain)),
			store.Eq("inboxAddress", addr),
			store.Eq("status", StatusActive),
		},
		Limit: 1,
	})
}

func (r *Resolver) findProject(ctx context.Context, addr string) (*Mailbox, error) {
	return r.first(ctx, store.Query{
		Where: []store.Predicate{
			store.Eq("kind", string(KindProject)),
			store.Eq("inboxAddress", addr),
			store.In("status", []string{StatusActive, StatusCompleted}),
		},
		Limit: 1,
	})
}

func (r *Resolver) findLegacy(ctx context.Context, addr string) (*Mailbox, error) {
	return r.first(ctx, store.Query{
		Where: []store.Predicate{
			store.Eq("kind", string(KindLegacy)),
			store.Eq("email", addr),
			store.Eq("isActive", true),
		},
		Limit: 1,
	})
}

func (r *Resolver) findPattern(ctx context.Context, addr string) (*Mailbox, error) {
	candidates, err := store.FindAs[Mailbox](ctx, r.store, store.Mailboxes, store.Query{
		Where: []store.Predicate{
			store.Eq("kind", string(KindLegacy)),
			store.Eq("aliasType", AliasPattern),
			store.Eq("isActive", true),
		},
	})
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].Match(addr) == MatchPattern {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// findCatchAll tries the recipient domain and then each parent domain,
// accepting the first active legacy mailbox on the most specific variant.
// Mailboxes with an explicit catch-all alias win over plain legacy
// mailboxes on the same domain.
func (r *Resolver) findCatchAll(ctx context.Context, addr string) (*Mailbox, error) {
	variants := DomainVariants(normalize.Domain(addr))
	if len(variants) == 0 {
		return nil, nil
	}

	candidates, err := store.FindAs[Mailbox](ctx, r.store, store.Mailboxes, store.Query{
		Where: []store.Predicate{
			store.Eq("kind", string(KindLegacy)),
			store.Eq("isActive", true),
		},
	})
	if err != nil {
		return nil, err
	}

	for _, v := range variants {
		var fallback *Mailbox
		for i := range candidates {
			mb := &candidates[i]
			if mb.DomainName() != v {
				continue
			}
			if mb.AliasType == AliasCatchAll {
				return mb, nil
			}
			if fallback == nil {
				fallback = mb
			}
		}
		if fallback != nil {
			return fallback, nil
		}
	}
	return nil, nil
}

func (r *Resolver) first(ctx context.Context, q store.Query) (*Mailbox, error) {
	found, err := store.FindAs[Mailbox](ctx, r.store, store.Mailboxes, q)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

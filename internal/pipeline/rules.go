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

package pipeline

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/bcem/inbound/internal/mailbox"
	"github.com/bcem/inbound/internal/models"
)

// SnippetLength is the preview length in runes.
const SnippetLength = 150

// snippet previews the text body, or the HTML body stripped of markup when
// there is no text.
func (p *Processor) snippet(text, htmlBody string) string {
	src := text
	if strings.TrimSpace(src) == "" && htmlBody != "" {
		src = html.UnescapeString(p.stripper.Sanitize(htmlBody))
	}
	src = strings.Join(strings.Fields(src), " ")
	if utf8.RuneCountInString(src) <= SnippetLength {
		return src
	}
	return string([]rune(src)[:SnippetLength])
}

// applyRoutingRules applies every matching rule of the mailbox to em.
func applyRoutingRules(em *models.EmailMessage, rules []mailbox.RoutingRule) {
	for _, rule := range rules {
		if !ruleMatches(em, rule.Conditions) {
			continue
		}
		a := rule.Actions
		for _, userID := range a.AssignTo {
			em.Labels = appendUnique(em.Labels, "assigned:"+userID)
		}
		for _, tag := range a.AddTags {
			em.Labels = appendUnique(em.Labels, tag)
		}
		switch a.SetPriority {
		case models.ImportanceLow, models.ImportanceNormal, models.ImportanceHigh:
			em.Importance = a.SetPriority
		}
		if a.AutoReply != "" {
			em.Labels = appendUnique(em.Labels, "auto-reply:"+a.AutoReply)
		}
	}
}

func ruleMatches(em *models.EmailMessage, c mailbox.RuleConditions) bool {
	if c.Subject != "" && !containsFold(em.Subject, c.Subject) {
		return false
	}
	if c.From != "" && !containsFold(em.From.Email, c.From) && !containsFold(em.From.Name, c.From) {
		return false
	}
	if len(c.Keywords) > 0 {
		content := em.Subject + " " + em.TextContent
		found := false
		for _, kw := range c.Keywords {
			if kw != "" && containsFold(content, kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

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

package normalize

import (
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/bcem/inbound/internal/models"
)

// wordDecoder decodes RFC 2047 encoded words in any charset go-message knows.
var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// ParseAddress parses `"Display Name" <addr@host>`, `Name <addr@host>` or a
// bare `addr@host`. The address is lower-cased and the display name is
// trimmed of surrounding quotes. Encoded-word names are decoded.
func ParseAddress(s string) (models.Address, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Address{}, false
	}

	// Strict RFC 5322 first; it handles comments and quoted-pairs.
	if a, err := mail.ParseAddress(s); err == nil && validEmail(a.Address) {
		return models.Address{
			Email: strings.ToLower(a.Address),
			Name:  cleanName(a.Name),
		}, true
	}

	var name, email string
	if lt := strings.LastIndex(s, "<"); lt >= 0 {
		gt := strings.LastIndex(s, ">")
		if gt < lt {
			gt = len(s)
		}
		email = s[lt+1 : gt]
		name = s[:lt]
	} else {
		email = s
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if !validEmail(email) {
		return models.Address{}, false
	}
	return models.Address{Email: email, Name: cleanName(name)}, true
}

// ParseAddressList splits on commas outside quotes and angle brackets and
// parses each element. Unparsable elements are dropped; duplicates (by
// lower-cased address) keep their first occurrence.
func ParseAddressList(s string) []models.Address {
	var out []models.Address
	seen := make(map[string]bool)
	for _, item := range splitAddressList(s) {
		a, ok := ParseAddress(item)
		if !ok || seen[a.Email] {
			continue
		}
		seen[a.Email] = true
		out = append(out, a)
	}
	return out
}

func splitAddressList(s string) []string {
	var (
		parts   []string
		cur     strings.Builder
		quoted  bool
		angle   int
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == '<' && !quoted:
			angle++
		case r == '>' && !quoted && angle > 0:
			angle--
		case (r == ',' || r == ';') && !quoted && angle == 0:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	parts = append(parts, cur.String())
	return parts
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, `"'`)
	name = strings.TrimSpace(name)
	if strings.Contains(name, "=?") {
		if decoded, err := wordDecoder.DecodeHeader(name); err == nil {
			name = decoded
		}
	}
	return name
}

func validEmail(s string) bool {
	if strings.ContainsAny(s, " \t\r\n<>\",") {
		return false
	}
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return false
	}
	return true
}

// Domain returns the part after the last '@', or "" if there is none.
func Domain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}

// LocalPart returns the part before the last '@'.
func LocalPart(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}

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

// Package normalize turns a raw inbound-parse webhook payload into the
// canonical InboundMessage consumed by the rest of the pipeline.
//
// Parsing is split in two steps: ParseForm reads the provider fields into a
// typed Payload, and Normalizer.Normalize validates it and derives the
// message identity, recipients and reply-chain headers.
package normalize

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bcem/inbound/internal/models"
)

// ErrMalformedPayload is returned when a payload lacks a parsable sender or
// any recipient. No side effects happen before this check.
var ErrMalformedPayload = errors.New("malformed payload")

// DefaultMaxContentChars caps text and HTML bodies.
const DefaultMaxContentChars = 900000

// Config controls normalisation.
type Config struct {
	// MessageIDSuffix is the domain part of synthesized message ids.
	MessageIDSuffix string
	// MaxContentChars truncates bodies longer than this many runes.
	MaxContentChars int
}

// Normalizer converts payloads into InboundMessages.
type Normalizer struct {
	suffix     string
	maxContent int
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	n := &Normalizer{
		suffix:     cfg.MessageIDSuffix,
		maxContent: cfg.MaxContentChars,
	}
	if n.suffix == "" {
		n.suffix = "inbound.local"
	}
	if n.maxContent <= 0 {
		n.maxContent = DefaultMaxContentChars
	}
	return n
}

// Normalize validates p and builds the canonical message.
func (n *Normalizer) Normalize(p *Payload) (*models.InboundMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	headers := ParseHeaders(p.Headers)

	fromRaw := firstNonEmpty(p.From, headers.Get("From"))
	from, ok := ParseAddress(fromRaw)
	if !ok {
		return nil, fmt.Errorf("%w: missing or unparsable from address %q", ErrMalformedPayload, fromRaw)
	}

	to := ParseAddressList(firstNonEmpty(p.To, headers.Get("To")))
	if p.Envelope != nil {
		to = unionEnvelope(to, p.Envelope.To)
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrMalformedPayload)
	}

	subject := firstNonEmpty(p.Subject, headers.Get("Subject"))
	if strings.Contains(subject, "=?") {
		if decoded, err := wordDecoder.DecodeHeader(subject); err == nil {
			subject = decoded
		}
	}

	msgID, synthesized := MessageID(headers, n.suffix, p)

	msg := &models.InboundMessage{
		MessageID:   msgID,
		Synthesized: synthesized,
		From:        from,
		To:          to,
		Cc:          ParseAddressList(firstNonEmpty(p.Cc, headers.Get("Cc"))),
		Subject:     strings.TrimSpace(subject),
		Text:        truncate(p.Text, n.maxContent),
		HTML:        truncate(p.HTML, n.maxContent),
		RawHeaders:  p.Headers,
		Headers:     headers.Map(),
		InReplyTo:   stripAngles(strings.TrimSpace(headers.Get("In-Reply-To"))),
		References:  SplitReferences(headers.Get("References")),
		SpamScore:   p.SpamScore,
		SpamReport:  p.SpamReport,
		Envelope:    p.Envelope,
	}

	// Some relays put multiple ids in In-Reply-To; keep the first.
	if fields := strings.Fields(msg.InReplyTo); len(fields) > 1 {
		msg.InReplyTo = stripAngles(fields[0])
	}

	for _, h := range []string{"X-Original-To", "X-Forwarded-To"} {
		msg.ForwardedTo = append(msg.ForwardedTo, ParseAddressList(headers.Get(h))...)
	}

	return msg, nil
}

// MessageID extracts the Message-ID header, stripping one leading '<' and
// one trailing '>'. When the header is absent an id is synthesized: a
// fingerprint of the header block and bodies when headers are present (so
// provider retries of the same delivery map to the same id), otherwise 128
// random bits.
func MessageID(h Headers, suffix string, p *Payload) (string, bool) {
	if id := stripAngles(strings.TrimSpace(h.Get("Message-ID"))); id != "" {
		return id, false
	}

	var token string
	if p != nil && strings.TrimSpace(p.Headers) != "" {
		sum := sha256.Sum256([]byte(strings.Join([]string{
			p.Headers, p.From, p.To, p.Subject, p.Text, p.HTML,
		}, "\x00")))
		token = hex.EncodeToString(sum[:16])
	} else {
		b := make([]byte, 16)
		rand.Read(b)
		token = hex.EncodeToString(b)
	}
	return "inbound-" + token + "@" + suffix, true
}

// SplitReferences splits a References header into ids, oldest first.
// Whitespace and commas separate entries; angle brackets are removed.
func SplitReferences(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := stripAngles(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func stripAngles(s string) string {
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimSpace(s)
}

// unionEnvelope appends envelope recipients not already present.
func unionEnvelope(to []models.Address, envelope []string) []models.Address {
	seen := make(map[string]bool, len(to))
	for _, a := range to {
		seen[a.Email] = true
	}
	for _, raw := range envelope {
		a, ok := ParseAddress(raw)
		if !ok || seen[a.Email] {
			continue
		}
		seen[a.Email] = true
		to = append(to, a)
	}
	return to
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + fmt.Sprintf("\n\n[Content truncated: message exceeded %d characters]", max)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

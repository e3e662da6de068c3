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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/bcem/inbound/internal/attachment"
	"github.com/bcem/inbound/internal/models"
)

// Payload is the typed form of a SendGrid Inbound Parse POST. Every field is
// optional at this stage; Normalize enforces what is mandatory.
type Payload struct {
	To      string
	From    string
	Cc      string
	Subject string
	Text    string
	HTML    string
	Headers string

	// Email holds the full MIME message when the parse webhook is set to
	// post raw messages.
	Email string

	Attachments    int
	AttachmentInfo map[string]attachment.Info
	Parts          map[string]attachment.Part

	Envelope   *models.Envelope
	SpamScore  *float64
	SpamReport string
	Charsets   map[string]string
}

// ParseForm reads a multipart (or urlencoded) inbound webhook request into a
// Payload. Text fields are decoded to UTF-8 using the provider's charsets
// map. Malformed optional JSON fields are logged and ignored.
func ParseForm(r *http.Request, maxMemory int64) (*Payload, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxMemory); err != nil {
			return nil, fmt.Errorf("%w: parse multipart form: %v", ErrMalformedPayload, err)
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: parse form: %v", ErrMalformedPayload, err)
	}

	p := &Payload{
		To:         r.FormValue("to"),
		From:       r.FormValue("from"),
		Cc:         r.FormValue("cc"),
		Subject:    r.FormValue("subject"),
		Text:       r.FormValue("text"),
		HTML:       r.FormValue("html"),
		Headers:    r.FormValue("headers"),
		Email:      r.FormValue("email"),
		SpamReport: r.FormValue("spam_report"),
		Parts:      make(map[string]attachment.Part),
	}

	if v := strings.TrimSpace(r.FormValue("attachments")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Attachments = min(n, attachment.MaxDeclared)
		}
	}

	if v := r.FormValue("attachment-info"); v != "" {
		if err := json.Unmarshal([]byte(v), &p.AttachmentInfo); err != nil {
			slog.Warn("ignoring unparsable attachment-info", "error", err)
		}
	}

	if v := r.FormValue("envelope"); v != "" {
		var env models.Envelope
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			slog.Warn("ignoring unparsable envelope", "error", err)
		} else {
			p.Envelope = &env
		}
	}

	if v := r.FormValue("charsets"); v != "" {
		if err := json.Unmarshal([]byte(v), &p.Charsets); err != nil {
			slog.Warn("ignoring unparsable charsets", "error", err)
		}
	}

	p.SpamScore = parseSpamScore(r.FormValue("spam_score"))

	if r.MultipartForm != nil {
		for key, files := range r.MultipartForm.File {
			if len(files) > 0 {
				p.Parts[key] = attachment.FilePart{Header: files[0]}
			}
		}
	}

	p.decodeCharsets()

	if p.Text == "" && p.HTML == "" && p.Email != "" {
		if err := p.fillFromRaw(); err != nil {
			slog.Warn("raw MIME fallback failed", "error", err)
		}
	}

	return p, nil
}

// PayloadFromRaw builds a Payload from a complete RFC 5322 message, as the
// relay would post it in raw mode.
func PayloadFromRaw(raw []byte) (*Payload, error) {
	p := &Payload{
		Email: string(raw),
		Parts: make(map[string]attachment.Part),
	}
	if err := p.fillFromRaw(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}

func parseSpamScore(v string) *float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// decodeCharsets converts fields the provider declared in a non-UTF-8
// charset. HTML without a declaration is sniffed from its meta tags.
func (p *Payload) decodeCharsets() {
	fields := map[string]*string{
		"to":      &p.To,
		"from":    &p.From,
		"cc":      &p.Cc,
		"subject": &p.Subject,
		"text":    &p.Text,
		"headers": &p.Headers,
	}
	for name, ptr := range fields {
		label := p.Charsets[name]
		if *ptr == "" || isUTF8Label(label) {
			continue
		}
		decoded, err := decodeText(label, *ptr)
		if err != nil {
			slog.Debug("charset decode failed", "field", name, "charset", label, "error", err)
			continue
		}
		*ptr = decoded
	}

	if p.HTML != "" {
		if decoded, err := decodeHTML(p.Charsets["html"], p.HTML); err == nil {
			p.HTML = decoded
		} else {
			slog.Debug("html charset decode failed", "error", err)
		}
	}
}

func isUTF8Label(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return l == "" || l == "utf-8" || l == "utf8" || l == "us-ascii"
}

func decodeText(label, s string) (string, error) {
	r, err := charset.Reader(label, strings.NewReader(s))
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHTML(label, s string) (string, error) {
	if !isUTF8Label(label) {
		r, err := htmlcharset.NewReaderLabel(label, strings.NewReader(s))
		if err != nil {
			return "", err
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	if utf8.ValidString(s) {
		return s, nil
	}
	enc, _, _ := htmlcharset.DetermineEncoding([]byte(s), "text/html")
	return enc.NewDecoder().String(s)
}

// fillFromRaw populates bodies, headers and attachments from the raw MIME
// message.
func (p *Payload) fillFromRaw() error {
	mr, err := mail.CreateReader(strings.NewReader(p.Email))
	if err != nil && mr == nil {
		return fmt.Errorf("read raw message: %w", err)
	}
	defer mr.Close()

	if p.Headers == "" {
		var b strings.Builder
		fields := mr.Header.Fields()
		for fields.Next() {
			b.WriteString(fields.Key())
			b.WriteString(": ")
			b.WriteString(fields.Value())
			b.WriteString("\r\n")
		}
		p.Headers = b.String()
	}

	n := p.Attachments
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("next raw part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case ct == "text/html" && p.HTML == "":
				p.HTML = string(body)
			case (ct == "text/plain" || ct == "") && p.Text == "":
				p.Text = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("skipping unreadable raw attachment", "filename", filename, "error", err)
				continue
			}
			n++
			key := fmt.Sprintf("attachment%d", n)
			p.Parts[key] = attachment.BytesPart{Name: filename, Type: ct, Data: body}
			if cid := h.Get("Content-Id"); cid != "" {
				if p.AttachmentInfo == nil {
					p.AttachmentInfo = make(map[string]attachment.Info)
				}
				p.AttachmentInfo[key] = attachment.Info{Filename: filename, Type: ct, ContentID: cid}
			}
		}
	}
	p.Attachments = n
	return nil
}

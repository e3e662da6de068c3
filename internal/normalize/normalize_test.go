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
	"bytes"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/bcem/inbound/internal/attachment"
	"github.com/bcem/inbound/internal/models"
)

func TestParseHeaders_Folding(t *testing.T) {
	blob := "Received: from mx.example.com\r\n" +
		"\tby relay.example.net; Mon, 2 Mar 2026 10:00:00 +0000\r\n" +
		"Subject: Hello\r\n" +
		"  world\r\n" +
		"message-id: <abc@x.com>\r\n" +
		"Message-ID: <second@x.com>\r\n" +
		"not a header line\r\n"

	h := ParseHeaders(blob)

	if got := h.Get("received"); got != "from mx.example.com by relay.example.net; Mon, 2 Mar 2026 10:00:00 +0000" {
		t.Errorf("Received = %q", got)
	}
	if got := h.Get("SUBJECT"); got != "Hello world" {
		t.Errorf("Subject = %q, want %q", got, "Hello world")
	}
	if got := h.Get("Message-Id"); got != "<abc@x.com>" {
		t.Errorf("Message-ID = %q, want first match", got)
	}
	if h.Has("X-Missing") {
		t.Error("Has(X-Missing) = true")
	}
	if len(h) != 4 {
		t.Errorf("len = %d, want 4", len(h))
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in       string
		wantMail string
		wantName string
		wantOK   bool
	}{
		{in: `"Jane Doe" <Jane@Example.COM>`, wantMail: "jane@example.com", wantName: "Jane Doe", wantOK: true},
		{in: `Jane Doe <jane@example.com>`, wantMail: "jane@example.com", wantName: "Jane Doe", wantOK: true},
		{in: `jane@example.com`, wantMail: "jane@example.com", wantOK: true},
		{in: `  <JANE@example.com> `, wantMail: "jane@example.com", wantOK: true},
		{in: `"Müller, Hans" <hans@example.de>`, wantMail: "hans@example.de", wantName: "Müller, Hans", wantOK: true},
		{in: `=?UTF-8?Q?J=C3=BCrgen?= <j@example.de>`, wantMail: "j@example.de", wantName: "Jürgen", wantOK: true},
		{in: `not-an-address`, wantOK: false},
		{in: ``, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, ok := ParseAddress(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if a.Email != tt.wantMail {
				t.Errorf("Email = %q, want %q", a.Email, tt.wantMail)
			}
			if a.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", a.Name, tt.wantName)
			}
		})
	}
}

func TestParseAddressList_DedupAndQuotedCommas(t *testing.T) {
	got := ParseAddressList(`"Doe, Jane" <jane@x.com>, JANE@x.com, bob@y.com, bogus`)
	want := []string{"jane@x.com", "bob@y.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].Email != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i].Email, want[i])
		}
	}
	if got[0].Name != "Doe, Jane" {
		t.Errorf("Name = %q, want %q", got[0].Name, "Doe, Jane")
	}
}

func TestSplitReferences(t *testing.T) {
	got := SplitReferences("<a@x>  <b@x>\r\n\t<c@x>,<d@x>")
	want := []string{"a@x", "b@x", "c@x", "d@x"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}
	if len(SplitReferences("")) != 0 {
		t.Error("empty header should yield no references")
	}
}

func TestNormalize_Basic(t *testing.T) {
	n := New(Config{MessageIDSuffix: "inbound.test"})
	p := &Payload{
		From:    `"Alice" <Alice@X.com>`,
		To:      "Support <support@acme.example.com>, support@ACME.example.com",
		Subject: "Help",
		Text:    "body",
		Headers: "Message-ID: <m1@x.com>\nIn-Reply-To: <parent@x.com>\nReferences: <root@x.com> <parent@x.com>\n",
		Envelope: &models.Envelope{
			To: []string{"support@acme.example.com", "hidden@acme.example.com"},
		},
	}

	msg, err := n.Normalize(p)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if msg.MessageID != "m1@x.com" || msg.Synthesized {
		t.Errorf("MessageID = %q (synth %v), want m1@x.com", msg.MessageID, msg.Synthesized)
	}
	if msg.From.Email != "alice@x.com" || msg.From.Name != "Alice" {
		t.Errorf("From = %+v", msg.From)
	}
	if len(msg.To) != 2 || msg.To[0].Email != "support@acme.example.com" || msg.To[1].Email != "hidden@acme.example.com" {
		t.Errorf("To = %+v, want header recipient then envelope-only recipient", msg.To)
	}
	if msg.InReplyTo != "parent@x.com" {
		t.Errorf("InReplyTo = %q", msg.InReplyTo)
	}
	if len(msg.References) != 2 || msg.References[0] != "root@x.com" {
		t.Errorf("References = %v", msg.References)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	n := New(Config{})
	tests := []struct {
		name string
		p    *Payload
	}{
		{name: "nil", p: nil},
		{name: "missing from", p: &Payload{To: "a@x.com"}},
		{name: "bad from", p: &Payload{From: "nobody", To: "a@x.com"}},
		{name: "missing to", p: &Payload{From: "a@x.com"}},
		{name: "unparsable to", p: &Payload{From: "a@x.com", To: "garbage"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.p)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestNormalize_EnvelopeOnlyRecipient(t *testing.T) {
	n := New(Config{})
	msg, err := n.Normalize(&Payload{
		From:     "a@x.com",
		Envelope: &models.Envelope{To: []string{"catchall@sales.example.com"}},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msg.To) != 1 || msg.To[0].Email != "catchall@sales.example.com" {
		t.Errorf("To = %+v", msg.To)
	}
}

func TestMessageID_Synthesized(t *testing.T) {
	// Without headers every call is random.
	a, synthA := MessageID(nil, "inbound.test", &Payload{From: "a@x.com"})
	b, _ := MessageID(nil, "inbound.test", &Payload{From: "a@x.com"})
	if !synthA {
		t.Error("expected synthesized id")
	}
	if a == b {
		t.Errorf("random ids collided: %q", a)
	}
	if !strings.HasSuffix(a, "@inbound.test") {
		t.Errorf("id %q lacks suffix", a)
	}
	// 16 random bytes hex-encoded.
	if token := strings.TrimSuffix(strings.TrimPrefix(a, "inbound-"), "@inbound.test"); len(token) != 32 {
		t.Errorf("token length = %d, want 32", len(token))
	}

	// With a header block, a retried delivery maps to the same id.
	p := &Payload{From: "a@x.com", To: "b@y.com", Headers: "Date: Mon, 2 Mar 2026 10:00:00 +0000\n"}
	h := ParseHeaders(p.Headers)
	c, _ := MessageID(h, "inbound.test", p)
	d, _ := MessageID(h, "inbound.test", p)
	if c != d {
		t.Errorf("fingerprint ids differ: %q vs %q", c, d)
	}
}

func TestNormalize_Truncates(t *testing.T) {
	n := New(Config{MaxContentChars: 5})
	msg, err := n.Normalize(&Payload{From: "a@x.com", To: "b@y.com", Text: "äöüßéèà"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !strings.HasPrefix(msg.Text, "äöüßé\n\n[Content truncated") {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestParseForm_Multipart(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"from":            "Alice <alice@x.com>",
		"to":              "support@acme.example.com",
		"subject":         "Caf\xe9",
		"text":            "hello",
		"charsets":        `{"subject":"iso-8859-1","text":"utf-8"}`,
		"spam_score":      "1.5",
		"attachments":     "1",
		"attachment-info": `{"attachment1":{"filename":"a.txt","type":"text/plain","content-id":"<img1>"}}`,
		"envelope":        `{"to":["support@acme.example.com"],"from":"alice@x.com"}`,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	fw, err := w.CreateFormFile("attachment1", "a.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("file body"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid/inbound", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	p, err := ParseForm(req, 1<<20)
	if err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	if p.Subject != "Café" {
		t.Errorf("Subject = %q, want Café", p.Subject)
	}
	if p.SpamScore == nil || *p.SpamScore != 1.5 {
		t.Errorf("SpamScore = %v", p.SpamScore)
	}
	if p.Attachments != 1 || p.Parts["attachment1"] == nil {
		t.Errorf("Attachments = %d, parts = %v", p.Attachments, p.Parts)
	}
	if p.AttachmentInfo["attachment1"].ContentID != "<img1>" {
		t.Errorf("AttachmentInfo = %+v", p.AttachmentInfo)
	}
	if p.Envelope == nil || len(p.Envelope.To) != 1 {
		t.Errorf("Envelope = %+v", p.Envelope)
	}
}

func TestParseForm_AttachmentCountCeiling(t *testing.T) {
	form := url.Values{"from": {"a@x.com"}, "to": {"b@y.com"}, "attachments": {"4611686018427387904"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p, err := ParseForm(req, 1<<20)
	if err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	if p.Attachments != attachment.MaxDeclared {
		t.Errorf("Attachments = %d, want %d", p.Attachments, attachment.MaxDeclared)
	}
}

func TestParseForm_RawMIME(t *testing.T) {
	raw := "From: Bob <bob@x.com>\r\n" +
		"To: support@acme.example.com\r\n" +
		"Subject: Raw\r\n" +
		"Message-ID: <raw-1@x.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"doc.pdf\"\r\n" +
		"\r\n" +
		"%PDF-1.4\r\n" +
		"--BOUNDARY--\r\n"

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("email="+url.QueryEscape(raw)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p, err := ParseForm(req, 1<<20)
	if err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	if !strings.Contains(p.Text, "plain body") {
		t.Errorf("Text = %q", p.Text)
	}
	if p.Attachments != 1 {
		t.Errorf("Attachments = %d, want 1", p.Attachments)
	}

	msg, err := New(Config{}).Normalize(p)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.MessageID != "raw-1@x.com" || msg.From.Email != "bob@x.com" || msg.Subject != "Raw" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestPayloadFromRaw(t *testing.T) {
	raw := "From: Bob <bob@x.com>\r\n" +
		"To: support@acme.example.com\r\n" +
		"Subject: Archived\r\n" +
		"Message-ID: <arch-1@x.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"from the archive\r\n"

	p, err := PayloadFromRaw([]byte(raw))
	if err != nil {
		t.Fatalf("PayloadFromRaw: %v", err)
	}
	if !strings.Contains(p.Text, "from the archive") {
		t.Errorf("Text = %q", p.Text)
	}

	msg, err := New(Config{}).Normalize(p)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.MessageID != "arch-1@x.com" || msg.Subject != "Archived" || len(msg.To) != 1 {
		t.Errorf("msg = %+v", msg)
	}
}

func TestNormalize_EncodedWords(t *testing.T) {
	p := &Payload{
		From:    "=?windows-1252?Q?Ren=E9e?= <renee@client.test>",
		To:      "support@acme.example.com",
		Subject: "=?UTF-8?B?w5xiZXJ3ZWlzdW5n?= =?windows-1252?Q?f=FCr_Caf=E9?=",
		Text:    "x",
	}

	msg, err := New(Config{}).Normalize(p)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Subject != "Überweisungfür Café" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.From.Name != "Renée" || msg.From.Email != "renee@client.test" {
		t.Errorf("From = %+v", msg.From)
	}
}

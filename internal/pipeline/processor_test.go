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
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/inbound/internal/attachment"
	"github.com/bcem/inbound/internal/dedup"
	"github.com/bcem/inbound/internal/mailbox"
	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/normalize"
	"github.com/bcem/inbound/internal/store"
	"github.com/bcem/inbound/internal/threading"
)

var received = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

// --- Mocks ---

type mockPublisher struct {
	mu     sync.Mutex
	events []*models.MessageStoredEvent
	err    error
}

func (m *mockPublisher) PublishMessageStored(_ context.Context, e *models.MessageStoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

// failingStore rejects message inserts and delegates everything else.
type failingStore struct {
	store.Store
}

func (f failingStore) Insert(ctx context.Context, collection string, doc any) (string, error) {
	if collection == store.EmailMessages {
		return "", errors.New("disk full")
	}
	return f.Store.Insert(ctx, collection, doc)
}

type unreadablePart struct{}

func (unreadablePart) Filename() string    { return "scan.pdf" }
func (unreadablePart) ContentType() string { return "application/pdf" }
func (unreadablePart) Open() (io.ReadCloser, error) {
	return nil, errors.New("multipart file vanished")
}

type mockUploader struct{}

func (mockUploader) Upload(_ context.Context, _ []byte, filename, _ string) (string, error) {
	return "https://blobs.test/" + filename, nil
}

// --- Helpers ---

func newProcessor(s store.Store, pub EventPublisher) *Processor {
	now := func() time.Time { return received }
	return New(s,
		normalize.New(normalize.Config{MessageIDSuffix: "inbound.test"}),
		mailbox.NewResolver(s),
		dedup.NewGuard(dedup.GuardConfig{Store: s}),
		threading.NewMatcher(threading.Config{Store: s, Now: now}),
		WithClock(now),
		WithEvents(pub),
		WithAttachments(attachment.NewPipeline(attachment.PipelineConfig{Uploader: mockUploader{}})),
	)
}

func seedMailboxes(t *testing.T, s store.Store, boxes ...mailbox.Mailbox) {
	t.Helper()
	for _, mb := range boxes {
		if _, err := s.Insert(context.Background(), store.Mailboxes, mb); err != nil {
			t.Fatalf("seed mailbox: %v", err)
		}
	}
}

func supportMailbox() mailbox.Mailbox {
	return mailbox.Mailbox{
		ID:             "mb-support",
		OrganizationID: "org-acme",
		Kind:           mailbox.KindDomain,
		InboxAddress:   "support@acme.example.com",
		Status:         mailbox.StatusActive,
		DomainID:       "dom-acme",
		UserID:         "owner-1",
	}
}

func helpPayload() *normalize.Payload {
	return &normalize.Payload{
		From:    "Casey Customer <casey@client.test>",
		To:      "support@acme.example.com",
		Subject: "Help",
		Text:    "I need help with my account.",
		Headers: "Message-ID: <m1@client.test>\r\nFrom: casey@client.test\r\nSubject: Help\r\n",
	}
}

func getMessage(t *testing.T, s store.Store, id string) models.EmailMessage {
	t.Helper()
	var em models.EmailMessage
	ok, err := s.Get(context.Background(), store.EmailMessages, id, &em)
	if err != nil || !ok {
		t.Fatalf("get message %s: ok=%v err=%v", id, ok, err)
	}
	return em
}

func getThread(t *testing.T, s store.Store, id string) models.Thread {
	t.Helper()
	var th models.Thread
	ok, err := s.Get(context.Background(), store.Threads, id, &th)
	if err != nil || !ok {
		t.Fatalf("get thread %s: ok=%v err=%v", id, ok, err)
	}
	return th
}

// --- Tests ---

func TestProcess_StoresNewThread(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	pub := &mockPublisher{}
	p := newProcessor(s, pub)

	res, err := p.Process(context.Background(), helpPayload())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeStored || res.Strategy != threading.StrategyNew || !res.NewThread {
		t.Fatalf("result = %+v", res)
	}
	if res.Folder != models.FolderInbox || res.OrganizationID != "org-acme" {
		t.Errorf("result = %+v", res)
	}

	em := getMessage(t, s, res.EmailMessageID)
	if em.MessageID != "m1@client.test" || em.ThreadID != res.ThreadID || em.MailboxID != "mb-support" {
		t.Errorf("message = %+v", em)
	}
	if em.UserID != "owner-1" || em.IsRead || em.Importance != models.ImportanceNormal {
		t.Errorf("message flags = %+v", em)
	}
	if !em.ReceivedAt.Equal(received) || !em.SentAt.Equal(received) {
		t.Errorf("timestamps = %v / %v", em.ReceivedAt, em.SentAt)
	}
	if em.Snippet != "I need help with my account." {
		t.Errorf("Snippet = %q", em.Snippet)
	}

	th := getThread(t, s, res.ThreadID)
	if th.NormalizedSubject != "help" || th.MessageCount != 1 || th.UnreadCount != 1 {
		t.Errorf("thread = %+v", th)
	}
	if th.FirstMessageID != res.EmailMessageID || th.LastMessageID != res.EmailMessageID {
		t.Errorf("thread pointers = %s/%s", th.FirstMessageID, th.LastMessageID)
	}
	if th.DomainID != "dom-acme" || th.MailboxID != "mb-support" {
		t.Errorf("thread scope = %+v", th)
	}

	var mb mailbox.Mailbox
	if _, err := s.Get(context.Background(), store.Mailboxes, "mb-support", &mb); err != nil {
		t.Fatal(err)
	}
	if mb.UnreadCount != 1 || mb.ThreadCount != 1 {
		t.Errorf("mailbox counters = %d/%d, want 1/1", mb.UnreadCount, mb.ThreadCount)
	}

	if len(pub.events) != 1 || pub.events[0].EmailMessageID != res.EmailMessageID || !pub.events[0].NewThread {
		t.Errorf("events = %+v", pub.events)
	}
}

func TestProcess_RetryIsDuplicate(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, &mockPublisher{})
	ctx := context.Background()

	first, err := p.Process(ctx, helpPayload())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := p.Process(ctx, helpPayload())
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("Outcome = %s, want duplicate", second.Outcome)
	}
	if second.EmailMessageID != first.EmailMessageID || second.ThreadID != first.ThreadID {
		t.Errorf("duplicate points at %s/%s, want %s/%s", second.EmailMessageID, second.ThreadID, first.EmailMessageID, first.ThreadID)
	}
	if second.Detail != "duplicate — already in inbox" {
		t.Errorf("Detail = %q", second.Detail)
	}
	if n := s.Len(store.EmailMessages); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	if th := getThread(t, s, first.ThreadID); th.MessageCount != 1 {
		t.Errorf("thread messageCount = %d, want 1", th.MessageCount)
	}
}

func TestProcess_RetryWithoutMessageIDIsDuplicate(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, nil)
	ctx := context.Background()

	payload := func() *normalize.Payload {
		pl := helpPayload()
		pl.Headers = "From: casey@client.test\r\nSubject: Help\r\n"
		return pl
	}

	first, err := p.Process(ctx, payload())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !strings.HasSuffix(first.MessageID, "@inbound.test") {
		t.Errorf("synthesized MessageID = %q", first.MessageID)
	}
	second, err := p.Process(ctx, payload())
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("Outcome = %s, want duplicate", second.Outcome)
	}
}

func TestProcess_ConcurrentDuplicates(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, nil)

	const n = 12
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Process(context.Background(), helpPayload())
			errs[i] = err
			if res != nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	stored := 0
	for i := range outcomes {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		if outcomes[i] == OutcomeStored {
			stored++
		} else if outcomes[i] != OutcomeDuplicate {
			t.Errorf("delivery %d outcome = %s", i, outcomes[i])
		}
	}
	if stored != 1 {
		t.Errorf("stored = %d, want exactly 1", stored)
	}
	if got := s.Len(store.EmailMessages); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
	if got := s.Len(store.Threads); got != 1 {
		t.Errorf("threads = %d, want 1 (orphans discarded)", got)
	}
}

func TestProcess_ReplyJoinsThread(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, nil)
	ctx := context.Background()

	first, err := p.Process(ctx, helpPayload())
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	reply := &normalize.Payload{
		From:    "Agent <agent@elsewhere.test>",
		To:      "support@acme.example.com",
		Subject: "Different subject entirely",
		Text:    "Following up",
		Headers: "Message-ID: <m2@elsewhere.test>\r\nIn-Reply-To: <m1@client.test>\r\nReferences: <m1@client.test>\r\n",
	}
	second, err := p.Process(ctx, reply)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if second.ThreadID != first.ThreadID || second.Strategy != threading.StrategyHeaders || second.NewThread {
		t.Errorf("reply result = %+v", second)
	}

	th := getThread(t, s, first.ThreadID)
	if th.MessageCount != 2 || th.LastMessageID != second.EmailMessageID {
		t.Errorf("thread = %+v", th)
	}

	var mb mailbox.Mailbox
	s.Get(ctx, store.Mailboxes, "mb-support", &mb)
	if mb.UnreadCount != 2 || mb.ThreadCount != 1 {
		t.Errorf("mailbox counters = %d/%d, want 2/1", mb.UnreadCount, mb.ThreadCount)
	}
}

func TestProcess_Unresolved(t *testing.T) {
	s := store.NewMemory()
	p := newProcessor(s, nil)

	res, err := p.Process(context.Background(), helpPayload())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeArchived || res.EmailMessageID != "" {
		t.Errorf("result = %+v", res)
	}
	if s.Len(store.EmailMessages) != 0 || s.Len(store.Threads) != 0 {
		t.Error("archived delivery must not write")
	}
}

func TestProcess_Malformed(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, nil)

	pl := helpPayload()
	pl.From = ""
	pl.Headers = "Message-ID: <x@y>\r\n"

	_, err := p.Process(context.Background(), pl)
	if !errors.Is(err, normalize.ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	if s.Len(store.Threads) != 0 {
		t.Error("malformed payload must not create threads")
	}
}

func TestProcess_SpamAndRoutingRules(t *testing.T) {
	s := store.NewMemory()
	mb := supportMailbox()
	mb.RoutingRules = []mailbox.RoutingRule{
		{
			Name:       "urgent",
			Conditions: mailbox.RuleConditions{Keywords: []string{"URGENT"}},
			Actions: mailbox.RuleActions{
				AssignTo:    []string{"u9"},
				AddTags:     []string{"priority"},
				SetPriority: models.ImportanceHigh,
				AutoReply:   "ack",
			},
		},
		{
			Name:       "never",
			Conditions: mailbox.RuleConditions{From: "nobody@nowhere"},
			Actions:    mailbox.RuleActions{AddTags: []string{"wrong"}},
		},
	}
	seedMailboxes(t, s, mb)
	p := newProcessor(s, nil)

	score := 7.5
	pl := helpPayload()
	pl.Text = "This is urgent, please respond"
	pl.SpamScore = &score

	res, err := p.Process(context.Background(), pl)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	em := getMessage(t, s, res.EmailMessageID)

	if em.Folder != models.FolderSpam || res.Folder != models.FolderSpam {
		t.Errorf("Folder = %s", em.Folder)
	}
	want := []string{"spam", "assigned:u9", "priority", "auto-reply:ack"}
	if strings.Join(em.Labels, ",") != strings.Join(want, ",") {
		t.Errorf("Labels = %v, want %v", em.Labels, want)
	}
	if em.Importance != models.ImportanceHigh {
		t.Errorf("Importance = %s", em.Importance)
	}
}

func TestProcess_HTMLAndAttachments(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, nil)

	pl := helpPayload()
	pl.Text = ""
	pl.HTML = `<p>Hello <b>there</b></p><script>alert(1)</script><img src="cid:logo@x">`
	pl.Attachments = 1
	pl.AttachmentInfo = map[string]attachment.Info{
		"attachment1": {Filename: "logo.png", Type: "image/png", ContentID: "<logo@x>"},
	}
	pl.Parts = map[string]attachment.Part{
		"attachment1": attachment.BytesPart{Name: "logo.png", Type: "image/png", Data: []byte("\x89PNG")},
	}

	res, err := p.Process(context.Background(), pl)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	em := getMessage(t, s, res.EmailMessageID)

	if strings.Contains(em.HTMLContent, "<script") {
		t.Errorf("script not sanitized: %s", em.HTMLContent)
	}
	if !strings.Contains(em.HTMLContent, "https://blobs.test/logo.png") {
		t.Errorf("cid not replaced: %s", em.HTMLContent)
	}
	if em.Snippet != "Hello there" {
		t.Errorf("Snippet = %q", em.Snippet)
	}
	if len(em.Attachments) != 1 || em.Attachments[0].URL != "https://blobs.test/logo.png" || !em.Attachments[0].Inline {
		t.Errorf("Attachments = %+v", em.Attachments)
	}
}

func TestSnippet(t *testing.T) {
	p := New(nil, nil, nil, nil, nil)
	long := strings.Repeat("ä", 200)
	if got := p.snippet(long, ""); len([]rune(got)) != SnippetLength {
		t.Errorf("snippet length = %d", len([]rune(got)))
	}
	if got := p.snippet("  a\n\n b\t c ", ""); got != "a b c" {
		t.Errorf("snippet = %q", got)
	}
	if got := p.snippet("", "<div>Tom &amp; Jerry</div>"); got != "Tom & Jerry" {
		t.Errorf("html snippet = %q", got)
	}
}

func TestProcess_PublishFailureDoesNotFail(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, &mockPublisher{err: errors.New("redis down")})

	res, err := p.Process(context.Background(), helpPayload())
	if err != nil || res.Outcome != OutcomeStored {
		t.Errorf("res=%+v err=%v", res, err)
	}
}

func TestProcess_FailedInsertLeavesNoThread(t *testing.T) {
	mem := store.NewMemory()
	seedMailboxes(t, mem, supportMailbox())
	p := newProcessor(failingStore{Store: mem}, nil)

	pl := helpPayload()
	pl.Subject = "Hi"
	pl.Headers = "Message-ID: <hi-1@client.test>\r\n"

	for i := 0; i < 3; i++ {
		if _, err := p.Process(context.Background(), pl); err == nil {
			t.Fatalf("attempt %d: expected error", i+1)
		}
	}

	threads, err := mem.Find(context.Background(), store.Threads, store.Query{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(threads) != 0 {
		t.Errorf("threads = %d, want 0", len(threads))
	}
}

func TestProcess_UnreadableAttachmentIsSkipped(t *testing.T) {
	s := store.NewMemory()
	seedMailboxes(t, s, supportMailbox())
	p := newProcessor(s, nil)

	pl := helpPayload()
	pl.Attachments = 3
	pl.Parts = map[string]attachment.Part{
		"attachment1": attachment.BytesPart{Name: "a.txt", Type: "text/plain", Data: []byte("a")},
		"attachment2": unreadablePart{},
		"attachment3": attachment.BytesPart{Name: "c.txt", Type: "text/plain", Data: []byte("c")},
	}

	res, err := p.Process(context.Background(), pl)
	if err != nil || res.Outcome != OutcomeStored {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	em := getMessage(t, s, res.EmailMessageID)
	if len(em.Attachments) != 2 {
		t.Fatalf("Attachments = %+v, want 2", em.Attachments)
	}
	if em.Attachments[0].Filename != "a.txt" || em.Attachments[1].Filename != "c.txt" {
		t.Errorf("filenames = %q, %q", em.Attachments[0].Filename, em.Attachments[1].Filename)
	}
}

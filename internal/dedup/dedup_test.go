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

package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/store"
)

// --- Mock cache ---

type mockCache struct {
	mu      sync.Mutex
	entries map[string]Existing
	err     error
	gets    int
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]Existing)}
}

func (c *mockCache) Get(_ context.Context, key string) (*Existing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.err != nil {
		return nil, c.err
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *mockCache) Set(_ context.Context, key string, e Existing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = e
	}
	return nil
}

func storeMessage(t *testing.T, s store.Store, m models.EmailMessage) {
	t.Helper()
	if _, err := s.Insert(context.Background(), store.EmailMessages, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestCheck_StoreIsAuthoritative(t *testing.T) {
	s := store.NewMemory()
	storeMessage(t, s, models.EmailMessage{ID: "em-1", OrganizationID: "org-a", MessageID: "abc@mail", ThreadID: "th-1", Folder: models.FolderInbox})
	g := NewGuard(GuardConfig{Store: s})
	ctx := context.Background()

	got, err := g.Check(ctx, "org-a", "abc@mail")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got == nil || got.EmailMessageID != "em-1" || got.ThreadID != "th-1" || got.Folder != "inbox" {
		t.Errorf("got %+v", got)
	}

	// Same message id in another tenant is not a duplicate.
	got, err = g.Check(ctx, "org-b", "abc@mail")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != nil {
		t.Errorf("cross-tenant hit: %+v", got)
	}
}

func TestCheck_CacheHitConfirmedByStore(t *testing.T) {
	s := store.NewMemory()
	storeMessage(t, s, models.EmailMessage{ID: "em-1", OrganizationID: "org-a", MessageID: "abc@mail", ThreadID: "th-1", Folder: models.FolderSpam})
	cache := newMockCache()
	g := NewGuard(GuardConfig{Store: s, Cache: cache})
	ctx := context.Background()

	g.Remember(ctx, "org-a", "abc@mail", Existing{EmailMessageID: "em-1", ThreadID: "th-1", Folder: models.FolderSpam})

	got, err := g.Check(ctx, "org-a", "abc@mail")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got == nil || got.Folder != models.FolderSpam {
		t.Errorf("got %+v, want spam hit", got)
	}
}

func TestCheck_StaleCacheFallsThrough(t *testing.T) {
	s := store.NewMemory()
	cache := newMockCache()
	cache.entries[cacheKey("org-a", "gone@mail")] = Existing{EmailMessageID: "deleted"}
	g := NewGuard(GuardConfig{Store: s, Cache: cache})

	got, err := g.Check(context.Background(), "org-a", "gone@mail")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != nil {
		t.Errorf("stale entry should not count as duplicate, got %+v", got)
	}
}

func TestCheck_CacheErrorFallsThrough(t *testing.T) {
	s := store.NewMemory()
	storeMessage(t, s, models.EmailMessage{ID: "em-1", OrganizationID: "org-a", MessageID: "abc@mail", ThreadID: "th-1", Folder: models.FolderInbox})
	cache := newMockCache()
	cache.err = errors.New("redis down")
	g := NewGuard(GuardConfig{Store: s, Cache: cache})

	got, err := g.Check(context.Background(), "org-a", "abc@mail")
	if err != nil {
		t.Fatalf("Check should not fail on cache error: %v", err)
	}
	if got == nil || got.EmailMessageID != "em-1" {
		t.Errorf("got %+v, want store hit", got)
	}

	// Remember must swallow cache errors.
	g.Remember(context.Background(), "org-a", "abc@mail", *got)
}

type failingStore struct{ store.Store }

func (failingStore) Find(context.Context, string, store.Query) ([]store.Record, error) {
	return nil, errors.New("timeout")
}

func TestCheck_StoreErrorPropagates(t *testing.T) {
	g := NewGuard(GuardConfig{Store: failingStore{}})
	if _, err := g.Check(context.Background(), "org", "id"); err == nil {
		t.Fatal("expected error")
	}
}

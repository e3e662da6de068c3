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

// Package dedup guarantees at-most-once storage of inbound messages. The
// store is authoritative; a Redis cache of recently persisted keys saves
// the indexed query on provider retries.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/inbound/internal/models"
	"github.com/bcem/inbound/internal/store"
)

const (
	// DefaultTTL is how long a persisted message key is cached. Provider
	// retries stop well within a day.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "inbound:seen:"
)

// Existing identifies an already-stored message.
type Existing struct {
	EmailMessageID string `json:"email_message_id"`
	ThreadID       string `json:"thread_id"`
	Folder         string `json:"folder"`
}

// Cache remembers persisted message keys.
type Cache interface {
	Get(ctx context.Context, key string) (*Existing, error)
	Set(ctx context.Context, key string, e Existing) error
}

// RedisCache is a Cache backed by Redis string keys with a TTL.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a cache backed by rdb. A zero ttl uses DefaultTTL.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached entry for key, or nil when absent.
func (c *RedisCache) Get(ctx context.Context, key string) (*Existing, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup GET: %w", err)
	}
	var e Existing
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode dedup entry: %w", err)
	}
	return &e, nil
}

// Set records key. The first writer wins (SET NX).
func (c *RedisCache) Set(ctx context.Context, key string, e Existing) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dedup entry: %w", err)
	}
	if err := c.rdb.SetNX(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SETNX: %w", err)
	}
	return nil
}

// Guard answers whether a (tenant, message id) pair is already stored.
type Guard struct {
	store store.Store
	cache Cache
}

// GuardConfig holds the configuration for a Guard. Cache is optional.
type GuardConfig struct {
	Store store.Store
	Cache Cache
}

// NewGuard creates a duplicate guard.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{store: cfg.Store, cache: cfg.Cache}
}

// Check returns the existing message for (orgID, messageID) or nil. A cache
// hit is only trusted after the referenced document is read back from the
// store; cache failures fall through to the store query.
func (g *Guard) Check(ctx context.Context, orgID, messageID string) (*Existing, error) {
	if g.cache != nil {
		if e := g.checkCache(ctx, orgID, messageID); e != nil {
			return e, nil
		}
	}

	found, err := store.FindAs[models.EmailMessage](ctx, g.store, store.EmailMessages, store.Query{
		Where: []store.Predicate{
			store.Eq("organizationId", orgID),
			store.Eq("messageId", messageID),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return existingFrom(&found[0]), nil
}

func (g *Guard) checkCache(ctx context.Context, orgID, messageID string) *Existing {
	cached, err := g.cache.Get(ctx, cacheKey(orgID, messageID))
	if err != nil {
		slog.Warn("dedup cache unavailable, using store", "tenant", orgID, "error", err)
		return nil
	}
	if cached == nil || cached.EmailMessageID == "" {
		return nil
	}

	var m models.EmailMessage
	ok, err := g.store.Get(ctx, store.EmailMessages, cached.EmailMessageID, &m)
	if err != nil || !ok || m.OrganizationID != orgID || m.MessageID != messageID {
		slog.Debug("stale dedup cache entry", "tenant", orgID, "message_id", messageID)
		return nil
	}
	return existingFrom(&m)
}

// Remember caches a successful persist. Failures are logged only.
func (g *Guard) Remember(ctx context.Context, orgID, messageID string, e Existing) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(orgID, messageID), e); err != nil {
		slog.Warn("failed to cache dedup key", "tenant", orgID, "message_id", messageID, "error", err)
	}
}

func existingFrom(m *models.EmailMessage) *Existing {
	return &Existing{EmailMessageID: m.ID, ThreadID: m.ThreadID, Folder: m.Folder}
}

func cacheKey(orgID, messageID string) string {
	return orgID + ":" + messageID
}

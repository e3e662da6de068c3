// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes ingestion events to a Redis list for downstream
// workers (notifications, analysis, CRM sync).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/inbound/internal/models"
)

// DefaultQueue is the Redis list events are pushed onto.
const DefaultQueue = "inbound:events"

// EventMessageStored is the job type of a MessageStoredEvent.
const EventMessageStored = "message.stored"

// redisList is the subset of the Redis client the publisher needs.
type redisList interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Publisher sends events to a Redis list.
type Publisher struct {
	rdb       redisList
	queueName string
	now       func() time.Time
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return newPublisher(rdb, queueName)
}

func newPublisher(rdb redisList, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       time.Now,
	}
}

// job is the envelope workers read from the list. Consumers BRPOP the list
// and dispatch on Type.
type job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Retries   int             `json:"retries"`
	Payload   json.RawMessage `json:"payload"`
}

// PublishMessageStored pushes a message.stored job for event.
func (p *Publisher) PublishMessageStored(ctx context.Context, event *models.MessageStoredEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal message stored event: %w", err)
	}

	j := job{
		ID:        uuid.New().String(),
		Type:      EventMessageStored,
		CreatedAt: p.now().UTC(),
		Payload:   payload,
	}
	msg, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published message stored event",
		"job_id", j.ID,
		"message_id", event.MessageID,
		"tenant", event.OrganizationID,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

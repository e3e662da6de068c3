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

// Package store provides the document-store abstraction the ingestion core
// persists through. Documents are JSON objects grouped into named
// collections; the core only relies on get-by-id, predicate queries,
// insert, field updates and atomic counter/set operations.
//
// Two backends are provided: Postgres (JSONB documents via pgxpool) for
// production and Memory for tests and local runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names used by the ingestion core.
const (
	Mailboxes        = "mailboxes"
	Threads          = "threads"
	EmailMessages    = "email_messages"
	RateLimitWindows = "rate_limit_windows"
	ActivityLog      = "activity_log"
)

// ErrDuplicate is returned by Insert when a unique index would be violated.
var ErrDuplicate = errors.New("store: duplicate document")

// ErrNotFound is returned by Update, Increment and AddToSet when the target
// document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Op is a predicate comparison operator.
type Op int

const (
	OpEq Op = iota
	OpIn
	OpGte
	OpLt
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpIn:
		return "in"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Predicate compares a top-level document field against a value.
// Supported value types: string, bool, int, int64, float64, time.Time and
// []string (OpIn only).
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Eq matches documents whose field equals v.
func Eq(field string, v any) Predicate { return Predicate{Field: field, Op: OpEq, Value: v} }

// In matches documents whose field equals any of vs.
func In(field string, vs []string) Predicate { return Predicate{Field: field, Op: OpIn, Value: vs} }

// Gte matches documents whose field is >= v.
func Gte(field string, v any) Predicate { return Predicate{Field: field, Op: OpGte, Value: v} }

// Lt matches documents whose field is strictly < v.
func Lt(field string, v any) Predicate { return Predicate{Field: field, Op: OpLt, Value: v} }

// Query selects documents from a collection. All predicates must hold.
type Query struct {
	Where   []Predicate
	OrderBy string
	Desc    bool
	Limit   int
}

// Record is a raw document returned by Find.
type Record struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the record into dst.
func (r Record) Decode(dst any) error {
	if err := json.Unmarshal(r.Data, dst); err != nil {
		return fmt.Errorf("decode document %s: %w", r.ID, err)
	}
	return nil
}

// Store is the persistence contract consumed by the ingestion core.
type Store interface {
	// Get loads a document by id into dst. It reports false when the
	// document does not exist.
	Get(ctx context.Context, collection, id string, dst any) (bool, error)

	// Find returns documents matching q.
	Find(ctx context.Context, collection string, q Query) ([]Record, error)

	// Insert stores doc and returns its id. When the document carries a
	// non-empty "id" field it is used, otherwise a new one is assigned.
	Insert(ctx context.Context, collection string, doc any) (string, error)

	// Update overwrites the given top-level fields.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Increment atomically adds each delta to its numeric field.
	Increment(ctx context.Context, collection, id string, deltas map[string]int64) error

	// AddToSet atomically unions values into a string-array field.
	AddToSet(ctx context.Context, collection, id, field string, values ...string) error

	// DeleteWhere removes every document matching all predicates and
	// returns the number removed.
	DeleteWhere(ctx context.Context, collection string, where ...Predicate) (int64, error)
}

// FindAs runs q and decodes each record into a T.
func FindAs[T any](ctx context.Context, s Store, collection string, q Query) ([]T, error) {
	records, err := s.Find(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := r.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// toDocument converts doc to a generic JSON object.
func toDocument(doc any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return m, nil
}

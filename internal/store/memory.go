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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It enforces the same unique indexes as the
// Postgres schema with a uniqueness check performed under its write lock.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]map[string]map[string]any // collection -> id -> document
	uniques map[string][][]string                // collection -> unique field sets
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]map[string]any),
		uniques: map[string][][]string{
			EmailMessages: {{"organizationId", "messageId"}},
		},
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, collection, id string, dst any) (bool, error) {
	m.mu.RLock()
	doc, ok := m.docs[collection][id]
	var data []byte
	var err error
	if ok {
		data, err = json.Marshal(doc)
	}
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("marshal document %s: %w", id, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode document %s: %w", id, err)
	}
	return true, nil
}

// Find implements Store.
func (m *Memory) Find(_ context.Context, collection string, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []map[string]any
	for _, doc := range m.docs[collection] {
		if matchAll(doc, q.Where) {
			matched = append(matched, doc)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i][q.OrderBy], matched[j][q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	} else {
		// Deterministic order for callers that take the first match.
		sort.SliceStable(matched, func(i, j int) bool {
			return fmt.Sprint(matched[i]["id"]) < fmt.Sprint(matched[j]["id"])
		})
	}

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	records := make([]Record, 0, len(matched))
	for _, doc := range matched {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
		records = append(records, Record{ID: fmt.Sprint(doc["id"]), Data: data})
	}
	return records, nil
}

// Insert implements Store.
func (m *Memory) Insert(_ context.Context, collection string, doc any) (string, error) {
	d, err := toDocument(doc)
	if err != nil {
		return "", err
	}

	id, _ := d["id"].(string)
	if id == "" {
		id = uuid.NewString()
		d["id"] = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.docs[collection]
	if coll == nil {
		coll = make(map[string]map[string]any)
		m.docs[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return "", fmt.Errorf("insert %s/%s: %w", collection, id, ErrDuplicate)
	}
	for _, fields := range m.uniques[collection] {
		for _, other := range coll {
			if sameFields(d, other, fields) {
				return "", fmt.Errorf("insert %s (%s): %w", collection, strings.Join(fields, ","), ErrDuplicate)
			}
		}
	}

	coll[id] = d
	return id, nil
}

// Update implements Store.
func (m *Memory) Update(_ context.Context, collection, id string, fields map[string]any) error {
	patch, err := toDocument(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range patch {
		doc[k] = v
	}
	return nil
}

// Increment implements Store.
func (m *Memory) Increment(_ context.Context, collection, id string, deltas map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return fmt.Errorf("increment %s/%s: %w", collection, id, ErrNotFound)
	}
	for field, delta := range deltas {
		cur, _ := doc[field].(float64)
		doc[field] = cur + float64(delta)
	}
	return nil
}

// AddToSet implements Store.
func (m *Memory) AddToSet(_ context.Context, collection, id, field string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return fmt.Errorf("add to set %s/%s: %w", collection, id, ErrNotFound)
	}

	existing, _ := doc[field].([]any)
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		if s, ok := v.(string); ok {
			seen[s] = true
		}
	}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			existing = append(existing, v)
		}
	}
	doc[field] = existing
	return nil
}

// DeleteWhere implements Store.
func (m *Memory) DeleteWhere(_ context.Context, collection string, where ...Predicate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, doc := range m.docs[collection] {
		if matchAll(doc, where) {
			delete(m.docs[collection], id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

func sameFields(a, b map[string]any, fields []string) bool {
	for _, f := range fields {
		av, aok := a[f]
		bv, bok := b[f]
		if !aok || !bok || av == nil || bv == nil {
			return false
		}
		if fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

func matchAll(doc map[string]any, preds []Predicate) bool {
	for _, p := range preds {
		if !matchOne(doc, p) {
			return false
		}
	}
	return true
}

func matchOne(doc map[string]any, p Predicate) bool {
	v, ok := doc[p.Field]
	if !ok || v == nil {
		return false
	}

	switch p.Op {
	case OpEq:
		return compareValues(v, jsonValue(p.Value)) == 0 && sameKind(v, jsonValue(p.Value))
	case OpIn:
		s, ok := v.(string)
		if !ok {
			return false
		}
		vs, _ := p.Value.([]string)
		for _, want := range vs {
			if s == want {
				return true
			}
		}
		return false
	case OpGte:
		return compareValues(v, jsonValue(p.Value)) >= 0
	case OpLt:
		return compareValues(v, jsonValue(p.Value)) < 0
	}
	return false
}

// jsonValue maps a predicate value onto its JSON-decoded representation.
func jsonValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case time.Time:
		return x
	default:
		return v
	}
}

func sameKind(a, b any) bool {
	switch b.(type) {
	case bool:
		_, ok := a.(bool)
		return ok
	case float64:
		_, ok := a.(float64)
		return ok
	}
	return true
}

// compareValues orders two JSON values. Timestamps stored as RFC 3339
// strings compare chronologically against time.Time operands.
func compareValues(a, b any) int {
	switch bv := b.(type) {
	case time.Time:
		at, ok := parseTime(a)
		if !ok {
			return -1
		}
		return at.Compare(bv)
	case float64:
		af, ok := a.(float64)
		if !ok {
			return -1
		}
		switch {
		case af < bv:
			return -1
		case af > bv:
			return 1
		}
		return 0
	case bool:
		ab, ok := a.(bool)
		if !ok || ab != bv {
			return -1
		}
		return 0
	case string:
		as, ok := a.(string)
		if !ok {
			return -1
		}
		if at, aok := parseTime(as); aok {
			if bt, bok := parseTime(bv); bok {
				return at.Compare(bt)
			}
		}
		return strings.Compare(as, bv)
	case nil:
		if a == nil {
			return 0
		}
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func parseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		return t, err == nil
	}
	return time.Time{}, false
}

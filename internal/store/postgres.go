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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Postgres stores documents as JSONB rows in a single table keyed on
// (collection, id).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a document store backed by the given Postgres pool.
// It ensures the documents table and its indexes exist on creation.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure document schema: %w", err)
	}
	slog.Info("document store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection  TEXT NOT NULL,
			id          TEXT NOT NULL,
			data        JSONB NOT NULL,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_docs_message_key
			ON documents ((data->>'organizationId'), (data->>'messageId'))
			WHERE collection = 'email_messages';
		CREATE INDEX IF NOT EXISTS idx_docs_thread_subject
			ON documents ((data->>'organizationId'), (data->>'normalizedSubject'))
			WHERE collection = 'threads';
		CREATE INDEX IF NOT EXISTS idx_docs_mailbox_inbox
			ON documents ((data->>'inboxAddress'))
			WHERE collection = 'mailboxes';
		CREATE INDEX IF NOT EXISTS idx_docs_mailbox_email
			ON documents ((data->>'email'))
			WHERE collection = 'mailboxes';
		CREATE INDEX IF NOT EXISTS idx_docs_windows_user
			ON documents ((data->>'userId'), (data->>'action'))
			WHERE collection = 'rate_limit_windows';
		CREATE INDEX IF NOT EXISTS idx_docs_activity_user
			ON documents ((data->>'userId'), (data->>'status'))
			WHERE collection = 'activity_log';
	`)
	return err
}

// Ping verifies connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get implements Store.
func (s *Postgres) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return true, nil
}

// Find implements Store.
func (s *Postgres) Find(ctx context.Context, collection string, q Query) ([]Record, error) {
	sql, args, err := buildSelect(collection, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var data []byte
		if err := rows.Scan(&r.ID, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		r.Data = data
		records = append(records, r)
	}
	return records, rows.Err()
}

// Insert implements Store.
func (s *Postgres) Insert(ctx context.Context, collection string, doc any) (string, error) {
	d, err := toDocument(doc)
	if err != nil {
		return "", err
	}
	id, _ := d["id"].(string)
	if id == "" {
		id = uuid.NewString()
		d["id"] = id
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal %s document: %w", collection, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
	`, collection, id, string(data))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("insert %s: %w", collection, ErrDuplicate)
		}
		return "", fmt.Errorf("insert %s: %w", collection, err)
	}
	return id, nil
}

// Update implements Store.
func (s *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET data = data || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2
	`, collection, id, string(data))
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// Increment implements Store. All deltas are applied in one statement.
func (s *Postgres) Increment(ctx context.Context, collection, id string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	sql, args := buildIncrement(collection, id, deltas)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("increment %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// AddToSet implements Store. Existing element order is preserved and new
// values are appended in argument order.
func (s *Postgres) AddToSet(ctx context.Context, collection, id, field string, values ...string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET data = jsonb_set(data, ARRAY[$3::text], (
			SELECT COALESCE(jsonb_agg(u.v ORDER BY u.ord), '[]'::jsonb)
			FROM (
				SELECT v, MIN(ord) AS ord
				FROM (
					SELECT e.v, e.ord
					FROM jsonb_array_elements_text(
						CASE WHEN jsonb_typeof(data->($3::text)) = 'array'
						     THEN data->($3::text) ELSE '[]'::jsonb END
					) WITH ORDINALITY AS e(v, ord)
					UNION ALL
					SELECT n.v, 1000000000 + n.ord
					FROM unnest($4::text[]) WITH ORDINALITY AS n(v, ord)
				) all_values
				GROUP BY v
			) u
		)), updated_at = NOW()
		WHERE collection = $1 AND id = $2
	`, collection, id, field, values)
	if err != nil {
		return fmt.Errorf("add to set %s/%s.%s: %w", collection, id, field, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add to set %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// DeleteWhere implements Store.
func (s *Postgres) DeleteWhere(ctx context.Context, collection string, where ...Predicate) (int64, error) {
	cond, args, err := buildWhere(collection, where)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM documents WHERE "+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", collection, err)
	}
	return tag.RowsAffected(), nil
}

// buildWhere compiles predicates into a SQL condition. Field names are
// passed as parameters, never interpolated.
func buildWhere(collection string, preds []Predicate) (string, []any, error) {
	args := []any{collection}
	conds := []string{"collection = $1"}

	param := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, p := range preds {
		field := param(p.Field)
		expr := fmt.Sprintf("(data->>(%s::text))", field)

		var cast string
		switch v := p.Value.(type) {
		case string:
			cast = ""
		case bool:
			cast = "::boolean"
		case int, int64, float64:
			cast = "::numeric"
		case time.Time:
			cast = "::timestamptz"
			p.Value = v.UTC()
		case []string:
			if p.Op != OpIn {
				return "", nil, fmt.Errorf("predicate on %q: []string requires In", p.Field)
			}
		default:
			return "", nil, fmt.Errorf("predicate on %q: unsupported value type %T", p.Field, p.Value)
		}

		switch p.Op {
		case OpEq:
			conds = append(conds, fmt.Sprintf("%s%s = %s", expr, cast, param(p.Value)))
		case OpIn:
			vs, ok := p.Value.([]string)
			if !ok {
				return "", nil, fmt.Errorf("predicate on %q: In requires []string", p.Field)
			}
			conds = append(conds, fmt.Sprintf("%s = ANY(%s::text[])", expr, param(vs)))
		case OpGte:
			conds = append(conds, fmt.Sprintf("%s%s >= %s", expr, cast, param(p.Value)))
		case OpLt:
			conds = append(conds, fmt.Sprintf("%s%s < %s", expr, cast, param(p.Value)))
		default:
			return "", nil, fmt.Errorf("predicate on %q: unsupported operator %s", p.Field, p.Op)
		}
	}

	return strings.Join(conds, " AND "), args, nil
}

// buildSelect compiles a Query. Ordering treats RFC 3339 values as
// timestamps so fractional-second precision does not skew the order.
func buildSelect(collection string, q Query) (string, []any, error) {
	cond, args, err := buildWhere(collection, q.Where)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT id, data FROM documents WHERE ")
	b.WriteString(cond)

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		f := fmt.Sprintf("(data->>($%d::text))", len(args))
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b,
			" ORDER BY CASE WHEN %[1]s ~ '^\\d{4}-\\d{2}-\\d{2}T' THEN %[1]s::timestamptz END %[2]s NULLS LAST, %[1]s %[2]s",
			f, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func buildIncrement(collection, id string, deltas map[string]int64) (string, []any) {
	fields := make([]string, 0, len(deltas))
	for f := range deltas {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	args := []any{collection, id}
	expr := "data"
	for _, f := range fields {
		args = append(args, f, deltas[f])
		fp := fmt.Sprintf("$%d", len(args)-1)
		dp := fmt.Sprintf("$%d", len(args))
		expr = fmt.Sprintf(
			"jsonb_set(%s, ARRAY[%s::text], to_jsonb(COALESCE((data->>(%s::text))::numeric, 0) + %s::bigint))",
			expr, fp, fp, dp)
	}

	sql := fmt.Sprintf(
		"UPDATE documents SET data = %s, updated_at = NOW() WHERE collection = $1 AND id = $2",
		expr)
	return sql, args
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

// RecordQuery appends a finished query. Recording the same id twice is a
// no-op.
func (s *Store) RecordQuery(ctx context.Context, r QueryRecord) error {
	q := s.sql.Insert("queries").
		Columns("id", "owner", "provider", "model", "exit_code", "response_chars", "empty",
			"input_tokens", "output_tokens", "cached_tokens", "cache_creation_tokens", "created_at", "finished_at").
		Values(r.ID, r.Owner, r.Provider, r.Model, r.ExitCode, r.ResponseChars, r.Empty,
			nullInt(r.InputTokens), nullInt(r.OutputTokens), nullInt(r.CachedTokens), nullInt(r.CacheCreationTokens),
			r.CreatedAt.UnixMilli(), r.FinishedAt.UnixMilli()).
		Suffix("ON CONFLICT(id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build record query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("record query: %w", err)
	}
	return nil
}

func (s *Store) GetQuery(ctx context.Context, id string) (QueryRecord, error) {
	rows, err := s.selectQueries(ctx, s.queryColumns().Where(sq.Eq{"id": id}))
	if err != nil {
		return QueryRecord{}, err
	}
	if len(rows) == 0 {
		return QueryRecord{}, ErrNotFound
	}
	return rows[0], nil
}

// RecentQueries lists the newest queries first. An empty owner lists all.
func (s *Store) RecentQueries(ctx context.Context, owner string, limit uint64) ([]QueryRecord, error) {
	q := s.queryColumns().OrderBy("created_at DESC", "id DESC")
	if owner != "" {
		q = q.Where(sq.Eq{"owner": owner})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.selectQueries(ctx, q)
}

// UsageByProvider sums token usage per provider for queries created at or
// after since.
func (s *Store) UsageByProvider(ctx context.Context, since time.Time) ([]ProviderUsage, error) {
	q := s.sql.Select(
		"provider",
		"COUNT(*)",
		"SUM(CASE WHEN empty THEN 1 ELSE 0 END)",
		"COALESCE(SUM(input_tokens), 0)",
		"COALESCE(SUM(output_tokens), 0)",
		"COALESCE(SUM(cached_tokens), 0)",
	).
		From("queries").
		Where(sq.GtOrEq{"created_at": since.UnixMilli()}).
		GroupBy("provider").
		OrderBy("provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("usage by provider: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderUsage, 0)
	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Queries, &u.Empty, &u.InputTokens, &u.OutputTokens, &u.CachedTokens); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

// Prune deletes queries created before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.sql.Delete("queries").Where(sq.Lt{"created_at": cutoff.UnixMilli()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("prune queries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryColumns() sq.SelectBuilder {
	return s.sql.Select("id", "owner", "provider", "model", "exit_code", "response_chars", "empty",
		"input_tokens", "output_tokens", "cached_tokens", "cache_creation_tokens", "created_at", "finished_at").
		From("queries")
}

func (s *Store) selectQueries(ctx context.Context, q sq.SelectBuilder) ([]QueryRecord, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select queries: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select queries: %w", err)
	}
	defer rows.Close()

	out := make([]QueryRecord, 0)
	for rows.Next() {
		var r QueryRecord
		var in, outTok, cached, created sql.NullInt64
		var createdAt, finishedAt int64
		if err := rows.Scan(
			&r.ID,
			&r.Owner,
			&r.Provider,
			&r.Model,
			&r.ExitCode,
			&r.ResponseChars,
			&r.Empty,
			&in,
			&outTok,
			&cached,
			&created,
			&createdAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		r.InputTokens = intPtr(in)
		r.OutputTokens = intPtr(outTok)
		r.CachedTokens = intPtr(cached)
		r.CacheCreationTokens = intPtr(created)
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		r.FinishedAt = time.UnixMilli(finishedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query rows: %w", err)
	}
	return out, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

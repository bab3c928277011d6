package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/rudnitski/healthup-resolver/internal/model"
)

// LookupAlias is the Tier A read: an indexed point lookup on the alias key,
// joined to its canonical entry. Returns ErrNotFound on a miss.
func (db *DB) LookupAlias(ctx context.Context, key string) (model.Alias, model.CanonicalEntry, error) {
	var a model.Alias
	var e model.CanonicalEntry
	err := db.pool.QueryRow(ctx,
		`SELECT a.key, a.canonical_id, a.source, a.created_at,
		        c.id, c.code, c.display_name, c.kind, c.unit, c.created_at
		 FROM aliases a
		 JOIN canonical_entries c ON c.id = a.canonical_id
		 WHERE a.key = $1`, key,
	).Scan(&a.Key, &a.CanonicalID, &a.Source, &a.CreatedAt,
		&e.ID, &e.Code, &e.DisplayName, &e.Kind, &e.Unit, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Alias{}, model.CanonicalEntry{}, ErrNotFound
	}
	if err != nil {
		return model.Alias{}, model.CanonicalEntry{}, fmt.Errorf("storage: lookup alias: %w", err)
	}
	return a, e, nil
}

// InsertAliasIfAbsent appends an alias row. The alias table is append-only:
// when the key already exists the insert is a no-op and the method reports
// inserted=false, so a conflicting proposal never replaces a learned mapping.
// Concurrent identical inserts collapse on the primary key, no lock needed.
func (db *DB) InsertAliasIfAbsent(ctx context.Context, a model.Alias, embedding *pgvector.Vector) (bool, error) {
	var inserted bool
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO aliases (key, canonical_id, source, embedding)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (key) DO NOTHING`,
			a.Key, a.CanonicalID, a.Source, embedding,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: insert alias: %w", err)
	}
	return inserted, nil
}

// SearchAliasCandidates is the Tier B similarity read. It ranks aliases of
// the given kind by a blend of embedding cosine similarity and trigram
// similarity of the key text, both computed in Postgres (pgvector + pg_trgm).
// Rows without an embedding fall back to trigram-only scoring so a fresh
// seed import is searchable before the backfill pass finishes.
func (db *DB) SearchAliasCandidates(ctx context.Context, key string, kind model.EntryKind, embedding *pgvector.Vector, limit int) ([]model.Candidate, error) {
	if limit <= 0 {
		limit = 2
	}
	rows, err := db.pool.Query(ctx,
		`SELECT a.key, a.canonical_id, c.code,
		        CASE
		          WHEN a.embedding IS NOT NULL AND $2::vector IS NOT NULL
		            THEN 0.6 * (1 - (a.embedding <=> $2)) + 0.4 * similarity(a.key, $1)
		          ELSE similarity(a.key, $1)::float8
		        END AS score
		 FROM aliases a
		 JOIN canonical_entries c ON c.id = a.canonical_id
		 WHERE c.kind = $3
		 ORDER BY score DESC
		 LIMIT $4`,
		key, embedding, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search alias candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var cand model.Candidate
		if err := rows.Scan(&cand.AliasKey, &cand.CanonicalID, &cand.Code, &cand.Score); err != nil {
			return nil, fmt.Errorf("storage: scan alias candidate: %w", err)
		}
		// Cosine similarity of opposing vectors can go negative; clamp so
		// every candidate score stays in [0,1].
		if cand.Score < 0 {
			cand.Score = 0
		} else if cand.Score > 1 {
			cand.Score = 1
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

// AliasKeysWithoutEmbedding returns up to limit alias keys missing a vector,
// for the startup backfill pass.
func (db *DB) AliasKeysWithoutEmbedding(ctx context.Context, limit int) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT key FROM aliases WHERE embedding IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: alias keys without embedding: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: scan alias key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetAliasEmbedding stores a backfilled embedding for an existing alias.
// The mapping itself (key -> canonical) is never touched by this path.
func (db *DB) SetAliasEmbedding(ctx context.Context, key string, embedding pgvector.Vector) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE aliases SET embedding = $2 WHERE key = $1`, key, embedding)
	if err != nil {
		return fmt.Errorf("storage: set alias embedding: %w", err)
	}
	return nil
}

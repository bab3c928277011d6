package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rudnitski/healthup-resolver/internal/model"
)

// CreateCanonical inserts a canonical entry if its code is absent and returns
// the stored row either way. The code column is unique and immutable: no
// method in this package updates it.
func (db *DB) CreateCanonical(ctx context.Context, e model.CanonicalEntry) (model.CanonicalEntry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta, err := json.Marshal(orEmptyMap(e.Metadata))
	if err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: marshal canonical metadata: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO canonical_entries (id, code, display_name, kind, unit, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		 ON CONFLICT (code) DO NOTHING`,
		e.ID, e.Code, e.DisplayName, e.Kind, e.Unit, meta,
	)
	if err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: insert canonical: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race or the code was seeded earlier; return the winner.
		return db.GetCanonicalByCode(ctx, e.Code)
	}
	return db.GetCanonicalByID(ctx, e.ID)
}

// GetCanonicalByID fetches one canonical entry.
func (db *DB) GetCanonicalByID(ctx context.Context, id uuid.UUID) (model.CanonicalEntry, error) {
	return db.scanCanonical(db.pool.QueryRow(ctx,
		`SELECT id, code, display_name, kind, unit, metadata, created_at
		 FROM canonical_entries WHERE id = $1`, id))
}

// GetCanonicalByCode fetches one canonical entry by its stable external code.
func (db *DB) GetCanonicalByCode(ctx context.Context, code string) (model.CanonicalEntry, error) {
	return db.scanCanonical(db.pool.QueryRow(ctx,
		`SELECT id, code, display_name, kind, unit, metadata, created_at
		 FROM canonical_entries WHERE code = $1`, code))
}

// ListCanonical returns the vocabulary of one kind, ordered by code. Used to
// build the candidate vocabulary handed to the semantic tier.
func (db *DB) ListCanonical(ctx context.Context, kind model.EntryKind) ([]model.CanonicalEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, code, display_name, kind, unit, metadata, created_at
		 FROM canonical_entries WHERE kind = $1 ORDER BY code`, kind)
	if err != nil {
		return nil, fmt.Errorf("storage: list canonical: %w", err)
	}
	defer rows.Close()

	var out []model.CanonicalEntry
	for rows.Next() {
		e, err := db.scanCanonicalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanCanonical(row pgx.Row) (model.CanonicalEntry, error) {
	return db.scanCanonicalRow(row)
}

func (db *DB) scanCanonicalRow(row rowScanner) (model.CanonicalEntry, error) {
	var e model.CanonicalEntry
	var meta []byte
	err := row.Scan(&e.ID, &e.Code, &e.DisplayName, &e.Kind, &e.Unit, &meta, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CanonicalEntry{}, ErrNotFound
	}
	if err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: scan canonical: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return model.CanonicalEntry{}, fmt.Errorf("storage: unmarshal canonical metadata: %w", err)
		}
	}
	return e, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

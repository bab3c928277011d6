package storage

import (
	"context"
	"fmt"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/normalize"
)

// SeedEntry is one canonical entry plus its known text variants, as shipped
// in seed data files.
type SeedEntry struct {
	Entry   model.CanonicalEntry `json:"entry"`
	Aliases []string             `json:"aliases"`
}

// SeedCanonical loads canonical entries and their seed aliases idempotently.
// Existing codes and alias keys are left untouched, so re-running a seed
// import is safe at any time. Returns the number of alias rows inserted.
func (db *DB) SeedCanonical(ctx context.Context, seeds []SeedEntry) (int, error) {
	inserted := 0
	for _, s := range seeds {
		entry, err := db.CreateCanonical(ctx, s.Entry)
		if err != nil {
			return inserted, fmt.Errorf("storage: seed %s: %w", s.Entry.Code, err)
		}
		// Seed files carry human-written variants; the alias table stores
		// normalized keys only.
		for _, raw := range s.Aliases {
			key := normalize.Key(raw)
			if key == "" {
				continue
			}
			ok, err := db.InsertAliasIfAbsent(ctx, model.Alias{
				Key:         key,
				CanonicalID: entry.ID,
				Source:      model.SourceSeed,
			}, nil)
			if err != nil {
				return inserted, fmt.Errorf("storage: seed alias %q: %w", key, err)
			}
			if ok {
				inserted++
			}
		}
	}
	return inserted, nil
}

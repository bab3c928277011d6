package model

import (
	"time"

	"github.com/google/uuid"
)

// CanonicalEntry is an authoritative target identifier that free-text labels
// resolve to: an analyte (lab parameter) or a canonical unit notation.
// The Code is immutable once created; there is deliberately no update path
// for it anywhere in the storage layer.
type CanonicalEntry struct {
	ID          uuid.UUID      `json:"id"`
	Code        string         `json:"code"`
	DisplayName string         `json:"display_name"`
	Kind        EntryKind      `json:"kind"`
	Unit        *string        `json:"unit,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EntryKind distinguishes the two vocabularies the resolver serves.
type EntryKind string

const (
	KindAnalyte EntryKind = "analyte"
	KindUnit    EntryKind = "unit"
)

// AliasSource records how an alias row came to exist.
type AliasSource string

const (
	SourceSeed           AliasSource = "seed"
	SourceManual         AliasSource = "manual"
	SourceFuzzyConfirmed AliasSource = "fuzzy-confirmed"
	SourceAutoLearned    AliasSource = "auto-learned"
)

// Alias maps one normalized text variant to a canonical entry.
// The table is append-only: a conflicting proposal for an existing key is
// dropped by insert-if-absent, never overwrites the existing row.
type Alias struct {
	Key         string      `json:"key"`
	CanonicalID uuid.UUID   `json:"canonical_id"`
	Source      AliasSource `json:"source"`
	CreatedAt   time.Time   `json:"created_at"`
}

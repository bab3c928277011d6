// Package fuzzy implements the similarity tier of the resolution cascade:
// ranked candidate search over the alias table, blending embedding cosine
// similarity with trigram similarity of the key text.
package fuzzy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/service/embedding"
	"github.com/rudnitski/healthup-resolver/internal/storage"
)

// Matcher is the similarity-search capability consumed by the resolver
// pipeline. Implementations must be safe for concurrent use. When the
// capability is down the pipeline records the tier as skipped and moves on;
// Search errors therefore never abort a resolution.
type Matcher interface {
	// Search returns up to topK alias candidates for a normalized key,
	// ranked by score in [0,1] descending.
	Search(ctx context.Context, key string, kind model.EntryKind, topK int) ([]model.Candidate, error)

	// Healthy returns nil when the matcher can serve queries.
	Healthy(ctx context.Context) error
}

// StoreMatcher searches the alias table in Postgres: pgvector cosine
// similarity over alias-key embeddings blended with pg_trgm trigram
// similarity, computed in one query. With a noop embedder it degrades to
// trigram-only ranking.
type StoreMatcher struct {
	db       *storage.DB
	embedder embedding.Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStoreMatcher creates a matcher over the alias store. timeout bounds one
// Search call end to end (embedding plus query); zero uses 50ms.
func NewStoreMatcher(db *storage.DB, embedder embedding.Provider, timeout time.Duration, logger *slog.Logger) *StoreMatcher {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &StoreMatcher{db: db, embedder: embedder, timeout: timeout, logger: logger}
}

// Search ranks alias candidates for key. The embedding call is best-effort:
// on failure or a zero vector the query runs trigram-only rather than
// failing the tier.
func (m *StoreMatcher) Search(ctx context.Context, key string, kind model.EntryKind, topK int) ([]model.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var queryVec *pgvector.Vector
	vec, err := m.embedder.Embed(ctx, key)
	if err != nil {
		m.logger.Debug("fuzzy: query embedding failed, trigram-only", "key", key, "error", err)
	} else if !embedding.IsZeroVector(vec) {
		queryVec = &vec
	}

	cands, err := m.db.SearchAliasCandidates(ctx, key, kind, queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("fuzzy: search: %w", err)
	}
	if queryVec != nil {
		cands = rescore(key, cands)
	}
	return cands, nil
}

// rescore blends the store's embedding-weighted ranking with an in-process
// trigram check of each candidate's alias text, then re-sorts. A candidate
// whose text shares nothing with the query cannot keep a high score on
// embedding similarity alone.
func rescore(key string, cands []model.Candidate) []model.Candidate {
	for i := range cands {
		s := 0.8*cands[i].Score + 0.2*TrigramSimilarity(key, cands[i].AliasKey)
		if s > 1 {
			s = 1
		}
		cands[i].Score = s
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
	return cands
}

// Healthy reports whether the backing store is reachable.
func (m *StoreMatcher) Healthy(ctx context.Context) error {
	return m.db.Ping(ctx)
}

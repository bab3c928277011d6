package resolver

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/service/embedding"
	"github.com/rudnitski/healthup-resolver/internal/syntax"
)

// learner promotes validated semantic outcomes into alias rows so identical
// future inputs hit the exact tier. Concurrent identical proposals are safe:
// insert-if-absent is enforced by the store, and an existing alias for a key
// is never overwritten.
type learner struct {
	store     Store
	embedder  embedding.Provider
	threshold float64
	logger    *slog.Logger
}

// maybeLearn persists the outcome when it qualifies. Returns whether an
// alias write was attempted; failures are logged, never propagated.
func (l *learner) maybeLearn(ctx context.Context, st tierState, dec model.ResolutionDecision) bool {
	switch dec.Decision {
	case model.DecisionSemanticMatch:
		if dec.Confidence < l.threshold {
			return false
		}
		l.insertAlias(ctx, st.key, *dec.ChosenCanonicalID)
		return true
	case model.DecisionNewCandidate:
		if dec.Confidence < l.threshold || st.proposal == nil {
			return false
		}
		p := st.proposal
		if err := syntax.ValidateProposal(st.req.Kind, p.Code, p.Unit); err != nil {
			return false
		}
		entry, err := l.store.CreateCanonical(ctx, model.CanonicalEntry{
			Code:        p.Code,
			DisplayName: p.Name,
			Kind:        st.req.Kind,
			Unit:        p.Unit,
		})
		if err != nil {
			l.logger.Warn("auto-learn: create canonical failed", "code", p.Code, "error", err)
			return false
		}
		l.insertAlias(ctx, st.key, entry.ID)
		return true
	}
	return false
}

func (l *learner) insertAlias(ctx context.Context, key string, canonicalID uuid.UUID) {
	var vec *pgvector.Vector
	if v, err := l.embedder.Embed(ctx, key); err == nil && !embedding.IsZeroVector(v) {
		vec = &v
	}
	created, err := l.store.InsertAliasIfAbsent(ctx, model.Alias{
		Key:         key,
		CanonicalID: canonicalID,
		Source:      model.SourceAutoLearned,
	}, vec)
	if err != nil {
		l.logger.Warn("auto-learn: insert alias failed", "key", key, "error", err)
		return
	}
	if created {
		l.logger.Info("learned alias", "key", key, "canonical_id", canonicalID)
	}
}

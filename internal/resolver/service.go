// Package resolver is the tiered resolution pipeline: normalize, exact
// lookup, fuzzy search, batched semantic proposal, deterministic arbitration,
// auto-learning, review enqueue, audit.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/rudnitski/healthup-resolver/internal/fuzzy"
	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/normalize"
	"github.com/rudnitski/healthup-resolver/internal/semantic"
	"github.com/rudnitski/healthup-resolver/internal/service/embedding"
	"github.com/rudnitski/healthup-resolver/internal/storage"
	"github.com/rudnitski/healthup-resolver/internal/syntax"
)

// tierConcurrency bounds how many items run Tiers A/B at once within a batch.
const tierConcurrency = 8

// Store is the slice of the storage layer the pipeline needs. *storage.DB
// satisfies it; tests substitute fakes.
type Store interface {
	LookupAlias(ctx context.Context, key string) (model.Alias, model.CanonicalEntry, error)
	ListCanonical(ctx context.Context, kind model.EntryKind) ([]model.CanonicalEntry, error)
	CreateCanonical(ctx context.Context, e model.CanonicalEntry) (model.CanonicalEntry, error)
	InsertAliasIfAbsent(ctx context.Context, a model.Alias, emb *pgvector.Vector) (bool, error)
}

// ReviewQueue receives items that need human adjudication.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item model.ReviewQueueItem) (model.ReviewQueueItem, bool, error)
}

// Service runs the resolution pipeline. Construct once, share freely;
// all fields are immutable after New.
type Service struct {
	cfg      Config
	store    Store
	matcher  fuzzy.Matcher
	semantic semantic.Resolver
	reviews  ReviewQueue
	audit    Emitter
	learner  *learner
	metrics  *pipelineMetrics
	logger   *slog.Logger
}

// New wires the pipeline. Matcher, semantic resolver, review queue, and
// emitter may be nil; missing capabilities degrade to skip/abstain/discard.
func New(cfg Config, store Store, matcher fuzzy.Matcher, sem semantic.Resolver, embedder embedding.Provider, reviews ReviewQueue, audit Emitter, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("resolver: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sem == nil {
		sem = semantic.NoopResolver{}
	}
	if embedder == nil {
		embedder = embedding.NewNoopProvider(0)
	}
	if audit == nil {
		audit = NoopEmitter{}
	}
	m, err := newPipelineMetrics()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		matcher:  matcher,
		semantic: sem,
		reviews:  reviews,
		audit:    audit,
		learner:  &learner{store: store, embedder: embedder, threshold: cfg.LearnThreshold, logger: logger},
		metrics:  m,
		logger:   logger,
	}, nil
}

// ResolveBatch resolves one unit of work. Results come back in input order.
// Per-item failures never surface as errors; the only error returned is a
// rejected oversized batch. A dead backing store degrades every item to
// UNRESOLVED rather than aborting the caller.
func (s *Service) ResolveBatch(ctx context.Context, reqs []model.ResolutionRequest) ([]model.ResolutionDecision, error) {
	if len(reqs) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("resolver: batch of %d exceeds max_batch_size %d", len(reqs), s.cfg.MaxBatchSize)
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	batchID := uuid.New()
	batchStart := time.Now()

	vocab, known, vocabErr := s.vocabulary(ctx, reqs)
	if vocabErr != nil {
		s.logger.Error("backing store unreachable, degrading batch", "batch_id", batchID, "error", vocabErr)
		return s.degradeAll(ctx, batchID, reqs, batchStart), nil
	}

	states := make([]tierState, len(reqs))
	itemStart := make([]time.Time, len(reqs))
	for i, req := range reqs {
		states[i] = tierState{req: req, key: normalize.Key(req.RawLabel)}
	}

	// Tiers A and B are read-only and safe to run concurrently across items.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tierConcurrency)
	for i := range states {
		g.Go(func() error {
			itemStart[i] = time.Now()
			s.runFastTiers(gctx, &states[i])
			return nil
		})
	}
	_ = g.Wait()

	s.runSemanticTier(ctx, batchID, states, vocab)

	decisions := make([]model.ResolutionDecision, len(states))
	durations := make([]time.Duration, len(states))
	counts := make(map[model.Decision]int, 4)
	for i := range states {
		dec := arbitrate(s.cfg, states[i], known[states[i].req.Kind])
		s.learner.maybeLearn(ctx, states[i], dec)
		s.enqueueForReview(ctx, states[i], dec)

		durations[i] = time.Since(itemStart[i])
		decisions[i] = dec
		counts[dec.Decision]++
		s.emitItem(ctx, batchID, states[i], dec, durations[i])
	}

	batchDur := time.Since(batchStart)
	p50, p95 := percentiles(durations)
	s.audit.EmitBatch(ctx, BatchEvent{
		BatchID:        batchID,
		ItemCount:      len(reqs),
		DecisionCounts: counts,
		Duration:       batchDur,
		P50Item:        p50,
		P95Item:        p95,
	})
	s.metrics.recordBatch(ctx, batchDur, len(reqs))
	return decisions, nil
}

// runFastTiers runs Tier A, then Tier B on a miss. An exact hit is a hard
// short-circuit: the fuzzy and semantic tiers never see the item.
func (s *Service) runFastTiers(ctx context.Context, st *tierState) {
	if st.key == "" {
		return
	}

	start := time.Now()
	_, entry, err := s.store.LookupAlias(ctx, st.key)
	s.metrics.recordExact(ctx, time.Since(start))
	switch {
	case err == nil && entry.Kind == st.req.Kind:
		st.exact = &entry
		return
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("exact lookup failed", "key", st.key, "error", err)
	}

	s.runFuzzyTier(ctx, st)
}

// runFuzzyTier performs the bounded similarity search. Unavailability is a
// degradation, never an abort.
func (s *Service) runFuzzyTier(ctx context.Context, st *tierState) {
	if s.matcher == nil {
		st.fuzzy = model.TierResult{Skipped: true, Reason: "no fuzzy matcher configured"}
		return
	}
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FuzzyTimeout)
	defer cancel()

	start := time.Now()
	cands, err := s.matcher.Search(fctx, st.key, st.req.Kind, s.cfg.FuzzyTopK)
	st.fuzzy.Elapsed = time.Since(start)
	if err != nil {
		st.fuzzy.Skipped = true
		st.fuzzy.Reason = err.Error()
		return
	}
	st.fuzzy.Candidates = cands
	st.fuzzy.Matched = len(cands) > 0 && cands[0].Score >= s.cfg.AcceptThreshold
	s.metrics.recordFuzzy(ctx, st.fuzzy.Elapsed)
}

// runSemanticTier issues the single Tier C call for every item still open
// after the fast tiers. Timeouts and failures mark the open items uncertain;
// fast-tier results already computed are preserved.
func (s *Service) runSemanticTier(ctx context.Context, batchID uuid.UUID, states []tierState, vocab map[model.EntryKind][]semantic.VocabularyEntry) {
	var items []semantic.Item
	idx := make(map[string]*tierState)
	kinds := make(map[model.EntryKind]bool)
	for i := range states {
		st := &states[i]
		if !s.needsSemantic(st) {
			continue
		}
		items = append(items, semantic.Item{
			RequestID:       st.req.RequestID,
			Key:             st.key,
			RawLabel:        st.req.RawLabel,
			Kind:            st.req.Kind,
			UnitHint:        st.req.UnitHint,
			FuzzyCandidates: contextCandidates(s.cfg, st.fuzzy.Candidates),
			Siblings:        st.req.Siblings,
		})
		idx[st.req.RequestID] = st
		kinds[st.req.Kind] = true
	}
	if len(items) == 0 {
		return
	}

	var vocabulary []semantic.VocabularyEntry
	for kind := range kinds {
		vocabulary = append(vocabulary, vocab[kind]...)
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SemanticTimeout)
	defer cancel()

	start := time.Now()
	proposals, err := s.semantic.Propose(sctx, semantic.Batch{Items: items, Vocabulary: vocabulary})
	s.metrics.recordSemantic(ctx, time.Since(start))
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || sctx.Err() != nil
		reason := classifySemanticError(err)
		s.logger.Warn("semantic tier failed", "batch_id", batchID, "items", len(items), "reason", reason, "error", err)
		for _, st := range idx {
			st.semanticTimeout = timedOut
			st.semanticReason = reason
		}
		return
	}
	for i := range proposals {
		if st, ok := idx[proposals[i].RequestID]; ok {
			st.proposal = &proposals[i]
		}
	}
}

// needsSemantic reports whether an item is still open after the fast tiers.
// Exact hits, accepted unambiguous fuzzy matches, and ambiguous items are
// closed; ambiguity is never escalated past review.
func (s *Service) needsSemantic(st *tierState) bool {
	if st.key == "" || st.exact != nil {
		return false
	}
	cands := st.fuzzy.Candidates
	if isAmbiguous(s.cfg, cands) {
		return false
	}
	if len(cands) > 0 && cands[0].Score >= s.cfg.AcceptThreshold {
		return false
	}
	return true
}

// contextCandidates keeps only fuzzy candidates strong enough to help the
// semantic tier.
func contextCandidates(cfg Config, cands []model.Candidate) []model.Candidate {
	var out []model.Candidate
	for _, c := range cands {
		if c.Score >= cfg.QueueLowerThreshold {
			out = append(out, c)
		}
	}
	return out
}

// enqueueForReview routes decisions that need human adjudication. Timed-out
// items are transient and come back on the next ingestion, so they are not
// queued.
func (s *Service) enqueueForReview(ctx context.Context, st tierState, dec model.ResolutionDecision) {
	if s.reviews == nil || st.key == "" || dec.Timeout {
		return
	}

	item := model.ReviewQueueItem{
		Key:      st.key,
		RawLabel: st.req.RawLabel,
		Evidence: reviewEvidence(st, dec),
	}

	switch dec.Decision {
	case model.DecisionAmbiguous:
		item.IssueType = model.IssueAmbiguous
	case model.DecisionUnknownCode:
		item.IssueType = model.IssueUnknownCode
	case model.DecisionSemanticMatch:
		if dec.Confidence >= s.cfg.LearnThreshold {
			// Learned into the alias cache, nothing to adjudicate.
			return
		}
		item.IssueType = model.IssueLowConfidence
	case model.DecisionNewCandidate:
		p := st.proposal
		if p == nil {
			return
		}
		item.Proposed = &model.ReviewProposal{
			Code:        p.Code,
			DisplayName: p.Name,
			Kind:        st.req.Kind,
			Unit:        p.Unit,
		}
		if err := syntax.ValidateProposal(st.req.Kind, p.Code, p.Unit); err != nil {
			item.IssueType = model.IssueInvalidSyntax
			item.NeedsCorrection = true
			item.Evidence["validation_error"] = err.Error()
		} else if dec.Confidence < s.cfg.LearnThreshold {
			item.IssueType = model.IssueLowConfidence
		} else {
			// Learned automatically, nothing to adjudicate.
			return
		}
	case model.DecisionUnresolved, model.DecisionAbstain:
		item.IssueType = model.IssueUnresolved
	default:
		return
	}

	if _, _, err := s.reviews.Enqueue(ctx, item); err != nil {
		s.logger.Warn("review enqueue failed", "key", st.key, "issue", item.IssueType, "error", err)
	}
}

func reviewEvidence(st tierState, dec model.ResolutionDecision) map[string]any {
	ev := map[string]any{
		"decision":   string(dec.Decision),
		"confidence": dec.Confidence,
	}
	if len(st.fuzzy.Candidates) > 0 {
		ev["fuzzy_candidates"] = st.fuzzy.Candidates
	}
	if st.proposal != nil {
		ev["semantic_proposal"] = st.proposal
	}
	if dec.Note != "" {
		ev["note"] = dec.Note
	}
	return ev
}

// vocabulary loads the candidate vocabulary once per batch for every kind
// present in it.
func (s *Service) vocabulary(ctx context.Context, reqs []model.ResolutionRequest) (map[model.EntryKind][]semantic.VocabularyEntry, map[model.EntryKind]map[string]uuid.UUID, error) {
	vocab := make(map[model.EntryKind][]semantic.VocabularyEntry)
	known := make(map[model.EntryKind]map[string]uuid.UUID)
	for _, req := range reqs {
		if _, done := known[req.Kind]; done {
			continue
		}
		entries, err := s.store.ListCanonical(ctx, req.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("resolver: load %s vocabulary: %w", req.Kind, err)
		}
		codes := make(map[string]uuid.UUID, len(entries))
		list := make([]semantic.VocabularyEntry, 0, len(entries))
		for _, e := range entries {
			codes[e.Code] = e.ID
			list = append(list, semantic.VocabularyEntry{Code: e.Code, DisplayName: e.DisplayName})
		}
		known[req.Kind] = codes
		vocab[req.Kind] = list
	}
	return vocab, known, nil
}

// degradeAll is the store-outage path: every item comes back UNRESOLVED with
// a diagnostic instead of failing the caller.
func (s *Service) degradeAll(ctx context.Context, batchID uuid.UUID, reqs []model.ResolutionRequest, start time.Time) []model.ResolutionDecision {
	decisions := make([]model.ResolutionDecision, len(reqs))
	counts := map[model.Decision]int{model.DecisionUnresolved: len(reqs)}
	for i, req := range reqs {
		decisions[i] = model.ResolutionDecision{
			RequestID:     req.RequestID,
			NormalizedKey: normalize.Key(req.RawLabel),
			Decision:      model.DecisionUnresolved,
			Confidence:    0,
			Note:          "backing store unreachable",
		}
		s.audit.EmitItem(ctx, ItemEvent{
			BatchID:       batchID,
			RequestID:     req.RequestID,
			RawLabel:      req.RawLabel,
			NormalizedKey: decisions[i].NormalizedKey,
			Decision:      model.DecisionUnresolved,
		})
	}
	s.audit.EmitBatch(ctx, BatchEvent{
		BatchID:        batchID,
		ItemCount:      len(reqs),
		DecisionCounts: counts,
		Duration:       time.Since(start),
	})
	return decisions
}

func (s *Service) emitItem(ctx context.Context, batchID uuid.UUID, st tierState, dec model.ResolutionDecision, dur time.Duration) {
	tiers := map[string]model.TierResult{}
	if st.exact != nil {
		tiers["exact"] = model.TierResult{Matched: true}
	} else if st.key != "" {
		tiers["fuzzy"] = st.fuzzy
		tiers["semantic"] = semanticTierResult(st)
	}
	s.audit.EmitItem(ctx, ItemEvent{
		BatchID:       batchID,
		RequestID:     st.req.RequestID,
		RawLabel:      st.req.RawLabel,
		NormalizedKey: st.key,
		Tiers:         tiers,
		Decision:      dec.Decision,
		Confidence:    dec.Confidence,
		Duration:      dur,
		Timeout:       dec.Timeout,
	})
	s.metrics.recordDecision(ctx, dec.Decision, dur)
}

func semanticTierResult(st tierState) model.TierResult {
	switch {
	case st.proposal != nil:
		return model.TierResult{Matched: st.proposal.Decision == semantic.ProposalMatch}
	case st.semanticTimeout:
		return model.TierResult{Skipped: true, Reason: "timeout"}
	case st.semanticReason != "":
		return model.TierResult{Skipped: true, Reason: st.semanticReason}
	default:
		return model.TierResult{Skipped: true, Reason: "not invoked"}
	}
}

func classifySemanticError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "semantic tier timed out"
	case errors.Is(err, semantic.ErrMalformedOutput):
		return "semantic tier returned malformed output"
	case semantic.IsTransient(err):
		return "semantic tier transient failure"
	default:
		return "semantic tier failed"
	}
}

// percentiles returns the p50 and p95 of the observed item durations.
func percentiles(durs []time.Duration) (p50, p95 time.Duration) {
	if len(durs) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(durs))
	copy(sorted, durs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := func(p float64) time.Duration {
		i := int(p * float64(len(sorted)-1))
		return sorted[i]
	}
	return rank(0.50), rank(0.95)
}

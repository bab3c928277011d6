package resolver

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/semantic"
)

const (
	resolvedByHigherConfidence = "higher_confidence"
	resolvedByFuzzyOnTie       = "higher_confidence_fuzzy_on_tie"
)

// tierState is everything the tiers produced for one item.
type tierState struct {
	req             model.ResolutionRequest
	key             string
	exact           *model.CanonicalEntry
	fuzzy           model.TierResult
	proposal        *semantic.Proposal
	semanticReason  string
	semanticTimeout bool
}

// isAmbiguous reports whether the top two candidates are too close to safely
// auto-select one. Scores below the queue floor are too weak to be ambiguous
// about anything.
func isAmbiguous(cfg Config, cands []model.Candidate) bool {
	if len(cands) < 2 {
		return false
	}
	top, second := cands[0].Score, cands[1].Score
	return top >= cfg.QueueLowerThreshold && top-second <= cfg.AmbiguityDelta
}

// arbitrate turns tier outputs into exactly one decision. Pure: same inputs,
// same output. Precedence, first match wins:
//
//  1. Tier A hit: EXACT_MATCH, confidence 1.0.
//  2. Accepted unambiguous fuzzy candidate, weighed against the semantic
//     proposal when one exists (agree, disagree, or absent).
//  3. Ambiguous fuzzy candidates: AMBIGUOUS, never auto-accepted.
//  4. Standalone semantic outcome: SEMANTIC_MATCH, UNKNOWN_CODE,
//     NEW_CANDIDATE, or ABSTAIN.
//  5. UNRESOLVED, confidence 0.
func arbitrate(cfg Config, st tierState, known map[string]uuid.UUID) model.ResolutionDecision {
	out := model.ResolutionDecision{
		RequestID:     st.req.RequestID,
		NormalizedKey: st.key,
		Timeout:       st.semanticTimeout,
	}

	if st.exact != nil {
		out.Decision = model.DecisionExactMatch
		out.Confidence = 1.0
		out.ChosenCanonicalID = &st.exact.ID
		out.ChosenCode = st.exact.Code
		return out
	}

	ambiguous := isAmbiguous(cfg, st.fuzzy.Candidates)
	var top *model.Candidate
	if len(st.fuzzy.Candidates) > 0 {
		top = &st.fuzzy.Candidates[0]
	}

	if top != nil && top.Score >= cfg.AcceptThreshold && !ambiguous {
		return arbitrateAcceptedFuzzy(st, *top, known, out)
	}

	if ambiguous {
		out.Decision = model.DecisionAmbiguous
		out.Confidence = st.fuzzy.Candidates[0].Score
		out.Note = fmt.Sprintf("top candidates %s (%.3f) and %s (%.3f) within ambiguity delta",
			st.fuzzy.Candidates[0].Code, st.fuzzy.Candidates[0].Score,
			st.fuzzy.Candidates[1].Code, st.fuzzy.Candidates[1].Score)
		return out
	}

	if st.proposal != nil {
		return arbitrateSemantic(st, *st.proposal, known, out)
	}

	out.Decision = model.DecisionUnresolved
	out.Confidence = 0
	out.Note = unresolvedNote(st)
	return out
}

// arbitrateAcceptedFuzzy weighs an accepted fuzzy candidate against the
// semantic proposal. A MATCH outside the known vocabulary is untrusted and
// treated as absent here.
func arbitrateAcceptedFuzzy(st tierState, top model.Candidate, known map[string]uuid.UUID, out model.ResolutionDecision) model.ResolutionDecision {
	p := st.proposal
	if p != nil && p.Decision == semantic.ProposalMatch {
		if p.Code == top.Code {
			out.Decision = model.DecisionFuzzyMatch
			out.Confidence = max(top.Score, p.Confidence)
			out.ChosenCanonicalID = &top.CanonicalID
			out.ChosenCode = top.Code
			return out
		}
		if semID, ok := known[p.Code]; ok {
			return resolveConflict(top, *p, semID, out)
		}
	}

	out.Decision = model.DecisionFuzzyMatch
	out.Confidence = top.Score
	out.ChosenCanonicalID = &top.CanonicalID
	out.ChosenCode = top.Code
	return out
}

// resolveConflict applies the higher-confidence rule, with the fuzzy
// candidate winning an exact tie.
func resolveConflict(top model.Candidate, p semantic.Proposal, semanticID uuid.UUID, out model.ResolutionDecision) model.ResolutionDecision {
	out.Decision = model.DecisionConflict
	detail := &model.ConflictDetail{
		FuzzyCandidate:     top,
		SemanticCode:       p.Code,
		SemanticConfidence: p.Confidence,
		ResolvedBy:         resolvedByHigherConfidence,
	}
	if p.Confidence > top.Score {
		out.Confidence = p.Confidence
		out.ChosenCanonicalID = &semanticID
		out.ChosenCode = p.Code
	} else {
		if p.Confidence == top.Score {
			detail.ResolvedBy = resolvedByFuzzyOnTie
		}
		out.Confidence = top.Score
		out.ChosenCanonicalID = &top.CanonicalID
		out.ChosenCode = top.Code
	}
	out.ConflictDetail = detail
	return out
}

// arbitrateSemantic handles the standalone semantic outcome after Tiers A
// and B produced nothing acceptable.
func arbitrateSemantic(st tierState, p semantic.Proposal, known map[string]uuid.UUID, out model.ResolutionDecision) model.ResolutionDecision {
	switch p.Decision {
	case semantic.ProposalMatch:
		if id, ok := known[p.Code]; ok {
			out.Decision = model.DecisionSemanticMatch
			out.Confidence = p.Confidence
			out.ChosenCanonicalID = &id
			out.ChosenCode = p.Code
			return out
		}
		out.Decision = model.DecisionUnknownCode
		out.Confidence = 0
		out.ChosenCode = p.Code
		out.Note = fmt.Sprintf("proposed code %q is not in the vocabulary (semantic confidence %.2f)", p.Code, p.Confidence)
		return out
	case semantic.ProposalNew:
		out.Decision = model.DecisionNewCandidate
		out.Confidence = p.Confidence
		out.ChosenCode = p.Code
		out.Note = p.Rationale
		return out
	default:
		out.Decision = model.DecisionAbstain
		out.Confidence = 0
		out.Note = p.Rationale
		return out
	}
}

func unresolvedNote(st tierState) string {
	switch {
	case st.semanticTimeout:
		return "semantic tier timed out"
	case st.semanticReason != "":
		return st.semanticReason
	case st.fuzzy.Skipped:
		return "fuzzy tier unavailable: " + st.fuzzy.Reason
	default:
		return "no tier produced a candidate"
	}
}

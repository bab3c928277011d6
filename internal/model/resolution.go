package model

import (
	"time"

	"github.com/google/uuid"
)

// ResolutionRequest is one raw label to resolve, with whatever context the
// ingestion pipeline already has for it.
type ResolutionRequest struct {
	RequestID string     `json:"request_id"`
	RawLabel  string     `json:"raw_label"`
	Kind      EntryKind  `json:"kind"`
	UnitHint  *string    `json:"unit_hint,omitempty"`
	ValueHint *float64   `json:"value_hint,omitempty"`
	Siblings  []Resolved `json:"siblings,omitempty"`
}

// Resolved is a sibling label in the same batch that already carries a
// canonical code. Passed to the semantic tier as disambiguation context.
type Resolved struct {
	Label string `json:"label"`
	Code  string `json:"code"`
}

// Candidate is a ranked match from the fuzzy tier.
type Candidate struct {
	CanonicalID uuid.UUID `json:"canonical_id"`
	Code        string    `json:"code"`
	AliasKey    string    `json:"alias_key"`
	Score       float64   `json:"score"`
}

// TierResult captures what one tier did for one item.
type TierResult struct {
	Matched    bool          `json:"matched"`
	Candidates []Candidate   `json:"candidates,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Skipped    bool          `json:"skipped,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Decision enumerates every terminal state a resolution can land in.
type Decision string

const (
	DecisionExactMatch    Decision = "EXACT_MATCH"
	DecisionFuzzyMatch    Decision = "FUZZY_MATCH"
	DecisionSemanticMatch Decision = "SEMANTIC_MATCH"
	DecisionAmbiguous     Decision = "AMBIGUOUS"
	DecisionUnknownCode   Decision = "UNKNOWN_CODE"
	DecisionNewCandidate  Decision = "NEW_CANDIDATE"
	DecisionAbstain       Decision = "ABSTAIN"
	DecisionConflict      Decision = "CONFLICT"
	DecisionUnresolved    Decision = "UNRESOLVED"
)

// Valid reports whether d is one of the nine enumerated states.
func (d Decision) Valid() bool {
	switch d {
	case DecisionExactMatch, DecisionFuzzyMatch, DecisionSemanticMatch,
		DecisionAmbiguous, DecisionUnknownCode, DecisionNewCandidate,
		DecisionAbstain, DecisionConflict, DecisionUnresolved:
		return true
	}
	return false
}

// ConflictDetail records both sides of a fuzzy/semantic disagreement and the
// rule that picked the winner.
type ConflictDetail struct {
	FuzzyCandidate     Candidate `json:"fuzzy_candidate"`
	SemanticCode       string    `json:"semantic_code"`
	SemanticConfidence float64   `json:"semantic_confidence"`
	ResolvedBy         string    `json:"resolved_by"`
}

// ResolutionDecision is the arbitrated outcome for one request, returned in
// input order. ChosenCanonicalID is nil for every non-match decision.
type ResolutionDecision struct {
	RequestID         string          `json:"request_id"`
	NormalizedKey     string          `json:"normalized_key"`
	Decision          Decision        `json:"decision"`
	Confidence        float64         `json:"confidence"`
	ChosenCanonicalID *uuid.UUID      `json:"chosen_canonical_id,omitempty"`
	ChosenCode        string          `json:"chosen_code,omitempty"`
	ConflictDetail    *ConflictDetail `json:"conflict_detail,omitempty"`
	Note              string          `json:"note,omitempty"`
	Timeout           bool            `json:"timeout,omitempty"`
}

package resolver

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/semantic"
)

var (
	ferID = uuid.New()
	gluID = uuid.New()
)

func knownCodes() map[string]uuid.UUID {
	return map[string]uuid.UUID{"FER": ferID, "GLU": gluID}
}

func analyteReq(id, label string) model.ResolutionRequest {
	return model.ResolutionRequest{RequestID: id, RawLabel: label, Kind: model.KindAnalyte}
}

func candidate(id uuid.UUID, code string, score float64) model.Candidate {
	return model.Candidate{CanonicalID: id, Code: code, AliasKey: "k", Score: score}
}

func TestArbitrateExactMatch(t *testing.T) {
	entry := model.CanonicalEntry{ID: ferID, Code: "FER", Kind: model.KindAnalyte}
	dec := arbitrate(DefaultConfig(), tierState{
		req:   analyteReq("r1", "Ferritin"),
		key:   "ferritin",
		exact: &entry,
	}, knownCodes())

	assert.Equal(t, model.DecisionExactMatch, dec.Decision)
	assert.Equal(t, 1.0, dec.Confidence)
	require.NotNil(t, dec.ChosenCanonicalID)
	assert.Equal(t, ferID, *dec.ChosenCanonicalID)
	assert.Equal(t, "FER", dec.ChosenCode)
}

func TestArbitrateAcceptedFuzzyWithoutSemantic(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req:   analyteReq("r1", "ferritine"),
		key:   "ferritine",
		fuzzy: model.TierResult{Candidates: []model.Candidate{candidate(ferID, "FER", 0.91)}},
	}, knownCodes())

	assert.Equal(t, model.DecisionFuzzyMatch, dec.Decision)
	assert.Equal(t, 0.91, dec.Confidence)
	assert.Equal(t, "FER", dec.ChosenCode)
}

func TestArbitrateFuzzyAndSemanticAgree(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req: analyteReq("r1", "ferritine"),
		key: "ferritine",
		fuzzy: model.TierResult{Candidates: []model.Candidate{
			candidate(ferID, "FER", 0.84),
		}},
		proposal: &semantic.Proposal{RequestID: "r1", Decision: semantic.ProposalMatch, Code: "FER", Confidence: 0.95},
	}, knownCodes())

	assert.Equal(t, model.DecisionFuzzyMatch, dec.Decision)
	// Agreement takes the higher of the two confidences.
	assert.Equal(t, 0.95, dec.Confidence)
	assert.Equal(t, ferID, *dec.ChosenCanonicalID)
}

func TestArbitrateAmbiguityBeatsAcceptance(t *testing.T) {
	cfg := DefaultConfig()
	dec := arbitrate(cfg, tierState{
		req: analyteReq("r1", "hb"),
		key: "hb",
		fuzzy: model.TierResult{Candidates: []model.Candidate{
			candidate(ferID, "FER", 0.82),
			candidate(gluID, "GLU", 0.81),
		}},
	}, knownCodes())

	// Delta 0.01 <= 0.05: ambiguous even though 0.82 >= accept_threshold.
	assert.Equal(t, model.DecisionAmbiguous, dec.Decision)
	assert.Nil(t, dec.ChosenCanonicalID)
	assert.Contains(t, dec.Note, "FER")
	assert.Contains(t, dec.Note, "GLU")
}

func TestArbitrateConflictFuzzyWins(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req: analyteReq("r1", "some label"),
		key: "some label",
		fuzzy: model.TierResult{Candidates: []model.Candidate{
			candidate(ferID, "FER", 0.82),
		}},
		proposal: &semantic.Proposal{RequestID: "r1", Decision: semantic.ProposalMatch, Code: "GLU", Confidence: 0.70},
	}, knownCodes())

	assert.Equal(t, model.DecisionConflict, dec.Decision)
	require.NotNil(t, dec.ConflictDetail)
	assert.Equal(t, resolvedByHigherConfidence, dec.ConflictDetail.ResolvedBy)
	assert.Equal(t, "GLU", dec.ConflictDetail.SemanticCode)
	assert.Equal(t, 0.70, dec.ConflictDetail.SemanticConfidence)
	assert.Equal(t, "FER", dec.ChosenCode)
	assert.Equal(t, 0.82, dec.Confidence)
}

func TestArbitrateConflictSemanticWins(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req: analyteReq("r1", "some label"),
		key: "some label",
		fuzzy: model.TierResult{Candidates: []model.Candidate{
			candidate(ferID, "FER", 0.81),
		}},
		proposal: &semantic.Proposal{RequestID: "r1", Decision: semantic.ProposalMatch, Code: "GLU", Confidence: 0.97},
	}, knownCodes())

	assert.Equal(t, model.DecisionConflict, dec.Decision)
	assert.Equal(t, "GLU", dec.ChosenCode)
	assert.Equal(t, gluID, *dec.ChosenCanonicalID)
	assert.Equal(t, 0.97, dec.Confidence)
}

func TestArbitrateConflictExactTieFuzzyWins(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req: analyteReq("r1", "some label"),
		key: "some label",
		fuzzy: model.TierResult{Candidates: []model.Candidate{
			candidate(ferID, "FER", 0.90),
		}},
		proposal: &semantic.Proposal{RequestID: "r1", Decision: semantic.ProposalMatch, Code: "GLU", Confidence: 0.90},
	}, knownCodes())

	assert.Equal(t, model.DecisionConflict, dec.Decision)
	assert.Equal(t, "FER", dec.ChosenCode)
	assert.Equal(t, resolvedByFuzzyOnTie, dec.ConflictDetail.ResolvedBy)
}

func TestArbitrateOutOfVocabularyDisagreementIsNotConflict(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req: analyteReq("r1", "some label"),
		key: "some label",
		fuzzy: model.TierResult{Candidates: []model.Candidate{
			candidate(ferID, "FER", 0.85),
		}},
		proposal: &semantic.Proposal{RequestID: "r1", Decision: semantic.ProposalMatch, Code: "MADE_UP", Confidence: 0.99},
	}, knownCodes())

	assert.Equal(t, model.DecisionFuzzyMatch, dec.Decision)
	assert.Equal(t, "FER", dec.ChosenCode)
}

func TestArbitrateStandaloneSemantic(t *testing.T) {
	cases := []struct {
		name     string
		proposal semantic.Proposal
		want     model.Decision
		wantConf float64
	}{
		{
			name:     "validated match",
			proposal: semantic.Proposal{Decision: semantic.ProposalMatch, Code: "FER", Confidence: 0.9},
			want:     model.DecisionSemanticMatch,
			wantConf: 0.9,
		},
		{
			name:     "unvalidated match",
			proposal: semantic.Proposal{Decision: semantic.ProposalMatch, Code: "NOPE", Confidence: 0.9},
			want:     model.DecisionUnknownCode,
			wantConf: 0,
		},
		{
			name:     "new",
			proposal: semantic.Proposal{Decision: semantic.ProposalNew, Code: "TSH", Name: "Thyrotropin", Confidence: 0.88},
			want:     model.DecisionNewCandidate,
			wantConf: 0.88,
		},
		{
			name:     "abstain",
			proposal: semantic.Proposal{Decision: semantic.ProposalAbstain},
			want:     model.DecisionAbstain,
			wantConf: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := arbitrate(DefaultConfig(), tierState{
				req:      analyteReq("r1", "x"),
				key:      "x",
				proposal: &tc.proposal,
			}, knownCodes())
			assert.Equal(t, tc.want, dec.Decision)
			assert.Equal(t, tc.wantConf, dec.Confidence)
			assert.True(t, dec.Decision.Valid())
		})
	}
}

func TestArbitrateNothingAnywhere(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req: analyteReq("r1", "x"),
		key: "x",
	}, knownCodes())
	assert.Equal(t, model.DecisionUnresolved, dec.Decision)
	assert.Zero(t, dec.Confidence)
}

func TestArbitrateWeakCandidatesAreNotAmbiguous(t *testing.T) {
	dec := arbitrate(DefaultConfig(), tierState{
		req: analyteReq("r1", "x"),
		key: "x",
		fuzzy: model.TierResult{Candidates: []model.Candidate{
			candidate(ferID, "FER", 0.30),
			candidate(gluID, "GLU", 0.29),
		}},
	}, knownCodes())
	assert.Equal(t, model.DecisionUnresolved, dec.Decision)
}

func TestArbitrateConfidenceAlwaysInRange(t *testing.T) {
	states := []tierState{
		{req: analyteReq("r", "a"), key: "a", exact: &model.CanonicalEntry{ID: ferID, Code: "FER", Kind: model.KindAnalyte}},
		{req: analyteReq("r", "b"), key: "b", fuzzy: model.TierResult{Candidates: []model.Candidate{candidate(ferID, "FER", 1.0)}}},
		{req: analyteReq("r", "c"), key: "c", semanticTimeout: true},
		{req: analyteReq("r", "d"), key: "d", fuzzy: model.TierResult{Skipped: true, Reason: "down"}},
	}
	for _, st := range states {
		dec := arbitrate(DefaultConfig(), st, knownCodes())
		assert.True(t, dec.Decision.Valid(), "decision %q", dec.Decision)
		assert.GreaterOrEqual(t, dec.Confidence, 0.0)
		assert.LessOrEqual(t, dec.Confidence, 1.0)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.AcceptThreshold = 1.2
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.QueueLowerThreshold = 0.9
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxBatchSize = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.FuzzyTopK = 1
	assert.Error(t, bad.Validate())
}

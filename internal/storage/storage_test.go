package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/storage"
	"github.com/rudnitski/healthup-resolver/internal/testutil"
	"github.com/rudnitski/healthup-resolver/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func mustEntry(t *testing.T, code, name string, kind model.EntryKind) model.CanonicalEntry {
	t.Helper()
	entry, err := testDB.CreateCanonical(context.Background(), model.CanonicalEntry{
		Code:        code,
		DisplayName: name,
		Kind:        kind,
	})
	require.NoError(t, err)
	return entry
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestCanonicalCodeIsUnique(t *testing.T) {
	ctx := context.Background()
	first := mustEntry(t, "GLU_TEST", "Glucose", model.KindAnalyte)

	// A second create for the same code returns the existing row untouched.
	second, err := testDB.CreateCanonical(ctx, model.CanonicalEntry{
		Code:        "GLU_TEST",
		DisplayName: "Glucose, renamed",
		Kind:        model.KindAnalyte,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Glucose", second.DisplayName)
}

func TestAliasAppendOnly(t *testing.T) {
	ctx := context.Background()
	fer := mustEntry(t, "FER_TEST", "Ferritin", model.KindAnalyte)
	glu := mustEntry(t, "GLU_TEST2", "Glucose", model.KindAnalyte)

	created, err := testDB.InsertAliasIfAbsent(ctx, model.Alias{
		Key: "ferritin test", CanonicalID: fer.ID, Source: model.SourceSeed,
	}, nil)
	require.NoError(t, err)
	assert.True(t, created)

	// A conflicting proposal for the same key must not replace the mapping.
	created, err = testDB.InsertAliasIfAbsent(ctx, model.Alias{
		Key: "ferritin test", CanonicalID: glu.ID, Source: model.SourceAutoLearned,
	}, nil)
	require.NoError(t, err)
	assert.False(t, created)

	alias, entry, err := testDB.LookupAlias(ctx, "ferritin test")
	require.NoError(t, err)
	assert.Equal(t, fer.ID, alias.CanonicalID)
	assert.Equal(t, "FER_TEST", entry.Code)
	assert.Equal(t, model.SourceSeed, alias.Source)
}

func TestLookupAliasMiss(t *testing.T) {
	_, _, err := testDB.LookupAlias(context.Background(), "never seen before")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchAliasCandidatesTrigramOnly(t *testing.T) {
	ctx := context.Background()
	hgb := mustEntry(t, "HGB_TEST", "Hemoglobin", model.KindAnalyte)
	_, err := testDB.InsertAliasIfAbsent(ctx, model.Alias{
		Key: "hemoglobin", CanonicalID: hgb.ID, Source: model.SourceSeed,
	}, nil)
	require.NoError(t, err)

	cands, err := testDB.SearchAliasCandidates(ctx, "hemoglobine", model.KindAnalyte, nil, 2)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, "HGB_TEST", cands[0].Code)
	for _, c := range cands {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
	}

	// The candidate list is filtered by kind.
	unitCands, err := testDB.SearchAliasCandidates(ctx, "hemoglobine", model.KindUnit, nil, 2)
	require.NoError(t, err)
	for _, c := range unitCands {
		assert.NotEqual(t, "HGB_TEST", c.Code)
	}
}

func TestReviewDedupWhilePending(t *testing.T) {
	ctx := context.Background()

	first, created, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key: "mystery label", RawLabel: "Mystery Label", IssueType: model.IssueUnresolved,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, first.OccurrenceCount)

	second, created, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key: "mystery label", RawLabel: "Mystery Label", IssueType: model.IssueUnresolved,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.True(t, second.LastSeen.After(first.LastSeen) || second.LastSeen.Equal(first.LastSeen))

	// A different issue type for the same key is a separate pending row.
	third, created, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key: "mystery label", RawLabel: "Mystery Label", IssueType: model.IssueAmbiguous,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestApproveMaterializesProposal(t *testing.T) {
	ctx := context.Background()

	item, _, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key:       "crp test label",
		RawLabel:  "CRP",
		IssueType: model.IssueLowConfidence,
		Proposed: &model.ReviewProposal{
			Code: "CRP_TEST", DisplayName: "C-reactive protein", Kind: model.KindAnalyte,
		},
	})
	require.NoError(t, err)

	entry, err := testDB.ApproveReviewTx(ctx, item.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "CRP_TEST", entry.Code)

	alias, got, err := testDB.LookupAlias(ctx, "crp test label")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, model.SourceManual, alias.Source)

	stored, err := testDB.GetReviewItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, stored.Status)
	require.NotNil(t, stored.ResolvedBy)
	assert.Equal(t, "reviewer", *stored.ResolvedBy)

	// Approval is terminal.
	_, err = testDB.ApproveReviewTx(ctx, item.ID, "reviewer")
	assert.ErrorIs(t, err, storage.ErrTerminalState)
	assert.ErrorIs(t, testDB.RejectReview(ctx, item.ID, "reviewer"), storage.ErrTerminalState)
}

func TestApproveRefusesWhileNeedsCorrection(t *testing.T) {
	ctx := context.Background()

	item, _, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key:             "10 9 l broken",
		RawLabel:        "10^9/l",
		IssueType:       model.IssueInvalidSyntax,
		NeedsCorrection: true,
		Proposed: &model.ReviewProposal{
			Code: "10^9/l", DisplayName: "10^9/L", Kind: model.KindUnit,
		},
	})
	require.NoError(t, err)

	_, err = testDB.ApproveReviewTx(ctx, item.ID, "reviewer")
	assert.ErrorIs(t, err, storage.ErrNeedsCorrection)

	// Fix the notation, then approval goes through.
	require.NoError(t, testDB.UpdateReviewProposal(ctx, item.ID, model.ReviewProposal{
		Code: "10*9/l", DisplayName: "10*9/L", Kind: model.KindUnit,
	}, false))

	entry, err := testDB.ApproveReviewTx(ctx, item.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "10*9/l", entry.Code)
}

func TestRejectWritesNothing(t *testing.T) {
	ctx := context.Background()

	item, _, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key:       "rejected label",
		RawLabel:  "Rejected",
		IssueType: model.IssueUnknownCode,
		Proposed: &model.ReviewProposal{
			Code: "REJECTED_TEST", DisplayName: "Never created", Kind: model.KindAnalyte,
		},
	})
	require.NoError(t, err)
	require.NoError(t, testDB.RejectReview(ctx, item.ID, "reviewer"))

	_, err = testDB.GetCanonicalByCode(ctx, "REJECTED_TEST")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, _, err = testDB.LookupAlias(ctx, "rejected label")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stored, err := testDB.GetReviewItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, stored.Status)
}

func TestResolvedPairMayResurface(t *testing.T) {
	ctx := context.Background()

	item, _, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key: "resurfacing label", RawLabel: "x", IssueType: model.IssueUnresolved,
	})
	require.NoError(t, err)
	require.NoError(t, testDB.RejectReview(ctx, item.ID, "reviewer"))

	// The rejected row coexists with a fresh pending one for the same pair.
	again, created, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key: "resurfacing label", RawLabel: "x", IssueType: model.IssueUnresolved,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, item.ID, again.ID)
	assert.Equal(t, 1, again.OccurrenceCount)
}

func TestRejectMissingItem(t *testing.T) {
	err := testDB.RejectReview(context.Background(), uuid.New(), "reviewer")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSeedCanonicalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	seeds := []storage.SeedEntry{
		{
			Entry:   model.CanonicalEntry{Code: "TSH_SEED", DisplayName: "Thyrotropin", Kind: model.KindAnalyte},
			Aliases: []string{"tsh seed", "thyrotropin seed"},
		},
	}

	inserted, err := testDB.SeedCanonical(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = testDB.SeedCanonical(ctx, seeds)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestAliasEmbeddingBackfill(t *testing.T) {
	ctx := context.Background()
	entry := mustEntry(t, "NA_TEST", "Sodium", model.KindAnalyte)
	_, err := testDB.InsertAliasIfAbsent(ctx, model.Alias{
		Key: "sodium backfill", CanonicalID: entry.ID, Source: model.SourceSeed,
	}, nil)
	require.NoError(t, err)

	keys, err := testDB.AliasKeysWithoutEmbedding(ctx, 1000)
	require.NoError(t, err)
	assert.Contains(t, keys, "sodium backfill")
}

func TestListReviewFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	_, _, err := testDB.EnqueueReview(ctx, model.ReviewQueueItem{
		Key: "list filter label", RawLabel: "y", IssueType: model.IssueAmbiguous,
	})
	require.NoError(t, err)

	pending, err := testDB.ListReview(ctx, model.StatusPending, 100, 0)
	require.NoError(t, err)
	for _, it := range pending {
		assert.Equal(t, model.StatusPending, it.Status)
	}
	found := false
	for _, it := range pending {
		if it.Key == "list filter label" {
			found = true
		}
	}
	assert.True(t, found)
}

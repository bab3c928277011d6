package review_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/review"
	"github.com/rudnitski/healthup-resolver/internal/storage"
	"github.com/rudnitski/healthup-resolver/internal/testutil"
)

var (
	testDB  *storage.DB
	testSvc *review.Service
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testSvc = review.New(testDB, testutil.TestLogger())

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func TestEnqueueDeduplicatesAndCounts(t *testing.T) {
	ctx := context.Background()
	item := model.ReviewQueueItem{
		Key: "svc dedup key", RawLabel: "???", IssueType: model.IssueUnresolved,
	}

	first, created, err := testSvc.Enqueue(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := testSvc.Enqueue(ctx, item)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
}

func TestAmendThenApprove(t *testing.T) {
	ctx := context.Background()

	item, _, err := testSvc.Enqueue(ctx, model.ReviewQueueItem{
		Key:             "svc caret unit",
		RawLabel:        "10^12/l",
		IssueType:       model.IssueInvalidSyntax,
		NeedsCorrection: true,
		Proposed: &model.ReviewProposal{
			Code: "10^12/l", DisplayName: "10^12/L", Kind: model.KindUnit,
		},
	})
	require.NoError(t, err)

	_, err = testSvc.Approve(ctx, item.ID, "admin")
	assert.ErrorIs(t, err, storage.ErrNeedsCorrection)

	// An amendment that repeats the invalid notation is refused outright.
	err = testSvc.Amend(ctx, item.ID, model.ReviewProposal{
		Code: "10^12/l", DisplayName: "10^12/L", Kind: model.KindUnit,
	})
	require.Error(t, err)

	require.NoError(t, testSvc.Amend(ctx, item.ID, model.ReviewProposal{
		Code: "10*12/l", DisplayName: "10*12/L", Kind: model.KindUnit,
	}))

	entry, err := testSvc.Approve(ctx, item.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, "10*12/l", entry.Code)

	_, matched, err := testDB.LookupAlias(ctx, "svc caret unit")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, matched.ID)
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()

	item, _, err := testSvc.Enqueue(ctx, model.ReviewQueueItem{
		Key: "svc reject key", RawLabel: "x", IssueType: model.IssueAmbiguous,
	})
	require.NoError(t, err)

	require.NoError(t, testSvc.Reject(ctx, item.ID, "admin"))
	assert.ErrorIs(t, testSvc.Reject(ctx, item.ID, "admin"), storage.ErrTerminalState)
	_, err = testSvc.Approve(ctx, item.ID, "admin")
	assert.ErrorIs(t, err, storage.ErrTerminalState)
}

func TestListDefaultsToPending(t *testing.T) {
	ctx := context.Background()
	_, _, err := testSvc.Enqueue(ctx, model.ReviewQueueItem{
		Key: "svc list key", RawLabel: "y", IssueType: model.IssueUnknownCode,
	})
	require.NoError(t, err)

	items, err := testSvc.List(ctx, model.StatusPending, 0, -5)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	for _, it := range items {
		assert.Equal(t, model.StatusPending, it.Status)
	}
}

// Package storetest holds behaviour checks shared by every points.TxStore
// implementation. Each store package calls Run from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/rules"
	"github.com/fieldops/points-engine/visits"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is what the checks need from an implementation.
type Store interface {
	points.TxStore
	points.ReportStore
}

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) Store

// Run executes every check against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LedgerGetOrCreate", func(t *testing.T) { testLedgerGetOrCreate(t, newStore(t)) })
	t.Run("DuplicateIdempotencyKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("VisitRoundTrip", func(t *testing.T) { testVisitRoundTrip(t, newStore(t)) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, newStore(t)) })
	t.Run("OnePenaltyPerVisit", func(t *testing.T) { testOnePenaltyPerVisit(t, newStore(t)) })
	t.Run("UpdateTransactionInPlace", func(t *testing.T) { testUpdateTransaction(t, newStore(t)) })
	t.Run("PenaltyRoundTrip", func(t *testing.T) { testPenalty(t, newStore(t)) })
	t.Run("ReportPeriods", func(t *testing.T) { testReportPeriods(t, newStore(t)) })
	t.Run("EndToEnd", func(t *testing.T) { testEndToEnd(t, newStore(t)) })
}

func testLedgerGetOrCreate(t *testing.T, s Store) {
	ctx := context.Background()

	l, err := s.GetLedger(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, l)

	err = s.WithTx(ctx, func(tx points.Store) error {
		l, err := tx.LockLedger(ctx, "a1")
		if err != nil {
			return err
		}
		l.AddPoints(150, points.TxEarned)
		l.DeductPoints(100)
		return tx.SaveLedger(ctx, l)
	})
	require.NoError(t, err)

	l, err = s.GetLedger(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 50, l.TotalPoints)
	assert.Equal(t, 50, l.AvailablePoints)
	assert.Equal(t, 150, l.LifetimePoints)
	assert.False(t, l.CreatedAt.IsZero())
}

func testDuplicateKey(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendTransaction(ctx, &points.Transaction{
		ID: "t1", UserID: "a1", Type: points.TxEarned, Activity: points.ActivityVisitCompletion,
		Points: 100, IdempotencyKey: "visit:v1:earned",
	}))
	err := s.AppendTransaction(ctx, &points.Transaction{
		ID: "t2", UserID: "a1", Type: points.TxEarned, Activity: points.ActivityVisitCompletion,
		Points: 100, IdempotencyKey: "visit:v1:earned",
	})
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
	assert.True(t, points.IsRetryable(err))

	got, err := s.TransactionByKey(ctx, "visit:v1:earned")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, points.TransactionID("t1"), got.ID)

	missing, err := s.TransactionByKey(ctx, "visit:v9:earned")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx points.Store) error {
		l, err := tx.LockLedger(ctx, "a1")
		if err != nil {
			return err
		}
		l.AddPoints(100, points.TxEarned)
		if err := tx.SaveLedger(ctx, l); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &points.Transaction{
			ID: "t1", UserID: "a1", Type: points.TxEarned, Activity: points.ActivityVisitCompletion, Points: 100,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	l, err := s.GetLedger(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, l)

	txs, err := s.Transactions(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func testVisitRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	ref := points.StoreRef{ID: "s1", Name: "Corner Shop", Priority: points.PriorityHigh}

	require.NoError(t, s.SaveStore(ctx, ref))
	require.NoError(t, s.CreateVisit(ctx, &points.Visit{ID: "v1", UserID: "a1", RouteID: "r1", Store: &ref, Status: points.VisitInProgress}))
	require.NoError(t, s.CreateImage(ctx, &points.Image{ID: "i1", VisitID: "v1", Quality: points.QualityPending}))
	require.NoError(t, s.CreateImage(ctx, &points.Image{ID: "i2", VisitID: "v1", Quality: points.QualityApproved}))
	require.NoError(t, s.UpdateImageQuality(ctx, "i1", points.QualityRejected))
	require.NoError(t, s.UpdateVisitStatus(ctx, "v1", points.VisitCompleted))

	v, err := s.GetVisit(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, points.VisitCompleted, v.Status)
	assert.Equal(t, points.RouteID("r1"), v.RouteID)
	require.NotNil(t, v.Store)
	assert.Equal(t, ref, *v.Store)
	require.Len(t, v.Images, 2)
	assert.Equal(t, points.ImageID("i1"), v.Images[0].ID)
	assert.Equal(t, points.QualityRejected, v.Images[0].Quality)

	img, err := s.GetImage(ctx, "i2")
	require.NoError(t, err)
	assert.Equal(t, points.VisitID("v1"), img.VisitID)

	_, err = s.GetVisit(ctx, "nope")
	assert.ErrorIs(t, err, points.ErrVisitNotFound)
	_, err = s.GetImage(ctx, "nope")
	assert.ErrorIs(t, err, points.ErrImageNotFound)
	assert.ErrorIs(t, s.CreateImage(ctx, &points.Image{ID: "i3", VisitID: "nope", Quality: points.QualityPending}), points.ErrVisitNotFound)
	assert.ErrorIs(t, s.UpdateVisitStatus(ctx, "nope", points.VisitSkipped), points.ErrVisitNotFound)

	require.NoError(t, s.SaveAgent(ctx, points.Agent{ID: "a1", Name: "Amal", PushEnabled: true, QCAlerts: true}))
	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, a.PushEnabled)
	assert.False(t, a.RewardAlerts)
	assert.True(t, a.QCAlerts)
	_, err = s.GetAgent(ctx, "ghost")
	assert.ErrorIs(t, err, points.ErrAgentNotFound)
}

func testDuplicateCreate(t *testing.T, s Store) {
	ctx := context.Background()
	ref := points.StoreRef{ID: "s1", Name: "Corner Shop", Priority: points.PriorityHigh}

	require.NoError(t, s.CreateVisit(ctx, &points.Visit{ID: "v1", UserID: "a1", Store: &ref, Status: points.VisitCompleted}))
	require.NoError(t, s.CreateImage(ctx, &points.Image{ID: "i1", VisitID: "v1", Quality: points.QualityApproved}))

	err := s.CreateVisit(ctx, &points.Visit{ID: "v1", UserID: "a2", Store: &ref, Status: points.VisitInProgress})
	assert.ErrorIs(t, err, points.ErrAlreadyExists)
	assert.True(t, points.IsClientError(err))
	assert.False(t, points.IsRetryable(err))

	err = s.CreateImage(ctx, &points.Image{ID: "i1", VisitID: "v1", Quality: points.QualityRejected})
	assert.ErrorIs(t, err, points.ErrAlreadyExists)
	assert.False(t, points.IsRetryable(err))

	// The original rows are untouched.
	v, err := s.GetVisit(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, points.UserID("a1"), v.UserID)
	assert.Equal(t, points.VisitCompleted, v.Status)
	require.Len(t, v.Images, 1)
	assert.Equal(t, points.QualityApproved, v.Images[0].Quality)
}

func testOnePenaltyPerVisit(t *testing.T, s Store) {
	ctx := context.Background()

	p := &points.Penalty{
		ID: "p1", UserID: "a1", StoreID: "s1", VisitID: "v1", Reason: "r",
		Amount: decimal.RequireFromString("50.00"), Type: points.PenaltyFinancial, Status: points.PenaltyIssued,
	}
	require.NoError(t, s.CreatePenalty(ctx, p))

	p2 := *p
	p2.ID = "p2"
	err := s.CreatePenalty(ctx, &p2)
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
	assert.False(t, points.IsClientError(err))
}

func testUpdateTransaction(t *testing.T, s Store) {
	ctx := context.Background()

	tx := &points.Transaction{
		ID: "t1", UserID: "a1", Type: points.TxEarned, Activity: points.ActivityVisitCompletion,
		Points: 100, Description: "Visit completed", VisitID: "v1", StoreID: "s1", RouteID: "r1",
	}
	require.NoError(t, s.AppendTransaction(ctx, tx))

	tx.Points = 150
	tx.Activity = points.ActivityPerfectVisit
	tx.Description = "Perfect visit - all 2 images approved"
	require.NoError(t, s.UpdateTransaction(ctx, tx))

	got, err := s.LatestEarned(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 150, got.Points)
	assert.Equal(t, points.ActivityPerfectVisit, got.Activity)
	assert.Equal(t, points.StoreID("s1"), got.StoreID)

	txs, err := s.Transactions(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	none, err := s.LatestEarned(ctx, "v2")
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.ErrorIs(t, s.UpdateTransaction(ctx, &points.Transaction{ID: "missing"}), points.ErrDataIntegrity)
}

func testPenalty(t *testing.T, s Store) {
	ctx := context.Background()

	p := &points.Penalty{
		ID: "p1", UserID: "a1", StoreID: "s1", RouteID: "r1", VisitID: "v1",
		Reason: "Missed visit to Corner Shop (High Priority)", Amount: decimal.RequireFromString("100.00"),
		PointsDeducted: 100, Type: points.PenaltyFinancial, Status: points.PenaltyIssued,
	}
	require.NoError(t, s.CreatePenalty(ctx, p))

	got, err := s.PenaltyForVisit(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "100.00", got.Amount.StringFixed(2))
	assert.Equal(t, 100, got.PointsDeducted)
	assert.Equal(t, p.Reason, got.Reason)

	none, err := s.PenaltyForVisit(ctx, "v2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testReportPeriods(t *testing.T, s Store) {
	ctx := context.Background()
	march := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	feb := time.Date(2025, time.February, 27, 9, 0, 0, 0, time.UTC)

	rows := []points.Transaction{
		{ID: "t1", UserID: "a1", Type: points.TxEarned, Activity: points.ActivityVisitCompletion, Points: 100, CreatedAt: feb},
		{ID: "t2", UserID: "a1", Type: points.TxEarned, Activity: points.ActivityPerfectVisit, Points: 150, CreatedAt: march},
		{ID: "t3", UserID: "a1", Type: points.TxDeducted, Activity: points.ActivityMissedVisitPenalty, Points: -50, CreatedAt: march},
		{ID: "t4", UserID: "a2", Type: points.TxEarned, Activity: points.ActivityVisitCompletion, Points: 100, CreatedAt: march},
	}
	for i := range rows {
		require.NoError(t, s.AppendTransaction(ctx, &rows[i]))
	}
	require.NoError(t, s.CreatePenalty(ctx, &points.Penalty{
		ID: "p1", UserID: "a1", StoreID: "s1", VisitID: "v1", Reason: "r", Amount: decimal.NewFromInt(50),
		PointsDeducted: 50, Type: points.PenaltyFinancial, Status: points.PenaltyIssued, IssuedAt: march,
	}))

	now := time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC)

	this, err := s.EarnedTransactions(ctx, "a1", points.PeriodThisMonth.At(now))
	require.NoError(t, err)
	require.Len(t, this, 1)
	assert.Equal(t, points.TransactionID("t2"), this[0].ID)

	prev, err := s.EarnedTransactions(ctx, "a1", points.PeriodPreviousMonth.At(now))
	require.NoError(t, err)
	require.Len(t, prev, 1)
	assert.Equal(t, points.TransactionID("t1"), prev[0].ID)

	all, err := s.EarnedTransactions(ctx, "a1", points.PeriodAllTime.At(now))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := s.Transactions(ctx, "a1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	pens, err := s.Penalties(ctx, "a1", points.PeriodThisMonth.At(now))
	require.NoError(t, err)
	assert.Len(t, pens, 1)
	pens, err = s.Penalties(ctx, "a1", points.PeriodPreviousMonth.At(now))
	require.NoError(t, err)
	assert.Empty(t, pens)
}

// testEndToEnd drives the visit operations against the store.
func testEndToEnd(t *testing.T, s Store) {
	ctx := context.Background()
	proc := visits.NewProcessor(s, rules.Default(), nil)
	ops := visits.NewOperations(s, proc, nil)

	_, err := ops.RecordVisit(ctx, points.Visit{
		ID: "v1", UserID: "a1", RouteID: "r1",
		Store:  &points.StoreRef{ID: "s1", Name: "Corner Shop", Priority: points.PriorityHigh},
		Images: []points.Image{{ID: "i1", Quality: points.QualityApproved}, {ID: "i2", Quality: points.QualityPending}},
	})
	require.NoError(t, err)
	_, err = ops.RecordVisit(ctx, points.Visit{
		ID: "v2", UserID: "a1", RouteID: "r1",
		Store: &points.StoreRef{ID: "s2", Name: "Market", Priority: points.PriorityMedium},
	})
	require.NoError(t, err)

	// 1/2 approved: 100
	out, err := ops.SetVisitStatus(ctx, "v1", points.VisitCompleted)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Transaction.Points)

	// 2/2 approved: recalculated to 150 in place
	out, err = ops.ReviewImage(ctx, "i2", points.QualityApproved)
	require.NoError(t, err)
	assert.Equal(t, 150, out.Transaction.Points)

	// Medium skip: 75 points and 75.00
	out, err = ops.SetVisitStatus(ctx, "v2", points.VisitSkipped)
	require.NoError(t, err)
	assert.Equal(t, "75.00", out.Penalty.Amount.StringFixed(2))

	l, err := s.GetLedger(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 75, l.TotalPoints)
	assert.Equal(t, 75, l.AvailablePoints)
	assert.Equal(t, 150, l.LifetimePoints)

	txs, err := s.Transactions(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	// Re-delivery changes nothing.
	again, err := proc.RecalculateVisitPoints(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 150, again.Points)
	_, _, err = proc.DeductMissedVisitPoints(ctx, "v2")
	require.NoError(t, err)

	l, err = s.GetLedger(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 75, l.TotalPoints)
}

package visits_test

import (
	"context"
	"sync"
	"testing"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/points/store"
	"github.com/fieldops/points-engine/rules"
	"github.com/fieldops/points-engine/visits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const agent = points.UserID("agent-1")

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Emit(_ context.Context, events ...notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []notify.Kind
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type fixture struct {
	ctx   context.Context
	store *store.Memory
	proc  *visits.Processor
	ops   *visits.Operations
	rec   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	proc := visits.NewProcessor(mem, rules.Default(), rec)
	return &fixture{
		ctx:   context.Background(),
		store: mem,
		proc:  proc,
		ops:   visits.NewOperations(mem, proc, nil),
		rec:   rec,
	}
}

func storeRef(id string, priority points.Priority) *points.StoreRef {
	return &points.StoreRef{ID: points.StoreID(id), Name: "Store " + id, Priority: priority}
}

// visit records an in-progress visit with the given image qualities.
func (f *fixture) visit(t *testing.T, id string, priority points.Priority, qualities ...points.QualityStatus) points.Visit {
	t.Helper()
	v := points.Visit{
		ID:      points.VisitID(id),
		UserID:  agent,
		RouteID: "route-1",
		Store:   storeRef("s-"+id, priority),
		Status:  points.VisitInProgress,
	}
	for i, q := range qualities {
		v.Images = append(v.Images, points.Image{ID: points.ImageID(id + "-img-" + string(rune('a'+i))), Quality: q})
	}
	out, err := f.ops.RecordVisit(f.ctx, v)
	require.NoError(t, err)
	return *out.Visit
}

func (f *fixture) ledger(t *testing.T) points.Ledger {
	t.Helper()
	l, err := f.store.GetLedger(f.ctx, agent)
	require.NoError(t, err)
	if l == nil {
		return points.Ledger{UserID: agent}
	}
	return *l
}

func (f *fixture) transactions(t *testing.T) []points.Transaction {
	t.Helper()
	txs, err := f.store.Transactions(f.ctx, agent, 0)
	require.NoError(t, err)
	return txs
}

func assertLedgerInvariant(t *testing.T, l points.Ledger) {
	t.Helper()
	assert.GreaterOrEqual(t, l.AvailablePoints, 0)
	assert.GreaterOrEqual(t, l.TotalPoints, 0)
	assert.LessOrEqual(t, l.AvailablePoints, l.TotalPoints)
}

// =============================================================================
// AWARD
// =============================================================================

func TestAwardVisitPoints_PerfectVisit(t *testing.T) {
	// GIVEN: A visit with three approved images
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityMedium, points.QualityApproved, points.QualityApproved, points.QualityApproved)

	// WHEN: The visit is completed
	out, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitCompleted)
	require.NoError(t, err)

	// THEN: 150 PERFECT_VISIT points are earned
	require.NotNil(t, out.Transaction)
	assert.Equal(t, 150, out.Transaction.Points)
	assert.Equal(t, points.ActivityPerfectVisit, out.Transaction.Activity)
	assert.Equal(t, points.TxEarned, out.Transaction.Type)
	assert.Equal(t, points.StoreID("s-v1"), out.Transaction.StoreID)
	assert.Equal(t, points.RouteID("route-1"), out.Transaction.RouteID)

	l := f.ledger(t)
	assert.Equal(t, 150, l.TotalPoints)
	assert.Equal(t, 150, l.AvailablePoints)
	assert.Equal(t, 150, l.LifetimePoints)
}

func TestAwardVisitPoints_LowQualityIsStillEarned(t *testing.T) {
	// GIVEN: A visit with one of four images approved
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityLow,
		points.QualityApproved, points.QualityRejected, points.QualityRejected, points.QualityRejected)

	// WHEN: The visit is completed
	out, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitCompleted)
	require.NoError(t, err)

	// THEN: 70 points are logged as EARNED with the rejection activity
	assert.Equal(t, 70, out.Transaction.Points)
	assert.Equal(t, points.TxEarned, out.Transaction.Type)
	assert.Equal(t, points.ActivityImageRejectionPenalty, out.Transaction.Activity)
	assert.Equal(t, 70, f.ledger(t).LifetimePoints)
}

func TestAwardVisitPoints_NoOpUnlessCompleted(t *testing.T) {
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityHigh)

	tx, err := f.proc.AwardVisitPoints(f.ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.Empty(t, f.transactions(t))
}

func TestAwardVisitPoints_NoDoubleAward(t *testing.T) {
	// GIVEN: A completed visit that already earned points
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityHigh)
	_, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitCompleted)
	require.NoError(t, err)

	// WHEN: The award is delivered again
	tx, err := f.proc.AwardVisitPoints(f.ctx, "v1")
	require.NoError(t, err)

	// THEN: The existing row is returned and the ledger is unchanged
	require.NotNil(t, tx)
	assert.Equal(t, 100, tx.Points)
	assert.Len(t, f.transactions(t), 1)
	assert.Equal(t, 100, f.ledger(t).TotalPoints)
}

func TestAwardVisitPoints_UnknownVisit(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.AwardVisitPoints(f.ctx, "missing")
	assert.ErrorIs(t, err, points.ErrVisitNotFound)
	assert.True(t, points.IsNotFound(err))
}

// =============================================================================
// MISSED VISIT PENALTY
// =============================================================================

func TestDeductMissedVisitPoints_PriorityTiers(t *testing.T) {
	tests := []struct {
		priority points.Priority
		points   int
		amount   string
		activity points.ActivityType
		label    string
	}{
		{points.PriorityHigh, 100, "100.00", points.ActivityHighPriorityMissed, "High Priority"},
		{points.PriorityMedium, 75, "75.00", points.ActivityMissedVisitPenalty, "Medium Priority"},
		{points.PriorityLow, 50, "50.00", points.ActivityMissedVisitPenalty, "Low Priority"},
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			// GIVEN: An agent with 500 points
			f := newFixture(t)
			seedPoints(t, f, 500)
			f.visit(t, "v1", tt.priority)

			// WHEN: The visit is skipped
			out, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitSkipped)
			require.NoError(t, err)

			// THEN: One penalty and one DEDUCTED row are recorded
			require.NotNil(t, out.Penalty)
			assert.Equal(t, tt.points, out.Penalty.PointsDeducted)
			assert.Equal(t, tt.amount, out.Penalty.Amount.StringFixed(2))
			assert.Equal(t, points.PenaltyFinancial, out.Penalty.Type)
			assert.Equal(t, points.PenaltyIssued, out.Penalty.Status)
			assert.Equal(t, "Missed visit to Store s-v1 ("+tt.label+")", out.Penalty.Reason)

			require.NotNil(t, out.Transaction)
			assert.Equal(t, -tt.points, out.Transaction.Points)
			assert.Equal(t, points.TxDeducted, out.Transaction.Type)
			assert.Equal(t, tt.activity, out.Transaction.Activity)
			assert.Equal(t, "Missed visit penalty for Store s-v1 ("+tt.label+")", out.Transaction.Description)

			l := f.ledger(t)
			assert.Equal(t, 500-tt.points, l.TotalPoints)
			assert.Equal(t, 500, l.LifetimePoints)
		})
	}
}

func TestDeductMissedVisitPoints_ClampsAtZero(t *testing.T) {
	// GIVEN: An agent with 30 points
	f := newFixture(t)
	seedPoints(t, f, 30)
	f.visit(t, "v1", points.PriorityHigh)

	// WHEN: A high priority visit is skipped (100 points)
	_, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitSkipped)
	require.NoError(t, err)

	// THEN: The balance stops at zero and lifetime is untouched
	l := f.ledger(t)
	assert.Equal(t, 0, l.TotalPoints)
	assert.Equal(t, 0, l.AvailablePoints)
	assert.Equal(t, 30, l.LifetimePoints)
	assertLedgerInvariant(t, l)
}

func TestDeductMissedVisitPoints_ReturnsExistingPenalty(t *testing.T) {
	f := newFixture(t)
	seedPoints(t, f, 500)
	f.visit(t, "v1", points.PriorityLow)
	first, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitSkipped)
	require.NoError(t, err)

	pen, tx, err := f.proc.DeductMissedVisitPoints(f.ctx, "v1")
	require.NoError(t, err)

	assert.Equal(t, first.Penalty.ID, pen.ID)
	assert.Equal(t, first.Transaction.ID, tx.ID)
	assert.Equal(t, 450, f.ledger(t).TotalPoints)
}

func TestDeductMissedVisitPoints_MissingStoreFailsAndRollsBack(t *testing.T) {
	// GIVEN: A visit without a store
	f := newFixture(t)
	_, err := f.ops.RecordVisit(f.ctx, points.Visit{ID: "v1", UserID: agent, Status: points.VisitInProgress})
	require.NoError(t, err)

	// WHEN: It is skipped
	_, err = f.ops.SetVisitStatus(f.ctx, "v1", points.VisitSkipped)

	// THEN: The error is a data integrity error and the status change is undone
	var die *points.DataIntegrityError
	require.ErrorAs(t, err, &die)
	assert.Equal(t, points.VisitID("v1"), die.VisitID)
	assert.ErrorIs(t, err, points.ErrDataIntegrity)

	v, err := f.store.GetVisit(f.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, points.VisitInProgress, v.Status)
	assert.Empty(t, f.transactions(t))
}

func TestDeductMissedVisitPoints_UnknownPriorityFailsLoudly(t *testing.T) {
	f := newFixture(t)
	f.visit(t, "v1", "URGENT")

	_, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitSkipped)
	assert.ErrorIs(t, err, points.ErrDataIntegrity)

	pen, err := f.store.PenaltyForVisit(f.ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, pen)
}

// =============================================================================
// RECALCULATION
// =============================================================================

func TestRecalculate_DeltaUpdatesSingleRow(t *testing.T) {
	// GIVEN: A visit completed with 2 approved and 2 pending images (100 points)
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityMedium,
		points.QualityApproved, points.QualityApproved, points.QualityPending, points.QualityPending)
	first, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitCompleted)
	require.NoError(t, err)
	require.Equal(t, 100, first.Transaction.Points)

	// WHEN: The remaining images are approved
	_, err = f.ops.ReviewImage(f.ctx, "v1-img-c", points.QualityApproved)
	require.NoError(t, err)
	out, err := f.ops.ReviewImage(f.ctx, "v1-img-d", points.QualityApproved)
	require.NoError(t, err)

	// THEN: The single EARNED row now shows 150 PERFECT_VISIT
	require.NotNil(t, out.Transaction)
	assert.Equal(t, first.Transaction.ID, out.Transaction.ID)
	assert.Equal(t, 150, out.Transaction.Points)
	assert.Equal(t, points.ActivityPerfectVisit, out.Transaction.Activity)

	txs := f.transactions(t)
	require.Len(t, txs, 1)
	assert.Equal(t, 150, txs[0].Points)

	// AND: The ledger grew by exactly 50
	l := f.ledger(t)
	assert.Equal(t, 150, l.TotalPoints)
	assert.Equal(t, 150, l.LifetimePoints)
}

func TestRecalculate_NegativeDeltaDeducts(t *testing.T) {
	// GIVEN: A perfect visit (150)
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityMedium, points.QualityApproved, points.QualityApproved)
	_, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitCompleted)
	require.NoError(t, err)

	// WHEN: Both images are rejected after the fact
	_, err = f.ops.ReviewImage(f.ctx, "v1-img-a", points.QualityRejected)
	require.NoError(t, err)
	_, err = f.ops.ReviewImage(f.ctx, "v1-img-b", points.QualityRejected)
	require.NoError(t, err)

	// THEN: The award drops to 70 and lifetime keeps its high-water mark
	l := f.ledger(t)
	assert.Equal(t, 70, l.TotalPoints)
	assert.Equal(t, 70, l.AvailablePoints)
	assert.Equal(t, 150, l.LifetimePoints)
	assertLedgerInvariant(t, l)
}

func TestRecalculate_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityLow, points.QualityApproved, points.QualityRejected)
	_, err := f.ops.SetVisitStatus(f.ctx, "v1", points.VisitCompleted)
	require.NoError(t, err)

	first, err := f.proc.RecalculateVisitPoints(f.ctx, "v1")
	require.NoError(t, err)
	after1 := f.ledger(t)

	second, err := f.proc.RecalculateVisitPoints(f.ctx, "v1")
	require.NoError(t, err)
	after2 := f.ledger(t)

	assert.Equal(t, first.Points, second.Points)
	assert.Equal(t, after1.TotalPoints, after2.TotalPoints)
	assert.Equal(t, after1.AvailablePoints, after2.AvailablePoints)
	assert.Equal(t, after1.LifetimePoints, after2.LifetimePoints)
	assert.Len(t, f.transactions(t), 1)
}

func TestRecalculate_WithoutAwardDelegatesToAward(t *testing.T) {
	// GIVEN: A completed visit with no EARNED row (e.g. created before the engine)
	f := newFixture(t)
	err := f.store.WithTx(f.ctx, func(s points.Store) error {
		return s.CreateVisit(f.ctx, &points.Visit{ID: "v1", UserID: agent, Status: points.VisitCompleted, Store: storeRef("s1", points.PriorityLow)})
	})
	require.NoError(t, err)

	// WHEN: Recalculation runs
	tx, err := f.proc.RecalculateVisitPoints(f.ctx, "v1")
	require.NoError(t, err)

	// THEN: The visit is awarded once
	require.NotNil(t, tx)
	assert.Equal(t, 100, tx.Points)
	assert.Equal(t, visits.EarnedKey("v1"), tx.IdempotencyKey)
}

func TestRecalculate_NoOpUnlessCompleted(t *testing.T) {
	f := newFixture(t)
	f.visit(t, "v1", points.PriorityLow, points.QualityPending)

	out, err := f.ops.ReviewImage(f.ctx, "v1-img-a", points.QualityApproved)
	require.NoError(t, err)
	assert.Nil(t, out.Transaction)
	assert.Empty(t, f.transactions(t))
}

// =============================================================================
// REDEMPTION AND LEDGER
// =============================================================================

func TestRedeemPoints(t *testing.T) {
	f := newFixture(t)
	seedPoints(t, f, 200)

	tx, err := f.proc.RedeemPoints(f.ctx, agent, 120, "Gift card")
	require.NoError(t, err)
	assert.Equal(t, -120, tx.Points)
	assert.Equal(t, points.TxRedeemed, tx.Type)
	assert.Equal(t, points.ActivityRewardRedemption, tx.Activity)

	l := f.ledger(t)
	assert.Equal(t, 80, l.AvailablePoints)
	assert.Equal(t, 200, l.LifetimePoints)

	_, err = f.proc.RedeemPoints(f.ctx, agent, 81, "")
	var ipe *points.InsufficientPointsError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, 80, ipe.Available)
	assert.True(t, points.IsClientError(err))

	_, err = f.proc.RedeemPoints(f.ctx, agent, 0, "")
	assert.ErrorIs(t, err, points.ErrInvalidAmount)
}

func TestGetOrCreateLedger(t *testing.T) {
	f := newFixture(t)

	l, err := f.proc.GetOrCreateLedger(f.ctx, "new-agent")
	require.NoError(t, err)
	assert.Equal(t, points.UserID("new-agent"), l.UserID)
	assert.Zero(t, l.TotalPoints)

	again, err := f.proc.GetOrCreateLedger(f.ctx, "new-agent")
	require.NoError(t, err)
	assert.Equal(t, l.CreatedAt, again.CreatedAt)
}

func TestLedgerInvariantAcrossMixedSequence(t *testing.T) {
	// GIVEN: A sequence of completions, skips and reviews
	f := newFixture(t)
	f.visit(t, "a", points.PriorityHigh, points.QualityApproved, points.QualityPending)
	f.visit(t, "b", points.PriorityHigh)
	f.visit(t, "c", points.PriorityLow, points.QualityRejected)
	f.visit(t, "d", points.PriorityMedium)

	lifetime := 0
	steps := []func() error{
		func() error { _, err := f.ops.SetVisitStatus(f.ctx, "a", points.VisitCompleted); return err },
		func() error { _, err := f.ops.SetVisitStatus(f.ctx, "b", points.VisitSkipped); return err },
		func() error { _, err := f.ops.ReviewImage(f.ctx, "a-img-b", points.QualityApproved); return err },
		func() error { _, err := f.ops.SetVisitStatus(f.ctx, "c", points.VisitCompleted); return err },
		func() error { _, err := f.ops.SetVisitStatus(f.ctx, "d", points.VisitSkipped); return err },
		func() error { _, err := f.ops.ReviewImage(f.ctx, "c-img-a", points.QualityApproved); return err },
	}

	// THEN: After every step the invariants hold and lifetime never drops
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		l := f.ledger(t)
		assertLedgerInvariant(t, l)
		assert.GreaterOrEqual(t, l.LifetimePoints, lifetime, "step %d", i)
		lifetime = l.LifetimePoints
	}
}

// seedPoints gives the agent n lifetime points via a completed visit chain.
func seedPoints(t *testing.T, f *fixture, n int) {
	t.Helper()
	err := f.store.WithTx(f.ctx, func(s points.Store) error {
		l, err := s.LockLedger(f.ctx, agent)
		if err != nil {
			return err
		}
		l.AddPoints(n, points.TxEarned)
		return s.SaveLedger(f.ctx, l)
	})
	require.NoError(t, err)
}

/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the expected state behind:
	- Agents are created
	- Ledgers match the awards, penalties and redemptions applied
	- Notifications respect agent preferences

These tests double as integration tests of the operations against SQLite.
*/
package api

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/rules"
	"github.com/fieldops/points-engine/store/sqlite"
	"github.com/fieldops/points-engine/visits"
)

func setupTestHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := notify.NewEmitter(store, notify.SinkNotifier{Sink: store}, logger)
	processor := visits.NewProcessor(store, rules.Default(), emitter)
	ops := visits.NewOperations(store, processor, logger)
	return NewHandler(store, ops, points.NewReporter(store, store, 0), logger)
}

func ledgerOf(t *testing.T, h *Handler, userID points.UserID) points.Ledger {
	t.Helper()
	l, err := h.Store.GetLedger(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get ledger: %v", err)
	}
	if l == nil {
		t.Fatalf("No ledger for %s", userID)
	}
	return *l
}

func TestScenario_TopPerformer(t *testing.T) {
	// GIVEN: Top performer scenario
	// WHEN: Loading the scenario
	// THEN: 150 + 150 + 125 earned, 100 redeemed
	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadTopPerformerScenario(ctx); err != nil {
		t.Fatalf("Failed to load top-performer scenario: %v", err)
	}

	l := ledgerOf(t, h, "agent-sara")
	if l.TotalPoints != 325 || l.AvailablePoints != 325 {
		t.Errorf("Expected 325 total/available, got %d/%d", l.TotalPoints, l.AvailablePoints)
	}
	if l.LifetimePoints != 425 {
		t.Errorf("Expected lifetime 425, got %d", l.LifetimePoints)
	}

	txs, err := h.Store.Transactions(ctx, "agent-sara", 0)
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if len(txs) != 4 {
		t.Fatalf("Expected 4 transactions, got %d", len(txs))
	}
	if txs[0].Type != points.TxRedeemed {
		t.Errorf("Expected newest transaction to be REDEEMED, got %s", txs[0].Type)
	}
}

func TestScenario_MissedVisits(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadMissedVisitsScenario(ctx); err != nil {
		t.Fatalf("Failed to load missed-visits scenario: %v", err)
	}

	// 150 - 100 - 75 - 50, clamped at zero.
	l := ledgerOf(t, h, "agent-omar")
	if l.TotalPoints != 0 || l.AvailablePoints != 0 {
		t.Errorf("Expected empty balance, got %d/%d", l.TotalPoints, l.AvailablePoints)
	}
	if l.LifetimePoints != 150 {
		t.Errorf("Expected lifetime 150, got %d", l.LifetimePoints)
	}

	summary, err := h.Reporter.PenaltySummary(ctx, "agent-omar", points.PeriodAllTime)
	if err != nil {
		t.Fatalf("Failed to get penalty summary: %v", err)
	}
	if summary.TotalAmount.StringFixed(2) != "225.00" {
		t.Errorf("Expected 225.00 total, got %s", summary.TotalAmount.StringFixed(2))
	}
	if summary.StoresMissed != 3 {
		t.Errorf("Expected 3 stores missed, got %d", summary.StoresMissed)
	}
}

func TestScenario_QualityReview(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadQualityReviewScenario(ctx); err != nil {
		t.Fatalf("Failed to load quality-review scenario: %v", err)
	}

	tx, err := h.Store.LatestEarned(ctx, "visit-lina-1")
	if err != nil {
		t.Fatalf("Failed to get award: %v", err)
	}
	if tx == nil || tx.Points != 150 || tx.Activity != points.ActivityPerfectVisit {
		t.Fatalf("Expected a 150 point PERFECT_VISIT award, got %+v", tx)
	}

	l := ledgerOf(t, h, "agent-lina")
	if l.TotalPoints != 150 || l.LifetimePoints != 150 {
		t.Errorf("Expected 150 total and lifetime, got %d/%d", l.TotalPoints, l.LifetimePoints)
	}

	ns, err := h.Store.Notifications(ctx, "agent-lina", 1)
	if err != nil {
		t.Fatalf("Failed to list notifications: %v", err)
	}
	if len(ns) != 1 || ns[0].Kind != notify.KindStoreVisitFlagged {
		t.Errorf("Expected newest notification to be STORE_VISIT_FLAGGED, got %+v", ns)
	}
}

func TestScenario_QuietAgent(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadQuietAgentScenario(ctx); err != nil {
		t.Fatalf("Failed to load quiet-agent scenario: %v", err)
	}

	ns, err := h.Store.Notifications(ctx, "agent-yousef", 0)
	if err != nil {
		t.Fatalf("Failed to list notifications: %v", err)
	}
	for _, n := range ns {
		if n.Kind == notify.KindPointsEarned || n.Kind == notify.KindPointsDeducted {
			t.Errorf("Points notification delivered despite reward alerts off: %s", n.Title)
		}
	}
	if len(ns) != 2 {
		t.Errorf("Expected visit and QC notifications only, got %d", len(ns))
	}
}

func TestScenario_AllLoadersRegistered(t *testing.T) {
	h := setupTestHandler(t)
	loaders := h.loaders()
	for _, s := range scenarios {
		if _, ok := loaders[s.ID]; !ok {
			t.Errorf("Scenario %s has no loader", s.ID)
		}
	}
	if len(loaders) != len(scenarios) {
		t.Errorf("Expected %d loaders, got %d", len(scenarios), len(loaders))
	}
}

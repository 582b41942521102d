package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/points/storetest"
	"github.com/fieldops/points-engine/store/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStore connects to DATABASE_URL and isolates each test in its own schema.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping postgres tests")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())

	admin, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+schema)
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	s, err := postgres.NewFromPool(ctx, pool)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
		admin.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(ctx)
	})
	return s
}

func TestPostgres_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newStore(t) })
}

func TestPostgres_LedgerCheckConstraint(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.SaveLedger(ctx, &points.Ledger{UserID: "a1", TotalPoints: 10, AvailablePoints: 20})

	assert.ErrorIs(t, err, points.ErrDataIntegrity)
}

func TestPostgres_OnePenaltyPerVisit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := &points.Penalty{ID: "p1", UserID: "a1", VisitID: "v1", Reason: "r", Type: points.PenaltyFinancial, Status: points.PenaltyIssued}
	require.NoError(t, s.CreatePenalty(ctx, p))

	p2 := *p
	p2.ID = "p2"
	err := s.CreatePenalty(ctx, &p2)
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
}

func TestPostgres_ConcurrentAwardsSerializeOnLedger(t *testing.T) {
	// GIVEN: Two units of work crediting the same agent at once
	s := newStore(t)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			errs <- s.WithTx(ctx, func(tx points.Store) error {
				l, err := tx.LockLedger(ctx, "a1")
				if err != nil {
					return err
				}
				l.AddPoints(100, points.TxEarned)
				if err := tx.SaveLedger(ctx, l); err != nil {
					return err
				}
				return tx.AppendTransaction(ctx, &points.Transaction{
					ID: points.TransactionID(fmt.Sprintf("t%d", i)), UserID: "a1",
					Type: points.TxEarned, Activity: points.ActivityVisitCompletion, Points: 100,
				})
			})
		}(i)
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	// THEN: Neither update is lost
	l, err := s.GetLedger(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 200, l.TotalPoints)
	assert.Equal(t, 200, l.LifetimePoints)
}

func TestPostgres_Notifications(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveNotification(ctx, notify.Notification{
		ID: "n1", UserID: "a1", Kind: notify.KindPointsEarned, Title: "150 Points Earned",
		Message: "Perfect visit", Priority: notify.PriorityMedium,
		Metadata: map[string]any{"points": 150},
	}))

	got, err := s.Notifications(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 150, got[0].Metadata["points"])
}

/*
store.go - Persistence interfaces

PURPOSE:
  Defines the interface between the processors and the database.
  Every write made while handling one visit or image transition goes
  through a Store handed out by TxStore.WithTx, so the ledger update, the
  log append and the penalty row commit together or not at all.

KEY INTERFACES:
  LedgerStore: ledger rows, transaction log, penalties
  VisitStore:  visits, images and stores consumed from operations
  AgentStore:  agent notification preferences
  Store:       everything above, scoped to one unit of work
  TxStore:     Store plus WithTx
  ReportStore: read-only aggregates for the reporting endpoints

LOCKING:
  LockLedger and LockVisit return the row after taking a write lock that
  is held until the unit of work ends. Postgres uses SELECT ... FOR UPDATE;
  SQLite and memory serialize whole units of work.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
  - points/store/memory.go:     in-memory, for tests
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// UNIT OF WORK STORES
// =============================================================================

// LedgerStore persists ledgers, the transaction log and penalties.
type LedgerStore interface {
	// LockLedger returns the agent's ledger, creating an empty one if needed,
	// and holds a write lock on it until the unit of work ends.
	LockLedger(ctx context.Context, userID UserID) (*Ledger, error)

	// GetLedger returns the ledger or nil if the agent has none yet.
	GetLedger(ctx context.Context, userID UserID) (*Ledger, error)

	SaveLedger(ctx context.Context, l *Ledger) error

	// AppendTransaction inserts a log row. Fails with
	// ErrDuplicateIdempotencyKey if the key is already used.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	// UpdateTransaction rewrites points, activity and description of an
	// existing row. Only recalculation calls this.
	UpdateTransaction(ctx context.Context, tx *Transaction) error

	// LatestEarned returns the most recent EARNED row for the visit, or nil.
	LatestEarned(ctx context.Context, visitID VisitID) (*Transaction, error)

	// TransactionByKey returns the row with the idempotency key, or nil.
	TransactionByKey(ctx context.Context, key string) (*Transaction, error)

	CreatePenalty(ctx context.Context, p *Penalty) error

	// PenaltyForVisit returns the penalty issued for the visit, or nil.
	PenaltyForVisit(ctx context.Context, visitID VisitID) (*Penalty, error)
}

// VisitStore reads and writes the operations entities the engine reacts to.
type VisitStore interface {
	SaveStore(ctx context.Context, s StoreRef) error

	// GetVisit returns the visit with its store and full image set.
	GetVisit(ctx context.Context, id VisitID) (*Visit, error)

	// LockVisit is GetVisit plus a write lock on the visit row.
	LockVisit(ctx context.Context, id VisitID) (*Visit, error)

	CreateVisit(ctx context.Context, v *Visit) error
	UpdateVisitStatus(ctx context.Context, id VisitID, status VisitStatus) error

	GetImage(ctx context.Context, id ImageID) (*Image, error)
	CreateImage(ctx context.Context, img *Image) error
	UpdateImageQuality(ctx context.Context, id ImageID, quality QualityStatus) error
}

// AgentStore persists agents and their notification preferences.
type AgentStore interface {
	SaveAgent(ctx context.Context, a Agent) error
	GetAgent(ctx context.Context, id UserID) (*Agent, error)
}

// Store is the full set of operations available inside one unit of work.
type Store interface {
	LedgerStore
	VisitStore
	AgentStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// REPORTING
// =============================================================================

// ReportStore serves the read-only reporting queries.
// A zero Period bound means unbounded on that side.
type ReportStore interface {
	// Transactions returns the agent's most recent log rows, newest first.
	Transactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)

	// EarnedTransactions returns EARNED rows created within the period, newest first.
	EarnedTransactions(ctx context.Context, userID UserID, period Period) ([]Transaction, error)

	// Penalties returns penalties issued within the period, newest first.
	Penalties(ctx context.Context, userID UserID, period Period) ([]Penalty, error)
}

// Clock returns the current time. Stores use it for created/updated stamps.
type Clock func() time.Time

// UTCNow is the default Clock.
func UTCNow() time.Time { return time.Now().UTC() }

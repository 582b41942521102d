/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces using pgx.

PURPOSE:
  Same schema and semantics as store/sqlite, for deployments with more than
  one writer. Units of work run in a READ COMMITTED transaction and take
  row locks instead of a process-wide mutex.

LOCKING:
  LockLedger:  INSERT ... ON CONFLICT DO NOTHING, then SELECT ... FOR UPDATE
  LockVisit:   SELECT ... FOR UPDATE OF v
  Two visits of the same agent completing concurrently serialize on the
  ledger row; two image reviews of the same visit serialize on the visit row.

ERROR MAPPING:
  23505 unique_violation on idempotency_key or
        idx_penalties_visit          -> points.ErrDuplicateIdempotencyKey
  23505 on any other key             -> points.ErrAlreadyExists
  40001 serialization_failure,
  40P01 deadlock_detected,
  55P03 lock_not_available           -> points.ErrConcurrencyConflict
  23514 check_violation              -> points.ErrDataIntegrity

SEE ALSO:
  - store/sqlite/sqlite.go: the default store
  - points/store.go: interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store implements the storage interfaces on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	Now  points.Clock
}

// NewPool opens a pool with the service defaults.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, config)
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s, err := NewFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewFromPool wraps an existing pool and migrates the schema.
func NewFromPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool, Now: points.UTCNow}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		push_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		reward_alerts BOOLEAN NOT NULL DEFAULT TRUE,
		qc_alerts BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stores (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		priority TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS store_visits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		route_id TEXT,
		store_id TEXT REFERENCES stores(id),
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS images (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		visit_id TEXT NOT NULL REFERENCES store_visits(id),
		quality_status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_images_visit ON images(visit_id, seq)`,
	`CREATE TABLE IF NOT EXISTS points_ledgers (
		user_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0 CHECK (total_points >= 0),
		available_points INTEGER NOT NULL DEFAULT 0 CHECK (available_points >= 0),
		lifetime_points INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_points >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (available_points <= total_points)
	)`,
	`CREATE TABLE IF NOT EXISTS points_transactions (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		points INTEGER NOT NULL,
		description TEXT,
		visit_id TEXT,
		store_id TEXT,
		route_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_points_tx_user_date ON points_transactions(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_points_tx_visit_type ON points_transactions(visit_id, tx_type) WHERE visit_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS penalties (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		store_id TEXT,
		route_id TEXT,
		visit_id TEXT,
		reason TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		points_deducted INTEGER NOT NULL,
		penalty_type TEXT NOT NULL,
		status TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_penalties_visit ON penalties(visit_id) WHERE visit_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_penalties_user_date ON penalties(user_id, issued_at DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		priority TEXT NOT NULL,
		metadata JSONB,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_date ON notifications(user_id, created_at DESC)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{db: tx, now: s.Now}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *Store) c() *conn { return &conn{db: s.pool, now: s.Now} }

func (s *Store) LockLedger(ctx context.Context, userID points.UserID) (*points.Ledger, error) {
	return s.c().LockLedger(ctx, userID)
}

func (s *Store) GetLedger(ctx context.Context, userID points.UserID) (*points.Ledger, error) {
	return s.c().GetLedger(ctx, userID)
}

func (s *Store) SaveLedger(ctx context.Context, l *points.Ledger) error {
	return s.c().SaveLedger(ctx, l)
}

func (s *Store) AppendTransaction(ctx context.Context, tx *points.Transaction) error {
	return s.c().AppendTransaction(ctx, tx)
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *points.Transaction) error {
	return s.c().UpdateTransaction(ctx, tx)
}

func (s *Store) LatestEarned(ctx context.Context, visitID points.VisitID) (*points.Transaction, error) {
	return s.c().LatestEarned(ctx, visitID)
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (*points.Transaction, error) {
	return s.c().TransactionByKey(ctx, key)
}

func (s *Store) CreatePenalty(ctx context.Context, p *points.Penalty) error {
	return s.c().CreatePenalty(ctx, p)
}

func (s *Store) PenaltyForVisit(ctx context.Context, visitID points.VisitID) (*points.Penalty, error) {
	return s.c().PenaltyForVisit(ctx, visitID)
}

func (s *Store) SaveStore(ctx context.Context, ref points.StoreRef) error {
	return s.c().SaveStore(ctx, ref)
}

func (s *Store) GetVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return s.c().GetVisit(ctx, id)
}

// LockVisit outside a unit of work has nothing to hold the lock; it reads.
func (s *Store) LockVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return s.c().GetVisit(ctx, id)
}

func (s *Store) CreateVisit(ctx context.Context, v *points.Visit) error {
	return s.c().CreateVisit(ctx, v)
}

func (s *Store) UpdateVisitStatus(ctx context.Context, id points.VisitID, status points.VisitStatus) error {
	return s.c().UpdateVisitStatus(ctx, id, status)
}

func (s *Store) GetImage(ctx context.Context, id points.ImageID) (*points.Image, error) {
	return s.c().GetImage(ctx, id)
}

func (s *Store) CreateImage(ctx context.Context, img *points.Image) error {
	return s.c().CreateImage(ctx, img)
}

func (s *Store) UpdateImageQuality(ctx context.Context, id points.ImageID, q points.QualityStatus) error {
	return s.c().UpdateImageQuality(ctx, id, q)
}

func (s *Store) SaveAgent(ctx context.Context, a points.Agent) error {
	return s.c().SaveAgent(ctx, a)
}

func (s *Store) GetAgent(ctx context.Context, id points.UserID) (*points.Agent, error) {
	return s.c().GetAgent(ctx, id)
}

// =============================================================================
// CONN - Queries shared by the pool and open transactions
// =============================================================================

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	db  dbtx
	now points.Clock
}

// --- Ledgers ---

const ledgerColumns = `user_id, total_points, available_points, lifetime_points, created_at, updated_at`

func (c *conn) LockLedger(ctx context.Context, userID points.UserID) (*points.Ledger, error) {
	now := c.now().UTC()
	_, err := c.db.Exec(ctx, `
		INSERT INTO points_ledgers (user_id, created_at, updated_at) VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, string(userID), now)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to create ledger: %w", err))
	}

	l, err := scanLedger(c.db.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM points_ledgers WHERE user_id = $1 FOR UPDATE
	`, string(userID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: ledger %s vanished", points.ErrDataIntegrity, userID)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to lock ledger: %w", err))
	}
	return l, nil
}

func (c *conn) GetLedger(ctx context.Context, userID points.UserID) (*points.Ledger, error) {
	l, err := scanLedger(c.db.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM points_ledgers WHERE user_id = $1
	`, string(userID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get ledger: %w", err))
	}
	return l, nil
}

func scanLedger(row pgx.Row) (*points.Ledger, error) {
	var (
		l      points.Ledger
		userID string
	)
	if err := row.Scan(&userID, &l.TotalPoints, &l.AvailablePoints, &l.LifetimePoints, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.UserID = points.UserID(userID)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func (c *conn) SaveLedger(ctx context.Context, l *points.Ledger) error {
	l.UpdatedAt = c.now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = l.UpdatedAt
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO points_ledgers (`+ledgerColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			total_points = EXCLUDED.total_points,
			available_points = EXCLUDED.available_points,
			lifetime_points = EXCLUDED.lifetime_points,
			updated_at = EXCLUDED.updated_at
	`, string(l.UserID), l.TotalPoints, l.AvailablePoints, l.LifetimePoints, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to save ledger: %w", err))
	}
	return nil
}

// --- Transaction log ---

const txColumns = `id, user_id, tx_type, activity_type, points, COALESCE(description, ''),
	COALESCE(visit_id, ''), COALESCE(store_id, ''), COALESCE(route_id, ''),
	COALESCE(idempotency_key, ''), created_at, updated_at`

func (c *conn) AppendTransaction(ctx context.Context, tx *points.Transaction) error {
	now := c.now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	_, err := c.db.Exec(ctx, `
		INSERT INTO points_transactions
			(id, user_id, tx_type, activity_type, points, description,
			 visit_id, store_id, route_id, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12)
	`,
		string(tx.ID), string(tx.UserID), string(tx.Type), string(tx.Activity), tx.Points, tx.Description,
		string(tx.VisitID), string(tx.StoreID), string(tx.RouteID), tx.IdempotencyKey, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

func (c *conn) UpdateTransaction(ctx context.Context, tx *points.Transaction) error {
	tx.UpdatedAt = c.now().UTC()
	tag, err := c.db.Exec(ctx, `
		UPDATE points_transactions
		SET points = $1, activity_type = $2, description = $3, updated_at = $4
		WHERE id = $5
	`, tx.Points, string(tx.Activity), tx.Description, tx.UpdatedAt, string(tx.ID))
	if err != nil {
		return mapError(fmt.Errorf("failed to update transaction: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s not found", points.ErrDataIntegrity, tx.ID)
	}
	return nil
}

func (c *conn) LatestEarned(ctx context.Context, visitID points.VisitID) (*points.Transaction, error) {
	return c.oneTransaction(ctx, `
		SELECT `+txColumns+` FROM points_transactions
		WHERE visit_id = $1 AND tx_type = $2
		ORDER BY created_at DESC, seq DESC LIMIT 1
	`, string(visitID), string(points.TxEarned))
}

func (c *conn) TransactionByKey(ctx context.Context, key string) (*points.Transaction, error) {
	return c.oneTransaction(ctx, `
		SELECT `+txColumns+` FROM points_transactions WHERE idempotency_key = $1
	`, key)
}

func (c *conn) oneTransaction(ctx context.Context, query string, args ...any) (*points.Transaction, error) {
	txs, err := c.queryTransactions(ctx, query, args...)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (c *conn) queryTransactions(ctx context.Context, query string, args ...any) ([]points.Transaction, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var transactions []points.Transaction
	for rows.Next() {
		var (
			tx                                        points.Transaction
			id, userID, txType, activity              string
			visitID, storeID, routeID, idempotencyKey string
		)
		if err := rows.Scan(&id, &userID, &txType, &activity, &tx.Points, &tx.Description,
			&visitID, &storeID, &routeID, &idempotencyKey, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = points.TransactionID(id)
		tx.UserID = points.UserID(userID)
		tx.Type = points.TransactionType(txType)
		tx.Activity = points.ActivityType(activity)
		tx.VisitID = points.VisitID(visitID)
		tx.StoreID = points.StoreID(storeID)
		tx.RouteID = points.RouteID(routeID)
		tx.IdempotencyKey = idempotencyKey
		tx.CreatedAt = tx.CreatedAt.UTC()
		tx.UpdatedAt = tx.UpdatedAt.UTC()
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// --- Penalties ---

const penaltyColumns = `id, user_id, COALESCE(store_id, ''), COALESCE(route_id, ''), COALESCE(visit_id, ''),
	reason, amount::text, points_deducted, penalty_type, status, issued_at`

func (c *conn) CreatePenalty(ctx context.Context, p *points.Penalty) error {
	if p.IssuedAt.IsZero() {
		p.IssuedAt = c.now().UTC()
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO penalties
			(id, user_id, store_id, route_id, visit_id, reason, amount, points_deducted, penalty_type, status, issued_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7::text::numeric, $8, $9, $10, $11)
	`,
		string(p.ID), string(p.UserID), string(p.StoreID), string(p.RouteID), string(p.VisitID),
		p.Reason, p.Amount.StringFixed(2), p.PointsDeducted, string(p.Type), string(p.Status), p.IssuedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to create penalty: %w", err))
	}
	return nil
}

func (c *conn) PenaltyForVisit(ctx context.Context, visitID points.VisitID) (*points.Penalty, error) {
	ps, err := c.queryPenalties(ctx, `
		SELECT `+penaltyColumns+` FROM penalties WHERE visit_id = $1
	`, string(visitID))
	if err != nil || len(ps) == 0 {
		return nil, err
	}
	return &ps[0], nil
}

func (c *conn) queryPenalties(ctx context.Context, query string, args ...any) ([]points.Penalty, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query penalties: %w", err))
	}
	defer rows.Close()

	var penalties []points.Penalty
	for rows.Next() {
		var (
			p                                     points.Penalty
			id, userID, storeID, routeID, visitID string
			amount, penaltyType, status           string
		)
		if err := rows.Scan(&id, &userID, &storeID, &routeID, &visitID, &p.Reason, &amount,
			&p.PointsDeducted, &penaltyType, &status, &p.IssuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan penalty: %w", err)
		}
		p.ID = points.PenaltyID(id)
		p.UserID = points.UserID(userID)
		p.StoreID = points.StoreID(storeID)
		p.RouteID = points.RouteID(routeID)
		p.VisitID = points.VisitID(visitID)
		p.Type = points.PenaltyType(penaltyType)
		p.Status = points.PenaltyStatus(status)
		p.IssuedAt = p.IssuedAt.UTC()
		p.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: penalty %s amount %q", points.ErrDataIntegrity, id, amount)
		}
		penalties = append(penalties, p)
	}
	return penalties, rows.Err()
}

// --- Stores, visits, images ---

func (c *conn) SaveStore(ctx context.Context, ref points.StoreRef) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO stores (id, name, priority) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, priority = EXCLUDED.priority
	`, string(ref.ID), ref.Name, string(ref.Priority))
	if err != nil {
		return mapError(fmt.Errorf("failed to save store: %w", err))
	}
	return nil
}

func (c *conn) GetVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return c.visit(ctx, id, "")
}

func (c *conn) LockVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return c.visit(ctx, id, "FOR UPDATE OF v")
}

func (c *conn) visit(ctx context.Context, id points.VisitID, lock string) (*points.Visit, error) {
	var (
		v                                 points.Visit
		visitID, userID, routeID, status  string
		storeID, storeName, storePriority *string
	)
	err := c.db.QueryRow(ctx, `
		SELECT v.id, v.user_id, COALESCE(v.route_id, ''), v.status, s.id, s.name, s.priority
		FROM store_visits v LEFT JOIN stores s ON s.id = v.store_id
		WHERE v.id = $1 `+lock, string(id),
	).Scan(&visitID, &userID, &routeID, &status, &storeID, &storeName, &storePriority)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, points.ErrVisitNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get visit: %w", err))
	}
	v.ID = points.VisitID(visitID)
	v.UserID = points.UserID(userID)
	v.RouteID = points.RouteID(routeID)
	v.Status = points.VisitStatus(status)
	if storeID != nil {
		v.Store = &points.StoreRef{ID: points.StoreID(*storeID), Name: deref(storeName), Priority: points.Priority(deref(storePriority))}
	}

	rows, err := c.db.Query(ctx, `
		SELECT id, visit_id, quality_status FROM images WHERE visit_id = $1 ORDER BY seq
	`, string(id))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query images: %w", err))
	}
	defer rows.Close()

	v.Images = []points.Image{}
	for rows.Next() {
		var imgID, imgVisit, quality string
		if err := rows.Scan(&imgID, &imgVisit, &quality); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		v.Images = append(v.Images, points.Image{ID: points.ImageID(imgID), VisitID: points.VisitID(imgVisit), Quality: points.QualityStatus(quality)})
	}
	return &v, rows.Err()
}

func (c *conn) CreateVisit(ctx context.Context, v *points.Visit) error {
	var storeID string
	if v.Store != nil {
		storeID = string(v.Store.ID)
		if _, err := c.db.Exec(ctx, `
			INSERT INTO stores (id, name, priority) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING
		`, storeID, v.Store.Name, string(v.Store.Priority)); err != nil {
			return mapError(fmt.Errorf("failed to save store: %w", err))
		}
	}
	now := c.now().UTC()
	_, err := c.db.Exec(ctx, `
		INSERT INTO store_visits (id, user_id, route_id, store_id, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $6)
	`, string(v.ID), string(v.UserID), string(v.RouteID), storeID, string(v.Status), now)
	if err != nil {
		return mapError(fmt.Errorf("failed to create visit: %w", err))
	}
	return nil
}

func (c *conn) UpdateVisitStatus(ctx context.Context, id points.VisitID, status points.VisitStatus) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE store_visits SET status = $1, updated_at = $2 WHERE id = $3
	`, string(status), c.now().UTC(), string(id))
	if err != nil {
		return mapError(fmt.Errorf("failed to update visit: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return points.ErrVisitNotFound
	}
	return nil
}

func (c *conn) GetImage(ctx context.Context, id points.ImageID) (*points.Image, error) {
	var imgID, visitID, quality string
	err := c.db.QueryRow(ctx, `
		SELECT id, visit_id, quality_status FROM images WHERE id = $1
	`, string(id)).Scan(&imgID, &visitID, &quality)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, points.ErrImageNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get image: %w", err))
	}
	return &points.Image{ID: points.ImageID(imgID), VisitID: points.VisitID(visitID), Quality: points.QualityStatus(quality)}, nil
}

func (c *conn) CreateImage(ctx context.Context, img *points.Image) error {
	var exists bool
	if err := c.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM store_visits WHERE id = $1)`, string(img.VisitID)).Scan(&exists); err != nil {
		return mapError(fmt.Errorf("failed to check visit: %w", err))
	}
	if !exists {
		return points.ErrVisitNotFound
	}

	_, err := c.db.Exec(ctx, `
		INSERT INTO images (id, visit_id, quality_status, created_at) VALUES ($1, $2, $3, $4)
	`, string(img.ID), string(img.VisitID), string(img.Quality), c.now().UTC())
	if err != nil {
		return mapError(fmt.Errorf("failed to create image: %w", err))
	}
	return nil
}

func (c *conn) UpdateImageQuality(ctx context.Context, id points.ImageID, q points.QualityStatus) error {
	tag, err := c.db.Exec(ctx, `UPDATE images SET quality_status = $1 WHERE id = $2`, string(q), string(id))
	if err != nil {
		return mapError(fmt.Errorf("failed to update image: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return points.ErrImageNotFound
	}
	return nil
}

// --- Agents ---

const agentColumns = `id, name, push_enabled, reward_alerts, qc_alerts, created_at`

func (c *conn) SaveAgent(ctx context.Context, a points.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now().UTC()
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			push_enabled = EXCLUDED.push_enabled,
			reward_alerts = EXCLUDED.reward_alerts,
			qc_alerts = EXCLUDED.qc_alerts
	`, string(a.ID), a.Name, a.PushEnabled, a.RewardAlerts, a.QCAlerts, a.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to save agent: %w", err))
	}
	return nil
}

func (c *conn) GetAgent(ctx context.Context, id points.UserID) (*points.Agent, error) {
	agents, err := c.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, points.ErrAgentNotFound
	}
	return &agents[0], nil
}

func (c *conn) queryAgents(ctx context.Context, query string, args ...any) ([]points.Agent, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query agents: %w", err))
	}
	defer rows.Close()

	agents := []points.Agent{}
	for rows.Next() {
		var (
			a  points.Agent
			id string
		)
		if err := rows.Scan(&id, &a.Name, &a.PushEnabled, &a.RewardAlerts, &a.QCAlerts, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.ID = points.UserID(id)
		a.CreatedAt = a.CreatedAt.UTC()
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// =============================================================================
// REPORTING (points.ReportStore interface)
// =============================================================================

func (s *Store) Transactions(ctx context.Context, userID points.UserID, limit int) ([]points.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM points_transactions
		WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.c().queryTransactions(ctx, query, args...)
}

func (s *Store) EarnedTransactions(ctx context.Context, userID points.UserID, period points.Period) ([]points.Transaction, error) {
	args := []any{string(userID), string(points.TxEarned)}
	where, args := periodFilter("created_at", period, args)
	query := `SELECT ` + txColumns + ` FROM points_transactions
		WHERE user_id = $1 AND tx_type = $2` + where + `
		ORDER BY created_at DESC, seq DESC`
	return s.c().queryTransactions(ctx, query, args...)
}

func (s *Store) Penalties(ctx context.Context, userID points.UserID, period points.Period) ([]points.Penalty, error) {
	args := []any{string(userID)}
	where, args := periodFilter("issued_at", period, args)
	query := `SELECT ` + penaltyColumns + ` FROM penalties
		WHERE user_id = $1` + where + `
		ORDER BY issued_at DESC, seq DESC`
	return s.c().queryPenalties(ctx, query, args...)
}

// periodFilter appends bound parameters after args and returns the clause.
func periodFilter(column string, p points.Period, args []any) (string, []any) {
	var clauses []string
	if !p.Start.IsZero() {
		args = append(args, p.Start)
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", column, len(args)))
	}
	if !p.End.IsZero() {
		args = append(args, p.End)
		clauses = append(clauses, fmt.Sprintf("%s < $%d", column, len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// Agents returns all agents ordered by name.
func (s *Store) Agents(ctx context.Context) ([]points.Agent, error) {
	return s.c().queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
}

// =============================================================================
// NOTIFICATIONS (notify.Sink interface)
// =============================================================================

func (s *Store) SaveNotification(ctx context.Context, n notify.Notification) error {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, priority, metadata, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, n.ID, string(n.UserID), string(n.Kind), n.Title, n.Message, string(n.Priority), string(metadata), n.Read, n.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to save notification: %w", err))
	}
	return nil
}

func (s *Store) Notifications(ctx context.Context, userID points.UserID, limit int) ([]notify.Notification, error) {
	query := `
		SELECT id, user_id, kind, title, message, priority, COALESCE(metadata::text, ''), is_read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query notifications: %w", err))
	}
	defer rows.Close()

	var result []notify.Notification
	for rows.Next() {
		var (
			n                        notify.Notification
			uid, kind, prio, rawMeta string
		)
		if err := rows.Scan(&n.ID, &uid, &kind, &n.Title, &n.Message, &prio, &rawMeta, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.UserID = points.UserID(uid)
		n.Kind = notify.Kind(kind)
		n.Priority = notify.Priority(prio)
		n.CreatedAt = n.CreatedAt.UTC()
		if rawMeta != "" && rawMeta != "null" {
			if err := json.Unmarshal([]byte(rawMeta), &n.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE notifications, penalties, points_transactions, points_ledgers, images, store_visits, stores, agents`)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// mapError translates PostgreSQL error codes into the engine's sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if isReplayConstraint(pgErr.ConstraintName) {
			return fmt.Errorf("%w: %v", points.ErrDuplicateIdempotencyKey, err)
		}
		return fmt.Errorf("%w: %v", points.ErrAlreadyExists, err)
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %v", points.ErrConcurrencyConflict, err)
	case "23514":
		return fmt.Errorf("%w: %v", points.ErrDataIntegrity, err)
	}
	return err
}

// isReplayConstraint reports whether a unique violation came from the
// constraints that guard against applying the same visit outcome twice.
func isReplayConstraint(name string) bool {
	return name == "points_transactions_idempotency_key_key" || name == "idx_penalties_visit"
}

var (
	_ points.TxStore     = (*Store)(nil)
	_ points.ReportStore = (*Store)(nil)
	_ notify.Sink        = (*Store)(nil)
)

/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine (points.TxStore,
  points.ReportStore, notify.Sink) using SQLite. The PostgreSQL store in
  store/postgres follows the same schema with row-level locks.

INTERFACES IMPLEMENTED:
  points.TxStore:     ledgers, transaction log, penalties, visits, images, agents
  points.ReportStore: reporting queries
  notify.Sink:        in-app notification inbox

APPEND-ONLY ENFORCEMENT:
  points_transactions has no DELETE path. The only UPDATE is
  UpdateTransaction, used by recalculation to rewrite a visit's EARNED row.

KEY TABLES:
  points_ledgers:      one row per agent, CHECK constraints mirror the
                       ledger invariants
  points_transactions: the log, idempotency_key UNIQUE
  penalties:           one row per skipped visit (unique visit_id)
  store_visits, images, stores, agents: the operations side
  notifications:       delivered notifications

CONCURRENCY:
  SQLite allows one writer. The store holds a single connection and a
  sync.RWMutex; WithTx takes the write lock for the whole unit of work,
  which makes LockLedger and LockVisit plain reads.

WAL MODE:
  Opened with _journal_mode=WAL and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - points/store.go: interface definitions
  - points/store/memory.go: in-memory implementation for tests
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// timeFormat is fixed width so that text comparison orders timestamps.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	Now points.Clock
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and matches SQLite's single writer.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, Now: points.UTCNow}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		push_enabled INTEGER NOT NULL DEFAULT 1,
		reward_alerts INTEGER NOT NULL DEFAULT 1,
		qc_alerts INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stores (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		priority TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS store_visits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		route_id TEXT,
		store_id TEXT REFERENCES stores(id),
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		visit_id TEXT NOT NULL REFERENCES store_visits(id),
		quality_status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_images_visit ON images(visit_id);

	-- Ledger invariants enforced by the database as a last line
	CREATE TABLE IF NOT EXISTS points_ledgers (
		user_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0 CHECK (total_points >= 0),
		available_points INTEGER NOT NULL DEFAULT 0 CHECK (available_points >= 0),
		lifetime_points INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_points >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (available_points <= total_points)
	);

	CREATE TABLE IF NOT EXISTS points_transactions (
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
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reporting (hot path)
	CREATE INDEX IF NOT EXISTS idx_points_tx_user_date
		ON points_transactions(user_id, created_at DESC);
	-- Recalculation lookup
	CREATE INDEX IF NOT EXISTS idx_points_tx_visit_type
		ON points_transactions(visit_id, tx_type) WHERE visit_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		store_id TEXT,
		route_id TEXT,
		visit_id TEXT,
		reason TEXT NOT NULL,
		amount TEXT NOT NULL,
		points_deducted INTEGER NOT NULL,
		penalty_type TEXT NOT NULL,
		status TEXT NOT NULL,
		issued_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_penalties_visit
		ON penalties(visit_id) WHERE visit_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_penalties_user_date
		ON penalties(user_id, issued_at DESC);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		priority TEXT NOT NULL,
		metadata_json TEXT,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user_date
		ON notifications(user_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{db: sqlTx, now: s.Now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// write runs fn on the plain connection under the write lock.
func (s *Store) write(fn func(c *conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&conn{db: s.db, now: s.Now})
}

func (s *Store) read(fn func(c *conn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&conn{db: s.db, now: s.Now})
}

func (s *Store) LockLedger(ctx context.Context, userID points.UserID) (l *points.Ledger, err error) {
	err = s.write(func(c *conn) error { l, err = c.LockLedger(ctx, userID); return err })
	return l, err
}

func (s *Store) GetLedger(ctx context.Context, userID points.UserID) (l *points.Ledger, err error) {
	err = s.read(func(c *conn) error { l, err = c.GetLedger(ctx, userID); return err })
	return l, err
}

func (s *Store) SaveLedger(ctx context.Context, l *points.Ledger) error {
	return s.write(func(c *conn) error { return c.SaveLedger(ctx, l) })
}

func (s *Store) AppendTransaction(ctx context.Context, tx *points.Transaction) error {
	return s.write(func(c *conn) error { return c.AppendTransaction(ctx, tx) })
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *points.Transaction) error {
	return s.write(func(c *conn) error { return c.UpdateTransaction(ctx, tx) })
}

func (s *Store) LatestEarned(ctx context.Context, visitID points.VisitID) (tx *points.Transaction, err error) {
	err = s.read(func(c *conn) error { tx, err = c.LatestEarned(ctx, visitID); return err })
	return tx, err
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (tx *points.Transaction, err error) {
	err = s.read(func(c *conn) error { tx, err = c.TransactionByKey(ctx, key); return err })
	return tx, err
}

func (s *Store) CreatePenalty(ctx context.Context, p *points.Penalty) error {
	return s.write(func(c *conn) error { return c.CreatePenalty(ctx, p) })
}

func (s *Store) PenaltyForVisit(ctx context.Context, visitID points.VisitID) (p *points.Penalty, err error) {
	err = s.read(func(c *conn) error { p, err = c.PenaltyForVisit(ctx, visitID); return err })
	return p, err
}

func (s *Store) SaveStore(ctx context.Context, ref points.StoreRef) error {
	return s.write(func(c *conn) error { return c.SaveStore(ctx, ref) })
}

func (s *Store) GetVisit(ctx context.Context, id points.VisitID) (v *points.Visit, err error) {
	err = s.read(func(c *conn) error { v, err = c.GetVisit(ctx, id); return err })
	return v, err
}

func (s *Store) LockVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return s.GetVisit(ctx, id)
}

func (s *Store) CreateVisit(ctx context.Context, v *points.Visit) error {
	return s.write(func(c *conn) error { return c.CreateVisit(ctx, v) })
}

func (s *Store) UpdateVisitStatus(ctx context.Context, id points.VisitID, status points.VisitStatus) error {
	return s.write(func(c *conn) error { return c.UpdateVisitStatus(ctx, id, status) })
}

func (s *Store) GetImage(ctx context.Context, id points.ImageID) (img *points.Image, err error) {
	err = s.read(func(c *conn) error { img, err = c.GetImage(ctx, id); return err })
	return img, err
}

func (s *Store) CreateImage(ctx context.Context, img *points.Image) error {
	return s.write(func(c *conn) error { return c.CreateImage(ctx, img) })
}

func (s *Store) UpdateImageQuality(ctx context.Context, id points.ImageID, q points.QualityStatus) error {
	return s.write(func(c *conn) error { return c.UpdateImageQuality(ctx, id, q) })
}

func (s *Store) SaveAgent(ctx context.Context, a points.Agent) error {
	return s.write(func(c *conn) error { return c.SaveAgent(ctx, a) })
}

func (s *Store) GetAgent(ctx context.Context, id points.UserID) (a *points.Agent, err error) {
	err = s.read(func(c *conn) error { a, err = c.GetAgent(ctx, id); return err })
	return a, err
}

// =============================================================================
// CONN - Queries shared by the plain connection and open transactions
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	db  dbtx
	now points.Clock
}

func (c *conn) stamp() string {
	return c.now().UTC().Format(timeFormat)
}

// --- Ledgers ---

func (c *conn) LockLedger(ctx context.Context, userID points.UserID) (*points.Ledger, error) {
	now := c.stamp()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO points_ledgers (user_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, now, now)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to create ledger: %w", err))
	}

	l, err := c.GetLedger(ctx, userID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: ledger %s vanished", points.ErrDataIntegrity, userID)
	}
	return l, nil
}

func (c *conn) GetLedger(ctx context.Context, userID points.UserID) (*points.Ledger, error) {
	var (
		l                    points.Ledger
		createdAt, updatedAt string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT user_id, total_points, available_points, lifetime_points, created_at, updated_at
		FROM points_ledgers WHERE user_id = ?
	`, userID).Scan(&l.UserID, &l.TotalPoints, &l.AvailablePoints, &l.LifetimePoints, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get ledger: %w", err))
	}
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}

func (c *conn) SaveLedger(ctx context.Context, l *points.Ledger) error {
	l.UpdatedAt = c.now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = l.UpdatedAt
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO points_ledgers (user_id, total_points, available_points, lifetime_points, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_points = excluded.total_points,
			available_points = excluded.available_points,
			lifetime_points = excluded.lifetime_points,
			updated_at = excluded.updated_at
	`, l.UserID, l.TotalPoints, l.AvailablePoints, l.LifetimePoints, formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to save ledger: %w", err))
	}
	return nil
}

// --- Transaction log ---

const txColumns = `id, user_id, tx_type, activity_type, points, description,
	visit_id, store_id, route_id, idempotency_key, created_at, updated_at`

func (c *conn) AppendTransaction(ctx context.Context, tx *points.Transaction) error {
	now := c.now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO points_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.UserID, tx.Type, tx.Activity, tx.Points, tx.Description,
		nullString(string(tx.VisitID)), nullString(string(tx.StoreID)), nullString(string(tx.RouteID)),
		nullString(tx.IdempotencyKey), formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

func (c *conn) UpdateTransaction(ctx context.Context, tx *points.Transaction) error {
	tx.UpdatedAt = c.now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE points_transactions
		SET points = ?, activity_type = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, tx.Points, tx.Activity, tx.Description, formatTime(tx.UpdatedAt), tx.ID)
	if err != nil {
		return mapError(fmt.Errorf("failed to update transaction: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transaction %s not found", points.ErrDataIntegrity, tx.ID)
	}
	return nil
}

func (c *conn) LatestEarned(ctx context.Context, visitID points.VisitID) (*points.Transaction, error) {
	return c.oneTransaction(ctx, `
		SELECT `+txColumns+` FROM points_transactions
		WHERE visit_id = ? AND tx_type = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, visitID, points.TxEarned)
}

func (c *conn) TransactionByKey(ctx context.Context, key string) (*points.Transaction, error) {
	return c.oneTransaction(ctx, `
		SELECT `+txColumns+` FROM points_transactions WHERE idempotency_key = ?
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
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var transactions []points.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (points.Transaction, error) {
	var (
		tx                        points.Transaction
		description               sql.NullString
		visitID, storeID, routeID sql.NullString
		idempotencyKey            sql.NullString
		createdAt, updatedAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Activity, &tx.Points, &description,
		&visitID, &storeID, &routeID, &idempotencyKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Description = description.String
	tx.VisitID = points.VisitID(visitID.String)
	tx.StoreID = points.StoreID(storeID.String)
	tx.RouteID = points.RouteID(routeID.String)
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	return tx, nil
}

// --- Penalties ---

const penaltyColumns = `id, user_id, store_id, route_id, visit_id, reason, amount,
	points_deducted, penalty_type, status, issued_at`

func (c *conn) CreatePenalty(ctx context.Context, p *points.Penalty) error {
	if p.IssuedAt.IsZero() {
		p.IssuedAt = c.now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO penalties (`+penaltyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.UserID, nullString(string(p.StoreID)), nullString(string(p.RouteID)), nullString(string(p.VisitID)),
		p.Reason, p.Amount.StringFixed(2), p.PointsDeducted, p.Type, p.Status, formatTime(p.IssuedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to create penalty: %w", err))
	}
	return nil
}

func (c *conn) PenaltyForVisit(ctx context.Context, visitID points.VisitID) (*points.Penalty, error) {
	ps, err := c.queryPenalties(ctx, `
		SELECT `+penaltyColumns+` FROM penalties WHERE visit_id = ?
	`, visitID)
	if err != nil || len(ps) == 0 {
		return nil, err
	}
	return &ps[0], nil
}

func (c *conn) queryPenalties(ctx context.Context, query string, args ...any) ([]points.Penalty, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query penalties: %w", err))
	}
	defer rows.Close()

	var penalties []points.Penalty
	for rows.Next() {
		var (
			p                         points.Penalty
			storeID, routeID, visitID sql.NullString
			amount, issuedAt          string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &storeID, &routeID, &visitID, &p.Reason, &amount,
			&p.PointsDeducted, &p.Type, &p.Status, &issuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan penalty: %w", err)
		}
		p.StoreID = points.StoreID(storeID.String)
		p.RouteID = points.RouteID(routeID.String)
		p.VisitID = points.VisitID(visitID.String)
		p.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: penalty %s amount %q", points.ErrDataIntegrity, p.ID, amount)
		}
		p.IssuedAt = parseTime(issuedAt)
		penalties = append(penalties, p)
	}
	return penalties, rows.Err()
}

// --- Stores, visits, images ---

func (c *conn) SaveStore(ctx context.Context, ref points.StoreRef) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO stores (id, name, priority) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, priority = excluded.priority
	`, ref.ID, ref.Name, ref.Priority)
	if err != nil {
		return mapError(fmt.Errorf("failed to save store: %w", err))
	}
	return nil
}

func (c *conn) GetVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	var (
		v                                 points.Visit
		routeID, storeID, storeName, prio sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT v.id, v.user_id, v.route_id, v.status, s.id, s.name, s.priority
		FROM store_visits v LEFT JOIN stores s ON s.id = v.store_id
		WHERE v.id = ?
	`, id).Scan(&v.ID, &v.UserID, &routeID, &v.Status, &storeID, &storeName, &prio)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrVisitNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get visit: %w", err))
	}
	v.RouteID = points.RouteID(routeID.String)
	if storeID.Valid {
		v.Store = &points.StoreRef{ID: points.StoreID(storeID.String), Name: storeName.String, Priority: points.Priority(prio.String)}
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, visit_id, quality_status FROM images WHERE visit_id = ? ORDER BY rowid
	`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query images: %w", err))
	}
	defer rows.Close()

	v.Images = []points.Image{}
	for rows.Next() {
		var img points.Image
		if err := rows.Scan(&img.ID, &img.VisitID, &img.Quality); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		v.Images = append(v.Images, img)
	}
	return &v, rows.Err()
}

func (c *conn) LockVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return c.GetVisit(ctx, id)
}

func (c *conn) CreateVisit(ctx context.Context, v *points.Visit) error {
	var storeID sql.NullString
	if v.Store != nil {
		storeID = nullString(string(v.Store.ID))
		if _, err := c.db.ExecContext(ctx, `
			INSERT INTO stores (id, name, priority) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING
		`, v.Store.ID, v.Store.Name, v.Store.Priority); err != nil {
			return mapError(fmt.Errorf("failed to save store: %w", err))
		}
	}
	now := c.stamp()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO store_visits (id, user_id, route_id, store_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.UserID, nullString(string(v.RouteID)), storeID, v.Status, now, now)
	if err != nil {
		return mapError(fmt.Errorf("failed to create visit: %w", err))
	}
	return nil
}

func (c *conn) UpdateVisitStatus(ctx context.Context, id points.VisitID, status points.VisitStatus) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE store_visits SET status = ?, updated_at = ? WHERE id = ?
	`, status, c.stamp(), id)
	if err != nil {
		return mapError(fmt.Errorf("failed to update visit: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return points.ErrVisitNotFound
	}
	return nil
}

func (c *conn) GetImage(ctx context.Context, id points.ImageID) (*points.Image, error) {
	var img points.Image
	err := c.db.QueryRowContext(ctx, `
		SELECT id, visit_id, quality_status FROM images WHERE id = ?
	`, id).Scan(&img.ID, &img.VisitID, &img.Quality)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrImageNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to get image: %w", err))
	}
	return &img, nil
}

func (c *conn) CreateImage(ctx context.Context, img *points.Image) error {
	var exists int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM store_visits WHERE id = ?`, img.VisitID).Scan(&exists)
	if err != nil {
		return mapError(fmt.Errorf("failed to check visit: %w", err))
	}
	if exists == 0 {
		return points.ErrVisitNotFound
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO images (id, visit_id, quality_status, created_at) VALUES (?, ?, ?, ?)
	`, img.ID, img.VisitID, img.Quality, c.stamp())
	if err != nil {
		return mapError(fmt.Errorf("failed to create image: %w", err))
	}
	return nil
}

func (c *conn) UpdateImageQuality(ctx context.Context, id points.ImageID, q points.QualityStatus) error {
	res, err := c.db.ExecContext(ctx, `UPDATE images SET quality_status = ? WHERE id = ?`, q, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to update image: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return points.ErrImageNotFound
	}
	return nil
}

// --- Agents ---

func (c *conn) SaveAgent(ctx context.Context, a points.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, push_enabled, reward_alerts, qc_alerts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			push_enabled = excluded.push_enabled,
			reward_alerts = excluded.reward_alerts,
			qc_alerts = excluded.qc_alerts
	`, a.ID, a.Name, a.PushEnabled, a.RewardAlerts, a.QCAlerts, formatTime(a.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to save agent: %w", err))
	}
	return nil
}

func (c *conn) GetAgent(ctx context.Context, id points.UserID) (*points.Agent, error) {
	agents, err := c.queryAgents(ctx, `
		SELECT id, name, push_enabled, reward_alerts, qc_alerts, created_at FROM agents WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, points.ErrAgentNotFound
	}
	return &agents[0], nil
}

func (c *conn) queryAgents(ctx context.Context, query string, args ...any) ([]points.Agent, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query agents: %w", err))
	}
	defer rows.Close()

	agents := []points.Agent{}
	for rows.Next() {
		var (
			a         points.Agent
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.PushEnabled, &a.RewardAlerts, &a.QCAlerts, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// =============================================================================
// REPORTING (points.ReportStore interface)
// =============================================================================

// Transactions returns the agent's most recent log rows, newest first.
func (s *Store) Transactions(ctx context.Context, userID points.UserID, limit int) ([]points.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + txColumns + ` FROM points_transactions
		WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return (&conn{db: s.db, now: s.Now}).queryTransactions(ctx, query, args...)
}

// EarnedTransactions returns EARNED rows created within the period.
func (s *Store) EarnedTransactions(ctx context.Context, userID points.UserID, period points.Period) ([]points.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := periodFilter("created_at", period)
	query := `SELECT ` + txColumns + ` FROM points_transactions
		WHERE user_id = ? AND tx_type = ?` + where + `
		ORDER BY created_at DESC, rowid DESC`
	return (&conn{db: s.db, now: s.Now}).queryTransactions(ctx, query, append([]any{userID, points.TxEarned}, args...)...)
}

// Penalties returns penalties issued within the period.
func (s *Store) Penalties(ctx context.Context, userID points.UserID, period points.Period) ([]points.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := periodFilter("issued_at", period)
	query := `SELECT ` + penaltyColumns + ` FROM penalties
		WHERE user_id = ?` + where + `
		ORDER BY issued_at DESC, rowid DESC`
	return (&conn{db: s.db, now: s.Now}).queryPenalties(ctx, query, append([]any{userID}, args...)...)
}

func periodFilter(column string, p points.Period) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if !p.Start.IsZero() {
		clauses = append(clauses, column+" >= ?")
		args = append(args, formatTime(p.Start))
	}
	if !p.End.IsZero() {
		clauses = append(clauses, column+" < ?")
		args = append(args, formatTime(p.End))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// Agents returns all agents ordered by name.
func (s *Store) Agents(ctx context.Context) ([]points.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return (&conn{db: s.db, now: s.Now}).queryAgents(ctx, `
		SELECT id, name, push_enabled, reward_alerts, qc_alerts, created_at FROM agents ORDER BY name
	`)
}

// =============================================================================
// NOTIFICATIONS (notify.Sink interface)
// =============================================================================

func (s *Store) SaveNotification(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, message, priority, metadata_json, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Message, n.Priority, string(metadataJSON), n.Read, formatTime(n.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to save notification: %w", err))
	}
	return nil
}

func (s *Store) Notifications(ctx context.Context, userID points.UserID, limit int) ([]notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, kind, title, message, priority, metadata_json, is_read, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query notifications: %w", err))
	}
	defer rows.Close()

	var result []notify.Notification
	for rows.Next() {
		var (
			n            notify.Notification
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Priority,
			&metadataJSON, &n.Read, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &n.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		n.CreatedAt = parseTime(createdAt)
		result = append(result, n)
	}
	return result, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"notifications", "penalties", "points_transactions", "points_ledgers", "images", "store_visits", "stores", "agents"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// mapError translates driver errors into the engine's sentinels.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		if isReplayConstraint(err.Error()) {
			return fmt.Errorf("%w: %v", points.ErrDuplicateIdempotencyKey, err)
		}
		return fmt.Errorf("%w: %v", points.ErrAlreadyExists, err)
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", points.ErrConcurrencyConflict, err)
	case se.ExtendedCode == sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%w: %v", points.ErrDataIntegrity, err)
	}
	return err
}

// isReplayConstraint reports whether a unique violation came from the
// columns that guard against applying the same visit outcome twice.
// SQLite names the columns, not the index, in the message.
func isReplayConstraint(msg string) bool {
	return strings.Contains(msg, "points_transactions.idempotency_key") ||
		strings.Contains(msg, "penalties.visit_id")
}

var (
	_ points.TxStore     = (*Store)(nil)
	_ points.ReportStore = (*Store)(nil)
	_ notify.Sink        = (*Store)(nil)
)

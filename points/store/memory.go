// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements points.TxStore and points.ReportStore in memory.
// Units of work are serialized by a single mutex, which also serves as the
// ledger and visit row lock.
type Memory struct {
	mu            sync.Mutex
	state         state
	notifications []notify.Notification
	Now           points.Clock
}

type visitRow struct {
	ID      points.VisitID
	UserID  points.UserID
	RouteID points.RouteID
	StoreID points.StoreID
	Status  points.VisitStatus
}

type state struct {
	ledgers      map[points.UserID]points.Ledger
	transactions []points.Transaction
	keys         map[string]int
	penalties    []points.Penalty
	stores       map[points.StoreID]points.StoreRef
	visits       map[points.VisitID]visitRow
	images       map[points.ImageID]points.Image
	imageOrder   []points.ImageID
	agents       map[points.UserID]points.Agent
}

func newState() state {
	return state{
		ledgers: make(map[points.UserID]points.Ledger),
		keys:    make(map[string]int),
		stores:  make(map[points.StoreID]points.StoreRef),
		visits:  make(map[points.VisitID]visitRow),
		images:  make(map[points.ImageID]points.Image),
		agents:  make(map[points.UserID]points.Agent),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState(), Now: points.UTCNow}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()

	if err := fn(&view{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.ledgers {
		c.ledgers[k] = v
	}
	c.transactions = append([]points.Transaction{}, s.transactions...)
	for k, v := range s.keys {
		c.keys[k] = v
	}
	c.penalties = append([]points.Penalty{}, s.penalties...)
	for k, v := range s.stores {
		c.stores[k] = v
	}
	for k, v := range s.visits {
		c.visits[k] = v
	}
	for k, v := range s.images {
		c.images[k] = v
	}
	c.imageOrder = append([]points.ImageID{}, s.imageOrder...)
	for k, v := range s.agents {
		c.agents[k] = v
	}
	return c
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================
// Memory methods take the mutex; the view returned by WithTx already holds it.

func (m *Memory) locked(fn func(v *view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{m: m})
}

func (m *Memory) LockLedger(ctx context.Context, userID points.UserID) (l *points.Ledger, err error) {
	err = m.locked(func(v *view) error { l, err = v.LockLedger(ctx, userID); return err })
	return l, err
}

func (m *Memory) GetLedger(ctx context.Context, userID points.UserID) (l *points.Ledger, err error) {
	err = m.locked(func(v *view) error { l, err = v.GetLedger(ctx, userID); return err })
	return l, err
}

func (m *Memory) SaveLedger(ctx context.Context, l *points.Ledger) error {
	return m.locked(func(v *view) error { return v.SaveLedger(ctx, l) })
}

func (m *Memory) AppendTransaction(ctx context.Context, tx *points.Transaction) error {
	return m.locked(func(v *view) error { return v.AppendTransaction(ctx, tx) })
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx *points.Transaction) error {
	return m.locked(func(v *view) error { return v.UpdateTransaction(ctx, tx) })
}

func (m *Memory) LatestEarned(ctx context.Context, visitID points.VisitID) (tx *points.Transaction, err error) {
	err = m.locked(func(v *view) error { tx, err = v.LatestEarned(ctx, visitID); return err })
	return tx, err
}

func (m *Memory) TransactionByKey(ctx context.Context, key string) (tx *points.Transaction, err error) {
	err = m.locked(func(v *view) error { tx, err = v.TransactionByKey(ctx, key); return err })
	return tx, err
}

func (m *Memory) CreatePenalty(ctx context.Context, p *points.Penalty) error {
	return m.locked(func(v *view) error { return v.CreatePenalty(ctx, p) })
}

func (m *Memory) PenaltyForVisit(ctx context.Context, visitID points.VisitID) (p *points.Penalty, err error) {
	err = m.locked(func(v *view) error { p, err = v.PenaltyForVisit(ctx, visitID); return err })
	return p, err
}

func (m *Memory) SaveStore(ctx context.Context, s points.StoreRef) error {
	return m.locked(func(v *view) error { return v.SaveStore(ctx, s) })
}

func (m *Memory) GetVisit(ctx context.Context, id points.VisitID) (vis *points.Visit, err error) {
	err = m.locked(func(v *view) error { vis, err = v.GetVisit(ctx, id); return err })
	return vis, err
}

func (m *Memory) LockVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return m.GetVisit(ctx, id)
}

func (m *Memory) CreateVisit(ctx context.Context, vis *points.Visit) error {
	return m.locked(func(v *view) error { return v.CreateVisit(ctx, vis) })
}

func (m *Memory) UpdateVisitStatus(ctx context.Context, id points.VisitID, status points.VisitStatus) error {
	return m.locked(func(v *view) error { return v.UpdateVisitStatus(ctx, id, status) })
}

func (m *Memory) GetImage(ctx context.Context, id points.ImageID) (img *points.Image, err error) {
	err = m.locked(func(v *view) error { img, err = v.GetImage(ctx, id); return err })
	return img, err
}

func (m *Memory) CreateImage(ctx context.Context, img *points.Image) error {
	return m.locked(func(v *view) error { return v.CreateImage(ctx, img) })
}

func (m *Memory) UpdateImageQuality(ctx context.Context, id points.ImageID, q points.QualityStatus) error {
	return m.locked(func(v *view) error { return v.UpdateImageQuality(ctx, id, q) })
}

func (m *Memory) SaveAgent(ctx context.Context, a points.Agent) error {
	return m.locked(func(v *view) error { return v.SaveAgent(ctx, a) })
}

func (m *Memory) GetAgent(ctx context.Context, id points.UserID) (a *points.Agent, err error) {
	err = m.locked(func(v *view) error { a, err = v.GetAgent(ctx, id); return err })
	return a, err
}

// =============================================================================
// REPORTING (points.ReportStore)
// =============================================================================

func (m *Memory) Transactions(_ context.Context, userID points.UserID, limit int) ([]points.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []points.Transaction
	for i := len(m.state.transactions) - 1; i >= 0; i-- {
		tx := m.state.transactions[i]
		if tx.UserID != userID {
			continue
		}
		result = append(result, tx)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) EarnedTransactions(_ context.Context, userID points.UserID, period points.Period) ([]points.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []points.Transaction
	for i := len(m.state.transactions) - 1; i >= 0; i-- {
		tx := m.state.transactions[i]
		if tx.UserID == userID && tx.Type == points.TxEarned && period.Contains(tx.CreatedAt) {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *Memory) Penalties(_ context.Context, userID points.UserID, period points.Period) ([]points.Penalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []points.Penalty
	for i := len(m.state.penalties) - 1; i >= 0; i-- {
		p := m.state.penalties[i]
		if p.UserID == userID && period.Contains(p.IssuedAt) {
			result = append(result, p)
		}
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Operates on state with the mutex held
// =============================================================================

type view struct {
	m *Memory
}

func (v *view) st() *state { return &v.m.state }

func (v *view) LockLedger(_ context.Context, userID points.UserID) (*points.Ledger, error) {
	l, ok := v.st().ledgers[userID]
	if !ok {
		now := v.m.Now()
		l = points.Ledger{UserID: userID, CreatedAt: now, UpdatedAt: now}
		v.st().ledgers[userID] = l
	}
	return &l, nil
}

func (v *view) GetLedger(_ context.Context, userID points.UserID) (*points.Ledger, error) {
	l, ok := v.st().ledgers[userID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (v *view) SaveLedger(_ context.Context, l *points.Ledger) error {
	l.UpdatedAt = v.m.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = l.UpdatedAt
	}
	v.st().ledgers[l.UserID] = *l
	return nil
}

func (v *view) AppendTransaction(_ context.Context, tx *points.Transaction) error {
	s := v.st()
	if tx.IdempotencyKey != "" {
		if _, exists := s.keys[tx.IdempotencyKey]; exists {
			return points.ErrDuplicateIdempotencyKey
		}
	}
	now := v.m.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.transactions = append(s.transactions, *tx)
	if tx.IdempotencyKey != "" {
		s.keys[tx.IdempotencyKey] = len(s.transactions) - 1
	}
	return nil
}

func (v *view) UpdateTransaction(_ context.Context, tx *points.Transaction) error {
	s := v.st()
	for i := range s.transactions {
		if s.transactions[i].ID == tx.ID {
			tx.UpdatedAt = v.m.Now()
			s.transactions[i].Points = tx.Points
			s.transactions[i].Activity = tx.Activity
			s.transactions[i].Description = tx.Description
			s.transactions[i].UpdatedAt = tx.UpdatedAt
			return nil
		}
	}
	return points.ErrDataIntegrity
}

func (v *view) LatestEarned(_ context.Context, visitID points.VisitID) (*points.Transaction, error) {
	s := v.st()
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.VisitID == visitID && tx.Type == points.TxEarned {
			return &tx, nil
		}
	}
	return nil, nil
}

func (v *view) TransactionByKey(_ context.Context, key string) (*points.Transaction, error) {
	i, ok := v.st().keys[key]
	if !ok {
		return nil, nil
	}
	tx := v.st().transactions[i]
	return &tx, nil
}

func (v *view) CreatePenalty(ctx context.Context, p *points.Penalty) error {
	if p.VisitID != "" {
		if prev, _ := v.PenaltyForVisit(ctx, p.VisitID); prev != nil {
			return points.ErrDuplicateIdempotencyKey
		}
	}
	if p.IssuedAt.IsZero() {
		p.IssuedAt = v.m.Now()
	}
	v.st().penalties = append(v.st().penalties, *p)
	return nil
}

func (v *view) PenaltyForVisit(_ context.Context, visitID points.VisitID) (*points.Penalty, error) {
	s := v.st()
	for i := len(s.penalties) - 1; i >= 0; i-- {
		if s.penalties[i].VisitID == visitID {
			p := s.penalties[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (v *view) SaveStore(_ context.Context, s points.StoreRef) error {
	v.st().stores[s.ID] = s
	return nil
}

func (v *view) GetVisit(_ context.Context, id points.VisitID) (*points.Visit, error) {
	s := v.st()
	row, ok := s.visits[id]
	if !ok {
		return nil, points.ErrVisitNotFound
	}

	visit := &points.Visit{
		ID:      row.ID,
		UserID:  row.UserID,
		RouteID: row.RouteID,
		Status:  row.Status,
		Images:  []points.Image{},
	}
	if ref, ok := s.stores[row.StoreID]; ok {
		visit.Store = &ref
	}
	for _, imgID := range s.imageOrder {
		if img := s.images[imgID]; img.VisitID == id {
			visit.Images = append(visit.Images, img)
		}
	}
	return visit, nil
}

func (v *view) LockVisit(ctx context.Context, id points.VisitID) (*points.Visit, error) {
	return v.GetVisit(ctx, id)
}

func (v *view) CreateVisit(_ context.Context, vis *points.Visit) error {
	if _, exists := v.st().visits[vis.ID]; exists {
		return fmt.Errorf("%w: visit %s", points.ErrAlreadyExists, vis.ID)
	}
	row := visitRow{ID: vis.ID, UserID: vis.UserID, RouteID: vis.RouteID, Status: vis.Status}
	if vis.Store != nil {
		row.StoreID = vis.Store.ID
		if _, ok := v.st().stores[vis.Store.ID]; !ok {
			v.st().stores[vis.Store.ID] = *vis.Store
		}
	}
	v.st().visits[vis.ID] = row
	return nil
}

func (v *view) UpdateVisitStatus(_ context.Context, id points.VisitID, status points.VisitStatus) error {
	row, ok := v.st().visits[id]
	if !ok {
		return points.ErrVisitNotFound
	}
	row.Status = status
	v.st().visits[id] = row
	return nil
}

func (v *view) GetImage(_ context.Context, id points.ImageID) (*points.Image, error) {
	img, ok := v.st().images[id]
	if !ok {
		return nil, points.ErrImageNotFound
	}
	return &img, nil
}

func (v *view) CreateImage(_ context.Context, img *points.Image) error {
	s := v.st()
	if _, ok := s.visits[img.VisitID]; !ok {
		return points.ErrVisitNotFound
	}
	if _, exists := s.images[img.ID]; exists {
		return fmt.Errorf("%w: image %s", points.ErrAlreadyExists, img.ID)
	}
	s.imageOrder = append(s.imageOrder, img.ID)
	s.images[img.ID] = *img
	return nil
}

func (v *view) UpdateImageQuality(_ context.Context, id points.ImageID, q points.QualityStatus) error {
	img, ok := v.st().images[id]
	if !ok {
		return points.ErrImageNotFound
	}
	img.Quality = q
	v.st().images[id] = img
	return nil
}

func (v *view) SaveAgent(_ context.Context, a points.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = v.m.Now()
	}
	v.st().agents[a.ID] = a
	return nil
}

func (v *view) GetAgent(_ context.Context, id points.UserID) (*points.Agent, error) {
	a, ok := v.st().agents[id]
	if !ok {
		return nil, points.ErrAgentNotFound
	}
	return &a, nil
}

// Agents returns all agents ordered by name.
func (m *Memory) Agents(_ context.Context) ([]points.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents := make([]points.Agent, 0, len(m.state.agents))
	for _, a := range m.state.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// =============================================================================
// NOTIFICATIONS (notify.Sink)
// =============================================================================
// Notifications live outside the snapshot: they are written after commit.

func (m *Memory) SaveNotification(_ context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) Notifications(_ context.Context, userID points.UserID, limit int) ([]notify.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []notify.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].UserID != userID {
			continue
		}
		result = append(result, m.notifications[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	m.notifications = nil
	return nil
}

var (
	_ points.TxStore     = (*Memory)(nil)
	_ points.ReportStore = (*Memory)(nil)
	_ notify.Sink        = (*Memory)(nil)
)

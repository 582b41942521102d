/*
Package visits applies points side effects to store visit transitions.

PURPOSE:
  A field agent's visit ends either COMPLETED (points are earned, scaled by
  image quality) or SKIPPED (a penalty is issued and points are deducted).
  Image quality decisions made after completion re-derive the award.

KEY TYPES:
  - Processor:  award, penalty, recalculation and redemption against one
                agent ledger (this file)
  - Dispatcher: decides which processor a before/after pair triggers
                (dispatcher.go)
  - Operations: the state-changing use cases that call the dispatcher
                inside the same unit of work (operations.go)

ATOMICITY:
  One transition -> one ledger mutation -> one or more log/penalty rows,
  committed together by points.TxStore.WithTx. If any step fails the
  state change itself is rolled back.

IDEMPOTENCY:
  Every visit has at most one EARNED row (key visit:<id>:earned) and at
  most one penalty with its DEDUCTED row (key visit:<id>:missed).
  Re-delivered events either recalculate or return what already exists.

SEE ALSO:
  - rules/rules.go: the point and penalty amounts
  - points/ledger.go: balance mutation rules
*/
package visits

import (
	"context"
	"fmt"

	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/rules"
	"github.com/google/uuid"
)

// Emitter receives the events of committed units of work.
type Emitter interface {
	Emit(ctx context.Context, events ...notify.Event)
}

// Outcome describes the side effects of one transition.
type Outcome struct {
	Visit       *points.Visit
	Image       *points.Image
	Transaction *points.Transaction
	Penalty     *points.Penalty

	// Events are emitted only after the unit of work commits.
	Events []notify.Event
}

func (o *Outcome) merge(other Outcome) {
	if other.Transaction != nil {
		o.Transaction = other.Transaction
	}
	if other.Penalty != nil {
		o.Penalty = other.Penalty
	}
	o.Events = append(o.Events, other.Events...)
}

// EarnedKey is the idempotency key of a visit's award.
func EarnedKey(id points.VisitID) string { return fmt.Sprintf("visit:%s:earned", id) }

// MissedKey is the idempotency key of a visit's missed-visit deduction.
func MissedKey(id points.VisitID) string { return fmt.Sprintf("visit:%s:missed", id) }

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor applies rule results to agent ledgers.
type Processor struct {
	store   points.TxStore
	rules   rules.RuleSet
	emitter Emitter
	newID   func() string
}

// NewProcessor creates a processor. emitter may be nil.
func NewProcessor(store points.TxStore, r rules.RuleSet, emitter Emitter) *Processor {
	return &Processor{
		store:   store,
		rules:   r,
		emitter: emitter,
		newID:   uuid.NewString,
	}
}

func (p *Processor) emit(ctx context.Context, out Outcome) {
	if p.emitter != nil && len(out.Events) > 0 {
		p.emitter.Emit(ctx, out.Events...)
	}
}

// onVisit runs fn against the row-locked visit in its own unit of work and
// emits the resulting events after commit.
func (p *Processor) onVisit(ctx context.Context, visitID points.VisitID, fn func(points.Store, points.Visit) (Outcome, error)) (Outcome, error) {
	var out Outcome
	err := p.store.WithTx(ctx, func(s points.Store) error {
		v, err := s.LockVisit(ctx, visitID)
		if err != nil {
			return err
		}
		out, err = fn(s, *v)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	p.emit(ctx, out)
	return out, nil
}

// GetOrCreateLedger returns the agent's ledger, creating an empty one.
func (p *Processor) GetOrCreateLedger(ctx context.Context, userID points.UserID) (*points.Ledger, error) {
	var ledger *points.Ledger
	err := p.store.WithTx(ctx, func(s points.Store) error {
		l, err := s.LockLedger(ctx, userID)
		ledger = l
		return err
	})
	return ledger, err
}

// AwardVisitPoints credits a completed visit. Returns (nil, nil) when the
// visit is not COMPLETED.
func (p *Processor) AwardVisitPoints(ctx context.Context, visitID points.VisitID) (*points.Transaction, error) {
	out, err := p.onVisit(ctx, visitID, func(s points.Store, v points.Visit) (Outcome, error) {
		return p.award(ctx, s, v)
	})
	return out.Transaction, err
}

// DeductMissedVisitPoints penalizes a skipped visit. Returns (nil, nil, nil)
// when the visit is not SKIPPED.
func (p *Processor) DeductMissedVisitPoints(ctx context.Context, visitID points.VisitID) (*points.Penalty, *points.Transaction, error) {
	out, err := p.onVisit(ctx, visitID, func(s points.Store, v points.Visit) (Outcome, error) {
		return p.deduct(ctx, s, v)
	})
	return out.Penalty, out.Transaction, err
}

// RecalculateVisitPoints re-derives a completed visit's award from its
// current images and applies the delta.
func (p *Processor) RecalculateVisitPoints(ctx context.Context, visitID points.VisitID) (*points.Transaction, error) {
	out, err := p.onVisit(ctx, visitID, func(s points.Store, v points.Visit) (Outcome, error) {
		return p.recalculate(ctx, s, v)
	})
	return out.Transaction, err
}

// RedeemPoints spends available points on a reward.
func (p *Processor) RedeemPoints(ctx context.Context, userID points.UserID, amount int, description string) (*points.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: redemption of %d points", points.ErrInvalidAmount, amount)
	}
	if description == "" {
		description = fmt.Sprintf("Redeemed %d points", amount)
	}

	var tx *points.Transaction
	err := p.store.WithTx(ctx, func(s points.Store) error {
		ledger, err := s.LockLedger(ctx, userID)
		if err != nil {
			return err
		}
		if ledger.AvailablePoints < amount {
			return &points.InsufficientPointsError{UserID: userID, Available: ledger.AvailablePoints, Requested: amount}
		}

		ledger.DeductPoints(amount)
		if err := s.SaveLedger(ctx, ledger); err != nil {
			return fmt.Errorf("save ledger: %w", err)
		}

		tx = &points.Transaction{
			ID:          points.TransactionID(p.newID()),
			UserID:      userID,
			Type:        points.TxRedeemed,
			Activity:    points.ActivityRewardRedemption,
			Points:      -amount,
			Description: description,
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ev, ok := notify.PointsEvent(*tx); ok {
		p.emit(ctx, Outcome{Events: []notify.Event{ev}})
	}
	return tx, nil
}

// =============================================================================
// UNIT OF WORK STEPS - Run against the caller's Store
// =============================================================================

func (p *Processor) award(ctx context.Context, s points.Store, v points.Visit) (Outcome, error) {
	if v.Status != points.VisitCompleted {
		return Outcome{}, nil
	}

	existing, err := s.LatestEarned(ctx, v.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup award: %w", err)
	}
	if existing != nil {
		return p.recalculate(ctx, s, v)
	}

	ledger, err := s.LockLedger(ctx, v.UserID)
	if err != nil {
		return Outcome{}, err
	}

	award := p.rules.QualityPoints(v.Images)
	ledger.AddPoints(award.Points, points.TxEarned)
	if err := s.SaveLedger(ctx, ledger); err != nil {
		return Outcome{}, fmt.Errorf("save ledger: %w", err)
	}

	tx := &points.Transaction{
		ID:             points.TransactionID(p.newID()),
		UserID:         v.UserID,
		Type:           points.TxEarned,
		Activity:       award.Activity,
		Points:         award.Points,
		Description:    award.Description,
		VisitID:        v.ID,
		RouteID:        v.RouteID,
		IdempotencyKey: EarnedKey(v.ID),
	}
	if v.Store != nil {
		tx.StoreID = v.Store.ID
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return Outcome{}, fmt.Errorf("append transaction: %w", err)
	}

	out := Outcome{Transaction: tx}
	if ev, ok := notify.PointsEvent(*tx); ok {
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (p *Processor) deduct(ctx context.Context, s points.Store, v points.Visit) (Outcome, error) {
	if v.Status != points.VisitSkipped {
		return Outcome{}, nil
	}

	existing, err := s.PenaltyForVisit(ctx, v.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup penalty: %w", err)
	}
	if existing != nil {
		tx, err := s.TransactionByKey(ctx, MissedKey(v.ID))
		if err != nil {
			return Outcome{}, fmt.Errorf("lookup deduction: %w", err)
		}
		return Outcome{Penalty: existing, Transaction: tx}, nil
	}

	if v.Store == nil {
		return Outcome{}, &points.DataIntegrityError{VisitID: v.ID, Field: "store", Detail: "is required to compute a penalty"}
	}
	pen, err := p.rules.MissedVisitPenalty(v.Store.Priority)
	if err != nil {
		return Outcome{}, &points.DataIntegrityError{VisitID: v.ID, Field: "store.priority", Detail: err.Error()}
	}

	ledger, err := s.LockLedger(ctx, v.UserID)
	if err != nil {
		return Outcome{}, err
	}
	ledger.DeductPoints(pen.PointsDeducted)
	if err := s.SaveLedger(ctx, ledger); err != nil {
		return Outcome{}, fmt.Errorf("save ledger: %w", err)
	}

	label := v.Store.Priority.Label()
	penalty := &points.Penalty{
		ID:             points.PenaltyID(p.newID()),
		UserID:         v.UserID,
		StoreID:        v.Store.ID,
		RouteID:        v.RouteID,
		VisitID:        v.ID,
		Reason:         fmt.Sprintf("Missed visit to %s (%s)", v.Store.Name, label),
		Amount:         pen.Amount,
		PointsDeducted: pen.PointsDeducted,
		Type:           points.PenaltyFinancial,
		Status:         points.PenaltyIssued,
	}
	if err := s.CreatePenalty(ctx, penalty); err != nil {
		return Outcome{}, fmt.Errorf("create penalty: %w", err)
	}

	tx := &points.Transaction{
		ID:             points.TransactionID(p.newID()),
		UserID:         v.UserID,
		Type:           points.TxDeducted,
		Activity:       pen.Activity,
		Points:         -pen.PointsDeducted,
		Description:    fmt.Sprintf("Missed visit penalty for %s (%s)", v.Store.Name, label),
		VisitID:        v.ID,
		StoreID:        v.Store.ID,
		RouteID:        v.RouteID,
		IdempotencyKey: MissedKey(v.ID),
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return Outcome{}, fmt.Errorf("append transaction: %w", err)
	}

	out := Outcome{Penalty: penalty, Transaction: tx, Events: []notify.Event{notify.PenaltyEvent(*penalty)}}
	if ev, ok := notify.PointsEvent(*tx); ok {
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func (p *Processor) recalculate(ctx context.Context, s points.Store, v points.Visit) (Outcome, error) {
	if v.Status != points.VisitCompleted {
		return Outcome{}, nil
	}

	existing, err := s.LatestEarned(ctx, v.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup award: %w", err)
	}
	if existing == nil {
		return p.award(ctx, s, v)
	}

	award := p.rules.QualityPoints(v.Images)
	if award.Points == existing.Points {
		return Outcome{Transaction: existing}, nil
	}

	ledger, err := s.LockLedger(ctx, v.UserID)
	if err != nil {
		return Outcome{}, err
	}
	delta := award.Points - existing.Points
	if delta > 0 {
		ledger.AddPoints(delta, points.TxEarned)
	} else {
		ledger.DeductPoints(-delta)
	}
	if err := s.SaveLedger(ctx, ledger); err != nil {
		return Outcome{}, fmt.Errorf("save ledger: %w", err)
	}

	existing.Points = award.Points
	existing.Activity = award.Activity
	existing.Description = award.Description
	if err := s.UpdateTransaction(ctx, existing); err != nil {
		return Outcome{}, fmt.Errorf("update transaction: %w", err)
	}
	return Outcome{Transaction: existing}, nil
}

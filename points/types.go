/*
Package points provides the core data model of the points engine.

PURPOSE:
  Field agents earn points for completed store visits and lose points
  (plus a financial penalty) for skipped ones. This package holds the
  types shared by every other package: the per-agent Ledger, the
  Transaction log entry, the Penalty record, and the Visit/Image views
  consumed from the operations side.

KEY CONCEPTS IN THIS FILE (types.go):
  - Ledger: running balance per agent (total/available/lifetime)
  - Transaction: one points change, tagged with cause and linked entities
  - Penalty: issued once per skipped visit
  - Visit/Image: external entities, read but not owned

DESIGN PRINCIPLES:
  1. Integers for points, decimal.Decimal for money
  2. Strong string types for statuses so switch statements stay exhaustive
  3. The Ledger is only mutated through AddPoints/DeductPoints (ledger.go)

SEE ALSO:
  - ledger.go: balance mutation rules
  - store.go: persistence interfaces
  - errors.go: error kinds
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type VisitID string
type ImageID string
type StoreID string
type RouteID string
type TransactionID string
type PenaltyID string

// =============================================================================
// LEDGER - Per-agent balance
// =============================================================================

// Ledger is the points balance of one field agent.
type Ledger struct {
	UserID          UserID
	TotalPoints     int
	AvailablePoints int
	LifetimePoints  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// TRANSACTION - Points log entry
// =============================================================================

type TransactionType string

const (
	TxEarned   TransactionType = "EARNED"
	TxDeducted TransactionType = "DEDUCTED"
	TxRedeemed TransactionType = "REDEEMED"
)

type ActivityType string

const (
	ActivityVisitCompletion       ActivityType = "VISIT_COMPLETION"
	ActivityPerfectVisit          ActivityType = "PERFECT_VISIT"
	ActivityImageQualityBonus     ActivityType = "IMAGE_QUALITY_BONUS"
	ActivityImageRejectionPenalty ActivityType = "IMAGE_REJECTION_PENALTY"
	ActivityMissedVisitPenalty    ActivityType = "MISSED_VISIT_PENALTY"
	ActivityHighPriorityMissed    ActivityType = "HIGH_PRIORITY_MISSED"
	ActivityRewardRedemption      ActivityType = "REWARD_REDEMPTION"
)

// Transaction records one change to an agent's points.
// Points is positive for earned and negative for deducted/redeemed.
//
// Rows are append-only with one exception: recalculation rewrites the
// EARNED row of a visit in place so there is always a single current
// award per visit.
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	Type           TransactionType
	Activity       ActivityType
	Points         int
	Description    string
	VisitID        VisitID
	StoreID        StoreID
	RouteID        RouteID
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// PENALTY
// =============================================================================

type PenaltyType string

const (
	PenaltyFinancial PenaltyType = "FINANCIAL"
	PenaltyWarning   PenaltyType = "WARNING"
)

type PenaltyStatus string

const (
	PenaltyIssued   PenaltyStatus = "ISSUED"
	PenaltyPaid     PenaltyStatus = "PAID"
	PenaltyDisputed PenaltyStatus = "DISPUTED"
)

// Penalty is issued when an agent skips a visit.
// Status transitions after ISSUED belong to the administration workflow.
type Penalty struct {
	ID             PenaltyID
	UserID         UserID
	StoreID        StoreID
	RouteID        RouteID
	VisitID        VisitID
	Reason         string
	Amount         decimal.Decimal
	PointsDeducted int
	Type           PenaltyType
	Status         PenaltyStatus
	IssuedAt       time.Time
}

// =============================================================================
// VISITS AND IMAGES - Consumed from operations
// =============================================================================

type VisitStatus string

const (
	VisitInProgress VisitStatus = "IN_PROGRESS"
	VisitCompleted  VisitStatus = "COMPLETED"
	VisitSkipped    VisitStatus = "SKIPPED"
	VisitFlagged    VisitStatus = "FLAGGED"
)

// Valid reports whether s is a known visit status.
func (s VisitStatus) Valid() bool {
	switch s {
	case VisitInProgress, VisitCompleted, VisitSkipped, VisitFlagged:
		return true
	}
	return false
}

// Terminal reports whether s triggers points side effects.
func (s VisitStatus) Terminal() bool {
	return s == VisitCompleted || s == VisitSkipped
}

type QualityStatus string

const (
	QualityPending  QualityStatus = "PENDING"
	QualityApproved QualityStatus = "APPROVED"
	QualityRejected QualityStatus = "REJECTED"
)

func (q QualityStatus) Valid() bool {
	switch q {
	case QualityPending, QualityApproved, QualityRejected:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Label is the human readable priority used in penalty reasons.
func (p Priority) Label() string {
	switch p {
	case PriorityHigh:
		return "High Priority"
	case PriorityMedium:
		return "Medium Priority"
	case PriorityLow:
		return "Low Priority"
	}
	return string(p)
}

// StoreRef is the part of a store the engine needs.
type StoreRef struct {
	ID       StoreID
	Name     string
	Priority Priority
}

// Visit is a store visit as seen by the engine.
type Visit struct {
	ID      VisitID
	UserID  UserID
	RouteID RouteID
	Store   *StoreRef
	Status  VisitStatus
	Images  []Image
}

// Image is a photo captured during a visit.
type Image struct {
	ID      ImageID
	VisitID VisitID
	Quality QualityStatus
}

// =============================================================================
// AGENT - Notification preferences
// =============================================================================

// Agent carries the notification preferences of a field agent.
type Agent struct {
	ID           UserID
	Name         string
	PushEnabled  bool
	RewardAlerts bool
	QCAlerts     bool
	CreatedAt    time.Time
}
